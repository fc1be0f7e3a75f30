// Package fakes provides in-memory implementations of the service's external
// collaborators. The local run mode uses the logging Provider; the other
// fakes back wiring tests that need real behaviour without a database.
package fakes

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// --- Directory ---

// Directory is an in-memory user directory.
type Directory struct {
	mu       sync.RWMutex
	users    map[string]notify.Identity
	inactive map[string]bool
}

func NewDirectory() *Directory {
	return &Directory{
		users:    make(map[string]notify.Identity),
		inactive: make(map[string]bool),
	}
}

// Add registers an active user.
func (d *Directory) Add(id notify.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id.UserID] = id
	delete(d.inactive, id.UserID)
}

// Deactivate keeps the user but excludes them from membership lookups.
func (d *Directory) Deactivate(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inactive[userID] = true
}

func (d *Directory) TeamMembers(_ context.Context, teamID string) ([]string, error) {
	return d.members(func(id notify.Identity) bool { return id.TeamID == teamID }), nil
}

func (d *Directory) AgencyMembers(_ context.Context, agencyID string) ([]string, error) {
	return d.members(func(id notify.Identity) bool { return id.AgencyID == agencyID }), nil
}

func (d *Directory) IsActive(_ context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[userID]
	return ok && !d.inactive[userID], nil
}

func (d *Directory) members(match func(notify.Identity) bool) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for userID, id := range d.users {
		if match(id) && !d.inactive[userID] {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

// --- NotificationStore ---

// NotificationStore keeps rows in memory, keyed by (correlation id, user id).
type NotificationStore struct {
	mu   sync.Mutex
	rows map[string]notify.Notification
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{rows: make(map[string]notify.Notification)}
}

func (s *NotificationStore) InsertMany(_ context.Context, rows []notify.Notification) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, r := range rows {
		key := r.CorrelationID + "/" + r.UserID
		if _, ok := s.rows[key]; ok {
			continue
		}
		s.rows[key] = r
		inserted++
	}
	return inserted, nil
}

// ForUser returns the rows stored for userID.
func (s *NotificationStore) ForUser(userID string) []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Notification
	for _, r := range s.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

// --- DeviceTokenStore ---

// TokenStore is an in-memory device token store keyed by token.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]notify.DeviceToken
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]notify.DeviceToken)}
}

func (s *TokenStore) RegisterToken(_ context.Context, t notify.DeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.Token] = t
	return nil
}

func (s *TokenStore) FindByUsers(_ context.Context, userIDs []string) ([]notify.DeviceToken, error) {
	want := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		want[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.DeviceToken
	for _, t := range s.tokens {
		if want[t.UserID] {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (s *TokenStore) DeleteTokens(_ context.Context, tokens []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range tokens {
		if _, ok := s.tokens[t]; ok {
			delete(s.tokens, t)
			n++
		}
	}
	return n, nil
}

// --- Provider ---

// Provider accepts every token and logs the push instead of sending it.
type Provider struct {
	logger zerolog.Logger

	mu   sync.Mutex
	sent []notify.MulticastMessage
}

func NewProvider(logger zerolog.Logger) *Provider {
	return &Provider{logger: logger.With().Str("component", "FakePushProvider").Logger()}
}

func (p *Provider) SendMulticast(_ context.Context, msg *notify.MulticastMessage) (*notify.BatchResult, error) {
	p.mu.Lock()
	p.sent = append(p.sent, *msg)
	p.mu.Unlock()

	p.logger.Info().
		Int("tokens", len(msg.Tokens)).
		Str("title", msg.Title).
		Str("priority", string(msg.Priority)).
		Msg("Push accepted (not sent)")

	res := &notify.BatchResult{SuccessCount: len(msg.Tokens)}
	for _, t := range msg.Tokens {
		res.Results = append(res.Results, notify.SendResult{Token: t})
	}
	return res, nil
}

// Sent returns a copy of every message accepted so far.
func (p *Provider) Sent() []notify.MulticastMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.MulticastMessage(nil), p.sent...)
}
