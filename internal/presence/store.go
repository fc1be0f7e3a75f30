// Package presence implements the shared, TTL-bound presence registry on Redis.
//
// Keys:
//
//	presence:user:{id}      HASH  user record, expires after the presence TTL
//	presence:sessions:{id}  LIST  live session handles, most recent first
//	online:agency:{id}      SET   user ids online in the agency
//	online:team:{id}        SET   user ids online in the team
//	presence:index          HASH  user id -> last seen, never expires
//
// A user is online iff its session list is non-empty. The index survives TTL
// expiry so the stale sweep can find users whose process died without cleanup.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

const (
	DefaultTTL         = 300 * time.Second
	DefaultMaxSessions = 10

	indexKey     = "presence:index"
	scanPageSize = 200
)

// Group selects an aggregate set.
type Group string

const (
	GroupAgency Group = "agency"
	GroupTeam   Group = "team"
)

// redisClient defines the subset of go-redis the store needs.
type redisClient interface {
	redis.Scripter
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	HScan(ctx context.Context, key string, cursor uint64, match string, count int64) *redis.ScanCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// Store is the Redis presence registry. All mutations are single commands or
// MULTI/EXEC transactions; nothing is cached in process.
type Store struct {
	client      redisClient
	maxSessions int64
	logger      zerolog.Logger
	now         func() time.Time
}

// clearIfNoSessions removes the record, the index entry and the aggregate set
// memberships only while the session list is empty. A reconnect on another
// process between RemoveSession and MarkOffline therefore keeps the user online.
//
// KEYS[1] record, KEYS[2] session list, KEYS[3] index, KEYS[4..] aggregate sets.
// ARGV[1] user id.
var clearIfNoSessions = redis.NewScript(`
if redis.call('LLEN', KEYS[2]) > 0 then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HDEL', KEYS[3], ARGV[1])
for i = 4, #KEYS do
  redis.call('SREM', KEYS[i], ARGV[1])
end
return 1
`)

type indexEntry struct {
	AgencyID string `json:"agencyId,omitempty"`
	TeamID   string `json:"teamId,omitempty"`
	LastSeen int64  `json:"lastSeen"`
}

// NewStore creates a presence store. maxSessions <= 0 selects DefaultMaxSessions.
func NewStore(client redisClient, maxSessions int, logger zerolog.Logger) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Store{
		client:      client,
		maxSessions: int64(maxSessions),
		logger:      logger.With().Str("component", "PresenceStore").Logger(),
		now:         time.Now,
	}, nil
}

func userKey(userID string) string           { return "presence:user:" + userID }
func sessionsKey(userID string) string       { return "presence:sessions:" + userID }
func groupKey(group Group, id string) string { return "online:" + string(group) + ":" + id }

// MarkOnline writes the user record and adds the user to its aggregate sets in
// one transaction.
func (s *Store) MarkOnline(ctx context.Context, id notify.Identity, ttl time.Duration) error {
	if err := s.arm(ctx, id, "", ttl); err != nil {
		return fmt.Errorf("failed to mark user %s online: %w", id.UserID, err)
	}
	s.logger.Debug().Str("user", id.UserID).Dur("ttl", ttl).Msg("User marked online")
	return nil
}

// Refresh re-arms the TTL on the user record, its aggregate sets and its
// session list together. The heartbeating handle is put back at the head of the
// session list, so a handle lost to a concurrent cleanup is restored.
func (s *Store) Refresh(ctx context.Context, id notify.Identity, handle string, ttl time.Duration) error {
	if handle == "" {
		return fmt.Errorf("session handle cannot be empty")
	}
	if err := s.arm(ctx, id, handle, ttl); err != nil {
		return fmt.Errorf("failed to refresh presence for user %s: %w", id.UserID, err)
	}
	return nil
}

// arm writes the record and group memberships. A non-empty handle also
// re-asserts that session.
func (s *Store) arm(ctx context.Context, id notify.Identity, handle string, ttl time.Duration) error {
	if id.UserID == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	now := s.now().UnixMilli()
	entry, err := json.Marshal(indexEntry{AgencyID: id.AgencyID, TeamID: id.TeamID, LastSeen: now})
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := userKey(id.UserID)
		pipe.HSet(ctx, key,
			"userId", id.UserID,
			"agencyId", id.AgencyID,
			"teamId", id.TeamID,
			"lastSeen", now,
		)
		pipe.Expire(ctx, key, ttl)
		if id.AgencyID != "" {
			g := groupKey(GroupAgency, id.AgencyID)
			pipe.SAdd(ctx, g, id.UserID)
			pipe.Expire(ctx, g, ttl)
		}
		if id.TeamID != "" {
			g := groupKey(GroupTeam, id.TeamID)
			pipe.SAdd(ctx, g, id.UserID)
			pipe.Expire(ctx, g, ttl)
		}
		if handle != "" {
			sk := sessionsKey(id.UserID)
			pipe.LRem(ctx, sk, 0, handle)
			pipe.LPush(ctx, sk, handle)
			pipe.LTrim(ctx, sk, 0, s.maxSessions-1)
			pipe.Expire(ctx, sk, ttl)
		}
		pipe.HSet(ctx, indexKey, id.UserID, entry)
		return nil
	})
	return err
}

// MarkOffline removes the user record, its aggregate set memberships and its
// index entry, unless the user has a live session again. It is idempotent.
func (s *Store) MarkOffline(ctx context.Context, id notify.Identity) error {
	keys := []string{userKey(id.UserID), sessionsKey(id.UserID), indexKey}
	if id.AgencyID != "" {
		keys = append(keys, groupKey(GroupAgency, id.AgencyID))
	}
	if id.TeamID != "" {
		keys = append(keys, groupKey(GroupTeam, id.TeamID))
	}
	cleared, err := clearIfNoSessions.Run(ctx, s.client, keys, id.UserID).Int()
	if err != nil {
		return fmt.Errorf("failed to mark user %s offline: %w", id.UserID, err)
	}
	if cleared == 0 {
		s.logger.Debug().Str("user", id.UserID).Msg("User reconnected, keeping presence")
		return nil
	}
	s.logger.Debug().Str("user", id.UserID).Msg("User marked offline")
	return nil
}

// AddSession records a session handle, keeping only the most recent handles.
func (s *Store) AddSession(ctx context.Context, userID, handle string, ttl time.Duration) error {
	key := sessionsKey(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, handle)
		pipe.LTrim(ctx, key, 0, s.maxSessions-1)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add session for user %s: %w", userID, err)
	}
	return nil
}

// RemoveSession drops a handle and returns how many remain, so the caller can
// decide whether this was the user's last socket.
func (s *Store) RemoveSession(ctx context.Context, userID, handle string) (int64, error) {
	key := sessionsKey(userID)
	var remaining *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, key, 0, handle)
		remaining = pipe.LLen(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to remove session for user %s: %w", userID, err)
	}
	return remaining.Val(), nil
}

// Sessions lists the live session handles of a user, most recent first.
func (s *Store) Sessions(ctx context.Context, userID string) ([]string, error) {
	handles, err := s.client.LRange(ctx, sessionsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user %s: %w", userID, err)
	}
	return handles, nil
}

// Get returns the user's presence record, or nil if it has expired.
func (s *Store) Get(ctx context.Context, userID string) (*notify.PresenceRecord, error) {
	fields, err := s.client.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence for user %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &notify.PresenceRecord{
		UserID:   fields["userId"],
		AgencyID: fields["agencyId"],
		TeamID:   fields["teamId"],
	}
	rec.LastSeen, _ = strconv.ParseInt(fields["lastSeen"], 10, 64)
	return rec, nil
}

// ListOnline returns the members of an aggregate set.
//
// Reading also re-arms the set's TTL: a group that is queried stays warm even
// if its members' own heartbeats lapse. Membership is still authoritative only
// through Partition.
func (s *Store) ListOnline(ctx context.Context, group Group, id string, ttl time.Duration) ([]string, error) {
	key := groupKey(group, id)
	var members *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list online members of %s: %w", key, err)
	}
	return members.Val(), nil
}

// IsOnline reports whether the user has at least one live session.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	online, _, err := s.Partition(ctx, []string{userID})
	if err != nil {
		return false, err
	}
	return len(online) == 1, nil
}

// Partition splits user ids into online and offline, preserving input order.
func (s *Store) Partition(ctx context.Context, userIDs []string) (online, offline []string, err error) {
	if len(userIDs) == 0 {
		return nil, nil, nil
	}
	lens := make([]*redis.IntCmd, len(userIDs))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range userIDs {
			lens[i] = pipe.LLen(ctx, sessionsKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to partition recipients by presence: %w", err)
	}
	for i, id := range userIDs {
		if lens[i].Val() > 0 {
			online = append(online, id)
		} else {
			offline = append(offline, id)
		}
	}
	return online, offline, nil
}

// FindStale returns users whose last heartbeat is older than ttl and whose
// session list has expired. These are users whose owning process never ran
// its disconnect cleanup.
func (s *Store) FindStale(ctx context.Context, ttl time.Duration) ([]notify.Identity, error) {
	cutoff := s.now().Add(-ttl).UnixMilli()

	var candidates []notify.Identity
	var cursor uint64
	for {
		kvs, next, err := s.client.HScan(ctx, indexKey, cursor, "", scanPageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan presence index: %w", err)
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			var entry indexEntry
			if err := json.Unmarshal([]byte(kvs[i+1]), &entry); err != nil {
				s.logger.Warn().Err(err).Str("user", kvs[i]).Msg("Unreadable presence index entry, treating as stale")
			} else if entry.LastSeen >= cutoff {
				continue
			}
			candidates = append(candidates, notify.Identity{UserID: kvs[i], AgencyID: entry.AgencyID, TeamID: entry.TeamID})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	exists := make([]*redis.IntCmd, len(candidates))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, c := range candidates {
			exists[i] = pipe.Exists(ctx, sessionsKey(c.UserID))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check session lists of stale candidates: %w", err)
	}

	stale := make([]notify.Identity, 0, len(candidates))
	for i, c := range candidates {
		if exists[i].Val() == 0 {
			stale = append(stale, c)
		}
	}
	return stale, nil
}
