// Package dispatch routes a notification to its recipients: persist one row
// per recipient, relay to online sessions over the bus, and enqueue one push
// job for everyone offline.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/internal/pushqueue"
	"github.com/tinywideclouds/go-notify-service/internal/telemetry"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// Presence splits recipients into online and offline.
type Presence interface {
	Partition(ctx context.Context, userIDs []string) (online, offline []string, err error)
}

// Publisher publishes an envelope on the bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, env notify.Envelope) (int64, error)
}

// LocalEmitter delivers directly to sockets held by this process.
type LocalEmitter interface {
	EmitLocal(rooms []string, event string, payload json.RawMessage) int
}

// JobQueue accepts encoded push jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, payload []byte, opts pushqueue.Options) (string, error)
}

// Config controls the dispatcher.
type Config struct {
	Channel      string
	Event        string
	PushAttempts int
	PushBackoff  time.Duration
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Channel:      "notifications",
		Event:        "notification",
		PushAttempts: 3,
		PushBackoff:  time.Second,
	}
}

// Request describes one notification.
type Request struct {
	Type          string            `json:"type"`
	Title         string            `json:"title"`
	Message       string            `json:"message"`
	Data          map[string]string `json:"data,omitempty"`
	NavigatePath  string            `json:"navigatePath,omitempty"`
	ImageURL      string            `json:"imageUrl,omitempty"`
	Priority      notify.Priority   `json:"priority,omitempty"`
	TTL           int               `json:"ttl,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	// Event overrides the realtime event name.
	Event string `json:"event,omitempty"`
}

// Result reports what a dispatch did. Dispatch never fails after input
// validation; partial failures are recorded here and logged.
type Result struct {
	CorrelationID   string   `json:"correlationId"`
	Recipients      int      `json:"recipients"`
	Persisted       int      `json:"persisted"`
	PersistError    string   `json:"persistError,omitempty"`
	Online          []string `json:"online"`
	Offline         []string `json:"offline"`
	Published       bool     `json:"published"`
	Subscribers     int64    `json:"subscribers"`
	Fallback        bool     `json:"fallback"`
	LocalDeliveries int      `json:"localDeliveries"`
	PushJobID       string   `json:"pushJobId,omitempty"`
	PushError       string   `json:"pushError,omitempty"`
}

// Dispatcher fans notifications out to users, teams and agencies.
type Dispatcher struct {
	store     notify.NotificationStore
	directory notify.Directory
	presence  Presence
	publisher Publisher
	local     LocalEmitter
	queue     JobQueue
	metrics   *telemetry.Metrics
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

// NewDispatcher wires a dispatcher. local may be nil in processes without a
// gateway, which disables the fallback. metrics may be nil.
func NewDispatcher(
	store notify.NotificationStore,
	directory notify.Directory,
	presence Presence,
	publisher Publisher,
	local LocalEmitter,
	queue JobQueue,
	cfg Config,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("notification store cannot be nil")
	}
	if directory == nil {
		return nil, fmt.Errorf("directory cannot be nil")
	}
	if presence == nil {
		return nil, fmt.Errorf("presence cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if queue == nil {
		return nil, fmt.Errorf("push queue cannot be nil")
	}
	def := DefaultConfig()
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	if cfg.Event == "" {
		cfg.Event = def.Event
	}
	if cfg.PushAttempts <= 0 {
		cfg.PushAttempts = def.PushAttempts
	}
	if cfg.PushBackoff <= 0 {
		cfg.PushBackoff = def.PushBackoff
	}
	return &Dispatcher{
		store:     store,
		directory: directory,
		presence:  presence,
		publisher: publisher,
		local:     local,
		queue:     queue,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With().Str("component", "Dispatcher").Logger(),
		now:       time.Now,
	}, nil
}

// SendToUser notifies a single user.
func (d *Dispatcher) SendToUser(ctx context.Context, userID string, req Request) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id cannot be empty", notify.ErrEmptyRecipients)
	}
	return d.dispatch(ctx, notify.TargetUser, userID, []string{userID}, req), nil
}

// SendToUsers notifies an explicit list of users.
func (d *Dispatcher) SendToUsers(ctx context.Context, userIDs []string, req Request) (*Result, error) {
	recipients := dedupe(userIDs)
	if len(recipients) == 0 {
		return nil, notify.ErrEmptyRecipients
	}
	return d.dispatch(ctx, notify.TargetUsers, "", recipients, req), nil
}

// SendToTeam notifies every active member of a team.
func (d *Dispatcher) SendToTeam(ctx context.Context, teamID string, req Request) (*Result, error) {
	if teamID == "" {
		return nil, fmt.Errorf("team id cannot be empty")
	}
	members, err := d.directory.TeamMembers(ctx, teamID)
	if err != nil {
		d.logger.Error().Err(err).Str("team", teamID).Msg("Failed to resolve team members")
		members = nil
	}
	return d.dispatch(ctx, notify.TargetTeam, teamID, dedupe(members), req), nil
}

// SendToAgency notifies every active member of an agency.
func (d *Dispatcher) SendToAgency(ctx context.Context, agencyID string, req Request) (*Result, error) {
	if agencyID == "" {
		return nil, fmt.Errorf("agency id cannot be empty")
	}
	members, err := d.directory.AgencyMembers(ctx, agencyID)
	if err != nil {
		d.logger.Error().Err(err).Str("agency", agencyID).Msg("Failed to resolve agency members")
		members = nil
	}
	return d.dispatch(ctx, notify.TargetAgency, agencyID, dedupe(members), req), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, target notify.TargetType, groupID string, recipients []string, req Request) *Result {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	res := &Result{CorrelationID: correlationID, Recipients: len(recipients)}
	log := d.logger.With().
		Str("correlation_id", correlationID).
		Str("target", string(target)).
		Str("group", groupID).
		Str("type", req.Type).
		Logger()

	d.metrics.Dispatch(ctx, string(target))

	if len(recipients) == 0 {
		log.Warn().Msg("Notification has no recipients, nothing to deliver")
		return res
	}

	// 1. Persist before fan-out so a client reacting to the realtime event
	// can read its row.
	createdAt := d.now().UTC()
	rows := make([]notify.Notification, len(recipients))
	for i, userID := range recipients {
		rows[i] = notify.Notification{
			ID:            uuid.NewString(),
			UserID:        userID,
			Type:          req.Type,
			Title:         req.Title,
			Message:       req.Message,
			Data:          req.Data,
			NavigatePath:  req.NavigatePath,
			CorrelationID: correlationID,
			CreatedAt:     createdAt,
		}
	}
	persisted, err := d.store.InsertMany(ctx, rows)
	if err != nil {
		res.PersistError = err.Error()
		log.Error().Err(err).Int("recipients", len(recipients)).Msg("Failed to persist notifications, continuing fan-out")
	}
	res.Persisted = persisted

	// 2. Split by presence. On failure everyone is treated as offline so the
	// push path still reaches them.
	online, offline, err := d.presence.Partition(ctx, recipients)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read presence, treating all recipients as offline")
		online, offline = nil, recipients
	}
	res.Online, res.Offline = online, offline

	// 3. Realtime.
	if len(online) > 0 {
		d.publishOnline(ctx, target, groupID, online, correlationID, createdAt, req, res, log)
	}

	// 4. Offline push.
	if len(offline) > 0 {
		d.enqueuePush(ctx, offline, correlationID, req, res, log)
	}

	log.Info().
		Int("recipients", res.Recipients).
		Int("persisted", res.Persisted).
		Int("online", len(online)).
		Int("offline", len(offline)).
		Bool("fallback", res.Fallback).
		Msg("Notification dispatched")
	return res
}

func (d *Dispatcher) publishOnline(
	ctx context.Context,
	target notify.TargetType,
	groupID string,
	online []string,
	correlationID string,
	createdAt time.Time,
	req Request,
	res *Result,
	log zerolog.Logger,
) {
	event := req.Event
	if event == "" {
		event = d.cfg.Event
	}
	payload, err := json.Marshal(notify.RealtimePayload{
		CorrelationID: correlationID,
		Type:          req.Type,
		Title:         req.Title,
		Message:       req.Message,
		Data:          req.Data,
		NavigatePath:  req.NavigatePath,
		CreatedAt:     createdAt.UnixMilli(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal realtime payload")
		return
	}

	env := notify.Envelope{Event: event, Payload: payload}
	switch target {
	case notify.TargetTeam, notify.TargetAgency:
		env.TargetType, env.TargetIDs = target, []string{groupID}
	case notify.TargetUser:
		env.TargetType, env.TargetIDs = notify.TargetUser, online
	default:
		env.TargetType, env.TargetIDs = notify.TargetUsers, online
	}

	n, err := d.publisher.Publish(ctx, d.cfg.Channel, env)
	if err == nil {
		res.Published, res.Subscribers = true, n
		if n == 0 {
			log.Warn().Str("channel", d.cfg.Channel).Msg("Published notification had no subscribers")
		}
		return
	}

	log.Warn().Err(err).Str("event", "stream_publish_failed_fallback_emit").Msg("Bus publish failed, emitting to local sockets")
	d.metrics.Fallback(ctx)
	res.Fallback = true
	if d.local == nil {
		log.Warn().Msg("No local gateway in this process, realtime delivery skipped")
		return
	}
	res.LocalDeliveries = d.local.EmitLocal(notify.RoomsFor(env), env.Event, env.Payload)
}

func (d *Dispatcher) enqueuePush(ctx context.Context, offline []string, correlationID string, req Request, res *Result, log zerolog.Logger) {
	job := notify.UsersPush{
		UserIDs: offline,
		PushOptions: notify.PushOptions{
			Payload: notify.PushPayload{
				Title:         req.Title,
				Message:       req.Message,
				Data:          req.Data,
				ImageURL:      req.ImageURL,
				DeepLink:      req.NavigatePath,
				CorrelationID: correlationID,
			},
			Priority: req.Priority,
			TTL:      req.TTL,
		},
	}
	payload, err := notify.EncodeJob(job)
	if err != nil {
		res.PushError = err.Error()
		log.Error().Err(err).Msg("Failed to encode push job")
		return
	}
	id, err := d.queue.Enqueue(ctx, payload, pushqueue.Options{MaxAttempts: d.cfg.PushAttempts, Backoff: d.cfg.PushBackoff})
	if err != nil {
		res.PushError = err.Error()
		log.Error().Err(err).Int("offline", len(offline)).Msg("Failed to enqueue push job")
		return
	}
	res.PushJobID = id
	d.metrics.PushEnqueued(ctx)
	log.Debug().Str("job", id).Int("offline", len(offline)).Msg("Push job enqueued")
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
