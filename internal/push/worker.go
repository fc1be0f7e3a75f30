// Package push consumes push jobs and delivers them through a Provider.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-notify-service/internal/pushqueue"
	"github.com/tinywideclouds/go-notify-service/internal/telemetry"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

const (
	// MaxBatchSize is the largest multicast the provider accepts.
	MaxBatchSize = 500
	// MaxPayloadBytes is the provider's limit on the notification and data
	// blocks of one message.
	MaxPayloadBytes = 4096
)

// ErrPayloadTooLarge marks a job whose message can never be accepted. Such
// jobs are dead-lettered without retry.
var ErrPayloadTooLarge = errors.New("push payload too large")

// Queue is the job source.
type Queue interface {
	Reserve(ctx context.Context, timeout time.Duration) (*pushqueue.Entry, error)
	Ack(ctx context.Context, entry *pushqueue.Entry) error
	Fail(ctx context.Context, entry *pushqueue.Entry, cause error) (bool, error)
	Bury(ctx context.Context, entry *pushqueue.Entry, cause error) error
}

// Config controls batching, retry and pacing.
type Config struct {
	BatchSize      int
	SendAttempts   int
	RetryBase      time.Duration
	RetryMax       time.Duration
	BatchesPerSec  float64 // <= 0 disables pacing
	Concurrency    int
	ReserveTimeout time.Duration
	DefaultTTL     time.Duration
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      MaxBatchSize,
		SendAttempts:   3,
		RetryBase:      500 * time.Millisecond,
		RetryMax:       10 * time.Second,
		BatchesPerSec:  10,
		Concurrency:    4,
		ReserveTimeout: 5 * time.Second,
		DefaultTTL:     24 * time.Hour,
	}
}

// Worker turns push jobs into provider calls.
type Worker struct {
	queue     Queue
	tokens    notify.DeviceTokenStore
	directory notify.Directory
	provider  notify.Provider
	limiter   *rate.Limiter
	metrics   *telemetry.Metrics
	cfg       Config
	logger    zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker wires a push worker. metrics may be nil.
func NewWorker(
	queue Queue,
	tokens notify.DeviceTokenStore,
	directory notify.Directory,
	provider notify.Provider,
	cfg Config,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) (*Worker, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store cannot be nil")
	}
	if directory == nil {
		return nil, fmt.Errorf("directory cannot be nil")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}

	def := DefaultConfig()
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SendAttempts <= 0 {
		cfg.SendAttempts = def.SendAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ReserveTimeout <= 0 {
		cfg.ReserveTimeout = def.ReserveTimeout
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}

	limit := rate.Inf
	if cfg.BatchesPerSec > 0 {
		limit = rate.Limit(cfg.BatchesPerSec)
	}

	return &Worker{
		queue:     queue,
		tokens:    tokens,
		directory: directory,
		provider:  provider,
		limiter:   rate.NewLimiter(limit, 1),
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With().Str("component", "PushWorker").Logger(),
	}, nil
}

// Start runs Concurrency consumers and blocks until ctx is cancelled or
// Shutdown is called.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.logger.Info().Int("concurrency", w.cfg.Concurrency).Msg("Push worker starting...")
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go func(n int) {
			defer w.wg.Done()
			w.consume(ctx, w.logger.With().Int("consumer", n).Logger())
		}(i)
	}
	<-ctx.Done()
	return nil
}

// Shutdown stops reserving new jobs and waits for in-flight jobs.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info().Msg("Push worker stopped.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) consume(ctx context.Context, log zerolog.Logger) {
	for ctx.Err() == nil {
		entry, err := w.queue.Reserve(ctx, w.cfg.ReserveTimeout)
		if errors.Is(err, pushqueue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Failed to reserve push job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// An in-flight job runs to completion even during shutdown.
		w.HandleEntry(context.WithoutCancel(ctx), entry)
	}
}

// HandleEntry processes one reserved queue entry and acknowledges, retries or
// dead-letters it.
func (w *Worker) HandleEntry(ctx context.Context, entry *pushqueue.Entry) {
	log := w.logger.With().Str("job", entry.ID).Int("attempt", entry.Attempts+1).Logger()

	job, err := notify.DecodeJob(entry.Payload)
	if err != nil {
		log.Error().Err(err).Msg("Undecodable push job, moving to failed list")
		if err := w.queue.Bury(ctx, entry, err); err != nil {
			log.Error().Err(err).Msg("Failed to bury push job")
		}
		return
	}

	cursor, err := w.process(ctx, job, entry.Cursor)
	if errors.Is(err, ErrPayloadTooLarge) {
		log.Error().Err(err).Str("kind", string(job.Kind())).Msg("Push job can never be sent, moving to failed list")
		if err := w.queue.Bury(ctx, entry, err); err != nil {
			log.Error().Err(err).Msg("Failed to bury push job")
		}
		return
	}
	if err != nil {
		// The retry resumes after the last batch that was delivered.
		retry := *entry
		retry.Cursor = cursor
		dead, ferr := w.queue.Fail(ctx, &retry, err)
		if ferr != nil {
			log.Error().Err(ferr).Msg("Failed to record push job failure")
			return
		}
		if dead {
			log.Error().Err(err).Str("kind", string(job.Kind())).Msg("Push job failed permanently")
		} else {
			log.Warn().Err(err).Str("kind", string(job.Kind())).Str("cursor", cursor).Msg("Push job failed, will retry")
		}
		return
	}

	if err := w.queue.Ack(ctx, entry); err != nil {
		log.Error().Err(err).Msg("Failed to ack push job")
	}
}

// Process delivers one job. Every job kind resolves to a set of user ids and
// then shares the same token, batch and send path.
func (w *Worker) Process(ctx context.Context, job notify.PushJob) error {
	_, err := w.process(ctx, job, "")
	return err
}

// process delivers the tokens sorting after cursor and returns the last token
// of the last batch the provider accepted.
func (w *Worker) process(ctx context.Context, job notify.PushJob, cursor string) (string, error) {
	log := w.logger.With().Str("kind", string(job.Kind())).Str("correlation_id", job.Options().Payload.CorrelationID).Logger()

	var userIDs []string
	switch j := job.(type) {
	case notify.UserPush:
		userIDs = []string{j.UserID}
	case notify.UsersPush:
		userIDs = j.UserIDs
	case notify.TeamPush:
		members, err := w.directory.TeamMembers(ctx, j.TeamID)
		if err != nil {
			return cursor, fmt.Errorf("failed to resolve team %s: %w", j.TeamID, err)
		}
		userIDs = members
	case notify.AgencyPush:
		members, err := w.directory.AgencyMembers(ctx, j.AgencyID)
		if err != nil {
			return cursor, fmt.Errorf("failed to resolve agency %s: %w", j.AgencyID, err)
		}
		userIDs = members
	default:
		return cursor, fmt.Errorf("%w: %T", notify.ErrUnknownJobKind, job)
	}

	return w.deliver(ctx, userIDs, job.Options(), cursor, log)
}

func (w *Worker) deliver(ctx context.Context, userIDs []string, opts notify.PushOptions, cursor string, log zerolog.Logger) (string, error) {
	if len(userIDs) == 0 {
		log.Debug().Msg("Push job has no recipients")
		return cursor, nil
	}
	tmpl := w.buildMessage(nil, opts)
	if size := payloadSize(tmpl); size > MaxPayloadBytes {
		return cursor, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, size, MaxPayloadBytes)
	}

	tokens, err := w.tokens.FindByUsers(ctx, userIDs)
	if err != nil {
		return cursor, fmt.Errorf("failed to load device tokens: %w", err)
	}
	values := tokensAfter(uniqueTokens(tokens), cursor)
	if len(values) == 0 {
		log.Debug().Int("users", len(userIDs)).Str("cursor", cursor).Msg("No device tokens left to send to")
		return cursor, nil
	}
	if cursor != "" {
		log.Info().Str("cursor", cursor).Int("tokens", len(values)).Msg("Resuming push job after delivered batches")
	}

	for start := 0; start < len(values); start += w.cfg.BatchSize {
		end := min(start+w.cfg.BatchSize, len(values))
		if err := w.limiter.Wait(ctx); err != nil {
			return cursor, fmt.Errorf("push pacing interrupted: %w", err)
		}
		msg := *tmpl
		msg.Tokens = values[start:end]
		res, err := w.send(ctx, &msg, log)
		if err != nil {
			return cursor, err
		}
		cursor = values[end-1]
		w.triage(ctx, res, log)
	}
	return cursor, nil
}

// send retries a whole-call failure with exponential delay.
func (w *Worker) send(ctx context.Context, msg *notify.MulticastMessage, log zerolog.Logger) (*notify.BatchResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.RetryBase
	policy.MaxInterval = w.cfg.RetryMax
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var res *notify.BatchResult
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		r, err := w.provider.SendMulticast(ctx, msg)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Int("tokens", len(msg.Tokens)).Msg("Push send failed")
			return err
		}
		res = r
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(w.cfg.SendAttempts-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("push send failed after %d attempts: %w", attempt, err)
	}
	return res, nil
}

func (w *Worker) triage(ctx context.Context, res *notify.BatchResult, log zerolog.Logger) {
	var invalid []string
	for _, r := range res.Results {
		switch r.Failure {
		case notify.FailureNone:
		case notify.FailureInvalid:
			invalid = append(invalid, r.Token)
		case notify.FailureTransient:
			log.Warn().Err(r.Err).Msg("Transient push failure for token")
		default:
			log.Warn().Err(r.Err).Msg("Push send failed for token")
		}
	}
	w.metrics.PushResult(ctx, res.SuccessCount, res.FailureCount)
	log.Info().Int("success", res.SuccessCount).Int("failure", res.FailureCount).Msg("Push batch sent")

	if len(invalid) == 0 {
		return
	}
	n, err := w.tokens.DeleteTokens(ctx, invalid)
	if err != nil {
		log.Error().Err(err).Int("tokens", len(invalid)).Msg("Failed to prune invalid device tokens")
		return
	}
	w.metrics.TokensPruned(ctx, n)
	log.Info().Int("pruned", n).Msg("Pruned invalid device tokens")
}

func (w *Worker) buildMessage(tokens []string, opts notify.PushOptions) *notify.MulticastMessage {
	p := opts.Payload
	data := make(map[string]string, len(p.Data)+5)
	for k, v := range p.Data {
		data[k] = v
	}
	data["title"] = p.Title
	data["message"] = p.Message
	for k, v := range map[string]string{
		"correlationId": p.CorrelationID,
		"deepLink":      p.DeepLink,
		"imageUrl":      p.ImageURL,
	} {
		if v != "" {
			data[k] = v
		}
	}

	ttl := w.cfg.DefaultTTL
	if opts.TTL > 0 {
		ttl = time.Duration(opts.TTL) * time.Second
	}
	priority := opts.Priority
	if priority == "" {
		priority = notify.PriorityHigh
	}

	return &notify.MulticastMessage{
		Tokens:   tokens,
		Title:    p.Title,
		Body:     p.Message,
		ImageURL: p.ImageURL,
		Data:     data,
		Priority: priority,
		TTL:      ttl,
	}
}

// payloadSize approximates the encoded size of the notification and data
// blocks the provider measures against its limit.
func payloadSize(msg *notify.MulticastMessage) int {
	raw, err := json.Marshal(struct {
		Title    string            `json:"title,omitempty"`
		Body     string            `json:"body,omitempty"`
		ImageURL string            `json:"image,omitempty"`
		Data     map[string]string `json:"data,omitempty"`
	}{msg.Title, msg.Body, msg.ImageURL, msg.Data})
	if err != nil {
		return 0
	}
	return len(raw)
}

// tokensAfter returns the sorted tokens strictly greater than cursor.
func tokensAfter(sorted []string, cursor string) []string {
	if cursor == "" {
		return sorted
	}
	i := sort.SearchStrings(sorted, cursor)
	if i < len(sorted) && sorted[i] == cursor {
		i++
	}
	return sorted[i:]
}

// uniqueTokens returns the distinct non-empty tokens in ascending order, the
// order a resumed job relies on.
func uniqueTokens(tokens []notify.DeviceToken) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		if _, ok := seen[t.Token]; ok {
			continue
		}
		seen[t.Token] = struct{}{}
		out = append(out, t.Token)
	}
	sort.Strings(out)
	return out
}
