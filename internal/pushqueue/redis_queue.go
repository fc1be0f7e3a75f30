// Package pushqueue is a durable Redis job queue for offline push delivery.
//
// It uses four keys under a prefix (default "push:jobs"):
//  1. `{prefix}:wait`: jobs ready to run (LPush in, BLMove out).
//  2. `{prefix}:active`: jobs reserved by a worker but not yet acknowledged.
//  3. `{prefix}:delayed`: a ZSET of jobs waiting out their retry backoff,
//     scored by the unix millis at which they become due.
//  4. `{prefix}:failed`: jobs that exhausted their attempts.
package pushqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultPrefix      = "push:jobs"
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second

	promoteBatch = 100
)

// ErrEmpty is returned by Reserve when no job became ready before the timeout.
var ErrEmpty = errors.New("push queue is empty")

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// Options controls retry behaviour for one job.
type Options struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Entry is a job as stored in Redis.
type Entry struct {
	ID          string          `json:"id"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	BackoffMs   int64           `json:"backoffMs"`
	EnqueuedAt  int64           `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`
	Payload     json.RawMessage `json:"payload"`

	// Cursor is the last device token of the last batch a failed attempt
	// delivered. Retries resume after it.
	Cursor string `json:"cursor,omitempty"`

	// raw is the exact list value, needed to remove the entry by value.
	raw string
}

// RedisQueue implements the push job queue on Redis lists.
type RedisQueue struct {
	client redisClient
	prefix string
	logger zerolog.Logger
	now    func() time.Time
}

// NewRedisQueue is the constructor for the RedisQueue.
func NewRedisQueue(client redisClient, prefix string, logger zerolog.Logger) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "PushQueue").Logger(),
		now:    time.Now,
	}, nil
}

func (q *RedisQueue) waitKey() string    { return q.prefix + ":wait" }
func (q *RedisQueue) activeKey() string  { return q.prefix + ":active" }
func (q *RedisQueue) delayedKey() string { return q.prefix + ":delayed" }
func (q *RedisQueue) failedKey() string  { return q.prefix + ":failed" }

// Enqueue adds a job to the head of the wait list and returns its id.
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte, opts Options) (string, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	entry := Entry{
		ID:          uuid.NewString(),
		MaxAttempts: opts.MaxAttempts,
		BackoffMs:   opts.Backoff.Milliseconds(),
		EnqueuedAt:  q.now().UnixMilli(),
		Payload:     payload,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal push job: %w", err)
	}
	if err := q.client.LPush(ctx, q.waitKey(), raw).Err(); err != nil {
		q.logger.Error().Err(err).Str("job", entry.ID).Msg("Failed to lpush push job")
		return "", fmt.Errorf("failed to lpush push job: %w", err)
	}
	q.logger.Debug().Str("job", entry.ID).Int("max_attempts", entry.MaxAttempts).Msg("Push job enqueued")
	return entry.ID, nil
}

// Reserve moves the oldest ready job to the active list and returns it. Due
// delayed jobs are promoted first. It blocks for up to timeout and returns
// ErrEmpty if nothing became ready.
func (q *RedisQueue) Reserve(ctx context.Context, timeout time.Duration) (*Entry, error) {
	if _, err := q.PromoteDue(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to promote delayed push jobs")
	}

	for {
		var raw string
		var err error
		if timeout > 0 {
			raw, err = q.client.BLMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT", timeout).Result()
		} else {
			raw, err = q.client.LMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT").Result()
		}
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		if err != nil {
			return nil, fmt.Errorf("failed to reserve push job: %w", err)
		}

		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			// Remove the poison entry from the active list to stop a loop.
			q.logger.Error().Err(err).Msg("Dropping undecodable push job to failed list")
			_, _ = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, q.activeKey(), 1, raw)
				pipe.LPush(ctx, q.failedKey(), raw)
				return nil
			})
			continue
		}
		entry.raw = raw
		return &entry, nil
	}
}

// Ack removes a completed job from the active list.
func (q *RedisQueue) Ack(ctx context.Context, entry *Entry) error {
	if err := q.client.LRem(ctx, q.activeKey(), 1, entry.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack push job %s: %w", entry.ID, err)
	}
	return nil
}

// Fail records a failed attempt. The job is scheduled again after
// backoff*2^(attempts-1) or, once its attempts are exhausted, moved to the
// failed list. It reports whether the job was dead-lettered.
func (q *RedisQueue) Fail(ctx context.Context, entry *Entry, cause error) (bool, error) {
	next := *entry
	next.Attempts++
	if cause != nil {
		next.LastError = cause.Error()
	}
	dead := next.Attempts >= next.MaxAttempts
	return dead, q.move(ctx, entry, next, dead)
}

// Bury moves a job straight to the failed list, regardless of attempts left.
func (q *RedisQueue) Bury(ctx context.Context, entry *Entry, cause error) error {
	next := *entry
	if cause != nil {
		next.LastError = cause.Error()
	}
	return q.move(ctx, entry, next, true)
}

func (q *RedisQueue) move(ctx context.Context, from *Entry, to Entry, dead bool) error {
	raw, err := json.Marshal(to)
	if err != nil {
		return fmt.Errorf("failed to marshal push job: %w", err)
	}
	due := q.now().Add(q.backoff(to)).UnixMilli()

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.activeKey(), 1, from.raw)
		if dead {
			pipe.LPush(ctx, q.failedKey(), raw)
		} else {
			pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: string(raw)})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reschedule push job %s: %w", to.ID, err)
	}

	log := q.logger.With().Str("job", to.ID).Int("attempts", to.Attempts).Str("last_error", to.LastError).Logger()
	if dead {
		log.Warn().Msg("Push job moved to failed list")
	} else {
		log.Info().Time("due", time.UnixMilli(due)).Msg("Push job scheduled for retry")
	}
	return nil
}

func (q *RedisQueue) backoff(e Entry) time.Duration {
	base := time.Duration(e.BackoffMs) * time.Millisecond
	if e.Attempts <= 1 {
		return base
	}
	return base << (e.Attempts - 1)
}

// PromoteDue moves delayed jobs whose backoff has elapsed to the wait list.
// ZRem guards against two workers promoting the same job.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now, Count: promoteBatch}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed push jobs: %w", err)
	}
	promoted := 0
	for _, raw := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), raw).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim delayed push job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.waitKey(), raw).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote delayed push job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// RequeueActive moves every reserved job back to the wait list. Run it only
// when no worker holds reservations, e.g. before the first worker starts.
func (q *RedisQueue) RequeueActive(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.activeKey(), q.waitKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("failed to requeue active push jobs: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Info().Int("count", moved).Msg("Requeued abandoned push jobs")
	}
	return moved, nil
}

// Failed returns up to n dead-lettered jobs, most recent first.
func (q *RedisQueue) Failed(ctx context.Context, n int64) ([]*Entry, error) {
	raws, err := q.client.LRange(ctx, q.failedKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read failed push jobs: %w", err)
	}
	entries := make([]*Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			q.logger.Warn().Err(err).Msg("Skipping undecodable failed push job")
			continue
		}
		e.raw = raw
		entries = append(entries, &e)
	}
	return entries, nil
}

// Stats reports the length of each list.
type Stats struct {
	Waiting, Active, Delayed, Failed int64
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Waiting, err = q.client.LLen(ctx, q.waitKey()).Result(); err != nil {
		return s, err
	}
	if s.Active, err = q.client.LLen(ctx, q.activeKey()).Result(); err != nil {
		return s, err
	}
	if s.Delayed, err = q.client.ZCard(ctx, q.delayedKey()).Result(); err != nil {
		return s, err
	}
	if s.Failed, err = q.client.LLen(ctx, q.failedKey()).Result(); err != nil {
		return s, err
	}
	return s, nil
}
