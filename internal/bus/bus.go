// Package bus provides the cross-process broadcast channel that relays
// envelopes to every gateway instance.
//
// The Bus owns one subscription on its Transport. When the subscription
// fails it moves to Reconnecting, waits base*2^attempt (capped) between
// attempts, and on success resubscribes every registered channel before the
// receive loop resumes. After MaxAttempts failures it stays Disconnected.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// State is the connection state of the subscriber side of the bus.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// UnknownSubscribers is returned by transports that cannot count receivers.
const UnknownSubscribers int64 = -1

// ErrClosed is returned once the bus has been closed.
var ErrClosed = errors.New("bus closed")

// Handler receives decoded envelopes for a channel.
type Handler func(ctx context.Context, env notify.Envelope)

// Message is a raw message received from a Transport.
type Message struct {
	Channel string
	Payload []byte
}

// Transport is a pub/sub backend.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	// Open creates a subscription already subscribed to channels.
	Open(ctx context.Context, channels []string) (Subscription, error)
}

// Subscription is a live subscriber connection.
type Subscription interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	// Receive blocks until a message arrives or the connection fails.
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Config controls reconnect behaviour.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultConfig returns the reconnect policy used when none is configured.
func DefaultConfig() Config {
	return Config{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, MaxAttempts: 10}
}

// Bus relays envelopes between processes.
type Bus struct {
	transport Transport
	cfg       Config
	logger    zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	sub      Subscription
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool

	state      atomic.Int32
	reconnects atomic.Int64
	onState    func(State)
}

// Option configures a Bus.
type Option func(*Bus)

// WithStateListener registers a callback invoked on every state change.
func WithStateListener(fn func(State)) Option {
	return func(b *Bus) { b.onState = fn }
}

// New creates a Bus over transport.
func New(transport Transport, cfg Config, logger zerolog.Logger, opts ...Option) (*Bus, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	b := &Bus{
		transport: transport,
		cfg:       cfg,
		logger:    logger.With().Str("component", "Bus").Logger(),
		handlers:  make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// State returns the current connection state.
func (b *Bus) State() State { return State(b.state.Load()) }

// Reconnects returns how many successful reconnects have happened.
func (b *Bus) Reconnects() int64 { return b.reconnects.Load() }

func (b *Bus) setState(s State) {
	prev := State(b.state.Swap(int32(s)))
	if prev == s {
		return
	}
	b.logger.Info().Str("from", prev.String()).Str("to", s.String()).Msg("Bus state changed")
	if b.onState != nil {
		b.onState(s)
	}
}

// Start opens the subscription for all registered channels and starts the
// receive loop. It fails only if the first connection attempt fails.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.done != nil {
		b.mu.Unlock()
		return nil
	}
	b.setState(StateConnecting)
	sub, err := b.transport.Open(ctx, b.channelsLocked())
	if err != nil {
		b.mu.Unlock()
		b.setState(StateDisconnected)
		return fmt.Errorf("failed to open bus subscription: %w", err)
	}
	b.sub = sub
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})
	b.mu.Unlock()

	b.setState(StateConnected)
	go b.run(runCtx)
	return nil
}

// Close stops the receive loop and releases the subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel, done, sub := b.cancel, b.done, b.sub
	b.sub = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if sub != nil {
		err = sub.Close()
	}
	if done != nil {
		<-done
	}
	b.setState(StateDisconnected)
	return err
}

// Publish encodes env and publishes it on channel. It returns the number of
// receivers reported by the transport, or UnknownSubscribers.
func (b *Bus) Publish(ctx context.Context, channel string, env notify.Envelope) (int64, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	n, err := b.transport.Publish(ctx, channel, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return n, nil
}

// Subscribe registers handler for channel. A channel has at most one handler
// per process; subscribing again is a no-op.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.handlers[channel]; ok {
		b.logger.Debug().Str("channel", channel).Msg("Channel already subscribed, ignoring")
		return nil
	}
	b.handlers[channel] = handler
	if b.sub != nil {
		if err := b.sub.Subscribe(ctx, channel); err != nil {
			// The handler stays registered; the next reconnect picks it up.
			b.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to subscribe, will retry on reconnect")
			return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
	}
	b.logger.Info().Str("channel", channel).Msg("Subscribed to channel")
	return nil
}

// Unsubscribe removes the handler for channel. Unsubscribing a channel with no
// handler is logged and ignored.
func (b *Bus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[channel]; !ok {
		b.logger.Warn().Str("channel", channel).Msg("Unsubscribe for channel with no handler")
		return nil
	}
	delete(b.handlers, channel)
	if b.sub != nil {
		if err := b.sub.Unsubscribe(ctx, channel); err != nil {
			return fmt.Errorf("failed to unsubscribe from %s: %w", channel, err)
		}
	}
	return nil
}

func (b *Bus) channelsLocked() []string {
	channels := make([]string, 0, len(b.handlers))
	for ch := range b.handlers {
		channels = append(channels, ch)
	}
	return channels
}

func (b *Bus) current() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)
	for {
		sub := b.current()
		if sub == nil {
			return
		}
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Msg("Bus subscription failed")
			if !b.reconnect(ctx, sub) {
				return
			}
			continue
		}
		b.dispatch(ctx, msg)
	}
}

func (b *Bus) dispatch(ctx context.Context, msg Message) {
	b.mu.Lock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.Unlock()
	if !ok {
		return
	}
	var env notify.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping undecodable envelope")
		return
	}
	handler(ctx, env)
}

// reconnect replaces a failed subscription. It returns false when the bus is
// closing or every attempt failed.
func (b *Bus) reconnect(ctx context.Context, failed Subscription) bool {
	b.mu.Lock()
	if b.sub == failed {
		b.sub = nil
	}
	b.mu.Unlock()
	b.setState(StateReconnecting)
	_ = failed.Close()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.BaseDelay
	policy.MaxInterval = b.cfg.MaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		delay := policy.NextBackOff()
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return false
		}
		channels := b.channelsLocked()
		sub, err := b.transport.Open(ctx, channels)
		if err != nil {
			b.mu.Unlock()
			b.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Bus reconnect attempt failed")
			continue
		}
		b.sub = sub
		b.mu.Unlock()

		b.reconnects.Add(1)
		b.setState(StateConnected)
		b.logger.Info().Int("attempt", attempt).Int("channels", len(channels)).Msg("Bus reconnected and resubscribed")
		return true
	}

	b.mu.Lock()
	b.sub = nil
	b.mu.Unlock()
	b.setState(StateDisconnected)
	b.logger.Error().Int("attempts", b.cfg.MaxAttempts).Msg("Bus reconnect attempts exhausted")
	return false
}
