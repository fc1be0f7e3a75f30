package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSTransport is a Transport over core NATS subjects. NATS does not report
// receiver counts, so Publish returns UnknownSubscribers.
type NATSTransport struct {
	nc     *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

// NewNATSTransport connects to url. Connection loss is surfaced to open
// subscriptions so the Bus runs its own reconnect and resubscribe cycle.
func NewNATSTransport(url, name string, logger zerolog.Logger) (*NATSTransport, error) {
	t := &NATSTransport{
		logger: logger.With().Str("component", "NATSTransport").Logger(),
		subs:   make(map[*natsSubscription]struct{}),
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn().Err(err).Msg("NATS disconnected")
			t.broadcastErr(fmt.Errorf("nats disconnected: %w", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			t.logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	t.nc = nc
	return t, nil
}

func (t *NATSTransport) Publish(_ context.Context, channel string, payload []byte) (int64, error) {
	if err := t.nc.Publish(channel, payload); err != nil {
		return 0, err
	}
	return UnknownSubscribers, nil
}

func (t *NATSTransport) Open(_ context.Context, channels []string) (Subscription, error) {
	if !t.nc.IsConnected() {
		return nil, fmt.Errorf("nats connection is %s", t.nc.Status())
	}
	s := &natsSubscription{
		transport: t,
		msgs:      make(chan *nats.Msg, 256),
		errs:      make(chan error, 1),
		subs:      make(map[string]*nats.Subscription),
		closed:    make(chan struct{}),
	}
	if err := s.subscribe(channels...); err != nil {
		_ = s.Close()
		return nil, err
	}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
	return s, nil
}

// Close drains the underlying connection.
func (t *NATSTransport) Close() error {
	return t.nc.Drain()
}

func (t *NATSTransport) broadcastErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		select {
		case s.errs <- err:
		default:
		}
	}
}

type natsSubscription struct {
	transport *NATSTransport
	msgs      chan *nats.Msg
	errs      chan error

	mu        sync.Mutex
	subs      map[string]*nats.Subscription
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *natsSubscription) subscribe(channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		if _, ok := s.subs[ch]; ok {
			continue
		}
		sub, err := s.transport.nc.ChanSubscribe(ch, s.msgs)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", ch, err)
		}
		s.subs[ch] = sub
	}
	return nil
}

func (s *natsSubscription) Subscribe(_ context.Context, channels ...string) error {
	return s.subscribe(channels...)
}

func (s *natsSubscription) Unsubscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, ch := range channels {
		if sub, ok := s.subs[ch]; ok {
			errs = append(errs, sub.Unsubscribe())
			delete(s.subs, ch)
		}
	}
	return errors.Join(errs...)
}

func (s *natsSubscription) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-s.closed:
		return Message{}, ErrClosed
	case err := <-s.errs:
		return Message{}, err
	case m := <-s.msgs:
		return Message{Channel: m.Subject, Payload: m.Data}, nil
	}
}

func (s *natsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.transport.mu.Lock()
		delete(s.transport.subs, s)
		s.transport.mu.Unlock()

		s.mu.Lock()
		var errs []error
		for ch, sub := range s.subs {
			if !s.transport.nc.IsClosed() {
				errs = append(errs, sub.Unsubscribe())
			}
			delete(s.subs, ch)
		}
		s.mu.Unlock()
		close(s.closed)
		err = errors.Join(errs...)
	})
	return err
}
