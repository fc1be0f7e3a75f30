package bus_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-notify-service/internal/bus"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// --- Fakes ---

// fakeTransport hands out fakeSubscriptions and records which channels each
// Open call was asked for.
type fakeTransport struct {
	mu        sync.Mutex
	opens     [][]string
	failOpens int
	subs      []*fakeSubscription
}

func (t *fakeTransport) Publish(_ context.Context, _ string, _ []byte) (int64, error) {
	return 0, nil
}

func (t *fakeTransport) Open(_ context.Context, channels []string) (bus.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sorted := append([]string(nil), channels...)
	sort.Strings(sorted)
	t.opens = append(t.opens, sorted)
	if t.failOpens > 0 {
		t.failOpens--
		return nil, errors.New("connection refused")
	}
	s := &fakeSubscription{msgs: make(chan bus.Message, 8), errs: make(chan error, 1), closed: make(chan struct{})}
	t.subs = append(t.subs, s)
	return s, nil
}

func (t *fakeTransport) openCalls() [][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]string(nil), t.opens...)
}

func (t *fakeTransport) latest() *fakeSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs[len(t.subs)-1]
}

type fakeSubscription struct {
	msgs      chan bus.Message
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeSubscription) Subscribe(context.Context, ...string) error   { return nil }
func (s *fakeSubscription) Unsubscribe(context.Context, ...string) error { return nil }
func (s *fakeSubscription) Receive(ctx context.Context) (bus.Message, error) {
	select {
	case <-ctx.Done():
		return bus.Message{}, ctx.Err()
	case <-s.closed:
		return bus.Message{}, bus.ErrClosed
	case err := <-s.errs:
		return bus.Message{}, err
	case m := <-s.msgs:
		return m, nil
	}
}
func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func fastConfig() bus.Config {
	return bus.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3}
}

func noopHandler(context.Context, notify.Envelope) {}

// --- Tests ---

func TestBus_ResubscribesAllChannelsAfterReconnect(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	b, err := bus.New(transport, fastConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.Subscribe(ctx, "notifications", noopHandler))
	require.NoError(t, b.Subscribe(ctx, "presence", noopHandler))
	require.NoError(t, b.Start(ctx))
	assert.Equal(t, bus.StateConnected, b.State())

	transport.failOpens = 1
	transport.latest().errs <- errors.New("connection reset")

	require.Eventually(t, func() bool { return b.Reconnects() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, bus.StateConnected, b.State())

	opens := transport.openCalls()
	require.Len(t, opens, 3, "initial open, one failed attempt, one successful attempt")
	for _, channels := range opens {
		assert.Equal(t, []string{"notifications", "presence"}, channels)
	}
}

func TestBus_DeliversAfterReconnect(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	b, err := bus.New(transport, fastConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	received := make(chan notify.Envelope, 1)
	require.NoError(t, b.Subscribe(ctx, "notifications", func(_ context.Context, env notify.Envelope) {
		received <- env
	}))
	require.NoError(t, b.Start(ctx))

	first := transport.latest()
	first.errs <- errors.New("connection reset")
	require.Eventually(t, func() bool { return b.Reconnects() == 1 }, time.Second, time.Millisecond)

	second := transport.latest()
	require.NotSame(t, first, second)
	second.msgs <- bus.Message{Channel: "notifications", Payload: []byte(`{"targetType":"user","targetIds":["1"],"event":"x","payload":{}}`)}

	select {
	case env := <-received:
		assert.Equal(t, "x", env.Event)
		assert.Equal(t, []string{"1"}, env.TargetIDs)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked after reconnect")
	}
}

func TestBus_TerminalAfterExhaustedAttempts(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	var states []bus.State
	var mu sync.Mutex
	b, err := bus.New(transport, fastConfig(), zerolog.Nop(), bus.WithStateListener(func(s bus.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.Start(ctx))
	transport.failOpens = 100
	transport.latest().errs <- errors.New("connection reset")

	require.Eventually(t, func() bool { return b.State() == bus.StateDisconnected }, time.Second, time.Millisecond)
	assert.Len(t, transport.openCalls(), 1+fastConfig().MaxAttempts)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bus.State{bus.StateConnecting, bus.StateConnected, bus.StateReconnecting, bus.StateDisconnected}, states)
}

func TestBus_SubscribeTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	b, err := bus.New(&fakeTransport{}, fastConfig(), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(ctx, "notifications", noopHandler))
	require.NoError(t, b.Subscribe(ctx, "notifications", noopHandler))

	// Unsubscribing unknown channels is tolerated.
	assert.NoError(t, b.Unsubscribe(ctx, "unknown"))
	assert.NoError(t, b.Unsubscribe(ctx, "notifications"))
	assert.NoError(t, b.Unsubscribe(ctx, "notifications"))
}

func TestBus_RedisTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	transport, err := bus.NewRedisTransport(rdb)
	require.NoError(t, err)
	b, err := bus.New(transport, fastConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	received := make(chan notify.Envelope, 1)
	require.NoError(t, b.Subscribe(ctx, "notifications", func(_ context.Context, env notify.Envelope) {
		received <- env
	}))
	require.NoError(t, b.Start(ctx))

	n, err := b.Publish(ctx, "notifications", notify.Envelope{
		TargetType: notify.TargetTeam,
		TargetIDs:  []string{"7"},
		Event:      "notification",
		Payload:    []byte(`{"title":"hi"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	select {
	case env := <-received:
		assert.Equal(t, notify.TargetTeam, env.TargetType)
		assert.JSONEq(t, `{"title":"hi"}`, string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not received")
	}

	// Nobody listens on this channel.
	n, err = b.Publish(ctx, "other", notify.Envelope{Event: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
