//go:build integration

package bus_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-notify-service/internal/bus"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// Requires a reachable NATS server, e.g. `docker run -p 4222:4222 nats`.
func TestBus_NATSTransport(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	transport, err := bus.NewNATSTransport(url, "bus-test", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	b, err := bus.New(transport, fastConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	received := make(chan notify.Envelope, 1)
	require.NoError(t, b.Subscribe(ctx, "notifications", func(_ context.Context, env notify.Envelope) {
		received <- env
	}))
	require.NoError(t, b.Start(ctx))

	n, err := b.Publish(ctx, "notifications", notify.Envelope{TargetType: notify.TargetUser, TargetIDs: []string{"1"}, Event: "ping"})
	require.NoError(t, err)
	assert.Equal(t, bus.UnknownSubscribers, n)

	select {
	case env := <-received:
		assert.Equal(t, "ping", env.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not received over nats")
	}
}
