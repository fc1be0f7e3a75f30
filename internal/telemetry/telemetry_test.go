package telemetry_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tinywideclouds/go-notify-service/internal/telemetry"
)

func TestMetrics_RecordsCounters(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := telemetry.NewMetricsFromMeter(provider.Meter("test"))
	require.NoError(t, err)

	m.Dispatch(ctx, "team")
	m.Fallback(ctx)
	m.PushResult(ctx, 3, 1)
	m.TokensPruned(ctx, 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	totals := map[string]int64{}
	for _, metric := range rm.ScopeMetrics[0].Metrics {
		if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
			for _, dp := range sum.DataPoints {
				totals[metric.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), totals["notify.dispatches"])
	assert.Equal(t, int64(1), totals["notify.fallback_emits"])
	assert.Equal(t, int64(3), totals["notify.push.sent"])
	assert.Equal(t, int64(1), totals["notify.push.failed"])
	assert.Equal(t, int64(1), totals["notify.push.tokens_pruned"])
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *telemetry.Metrics
	assert.NotPanics(t, func() {
		m.Dispatch(context.Background(), "user")
		m.ConnectionOpened(context.Background())
	})
}

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), "notify", "", 0, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
