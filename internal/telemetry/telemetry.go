// Package telemetry wires OpenTelemetry metrics for the service.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/tinywideclouds/go-notify-service"

// Init installs a global meter provider exporting over OTLP gRPC when endpoint
// is set. With an empty endpoint the global no-op provider stays in place.
// The returned function flushes and stops the exporter.
func Init(ctx context.Context, serviceName, endpoint string, interval time.Duration, logger zerolog.Logger) (func(context.Context) error, error) {
	if endpoint == "" {
		logger.Debug().Msg("No OTLP endpoint configured, metrics disabled")
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)
	logger.Info().Str("endpoint", endpoint).Msg("OTLP metrics exporter started")
	return provider.Shutdown, nil
}

// Metrics holds the service counters. A nil *Metrics records nothing.
type Metrics struct {
	dispatches     metric.Int64Counter
	fallbacks      metric.Int64Counter
	pushesEnqueued metric.Int64Counter
	pushesSent     metric.Int64Counter
	pushesFailed   metric.Int64Counter
	tokensPruned   metric.Int64Counter
	busReconnects  metric.Int64Counter
	connections    metric.Int64UpDownCounter
}

// NewMetrics creates the counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFromMeter(otel.GetMeterProvider().Meter(meterName))
}

// NewMetricsFromMeter creates the counters on meter.
func NewMetricsFromMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.dispatches, "notify.dispatches", "Notification dispatches by target type."},
		{&m.fallbacks, "notify.fallback_emits", "Dispatches delivered by local emit after a bus publish failure."},
		{&m.pushesEnqueued, "notify.push.enqueued", "Push jobs enqueued."},
		{&m.pushesSent, "notify.push.sent", "Push messages accepted by the provider."},
		{&m.pushesFailed, "notify.push.failed", "Push messages rejected by the provider."},
		{&m.tokensPruned, "notify.push.tokens_pruned", "Invalid device tokens deleted."},
		{&m.busReconnects, "notify.bus.reconnects", "Bus reconnects."},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
	}
	if m.connections, err = meter.Int64UpDownCounter("notify.ws.connections", metric.WithDescription("Open websocket connections.")); err != nil {
		return nil, fmt.Errorf("failed to create counter notify.ws.connections: %w", err)
	}
	return m, nil
}

func (m *Metrics) Dispatch(ctx context.Context, target string) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
}

func (m *Metrics) Fallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.fallbacks.Add(ctx, 1)
}

func (m *Metrics) PushEnqueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.pushesEnqueued.Add(ctx, 1)
}

func (m *Metrics) PushResult(ctx context.Context, sent, failed int) {
	if m == nil {
		return
	}
	m.pushesSent.Add(ctx, int64(sent))
	m.pushesFailed.Add(ctx, int64(failed))
}

func (m *Metrics) TokensPruned(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.tokensPruned.Add(ctx, int64(n))
}

func (m *Metrics) BusReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.busReconnects.Add(ctx, 1)
}

func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1)
}
