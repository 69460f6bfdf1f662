// Package observe provides application-wide observability primitives for
// Parlavo: OpenTelemetry metrics, tracing helpers, and a Prometheus exporter
// bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parlavo metrics.
const meterName = "github.com/parlavo/parlavo"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks backend connection establishment latency. Use
	// with attribute: attribute.String("strategy", ...)
	ConnectDuration metric.Float64Histogram

	// CompletionDuration tracks stateless chat completion latency. Use with
	// attribute: attribute.String("backend", ...)
	CompletionDuration metric.Float64Histogram

	// PersistDuration tracks discussion store append latency.
	PersistDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsSealed counts sealed turns. Use with attribute:
	//   attribute.String("speaker", ...)
	TurnsSealed metric.Int64Counter

	// TransportEvents counts backend events by type. Use with attribute:
	//   attribute.String("type", ...)
	TransportEvents metric.Int64Counter

	// --- Error counters ---

	// PersistErrors counts failed discussion store writes.
	PersistErrors metric.Int64Counter

	// TransportErrors counts fatal backend errors.
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live practice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("parlavo.connect.duration",
		metric.WithDescription("Latency of backend connection establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CompletionDuration, err = m.Float64Histogram("parlavo.completion.duration",
		metric.WithDescription("Latency of stateless chat completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PersistDuration, err = m.Float64Histogram("parlavo.persist.duration",
		metric.WithDescription("Latency of discussion store appends."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TurnsSealed, err = m.Int64Counter("parlavo.turns.sealed",
		metric.WithDescription("Total sealed conversational turns by speaker."),
	); err != nil {
		return nil, err
	}
	if met.TransportEvents, err = m.Int64Counter("parlavo.transport.events",
		metric.WithDescription("Total backend events by type."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PersistErrors, err = m.Int64Counter("parlavo.persist.errors",
		metric.WithDescription("Total failed discussion store writes."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("parlavo.transport.errors",
		metric.WithDescription("Total fatal backend errors."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parlavo.active_sessions",
		metric.WithDescription("Number of live practice sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records one backend connection attempt's latency.
func (m *Metrics) RecordConnect(ctx context.Context, strategy string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("strategy", strategy)),
	)
}

// RecordTurnSealed records one sealed turn for the given speaker.
func (m *Metrics) RecordTurnSealed(ctx context.Context, speaker string) {
	m.TurnsSealed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordTransportEvent records one backend event of the given type.
func (m *Metrics) RecordTransportEvent(ctx context.Context, eventType string) {
	m.TransportEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordPersistError records one failed store write.
func (m *Metrics) RecordPersistError(ctx context.Context) {
	m.PersistErrors.Add(ctx, 1)
}
