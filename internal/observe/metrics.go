// Package observe provides application-wide observability primitives for
// echolink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all echolink metrics.
const meterName = "github.com/MrWong99/echolink"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks full dialogue-turn latency (transcript in to
	// synthesis finished).
	TurnDuration metric.Float64Histogram

	// FirstAudioDuration tracks the latency from transcript to the first
	// synthesized audio frame leaving for the device.
	FirstAudioDuration metric.Float64Histogram

	// ASRResolveDuration tracks how long segment resolution waits for the
	// final transcript after voice end.
	ASRResolveDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool dispatch latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// Connections counts accepted device connections. Use with attribute:
	//   attribute.String("transport", "direct"|"gateway")
	Connections metric.Int64Counter

	// Turns counts completed dialogue turns. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"aborted")
	Turns metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ASRFinals counts authoritative transcripts handed to the turn engine.
	ASRFinals metric.Int64Counter

	// BargeIns counts playback interruptions caused by device speech.
	BargeIns metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live device connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.TurnDuration, err = m.Float64Histogram("echolink.turn.duration",
		metric.WithDescription("Latency of a full dialogue turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioDuration, err = m.Float64Histogram("echolink.first_audio.duration",
		metric.WithDescription("Latency from transcript to first synthesized audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ASRResolveDuration, err = m.Float64Histogram("echolink.asr_resolve.duration",
		metric.WithDescription("Wait for the final transcript after voice end."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("echolink.tool_execution.duration",
		metric.WithDescription("Latency of tool dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Connections, err = m.Int64Counter("echolink.connections",
		metric.WithDescription("Total accepted device connections by transport."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("echolink.turns",
		metric.WithDescription("Total completed dialogue turns by status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("echolink.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ASRFinals, err = m.Int64Counter("echolink.asr.finals",
		metric.WithDescription("Total authoritative transcripts handed to the turn engine."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("echolink.barge_ins",
		metric.WithDescription("Total playback interruptions caused by device speech."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("echolink.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("echolink.active_connections",
		metric.WithDescription("Number of live device connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echolink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// ConnectionOpened records one accepted connection and bumps the active
// gauge. transport is "gateway" for relayed connections, "direct" otherwise.
func (m *Metrics) ConnectionOpened(ctx context.Context, transport string) {
	m.Connections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transport", transport)),
	)
	m.ActiveConnections.Add(ctx, 1)
}

// ConnectionClosed decrements the active connection gauge.
func (m *Metrics) ConnectionClosed(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}

// RecordTurn records one completed dialogue turn with its duration.
func (m *Metrics) RecordTurn(ctx context.Context, d time.Duration, status string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordBargeIn records one playback interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordASRFinal records one authoritative transcript.
func (m *Metrics) RecordASRFinal(ctx context.Context) {
	m.ASRFinals.Add(ctx, 1)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
