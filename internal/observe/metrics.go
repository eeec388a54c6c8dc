// Package observe provides application-wide observability primitives for
// Tasmi: OpenTelemetry metric instruments and the SDK wiring that exposes
// them through a Prometheus exporter.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
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

// meterName is the instrumentation scope name used for all Tasmi metrics.
const meterName = "github.com/hifzlab/tasmi"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// TranscriptionLatency tracks the time from chunk submission (or frame
	// commit) to the transcription result. Use with attribute:
	//   attribute.String("provider", ...)
	TranscriptionLatency metric.Float64Histogram

	// ProviderRequests counts transcription backend calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts transcription backend errors. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// WordsAligned counts alignment outcomes per stabilized word. Use with
	// attribute:
	//   attribute.String("result", "match"|"fuzzy"|"mismatch"|"ignored")
	WordsAligned metric.Int64Counter

	// FramesDropped counts audio frames discarded on overflow, by stage.
	FramesDropped metric.Int64Counter

	// ActiveSessions tracks the number of live recitation sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// speech-backend round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptionLatency, err = m.Float64Histogram("tasmi.transcription.latency",
		metric.WithDescription("Latency of transcription backend round trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("tasmi.provider.requests",
		metric.WithDescription("Total transcription backend requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("tasmi.provider.errors",
		metric.WithDescription("Total transcription backend errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.WordsAligned, err = m.Int64Counter("tasmi.alignment.words",
		metric.WithDescription("Total stabilized words processed by alignment result."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("tasmi.audio.frames_dropped",
		metric.WithDescription("Total audio frames dropped on buffer overflow by stage."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("tasmi.active_sessions",
		metric.WithDescription("Number of live recitation sessions."),
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

// RecordProviderRequest records one backend request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordTranscriptionLatency records one backend round-trip duration.
func (m *Metrics) RecordTranscriptionLatency(ctx context.Context, provider string, d time.Duration) {
	m.TranscriptionLatency.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordProviderError records one backend error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordWordAligned records one alignment outcome.
func (m *Metrics) RecordWordAligned(ctx context.Context, result string) {
	m.WordsAligned.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordFrameDropped records one dropped audio frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, stage string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
