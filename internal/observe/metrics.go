// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Session lifecycle ---

	// ActiveSessions tracks the number of live sessions (0 or 1 per controller).
	ActiveSessions metric.Int64UpDownCounter

	// SessionOpenDuration tracks the time from Start until the backend
	// acknowledged the setup. Use with attribute.String("provider", ...).
	SessionOpenDuration metric.Float64Histogram

	// SessionErrors counts failed or aborted sessions. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	// where kind is one of "permission", "auth", "open", "transport".
	SessionErrors metric.Int64Counter

	// Turns counts finalised conversation turns.
	Turns metric.Int64Counter

	// --- Audio path ---

	// BlocksCaptured counts sample blocks delivered by the capture device.
	BlocksCaptured metric.Int64Counter

	// ChunksSent counts encoded chunks handed to the session.
	ChunksSent metric.Int64Counter

	// ChunksDropped counts chunks dropped on a full outbound queue.
	ChunksDropped metric.Int64Counter

	// ChunksReceived counts inbound audio chunks.
	ChunksReceived metric.Int64Counter

	// DecodeErrors counts inbound audio chunks that could not be decoded.
	DecodeErrors metric.Int64Counter

	// PlaybackLag tracks how far ahead of the output clock a chunk was
	// scheduled (the audio already queued when it arrived).
	PlaybackLag metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for session
// open and playback queue depth.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.sessions.active",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionOpenDuration, err = m.Float64Histogram("parley.session.open.duration",
		metric.WithDescription("Time until the model acknowledged the session setup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("parley.session.errors",
		metric.WithDescription("Failed or aborted sessions by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("parley.turns",
		metric.WithDescription("Finalised conversation turns."),
	); err != nil {
		return nil, err
	}

	if met.BlocksCaptured, err = m.Int64Counter("parley.audio.blocks_captured",
		metric.WithDescription("Sample blocks delivered by the capture device."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("parley.audio.chunks_sent",
		metric.WithDescription("Encoded audio chunks handed to the session."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("parley.audio.chunks_dropped",
		metric.WithDescription("Outbound chunks dropped on a full send queue."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("parley.audio.chunks_received",
		metric.WithDescription("Inbound audio chunks received from the model."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("parley.audio.decode_errors",
		metric.WithDescription("Inbound audio chunks that could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLag, err = m.Float64Histogram("parley.playback.lag",
		metric.WithDescription("Audio already queued ahead of the output clock when a chunk was scheduled."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordSessionError records a session failure with the standard attribute set.
func (m *Metrics) RecordSessionError(ctx context.Context, provider, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSessionOpen records the open latency for provider.
func (m *Metrics) RecordSessionOpen(ctx context.Context, provider string, seconds float64) {
	m.SessionOpenDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
