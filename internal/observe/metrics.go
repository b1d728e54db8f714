// Package observe provides application-wide observability primitives for
// Altavoz: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Altavoz metrics.
const meterName = "github.com/altavoz-cl/altavoz"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks one full conversation turn, voice wait to applied
	// domain result.
	TurnDuration metric.Float64Histogram

	// TranscriptDuration tracks commit-to-transcript latency of the realtime
	// transcription session.
	TranscriptDuration metric.Float64Histogram

	// TTSDuration tracks prompt synthesis latency.
	TTSDuration metric.Float64Histogram

	// WebhookDuration tracks the identification webhook round-trip.
	WebhookDuration metric.Float64Histogram

	// --- Counters ---

	// WebhookInvocations counts webhook sends. Use with attributes:
	//   attribute.String("trigger", ...), attribute.String("result", ...)
	WebhookInvocations metric.Int64Counter

	// CaptureRejections counts transcripts the semantic filter refused.
	// Use with attribute: attribute.String("reason", ...)
	CaptureRejections metric.Int64Counter

	// SilentTurns counts turns that produced no usable caller input.
	SilentTurns metric.Int64Counter

	// BargeIns counts playbacks interrupted by caller voice.
	BargeIns metric.Int64Counter

	// --- Error counters ---

	// PBXErrors counts failed PBX operations. Use with attributes:
	//   attribute.String("op", ...), attribute.String("kind", ...)
	PBXErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of calls currently in stasis.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveSnoops tracks the number of live snoop taps.
	ActiveSnoops metric.Int64UpDownCounter

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
	if met.TurnDuration, err = m.Float64Histogram("altavoz.turn.duration",
		metric.WithDescription("Latency of one full conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptDuration, err = m.Float64Histogram("altavoz.stt.transcript.duration",
		metric.WithDescription("Commit-to-transcript latency of the realtime session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("altavoz.tts.duration",
		metric.WithDescription("Latency of prompt synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WebhookDuration, err = m.Float64Histogram("altavoz.webhook.duration",
		metric.WithDescription("Round-trip latency of the identification webhook."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.WebhookInvocations, err = m.Int64Counter("altavoz.webhook.invocations",
		metric.WithDescription("Total identification webhook sends by trigger and result."),
	); err != nil {
		return nil, err
	}
	if met.CaptureRejections, err = m.Int64Counter("altavoz.capture.rejections",
		metric.WithDescription("Transcripts refused by the semantic filter, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SilentTurns, err = m.Int64Counter("altavoz.turn.silent",
		metric.WithDescription("Turns that produced no usable caller input."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("altavoz.playback.barge_ins",
		metric.WithDescription("Playbacks interrupted by caller voice."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PBXErrors, err = m.Int64Counter("altavoz.pbx.errors",
		metric.WithDescription("Failed PBX operations by op and error kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("altavoz.active_calls",
		metric.WithDescription("Number of calls currently in stasis."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSnoops, err = m.Int64UpDownCounter("altavoz.active_snoops",
		metric.WithDescription("Number of live snoop taps."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("altavoz.http.request.duration",
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

// RecordWebhook records one identification webhook send.
func (m *Metrics) RecordWebhook(ctx context.Context, trigger, result string) {
	m.WebhookInvocations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("trigger", trigger),
			attribute.String("result", result),
		),
	)
}

// RecordCaptureRejection records one semantic-filter refusal.
func (m *Metrics) RecordCaptureRejection(ctx context.Context, reason string) {
	m.CaptureRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordPBXError records one failed PBX operation.
func (m *Metrics) RecordPBXError(ctx context.Context, op, kind string) {
	m.PBXErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("kind", kind),
		),
	)
}

// CallStarted and CallEnded move the active-calls gauge.
func (m *Metrics) CallStarted(ctx context.Context) { m.ActiveCalls.Add(ctx, 1) }
func (m *Metrics) CallEnded(ctx context.Context)   { m.ActiveCalls.Add(ctx, -1) }
