// Package observe provides application-wide observability primitives for
// Vaani: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [Init] so that metrics can still be
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

// meterName is the instrumentation scope name used for all Vaani metrics.
const meterName = "github.com/vaanilabs/vaani"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRLatency tracks first-audio-byte to final-transcript latency.
	ASRLatency metric.Float64Histogram

	// LLMTTFT tracks request send to first LLM token.
	LLMTTFT metric.Float64Histogram

	// LLMTotal tracks request send to last LLM token.
	LLMTotal metric.Float64Histogram

	// TTSLatency tracks sentence submission to first audio chunk.
	TTSLatency metric.Float64Histogram

	// E2ELatency tracks final transcript to first audio chunk of the reply.
	E2ELatency metric.Float64Histogram

	// --- Payload histograms ---

	// ASRAudioDuration tracks the playback length in seconds of recognized
	// utterances.
	ASRAudioDuration metric.Float64Histogram

	// TTSTextLength tracks the character count of synthesized sentences.
	TTSTextLength metric.Float64Histogram

	// --- Counters ---

	// Requests counts completed turns. Use with attributes:
	//   attribute.String("language", ...), attribute.String("status", ...)
	// and attribute.Bool("cached", ...) for LLM cache hits.
	Requests metric.Int64Counter

	// Errors counts pipeline errors. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("error_kind", ...)
	Errors metric.Int64Counter

	// WSConnections counts accepted WebSocket connections.
	WSConnections metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of currently open client streams.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// audioDurationBuckets covers utterance playback lengths in seconds.
var audioDurationBuckets = []float64{
	1, 2, 5, 10, 30, 60, 120,
}

// textLengthBuckets covers synthesized sentence lengths in characters.
var textLengthBuckets = []float64{
	10, 25, 50, 100, 250, 500, 1000,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Stage latency histograms.
	if met.ASRLatency, err = m.Float64Histogram("asr_latency_seconds",
		metric.WithDescription("Latency from first audio chunk to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMTTFT, err = m.Float64Histogram("llm_ttft_seconds",
		metric.WithDescription("Latency from LLM request send to first token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMTotal, err = m.Float64Histogram("llm_total_seconds",
		metric.WithDescription("Latency from LLM request send to last token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSLatency, err = m.Float64Histogram("tts_latency_seconds",
		metric.WithDescription("Latency from sentence submission to first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.E2ELatency, err = m.Float64Histogram("e2e_latency_seconds",
		metric.WithDescription("Latency from final transcript to first reply audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Payload histograms.
	if met.ASRAudioDuration, err = m.Float64Histogram("asr_audio_duration_seconds",
		metric.WithDescription("Playback duration of recognized utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(audioDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSTextLength, err = m.Float64Histogram("tts_text_length_chars",
		metric.WithDescription("Character count of synthesized sentences."),
		metric.WithExplicitBucketBoundaries(textLengthBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Requests, err = m.Int64Counter("requests_total",
		metric.WithDescription("Completed turns by language, status, and cache disposition."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("errors_total",
		metric.WithDescription("Pipeline errors by stage and error kind."),
	); err != nil {
		return nil, err
	}
	if met.WSConnections, err = m.Int64Counter("ws_connections_total",
		metric.WithDescription("Accepted WebSocket connections."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("active_streams",
		metric.WithDescription("Number of currently open client streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("Admin HTTP request latency by method and path."),
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

// RecordRequest records one completed turn.
func (m *Metrics) RecordRequest(ctx context.Context, language, status string, cached bool) {
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("status", status),
			attribute.Bool("cached", cached),
		),
	)
}

// RecordError records one pipeline error.
func (m *Metrics) RecordError(ctx context.Context, stage, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("error_kind", kind),
		),
	)
}

// RecordConnection records an accepted client stream and returns a func that
// decrements the active-stream gauge. Call it exactly once when the stream
// ends.
func (m *Metrics) RecordConnection(ctx context.Context) func() {
	m.WSConnections.Add(ctx, 1)
	m.ActiveStreams.Add(ctx, 1)
	return func() {
		m.ActiveStreams.Add(ctx, -1)
	}
}
