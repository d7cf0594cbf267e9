// Package observe wires OpenTelemetry metrics and tracing for the voice
// server, plus the HTTP middleware that ties them to requests.
//
// Metrics go through the OTel Metrics API and are bridged to Prometheus by
// [InitProvider]. [DefaultMetrics] uses the global meter provider; tests
// build their own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/medivoice/pkg/voice"
)

const meterName = "github.com/MrWong99/medivoice"

// Metrics holds every instrument the server records. The OTel types handle
// their own synchronisation.
type Metrics struct {
	// BrokerDuration is the time to mint one session config. Attribute:
	// outcome (ok, unauthenticated, invalid_conversation, invalid_settings,
	// provider_unavailable).
	BrokerDuration metric.Float64Histogram

	// ProviderRequests counts upstream mint calls. Attributes: provider,
	// status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed upstream mint calls. Attributes:
	// provider, kind.
	ProviderErrors metric.Int64Counter

	// SessionsMinted counts issued session configs. Attribute: voice.
	SessionsMinted metric.Int64Counter

	// BreakerTransitions counts circuit breaker moves. Attributes: provider,
	// to.
	BreakerTransitions metric.Int64Counter

	// Client-reported session latencies, from POST /voice/metrics.
	ConnectionTime        metric.Float64Histogram
	TimeToFirstTranscript metric.Float64Histogram
	STTLatency            metric.Float64Histogram
	ResponseLatency       metric.Float64Histogram
	SessionDuration       metric.Float64Histogram

	// Reconnects sums client-reported reconnect counts.
	Reconnects metric.Int64Counter

	// MetricsSubmissions counts POST /voice/metrics bodies accepted.
	MetricsSubmissions metric.Int64Counter

	// VoiceEvents counts event-log entries. Attribute: event_type.
	VoiceEvents metric.Int64Counter

	// TranscriptsAppended counts stored transcripts. Attribute: speaker.
	TranscriptsAppended metric.Int64Counter

	// HTTPRequestDuration is request latency. Attributes: method, route,
	// status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are in seconds and cover connect and voice-turn latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10, 30,
}

// durationBuckets are in seconds and cover whole-session lengths.
var durationBuckets = []float64{
	10, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	hist := func(name, desc string, buckets []float64) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = m.Int64Counter(name, metric.WithDescription(desc))
		return c
	}

	met.BrokerDuration = hist("medivoice.broker.duration", "Time to mint one realtime session config.", latencyBuckets)
	met.ProviderRequests = counter("medivoice.provider.requests", "Upstream session mint requests by provider and status.")
	met.ProviderErrors = counter("medivoice.provider.errors", "Upstream session mint failures by provider and kind.")
	met.SessionsMinted = counter("medivoice.sessions.minted", "Realtime session configs issued by voice.")
	met.BreakerTransitions = counter("medivoice.provider.breaker_transitions", "Circuit breaker state changes by provider and target state.")

	met.ConnectionTime = hist("medivoice.client.connection_time", "Client-reported time from start to connected.", latencyBuckets)
	met.TimeToFirstTranscript = hist("medivoice.client.first_transcript", "Client-reported time from start to the first transcript.", latencyBuckets)
	met.STTLatency = hist("medivoice.client.stt_latency", "Client-reported end-of-speech to final transcript latency.", latencyBuckets)
	met.ResponseLatency = hist("medivoice.client.response_latency", "Client-reported final transcript to first assistant output latency.", latencyBuckets)
	met.SessionDuration = hist("medivoice.client.session_duration", "Client-reported session length.", durationBuckets)
	met.Reconnects = counter("medivoice.client.reconnects", "Client-reported reconnect attempts.")
	met.MetricsSubmissions = counter("medivoice.client.metrics_submissions", "Session metric summaries accepted.")

	met.VoiceEvents = counter("medivoice.events", "Voice event-log entries by type.")
	met.TranscriptsAppended = counter("medivoice.transcripts.appended", "Transcripts stored by speaker.")

	if err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("medivoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on
// [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordBroker records one broker call.
func (m *Metrics) RecordBroker(ctx context.Context, d time.Duration, outcome string) {
	m.BrokerDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordProviderRequest counts one upstream call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider),
		Attr("status", status),
	))
}

// RecordProviderError counts one failed upstream call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider),
		Attr("kind", kind),
	))
}

// RecordSessionMinted counts one issued session config.
func (m *Metrics) RecordSessionMinted(ctx context.Context, v voice.Voice) {
	m.SessionsMinted.Add(ctx, 1, metric.WithAttributes(Attr("voice", string(v))))
}

// RecordBreakerTransition counts one breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider),
		Attr("to", to),
	))
}

// RecordSessionMetrics records a client's session summary. Zero latencies
// mean "not observed" and are skipped.
func (m *Metrics) RecordSessionMetrics(ctx context.Context, sm voice.SessionMetrics) {
	m.MetricsSubmissions.Add(ctx, 1)
	record := func(h metric.Float64Histogram, ms int64) {
		if ms > 0 {
			h.Record(ctx, float64(ms)/1000)
		}
	}
	record(m.ConnectionTime, sm.ConnectionTimeMs)
	record(m.TimeToFirstTranscript, sm.TimeToFirstTranscriptMs)
	record(m.STTLatency, sm.LastSTTLatencyMs)
	record(m.ResponseLatency, sm.LastResponseLatencyMs)
	record(m.SessionDuration, sm.SessionDurationMs)
	if sm.ReconnectCount > 0 {
		m.Reconnects.Add(ctx, int64(sm.ReconnectCount))
	}
}

// RecordVoiceEvent counts one event-log entry.
func (m *Metrics) RecordVoiceEvent(ctx context.Context, t voice.EventType) {
	m.VoiceEvents.Add(ctx, 1, metric.WithAttributes(Attr("event_type", string(t))))
}

// RecordTranscript counts one stored transcript.
func (m *Metrics) RecordTranscript(ctx context.Context, s voice.Speaker) {
	m.TranscriptsAppended.Add(ctx, 1, metric.WithAttributes(Attr("speaker", string(s))))
}
