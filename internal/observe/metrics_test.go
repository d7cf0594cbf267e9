package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/medivoice/pkg/voice"
)

// newTestMetrics returns Metrics backed by a manual reader.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue sums the data points of a counter whose attribute key has
// value val. An empty key sums every point.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, val string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if key == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == val {
			total += dp.Value
		}
	}
	return total
}

func histogramCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		return 0
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is not a histogram", name)
	}
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	return n
}

func TestRecordSessionMetrics(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionMetrics(ctx, voice.SessionMetrics{
		ConnectionTimeMs:        850,
		TimeToFirstTranscriptMs: 2100,
		LastSTTLatencyMs:        300,
		LastResponseLatencyMs:   0, // never answered
		SessionDurationMs:       95_000,
		ReconnectCount:          2,
	})
	m.RecordSessionMetrics(ctx, voice.SessionMetrics{ConnectionTimeMs: 400, ReconnectCount: 1})

	rm := collect(t, reader)
	tests := []struct {
		name string
		want uint64
	}{
		{"medivoice.client.connection_time", 2},
		{"medivoice.client.first_transcript", 1},
		{"medivoice.client.stt_latency", 1},
		{"medivoice.client.response_latency", 0},
		{"medivoice.client.session_duration", 1},
	}
	for _, tt := range tests {
		if got := histogramCount(t, rm, tt.name); got != tt.want {
			t.Errorf("%s count = %d, want %d", tt.name, got, tt.want)
		}
	}
	if got := counterValue(t, rm, "medivoice.client.reconnects", "", ""); got != 3 {
		t.Errorf("reconnects = %d, want 3", got)
	}
	if got := counterValue(t, rm, "medivoice.client.metrics_submissions", "", ""); got != 2 {
		t.Errorf("submissions = %d, want 2", got)
	}
}

func TestBrokerAndProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBroker(ctx, 120*time.Millisecond, "ok")
	m.RecordBroker(ctx, 5*time.Millisecond, "unauthenticated")
	m.RecordProviderRequest(ctx, "openai", "ok")
	m.RecordProviderRequest(ctx, "openai", "ok")
	m.RecordProviderRequest(ctx, "openai", "error")
	m.RecordProviderError(ctx, "openai", "timeout")
	m.RecordSessionMinted(ctx, voice.VoiceSage)
	m.RecordBreakerTransition(ctx, "openai", "open")

	rm := collect(t, reader)
	if got := histogramCount(t, rm, "medivoice.broker.duration"); got != 2 {
		t.Errorf("broker samples = %d, want 2", got)
	}
	if got := counterValue(t, rm, "medivoice.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := counterValue(t, rm, "medivoice.provider.errors", "kind", "timeout"); got != 1 {
		t.Errorf("timeout errors = %d, want 1", got)
	}
	if got := counterValue(t, rm, "medivoice.sessions.minted", "voice", "sage"); got != 1 {
		t.Errorf("sage sessions = %d, want 1", got)
	}
	if got := counterValue(t, rm, "medivoice.provider.breaker_transitions", "to", "open"); got != 1 {
		t.Errorf("breaker opens = %d, want 1", got)
	}
}

func TestEventAndTranscriptCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordVoiceEvent(ctx, voice.EventBargeIn)
	m.RecordVoiceEvent(ctx, voice.EventBargeIn)
	m.RecordVoiceEvent(ctx, voice.EventConnectionError)
	m.RecordTranscript(ctx, voice.SpeakerUser)

	rm := collect(t, reader)
	if got := counterValue(t, rm, "medivoice.events", "event_type", "barge_in"); got != 2 {
		t.Errorf("barge_in = %d, want 2", got)
	}
	if got := counterValue(t, rm, "medivoice.transcripts.appended", "speaker", "user"); got != 1 {
		t.Errorf("user transcripts = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
