// Package telemetry accumulates per-session voice latency samples and
// submits them once when the session ends.
//
// Submission is fire-and-forget: [Collector.Flush] hands the snapshot to a
// detached goroutine, awaits nothing and never retries. This keeps Flush safe
// to call from shutdown paths that cannot block.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/medivoice/pkg/voice"
)

// LatencyKind names a latency sample recorded with [Collector.RecordLatency].
type LatencyKind string

const (
	// LatencySTT is end of user speech to final user transcript.
	LatencySTT LatencyKind = "stt"

	// LatencyResponse is final user transcript to first assistant output.
	LatencyResponse LatencyKind = "response"
)

// Counter names a counter incremented with [Collector.IncrementCounter].
type Counter string

const (
	CounterUserTranscripts Counter = "user_transcripts"
	CounterAIResponses     Counter = "ai_responses"
	CounterReconnects      Counter = "reconnects"
)

// Sender delivers one metrics snapshot. The collector calls it at most once
// per session from a detached goroutine and ignores the result beyond
// logging it.
type Sender interface {
	SendMetrics(ctx context.Context, m voice.SessionMetrics) error
}

// DefaultSendTimeout bounds one detached submission.
const DefaultSendTimeout = 5 * time.Second

// Collector buffers the metrics of one session at a time.
// All methods are safe for concurrent use.
type Collector struct {
	sender  Sender
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration

	mu       sync.Mutex
	m        voice.SessionMetrics
	started  time.Time
	active   bool
	firstSet bool

	inflight sync.WaitGroup
}

// Option configures a [Collector].
type Option func(*Collector)

// WithLogger sets the collector's logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock overrides time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithSendTimeout bounds each detached submission. Defaults to
// [DefaultSendTimeout].
func WithSendTimeout(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New returns an idle collector. A nil sender discards flushed metrics.
func New(sender Sender, opts ...Option) *Collector {
	c := &Collector{
		sender:  sender,
		log:     slog.Default(),
		now:     time.Now,
		timeout: DefaultSendTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Begin starts buffering a new session, discarding anything left over from a
// previous one that was never flushed.
func (c *Collector) Begin(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = c.now()
	c.m = voice.SessionMetrics{
		ConversationID:   conversationID,
		SessionStartedAt: c.started.Unix(),
	}
	c.active = true
	c.firstSet = false
}

// SetSessionID records the provider session id. The latest id wins, so a
// reconnected session reports the id of its final stream.
func (c *Collector) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		c.m.SessionID = id
	}
}

// RecordConnectionTime records how long the first stream took to become
// ready. Later calls overwrite earlier ones.
func (c *Collector) RecordConnectionTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		c.m.ConnectionTimeMs = d.Milliseconds()
	}
}

// RecordFirstTranscript records the time from session start to the first
// transcript. Only the first call per session has an effect.
func (c *Collector) RecordFirstTranscript(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active && !c.firstSet {
		c.m.TimeToFirstTranscriptMs = d.Milliseconds()
		c.firstSet = true
	}
}

// RecordLatency records the latest sample of the given kind. Unknown kinds
// are ignored.
func (c *Collector) RecordLatency(kind LatencyKind, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	switch kind {
	case LatencySTT:
		c.m.LastSTTLatencyMs = d.Milliseconds()
	case LatencyResponse:
		c.m.LastResponseLatencyMs = d.Milliseconds()
	default:
		c.log.Debug("telemetry: unknown latency kind", "kind", kind)
	}
}

// IncrementCounter adds one to the named counter. Unknown names are ignored.
func (c *Collector) IncrementCounter(name Counter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	switch name {
	case CounterUserTranscripts:
		c.m.UserTranscriptCount++
	case CounterAIResponses:
		c.m.AIResponseCount++
	case CounterReconnects:
		c.m.ReconnectCount++
	default:
		c.log.Debug("telemetry: unknown counter", "name", name)
	}
}

// Snapshot returns the buffered metrics with SessionDurationMs computed as
// of now. It returns the zero value when no session is active.
func (c *Collector) Snapshot() voice.SessionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Collector) snapshotLocked() voice.SessionMetrics {
	if !c.active {
		return voice.SessionMetrics{}
	}
	m := c.m
	m.SessionDurationMs = c.now().Sub(c.started).Milliseconds()
	return m
}

// Flush submits the buffered metrics and clears the buffer. It never blocks
// on the network: delivery happens on a detached goroutine with its own
// timeout. Flush reports whether a submission was dispatched; a second call
// without an intervening [Collector.Begin] is a no-op that returns false.
func (c *Collector) Flush() bool {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return false
	}
	m := c.snapshotLocked()
	c.m = voice.SessionMetrics{}
	c.active = false
	c.mu.Unlock()

	if c.sender == nil {
		return true
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.sender.SendMetrics(ctx, m); err != nil {
			c.log.Debug("telemetry: metrics submission failed", "err", err,
				"conversation_id", m.ConversationID)
		}
	}()
	return true
}

// Wait blocks until every dispatched submission has returned. Flush never
// calls it; it exists for process shutdown and tests.
func (c *Collector) Wait() {
	c.inflight.Wait()
}
