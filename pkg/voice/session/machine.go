// Package session implements the realtime voice session state machine.
//
// A [Machine] owns one conversation's stream connection and microphone
// handle. All state lives on a single actor goroutine that drains one inbox;
// broker calls, dials, stream reads and device acquisition run on helper
// goroutines and post their results back tagged with a generation, so
// results from a superseded stream are discarded rather than merged.
//
// Lifecycle:
//
//	Idle ─Start─▶ Connecting ─ready─▶ Connected ─drop/keepalive─▶ Reconnecting(1)
//	                   │                  ▲                             │
//	                   └─error─▶ Failed   └──────────ready──────────────┤
//	                                                                    ├─fail, n<max─▶ Reconnecting(n+1)
//	                                                                    └─fail, n=max─▶ Failed
//
// Connected and Reconnecting move to Expired at the session deadline, and
// every state moves to Closed on [Machine.Stop]. Closed, Failed and Expired
// are terminal: they flush metrics, release the microphone and close the
// stream, and only an explicit Start leaves them.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/medivoice/pkg/audio"
	"github.com/MrWong99/medivoice/pkg/voice"
	"github.com/MrWong99/medivoice/pkg/voice/backoff"
	"github.com/MrWong99/medivoice/pkg/voice/protocol"
	"github.com/MrWong99/medivoice/pkg/voice/settings"
	"github.com/MrWong99/medivoice/pkg/voice/telemetry"
	"github.com/MrWong99/medivoice/pkg/voice/transport"
)

// Defaults for [Config].
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPongTimeout       = 45 * time.Second
	DefaultReadyTimeout      = 15 * time.Second
	DefaultRefreshLead       = 60 * time.Second
	DefaultEventBuffer       = 256
	DefaultSinkTimeout       = 10 * time.Second
)

// ── Collaborators ────────────────────────────────────────────────────────────

// Broker mints a session config. Every connect attempt calls it again
// because ephemeral credentials are single-use.
type Broker interface {
	CreateSession(ctx context.Context, req voice.SessionRequest) (voice.SessionConfig, error)
}

// TranscriptSink receives final transcripts in the order they were
// recognised.
type TranscriptSink interface {
	AppendTranscript(ctx context.Context, conversationID string, ev voice.TranscriptEvent) error
}

// EventReporter records entries in the voice event log.
type EventReporter interface {
	ReportEvent(ctx context.Context, ev voice.Event) error
}

// SettingsSource supplies the user's current voice settings. A
// *settings.Store satisfies it.
type SettingsSource interface {
	Get() settings.Settings
}

type staticSettings settings.Settings

func (s staticSettings) Get() settings.Settings { return settings.Settings(s) }

// Config wires a [Machine]. Broker and Dialer are required; everything else
// is optional.
type Config struct {
	Broker Broker
	Dialer transport.Dialer

	// Settings supplies the broker request. Defaults to [settings.Defaults].
	Settings SettingsSource

	// Capture acquires the microphone on Start. Nil runs text-only.
	Capture audio.Capture

	// Player renders assistant audio. Nil discards it.
	Player audio.Player

	Sink     TranscriptSink
	Reporter EventReporter

	// Metrics receives latency samples. Defaults to a collector that
	// discards its flush.
	Metrics *telemetry.Collector

	Logger *slog.Logger

	// Backoff schedules reconnect attempts. The zero value uses 1s doubling
	// to 30s with ±20% jitter and 5 attempts.
	Backoff backoff.Policy

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	ReadyTimeout      time.Duration

	// DisableProactiveRefresh turns off credential refresh before the
	// session deadline; the session then moves to Expired at the deadline.
	DisableProactiveRefresh bool

	// RefreshLead is how long before the deadline a refresh starts.
	RefreshLead time.Duration

	// EventBuffer sizes the [Machine.Events] channel.
	EventBuffer int

	// SinkTimeout bounds one transcript append or event report.
	SinkTimeout time.Duration

	// Now overrides time.Now. Intended for tests.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.Settings == nil {
		c.Settings = staticSettings(settings.Defaults())
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.New(nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.RefreshLead <= 0 {
		c.RefreshLead = DefaultRefreshLead
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = DefaultSinkTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ── Machine ──────────────────────────────────────────────────────────────────

// Machine is one voice session. Create it with [New]; release it with
// [Machine.Close].
//
// All methods are safe for concurrent use.
type Machine struct {
	cfg Config
	log *slog.Logger

	inbox  chan any
	events chan Event
	quit   chan struct{}
	done   chan struct{}
	outbox chan func(context.Context)

	closeOnce sync.Once
	workers   sync.WaitGroup

	snapMu sync.RWMutex
	snap   snapshot

	// Everything below is owned by the actor goroutine.
	st             State
	epoch          uint64
	gen            uint64
	conversationID string
	link           *link
	opCancel       context.CancelFunc
	refreshCancel  context.CancelFunc
	refreshing     bool
	afterHandle    func()

	device       audio.Device
	deviceCancel context.CancelFunc

	decoder    *protocol.Decoder
	timers     [numTimers]*time.Timer
	timerSeq   [numTimers]uint64
	suppressed map[string]bool

	turn turnClock
}

// turnClock tracks per-turn timestamps for latency metrics and barge-in.
type turnClock struct {
	startedAt        time.Time
	connectStarted   time.Time
	connectedOnce    bool
	speechStoppedAt  time.Time
	userFinalAt      time.Time
	awaitingResponse bool
	assistantActive  bool
	activeResponse   string
}

type snapshot struct {
	state  State
	timers int
}

// New creates an idle machine and starts its actor goroutine.
func New(cfg Config) *Machine {
	cfg.setDefaults()
	m := &Machine{
		cfg:        cfg,
		log:        cfg.Logger,
		inbox:      make(chan any, 64),
		events:     make(chan Event, cfg.EventBuffer),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		outbox:     make(chan func(context.Context), 256),
		decoder:    protocol.NewDecoder(),
		suppressed: make(map[string]bool),
	}
	m.snap.state = State{Kind: Idle}

	m.workers.Add(1)
	go m.outboxLoop()
	go m.loop()
	return m
}

// Events returns the channel of session events. It is closed by
// [Machine.Close]. Consumers must drain it; when it is full, events are
// dropped with a warning.
func (m *Machine) Events() <-chan Event {
	return m.events
}

// State returns the current state.
func (m *Machine) State() State {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.state
}

// PendingTimers returns the number of armed timers: reconnect, heartbeat,
// pong deadline, ready deadline, refresh and expiry.
func (m *Machine) PendingTimers() int {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.timers
}

// ── Commands ─────────────────────────────────────────────────────────────────

type startCmd struct {
	conversationID string
	reply          chan error
}

type stopCmd struct {
	reply chan struct{}
}

type sendCmd struct {
	cmds  []protocol.Command
	ping  bool
	reply chan error
}

// Start begins a session for conversationID (which may be empty). It
// returns once the machine is Connecting; progress is reported on
// [Machine.Events]. Start while a session is active returns
// [ErrAlreadyActive] and changes nothing.
func (m *Machine) Start(ctx context.Context, conversationID string) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, startCmd{conversationID: conversationID, reply: reply}); err != nil {
		return err
	}
	return await(ctx, reply, m.done)
}

// Stop ends the session from any state. It cancels in-flight broker calls
// and dials, every timer, and releases the stream and the microphone.
// After Stop returns no transition other than Closed happens. Stop is
// idempotent.
func (m *Machine) Stop(ctx context.Context) error {
	reply := make(chan struct{})
	if err := m.send(ctx, stopCmd{reply: reply}); err != nil {
		if err == ErrMachineClosed {
			return nil
		}
		return err
	}
	select {
	case <-reply:
		return nil
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage inserts a typed user message and asks for a response.
func (m *Machine) SendMessage(ctx context.Context, text string) error {
	return m.sendWire(ctx, sendCmd{cmds: []protocol.Command{
		protocol.UserText{Text: text},
		protocol.RequestResponse{},
	}})
}

// SendPing sends a keepalive ping and arms the pong deadline.
func (m *Machine) SendPing(ctx context.Context) error {
	return m.sendWire(ctx, sendCmd{ping: true})
}

// CommitAudio closes the current input audio buffer as a user turn. Use it
// for push-to-talk when server-side turn detection is not relied upon.
func (m *Machine) CommitAudio(ctx context.Context) error {
	return m.sendWire(ctx, sendCmd{cmds: []protocol.Command{protocol.CommitUserAudio{}}})
}

// RequestResponse asks the model to respond to the conversation so far.
func (m *Machine) RequestResponse(ctx context.Context) error {
	return m.sendWire(ctx, sendCmd{cmds: []protocol.Command{protocol.RequestResponse{}}})
}

func (m *Machine) sendWire(ctx context.Context, c sendCmd) error {
	c.reply = make(chan error, 1)
	if err := m.send(ctx, c); err != nil {
		return err
	}
	return await(ctx, c.reply, m.done)
}

// Close stops the session, terminates the actor and closes the event
// channel. Pending transcript appends are given until ctx is done to
// finish.
func (m *Machine) Close(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.quit) })
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) send(ctx context.Context, msg any) error {
	select {
	case m.inbox <- msg:
		return nil
	case <-m.done:
		return ErrMachineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a helper result to the actor. It reports false once the
// actor has exited.
func (m *Machine) post(msg any) bool {
	select {
	case m.inbox <- msg:
		return true
	case <-m.done:
		return false
	}
}

func await(ctx context.Context, reply <-chan error, done <-chan struct{}) error {
	select {
	case err := <-reply:
		return err
	case <-done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrMachineClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
