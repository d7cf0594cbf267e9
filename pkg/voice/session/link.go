package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/medivoice/pkg/audio"
	"github.com/MrWong99/medivoice/pkg/voice"
	"github.com/MrWong99/medivoice/pkg/voice/protocol"
	"github.com/MrWong99/medivoice/pkg/voice/transport"
)

// link is one open stream with its reader and writer goroutines.
type link struct {
	gen    uint64
	cfg    voice.SessionConfig
	stream transport.Stream
	out    chan []byte
	cancel context.CancelFunc
}

func (l *link) close(reason string) {
	l.cancel()
	_ = l.stream.Close(reason)
}

// ── Helper results ───────────────────────────────────────────────────────────

type connectResult struct {
	gen     uint64
	refresh bool
	cfg     voice.SessionConfig
	stream  transport.Stream
	err     error
}

type deviceResult struct {
	epoch  uint64
	device audio.Device
	err    error
}

type audioIn struct {
	epoch uint64
	pcm   []byte
}

type frameIn struct {
	gen  uint64
	data []byte
}

type streamErr struct {
	gen uint64
	err error
}

type sinkFailed struct {
	err error
}

// ── Connect ──────────────────────────────────────────────────────────────────

// connect mints a fresh config and dials it on a helper goroutine. A
// refresh runs alongside the current link and keeps its generation; every
// other connect supersedes whatever came before.
func (m *Machine) connect(refresh bool) {
	ctx, cancel := context.WithCancel(context.Background())
	if refresh {
		m.cancelRefresh()
		m.refreshCancel = cancel
		m.refreshing = true
	} else {
		m.gen++
		m.cancelOp()
		m.opCancel = cancel
	}
	gen := m.gen
	req := m.cfg.Settings.Get().Request(m.conversationID)

	go func() {
		res := connectResult{gen: gen, refresh: refresh}
		cfg, err := m.cfg.Broker.CreateSession(ctx, req)
		if err != nil {
			res.err = fmt.Errorf("create session: %w", err)
			m.post(res)
			return
		}
		res.cfg = cfg
		s, err := m.cfg.Dialer.Dial(ctx, cfg)
		if err != nil {
			res.err = fmt.Errorf("dial: %w", err)
			m.post(res)
			return
		}
		res.stream = s
		if !m.post(res) {
			_ = s.Close("session closed")
		}
	}()
}

func (m *Machine) cancelOp() {
	if m.opCancel != nil {
		m.opCancel()
		m.opCancel = nil
	}
}

func (m *Machine) cancelRefresh() {
	if m.refreshCancel != nil {
		m.refreshCancel()
		m.refreshCancel = nil
	}
	m.refreshing = false
}

// attach makes s the current link and starts its goroutines.
func (m *Machine) attach(cfg voice.SessionConfig, s transport.Stream) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		gen:    m.gen,
		cfg:    cfg,
		stream: s,
		out:    make(chan []byte, 256),
		cancel: cancel,
	}
	m.link = l
	m.decoder.Reset()
	go m.readLoop(ctx, l)
	go m.writeLoop(ctx, l)
}

// dropLink closes the current link and the timers that only make sense
// while it is open.
func (m *Machine) dropLink(reason string) {
	if m.link != nil {
		m.link.close(reason)
		m.link = nil
	}
	m.disarm(timerReady)
	m.disarm(timerHeartbeat)
	m.disarm(timerPong)
}

func (m *Machine) readLoop(ctx context.Context, l *link) {
	for {
		data, err := l.stream.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			m.post(streamErr{gen: l.gen, err: err})
			return
		}
		m.post(frameIn{gen: l.gen, data: data})
	}
}

func (m *Machine) writeLoop(ctx context.Context, l *link) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-l.out:
			if err := l.stream.Write(ctx, frame); err != nil {
				if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
					return
				}
				m.post(streamErr{gen: l.gen, err: err})
				return
			}
		}
	}
}

// write encodes cmd and queues it on the current link without blocking the
// actor.
func (m *Machine) write(cmd protocol.Command) error {
	if m.link == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	select {
	case m.link.out <- data:
		return nil
	default:
		m.log.Warn("session: outbound queue full, dropping frame", "type", cmd.WireType())
		return fmt.Errorf("session: outbound queue full, dropped %s", cmd.WireType())
	}
}

// ── Microphone ───────────────────────────────────────────────────────────────

func (m *Machine) acquireDevice() {
	if m.cfg.Capture == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.deviceCancel = cancel
	epoch := m.epoch
	capture := m.cfg.Capture
	go func() {
		dev, err := capture.Open(ctx)
		if !m.post(deviceResult{epoch: epoch, device: dev, err: err}) && dev != nil {
			_ = dev.Close()
		}
	}()
}

// pump normalises captured frames and hands them to the actor, which
// forwards them only while Connected.
func (m *Machine) pump(ctx context.Context, epoch uint64, dev audio.Device) {
	norm := audio.NewNormalizer(m.log)
	frames := dev.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			pcm := norm.Normalize(f)
			if len(pcm) == 0 {
				continue
			}
			m.post(audioIn{epoch: epoch, pcm: pcm})
		}
	}
}

func (m *Machine) releaseDevice() {
	if m.deviceCancel != nil {
		m.deviceCancel()
		m.deviceCancel = nil
	}
	if m.device != nil {
		if err := m.device.Close(); err != nil {
			m.log.Warn("session: close capture device", "err", err)
		}
		m.device = nil
	}
}

// ── Timers ───────────────────────────────────────────────────────────────────

type timerID int

const (
	timerReconnect timerID = iota
	timerHeartbeat
	timerPong
	timerReady
	timerRefresh
	timerExpiry
	numTimers
)

type timerFired struct {
	id  timerID
	seq uint64
}

// arm (re)starts timer id. A fire that was already queued for a previous
// arming is recognised as stale by its sequence number.
func (m *Machine) arm(id timerID, d time.Duration) {
	m.disarm(id)
	seq := m.timerSeq[id]
	m.timers[id] = time.AfterFunc(max(d, 0), func() {
		m.post(timerFired{id: id, seq: seq})
	})
}

func (m *Machine) disarm(id timerID) {
	if t := m.timers[id]; t != nil {
		t.Stop()
		m.timers[id] = nil
	}
	m.timerSeq[id]++
}

func (m *Machine) disarmAll() {
	for id := range numTimers {
		m.disarm(id)
	}
}

func (m *Machine) armedTimers() int {
	n := 0
	for _, t := range m.timers {
		if t != nil {
			n++
		}
	}
	return n
}

// ── Outbox ───────────────────────────────────────────────────────────────────

// outboxLoop runs transcript appends and event reports one at a time, so
// the sink sees transcripts in recognition order.
func (m *Machine) outboxLoop() {
	defer m.workers.Done()
	for job := range m.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SinkTimeout)
		job(ctx)
		cancel()
	}
}

func (m *Machine) enqueue(job func(context.Context)) {
	select {
	case m.outbox <- job:
	default:
		m.log.Warn("session: outbox full, dropping job", "conversation_id", m.conversationID)
	}
}
