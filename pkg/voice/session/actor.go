package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/medivoice/pkg/audio"
	"github.com/MrWong99/medivoice/pkg/voice"
	"github.com/MrWong99/medivoice/pkg/voice/protocol"
	"github.com/MrWong99/medivoice/pkg/voice/telemetry"
)

// loop is the actor. It is the only goroutine that reads or writes the
// machine's session state.
func (m *Machine) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			if m.st.Kind != Closed {
				m.terminate(State{Kind: Closed}, "machine closed")
			}
			m.publish()
			close(m.outbox)
			close(m.events)
			return
		case msg := <-m.inbox:
			m.handle(msg)
			m.publish()
			if m.afterHandle != nil {
				m.afterHandle()
				m.afterHandle = nil
			}
		}
	}
}

// publish copies the actor's view into the snapshot read by State and
// PendingTimers.
func (m *Machine) publish() {
	m.snapMu.Lock()
	m.snap = snapshot{state: m.st, timers: m.armedTimers()}
	m.snapMu.Unlock()
}

func (m *Machine) handle(msg any) {
	switch msg := msg.(type) {
	case startCmd:
		err := m.handleStart(msg.conversationID)
		m.afterHandle = func() { msg.reply <- err }
	case stopCmd:
		if m.st.Kind != Closed {
			m.terminate(State{Kind: Closed}, "stopped")
		}
		m.afterHandle = func() { close(msg.reply) }
	case sendCmd:
		err := m.handleSend(msg)
		m.afterHandle = func() { msg.reply <- err }
	case connectResult:
		m.handleConnectResult(msg)
	case deviceResult:
		m.handleDevice(msg)
	case audioIn:
		if msg.epoch == m.epoch && m.st.Kind == Connected {
			_ = m.write(protocol.AppendAudio{PCM: msg.pcm})
		}
	case frameIn:
		if msg.gen == m.gen && m.link != nil {
			m.handleFrame(msg.data)
		}
	case streamErr:
		if msg.gen == m.gen && m.link != nil {
			m.streamLost(msg.err)
		}
	case timerFired:
		m.handleTimer(msg)
	case sinkFailed:
		m.emitError(KindTransient, msg.err)
	default:
		m.log.Error("session: unexpected inbox message", "type", fmt.Sprintf("%T", msg))
	}
}

// ── Transitions ──────────────────────────────────────────────────────────────

func (m *Machine) setState(next State) {
	prev := m.st
	m.st = next
	m.log.Info("session: state change",
		"from", prev.String(),
		"to", next.String(),
		"conversation_id", m.conversationID,
	)
	m.emit(StateChanged{From: prev, To: next})
}

func (m *Machine) handleStart(conversationID string) error {
	if k := m.st.Kind; k != Idle && !k.Terminal() {
		return ErrAlreadyActive
	}
	now := m.cfg.Now()
	m.epoch++
	m.conversationID = conversationID
	m.turn = turnClock{startedAt: now, connectStarted: now}
	clear(m.suppressed)
	m.decoder.Reset()
	m.cfg.Metrics.Begin(conversationID)

	m.setState(State{Kind: Connecting})
	m.emit(Status{Text: "connecting"})
	m.acquireDevice()
	m.connect(false)
	return nil
}

// terminate moves to a terminal state and releases everything the session
// holds. Bumping the generation and epoch makes every in-flight helper
// result stale.
func (m *Machine) terminate(next State, reason string) {
	m.gen++
	m.epoch++
	m.cancelOp()
	m.cancelRefresh()
	m.disarmAll()
	m.dropLink(reason)
	m.releaseDevice()
	if m.turn.assistantActive && m.cfg.Player != nil {
		m.cfg.Player.Interrupt(audio.SessionEnded)
	}
	m.turn.assistantActive = false
	m.decoder.Reset()
	m.cfg.Metrics.Flush()
	m.setState(next)
}

func (m *Machine) fail(reason string) {
	m.terminate(State{Kind: Failed, Reason: reason}, reason)
}

func (m *Machine) expire() {
	m.emitError(KindExpiry, ErrExpired)
	m.terminate(State{Kind: Expired}, "expired")
}

func (m *Machine) enterReconnecting(attempt int) {
	m.dropLink("reconnecting")
	m.cancelRefresh()
	m.disarm(timerRefresh)
	m.turn.assistantActive = false
	m.turn.awaitingResponse = false

	m.setState(State{Kind: Reconnecting, Attempt: attempt})
	m.cfg.Metrics.IncrementCounter(telemetry.CounterReconnects)
	m.emit(Status{Text: fmt.Sprintf("reconnecting (attempt %d)", attempt)})
	delay := m.cfg.Backoff.Delay(attempt)
	m.log.Info("session: scheduling reconnect", "attempt", attempt, "delay", delay)
	m.arm(timerReconnect, delay)
}

func (m *Machine) becomeConnected(ready protocol.SessionReady) {
	m.disarm(timerReady)
	m.disarm(timerReconnect)
	m.setState(State{Kind: Connected})

	now := m.cfg.Now()
	if !m.turn.connectedOnce {
		m.cfg.Metrics.RecordConnectionTime(now.Sub(m.turn.connectStarted))
		m.turn.connectedOnce = true
	}
	m.recordSessionID(ready.SessionID)
	m.arm(timerHeartbeat, m.cfg.HeartbeatInterval)
	m.armDeadline(m.link.cfg)
	m.emit(Status{Text: "connected"})
}

func (m *Machine) recordSessionID(id string) {
	if id == "" && m.link != nil {
		id = m.link.cfg.SessionID
	}
	if id != "" {
		m.cfg.Metrics.SetSessionID(id)
	}
}

// armDeadline arms the expiry timer for cfg and, unless disabled, a
// refresh RefreshLead before it. A deadline closer than RefreshLead gets no
// refresh.
func (m *Machine) armDeadline(cfg voice.SessionConfig) {
	deadline := cfg.Deadline()
	if deadline.IsZero() {
		m.disarm(timerExpiry)
		m.disarm(timerRefresh)
		return
	}
	until := deadline.Sub(m.cfg.Now())
	m.arm(timerExpiry, until)
	if lead := until - m.cfg.RefreshLead; !m.cfg.DisableProactiveRefresh && lead > 0 {
		m.arm(timerRefresh, lead)
	} else {
		m.disarm(timerRefresh)
	}
}

// ── Connect results ──────────────────────────────────────────────────────────

func (m *Machine) handleConnectResult(r connectResult) {
	if r.refresh {
		if r.gen != m.gen || m.st.Kind != Connected || !m.refreshing {
			closeStale(r)
			return
		}
		m.finishRefresh(r)
		return
	}

	if r.gen != m.gen || m.link != nil || (m.st.Kind != Connecting && m.st.Kind != Reconnecting) {
		closeStale(r)
		return
	}
	m.cancelOp()
	if r.err != nil {
		m.connectFailed(r.err)
		return
	}
	m.attach(r.cfg, r.stream)
	m.arm(timerReady, m.cfg.ReadyTimeout)
}

func closeStale(r connectResult) {
	if r.stream != nil {
		_ = r.stream.Close("superseded")
	}
}

// connectFailed handles a failed attempt. The first connect fails the
// session outright; a reconnect fails fast on configuration errors and
// otherwise backs off until the attempt ceiling.
func (m *Machine) connectFailed(err error) {
	kind := Classify(err)
	m.log.Warn("session: connect attempt failed", "err", err, "state", m.st.String())
	m.emitError(kind, err)
	m.report(voice.EventConnectionError, map[string]any{
		"error":   err.Error(),
		"attempt": m.st.Attempt,
	})

	switch m.st.Kind {
	case Connecting:
		m.fail(reasonFor(err))
	case Reconnecting:
		switch {
		case kind == KindConfiguration:
			m.fail(reasonFor(err))
		case m.cfg.Backoff.Exhausted(m.st.Attempt):
			m.fail(ReasonMaxRetries)
		default:
			m.enterReconnecting(m.st.Attempt + 1)
		}
	}
}

// streamLost handles an abnormal end of the current link.
func (m *Machine) streamLost(err error) {
	switch m.st.Kind {
	case Connected:
		m.log.Warn("session: stream lost", "err", err)
		m.emitError(KindTransient, err)
		m.report(voice.EventConnectionError, map[string]any{"error": err.Error()})
		m.enterReconnecting(1)
	case Connecting, Reconnecting:
		m.dropLink("not ready")
		m.connectFailed(err)
	}
}

func (m *Machine) finishRefresh(r connectResult) {
	m.cancelRefresh()
	if r.err != nil {
		err := fmt.Errorf("refresh: %w", r.err)
		m.log.Warn("session: credential refresh failed", "err", err)
		m.emitError(Classify(r.err), err)
		m.report(voice.EventConnectionError, map[string]any{"error": err.Error(), "refresh": true})
		return
	}

	old := m.link
	m.gen++
	m.attach(r.cfg, r.stream)
	if old != nil {
		old.close("refreshed")
	}
	m.turn.assistantActive = false
	clear(m.suppressed)
	m.disarm(timerPong)
	m.arm(timerHeartbeat, m.cfg.HeartbeatInterval)
	m.armDeadline(r.cfg)
	m.recordSessionID(r.cfg.SessionID)
	m.emit(Status{Text: "refreshed"})
}

func (m *Machine) handleDevice(r deviceResult) {
	if r.epoch != m.epoch || m.st.Kind.Terminal() {
		if r.device != nil {
			_ = r.device.Close()
		}
		return
	}
	if m.deviceCancel != nil {
		m.deviceCancel()
		m.deviceCancel = nil
	}
	if r.err != nil {
		err := fmt.Errorf("open microphone: %w", r.err)
		m.emitError(KindResource, err)
		m.fail(ReasonMicrophone)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.device = r.device
	m.deviceCancel = cancel
	go m.pump(ctx, m.epoch, r.device)
}

// ── Commands ─────────────────────────────────────────────────────────────────

func (m *Machine) handleSend(c sendCmd) error {
	if m.st.Kind != Connected {
		return ErrNotConnected
	}
	if c.ping {
		return m.sendPing()
	}
	for _, cmd := range c.cmds {
		if err := m.write(cmd); err != nil {
			return err
		}
	}
	return nil
}

// sendPing writes a ping and arms the pong deadline unless one is already
// outstanding.
func (m *Machine) sendPing() error {
	if err := m.write(protocol.Ping{}); err != nil {
		return err
	}
	if m.timers[timerPong] == nil {
		m.arm(timerPong, m.cfg.PongTimeout)
	}
	return nil
}

func (m *Machine) handleTimer(t timerFired) {
	if t.seq != m.timerSeq[t.id] {
		return
	}
	m.timers[t.id] = nil

	switch t.id {
	case timerReconnect:
		if m.st.Kind == Reconnecting {
			m.connect(false)
		}
	case timerHeartbeat:
		if m.st.Kind == Connected {
			if err := m.sendPing(); err != nil {
				m.log.Warn("session: heartbeat ping", "err", err)
			}
			m.arm(timerHeartbeat, m.cfg.HeartbeatInterval)
		}
	case timerPong:
		if m.st.Kind == Connected {
			m.streamLost(ErrKeepaliveTimeout)
		}
	case timerReady:
		if m.link != nil {
			m.streamLost(ErrReadyTimeout)
		}
	case timerRefresh:
		if m.st.Kind == Connected && !m.refreshing {
			m.log.Info("session: refreshing credential before expiry")
			m.emit(Status{Text: "refreshing"})
			m.connect(true)
		}
	case timerExpiry:
		if m.st.Kind == Connected || m.st.Kind == Reconnecting {
			m.expire()
		}
	}
}

// ── Inbound events ───────────────────────────────────────────────────────────

func (m *Machine) handleFrame(data []byte) {
	evt, err := m.decoder.Decode(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		m.log.Debug("session: dropping unknown event", "err", err)
		return
	case err != nil:
		m.log.Warn("session: dropping malformed frame", "err", err)
		m.emitError(KindProtocol, err)
		return
	case evt == nil:
		return
	}

	switch e := evt.(type) {
	case protocol.SessionReady:
		if m.st.Kind == Connecting || m.st.Kind == Reconnecting {
			m.becomeConnected(e)
		} else {
			m.recordSessionID(e.SessionID)
		}
	case protocol.SessionUpdated:
		m.log.Debug("session: provider acknowledged session update")
	case protocol.Heartbeat:
		m.disarm(timerPong)
	case protocol.SpeechStarted:
		m.bargeIn()
	case protocol.SpeechStopped:
		m.turn.speechStoppedAt = m.cfg.Now()
	case protocol.UserTranscript:
		m.bargeIn()
		m.onUserTranscript(e)
	case protocol.ResponseStarted:
		m.log.Debug("session: response started", "response_id", e.ResponseID)
	case protocol.AssistantAudio:
		if m.suppressed[e.ResponseID] {
			return
		}
		m.assistantOutput(e.ResponseID)
		if m.cfg.Player != nil {
			m.cfg.Player.Play(e.PCM)
		}
	case protocol.AssistantTranscript:
		if m.suppressed[e.ResponseID] {
			return
		}
		m.onAssistantTranscript(e)
	case protocol.ResponseDone:
		m.onResponseDone(e)
	case protocol.TranscriptionFailed:
		err := fmt.Errorf("transcription failed: %s: %s", e.Code, e.Message)
		m.emitError(KindProtocol, err)
		m.report(voice.EventTranscriptionError, map[string]any{
			"item_id": e.ItemID,
			"code":    e.Code,
			"message": e.Message,
		})
	case protocol.ProtocolError:
		m.onProtocolError(e)
	}
}

func (m *Machine) onProtocolError(e protocol.ProtocolError) {
	switch {
	case e.Expired():
		m.log.Warn("session: provider ended session", "code", e.Code)
		m.expire()
	case e.Terminal():
		m.streamLost(e)
	default:
		m.log.Warn("session: provider error", "code", e.Code, "message", e.Message, "event_id", e.EventID)
		m.emitError(KindProtocol, e)
	}
}

// bargeIn interrupts assistant output when the user starts talking over
// it. The Interrupt event is published before anything else so no later
// assistant delta can reach the UI first.
func (m *Machine) bargeIn() {
	if !m.turn.assistantActive {
		return
	}
	id := m.turn.activeResponse
	m.emit(Interrupt{ResponseID: id})
	m.turn.assistantActive = false
	if id != "" {
		m.suppressed[id] = true
		m.decoder.Discard(id)
	}
	if err := m.write(protocol.CancelResponse{}); err != nil {
		m.log.Warn("session: cancel response", "err", err)
	}
	if m.cfg.Player != nil {
		m.cfg.Player.Interrupt(audio.BargeIn)
	}
	m.report(voice.EventBargeIn, map[string]any{"response_id": id})
}

func (m *Machine) assistantOutput(responseID string) {
	if m.turn.awaitingResponse {
		m.cfg.Metrics.RecordLatency(telemetry.LatencyResponse, m.cfg.Now().Sub(m.turn.userFinalAt))
		m.turn.awaitingResponse = false
	}
	m.turn.assistantActive = true
	m.turn.activeResponse = responseID
}

func (m *Machine) onUserTranscript(e protocol.UserTranscript) {
	now := m.cfg.Now()
	ev := voice.TranscriptEvent{
		Speaker:   voice.SpeakerUser,
		Text:      e.Text,
		IsFinal:   true,
		MessageID: messageID(e.ItemID),
		Timestamp: now,
	}
	m.emit(Transcript{ev})
	m.cfg.Metrics.RecordFirstTranscript(now.Sub(m.turn.startedAt))
	m.cfg.Metrics.IncrementCounter(telemetry.CounterUserTranscripts)
	if !m.turn.speechStoppedAt.IsZero() {
		m.cfg.Metrics.RecordLatency(telemetry.LatencySTT, now.Sub(m.turn.speechStoppedAt))
		m.turn.speechStoppedAt = time.Time{}
	}
	m.turn.userFinalAt = now
	m.turn.awaitingResponse = true
	m.forward(ev)
}

func (m *Machine) onAssistantTranscript(e protocol.AssistantTranscript) {
	now := m.cfg.Now()
	if !e.Final {
		m.assistantOutput(e.ResponseID)
	}
	ev := voice.TranscriptEvent{
		Speaker:   voice.SpeakerAssistant,
		Text:      e.Text,
		IsFinal:   e.Final,
		MessageID: messageID(e.ItemID),
		Timestamp: now,
	}
	m.emit(Transcript{ev})
	m.cfg.Metrics.RecordFirstTranscript(now.Sub(m.turn.startedAt))
	if e.Final {
		m.cfg.Metrics.IncrementCounter(telemetry.CounterAIResponses)
		m.forward(ev)
	}
}

func (m *Machine) onResponseDone(e protocol.ResponseDone) {
	if m.turn.activeResponse == e.ResponseID {
		m.turn.assistantActive = false
	}
	delete(m.suppressed, e.ResponseID)
	if e.Status == "failed" {
		err := fmt.Errorf("response %s failed", e.ResponseID)
		m.emitError(KindProtocol, err)
		m.report(voice.EventSynthesisError, map[string]any{"response_id": e.ResponseID})
	}
}

func messageID(itemID string) string {
	if itemID != "" {
		return itemID
	}
	return "msg_" + uuid.NewString()
}

// ── Side channels ────────────────────────────────────────────────────────────

func (m *Machine) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn("session: event channel full, dropping event", "type", fmt.Sprintf("%T", ev))
	}
}

func (m *Machine) emitError(kind ErrorKind, err error) {
	m.emit(ErrorEvent{Kind: kind, Err: err})
}

// forward queues a final transcript for the sink.
func (m *Machine) forward(ev voice.TranscriptEvent) {
	sink := m.cfg.Sink
	if sink == nil || m.conversationID == "" {
		return
	}
	conv := m.conversationID
	m.enqueue(func(ctx context.Context) {
		if err := sink.AppendTranscript(ctx, conv, ev); err != nil {
			m.post(sinkFailed{err: fmt.Errorf("append transcript: %w", err)})
		}
	})
}

// report queues an event-log entry. Failures are logged only; the event
// log is best-effort.
func (m *Machine) report(t voice.EventType, meta map[string]any) {
	rep := m.cfg.Reporter
	if rep == nil {
		return
	}
	ev := voice.Event{
		ConversationID: m.conversationID,
		EventType:      t,
		Timestamp:      m.cfg.Now(),
		Metadata:       meta,
	}
	log := m.log
	m.enqueue(func(ctx context.Context) {
		if err := rep.ReportEvent(ctx, ev); err != nil {
			log.Debug("session: report event", "err", err, "event_type", t)
		}
	})
}
