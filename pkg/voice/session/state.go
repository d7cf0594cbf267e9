package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/medivoice/pkg/audio"
	"github.com/MrWong99/medivoice/pkg/voice"
)

// Kind is the tag of a [State].
type Kind int

const (
	Idle Kind = iota
	Connecting
	Connected
	Reconnecting
	Failed
	Expired
	Closed
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether k ends a session. Leaving a terminal state
// requires an explicit [Machine.Start].
func (k Kind) Terminal() bool {
	return k == Failed || k == Expired || k == Closed
}

// State is the machine's current state. Attempt is set for Reconnecting and
// Reason for Failed.
type State struct {
	Kind    Kind
	Attempt int
	Reason  string
}

// String renders e.g. "reconnecting(2)" or "failed(max_retries_exceeded)".
func (s State) String() string {
	switch s.Kind {
	case Reconnecting:
		return fmt.Sprintf("%s(%d)", s.Kind, s.Attempt)
	case Failed:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Reason)
	}
	return s.Kind.String()
}

// Failure reasons.
const (
	ReasonMaxRetries          = "max_retries_exceeded"
	ReasonUnauthenticated     = "unauthenticated"
	ReasonInvalidConversation = "invalid_conversation"
	ReasonInvalidSettings     = "invalid_settings"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonConnectFailed       = "connect_failed"
	ReasonMicrophone          = "microphone_unavailable"
)

// ── Errors ───────────────────────────────────────────────────────────────────

var (
	// ErrAlreadyActive is returned by Start while a session is in a
	// non-terminal state other than Idle.
	ErrAlreadyActive = errors.New("session: already active")

	// ErrNotConnected is returned by send commands outside Connected.
	ErrNotConnected = errors.New("session: not connected")

	// ErrMachineClosed is returned by every command after [Machine.Close].
	ErrMachineClosed = errors.New("session: machine closed")

	// ErrKeepaliveTimeout is reported when no pong arrives in time.
	ErrKeepaliveTimeout = errors.New("session: keepalive timeout")

	// ErrReadyTimeout is reported when an opened stream never becomes ready.
	ErrReadyTimeout = errors.New("session: stream not ready in time")

	// ErrExpired is reported when the session deadline passes.
	ErrExpired = errors.New("session: credential expired")
)

// ErrorKind classifies an [ErrorEvent] by remediation.
type ErrorKind int

const (
	// KindConfiguration errors are not retried: bad settings, unauthorised
	// caller, invalid conversation.
	KindConfiguration ErrorKind = iota

	// KindTransient errors are retried with backoff: drops, timeouts,
	// provider unavailable.
	KindTransient

	// KindProtocol errors concern one wire message, which is dropped.
	KindProtocol

	// KindExpiry means the session credential ran out.
	KindExpiry

	// KindResource means a local resource such as the microphone could not
	// be acquired. The user must act before a restart can succeed.
	KindResource
)

// String returns the lower-case name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindExpiry:
		return "expiry"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Classify maps err to its [ErrorKind].
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return KindResource
	case voice.IsConfigurationError(err):
		return KindConfiguration
	}
	return KindTransient
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, voice.ErrUnauthenticated):
		return ReasonUnauthenticated
	case errors.Is(err, voice.ErrInvalidConversation):
		return ReasonInvalidConversation
	case errors.Is(err, voice.ErrInvalidSettings):
		return ReasonInvalidSettings
	case errors.Is(err, voice.ErrProviderUnavailable):
		return ReasonProviderUnavailable
	case errors.Is(err, audio.ErrPermissionDenied):
		return ReasonMicrophone
	}
	return ReasonConnectFailed
}

// ── Events ───────────────────────────────────────────────────────────────────

// Event is published on [Machine.Events]. The concrete types below are the
// complete set.
type Event interface {
	sessionEvent()
}

// StateChanged reports a transition.
type StateChanged struct {
	From, To State
}

// Status is a short human-readable progress hint ("connecting",
// "connected", "reconnecting", "refreshed").
type Status struct {
	Text string
}

// Transcript carries recognised user speech or generated assistant speech.
type Transcript struct {
	voice.TranscriptEvent
}

// Interrupt tells the UI to stop assistant playback immediately. It is
// published before the machine accepts any further assistant output.
type Interrupt struct {
	ResponseID string
}

// ErrorEvent surfaces a failure. No error inside the machine is swallowed
// without one.
type ErrorEvent struct {
	Kind ErrorKind
	Err  error
}

// Error implements error.
func (e ErrorEvent) Error() string {
	return fmt.Sprintf("session: %s error: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e ErrorEvent) Unwrap() error { return e.Err }

func (StateChanged) sessionEvent() {}
func (Status) sessionEvent()       {}
func (Transcript) sessionEvent()   {}
func (Interrupt) sessionEvent()    {}
func (ErrorEvent) sessionEvent()   {}
