// Package protocol translates between the realtime provider's JSON wire
// vocabulary and the typed events consumed by the session state machine.
//
// Inbound frames are decoded by a [Decoder], whose only state is the
// per-response buffer of assistant transcript deltas. Outbound commands are
// encoded with [Encode]. Neither direction touches the network.
package protocol

// Wire event type names.
const (
	TypeSessionCreated         = "session.created"
	TypeSessionUpdated         = "session.updated"
	TypeInputTranscriptDone    = "conversation.item.input_audio_transcription.completed"
	TypeInputTranscriptFailed  = "conversation.item.input_audio_transcription.failed"
	TypeSpeechStarted          = "input_audio_buffer.speech_started"
	TypeSpeechStopped          = "input_audio_buffer.speech_stopped"
	TypeResponseCreated        = "response.created"
	TypeResponseDone           = "response.done"
	TypeResponseAudioDelta     = "response.audio.delta"
	TypeResponseTranscriptPart = "response.audio_transcript.delta"
	TypeResponseTranscriptDone = "response.audio_transcript.done"
	TypeError                  = "error"
	TypePong                   = "pong"

	TypeAudioAppend    = "input_audio_buffer.append"
	TypeAudioCommit    = "input_audio_buffer.commit"
	TypeResponseCreate = "response.create"
	TypeResponseCancel = "response.cancel"
	TypeItemCreate     = "conversation.item.create"
	TypePing           = "ping"
)

// Event is a decoded inbound wire event. The concrete types below are the
// complete set; switch on them with a type switch.
type Event interface {
	// WireType returns the wire event name the value was decoded from.
	WireType() string
}

// SessionReady reports that the provider accepted the stream.
type SessionReady struct {
	SessionID string
	ExpiresAt int64
}

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct{}

// UserTranscript is recognised user speech. The provider only sends completed
// transcriptions, so Final is always true.
type UserTranscript struct {
	ItemID string
	Text   string
	Final  bool
}

// AssistantTranscript is generated assistant speech text. Partial events
// carry one fragment; the final event carries the whole utterance.
type AssistantTranscript struct {
	ResponseID string
	ItemID     string
	Text       string
	Final      bool
}

// AssistantAudio carries one chunk of decoded assistant audio.
type AssistantAudio struct {
	ResponseID string
	ItemID     string
	PCM        []byte
}

// SpeechStarted reports that the provider's VAD detected the user talking.
type SpeechStarted struct {
	ItemID       string
	AudioStartMs int
}

// SpeechStopped reports the provider's VAD detected the end of a user turn.
type SpeechStopped struct {
	ItemID     string
	AudioEndMs int
}

// ResponseStarted marks the beginning of a model response.
type ResponseStarted struct {
	ResponseID string
}

// ResponseDone marks the end of a model response. Status is "completed",
// "cancelled", "failed" or "incomplete".
type ResponseDone struct {
	ResponseID string
	Status     string
}

// TranscriptionFailed reports that user audio could not be transcribed.
type TranscriptionFailed struct {
	ItemID  string
	Code    string
	Message string
}

// ProtocolError is an error event sent by the peer.
type ProtocolError struct {
	Type    string
	Code    string
	Message string
	EventID string
}

// Heartbeat is the reply to a ping.
type Heartbeat struct{}

func (SessionReady) WireType() string        { return TypeSessionCreated }
func (SessionUpdated) WireType() string      { return TypeSessionUpdated }
func (UserTranscript) WireType() string      { return TypeInputTranscriptDone }
func (AssistantAudio) WireType() string      { return TypeResponseAudioDelta }
func (SpeechStarted) WireType() string       { return TypeSpeechStarted }
func (SpeechStopped) WireType() string       { return TypeSpeechStopped }
func (ResponseStarted) WireType() string     { return TypeResponseCreated }
func (ResponseDone) WireType() string        { return TypeResponseDone }
func (TranscriptionFailed) WireType() string { return TypeInputTranscriptFailed }
func (ProtocolError) WireType() string       { return TypeError }
func (Heartbeat) WireType() string           { return TypePong }

// WireType returns the delta or done event name depending on Final.
func (e AssistantTranscript) WireType() string {
	if e.Final {
		return TypeResponseTranscriptDone
	}
	return TypeResponseTranscriptPart
}

// Error codes after which the peer will not accept further traffic on the
// stream.
var terminalCodes = map[string]bool{
	"session_expired":          true,
	"session_terminated":       true,
	"invalid_api_key":          true,
	"invalid_session_token":    true,
	"session_limit_exceeded":   true,
	"connection_limit_reached": true,
}

// Terminal reports whether the peer signalled that the session is over.
// Non-terminal errors are logged and the stream carries on.
func (e ProtocolError) Terminal() bool {
	return terminalCodes[e.Code]
}

// Expired reports whether the peer ended the session because its credential
// or session lifetime ran out.
func (e ProtocolError) Expired() bool {
	return e.Code == "session_expired"
}

// Error implements error so a ProtocolError can be wrapped and surfaced.
func (e ProtocolError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return "protocol: peer error " + e.Code + ": " + e.Message
	case e.Message != "":
		return "protocol: peer error: " + e.Message
	case e.Code != "":
		return "protocol: peer error " + e.Code
	}
	return "protocol: peer error"
}
