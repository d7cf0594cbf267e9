// Package voice defines the data model shared by every part of the realtime
// voice subsystem: the broker request/response shapes, transcript events,
// per-session metrics and the event-log vocabulary.
//
// The JSON field names on these types are the wire contract between the
// voice client and the session config broker. They are snake_case to match
// the HTTP API; Go field names follow the usual conventions.
//
// This package lives under pkg/ because clients in other repositories are
// expected to speak the same contract.
package voice

import (
	"slices"
	"time"

	"golang.org/x/text/language"
)

// Voice is a provider voice identifier.
type Voice string

// The six provider voices offered to users.
const (
	VoiceAlloy  Voice = "alloy"
	VoiceAsh    Voice = "ash"
	VoiceBallad Voice = "ballad"
	VoiceCoral  Voice = "coral"
	VoiceSage   Voice = "sage"
	VoiceVerse  Voice = "verse"
)

// DefaultVoice is used when neither the request nor the server configuration
// names a voice.
const DefaultVoice = VoiceAlloy

// Voices lists every selectable voice in display order.
var Voices = []Voice{VoiceAlloy, VoiceAsh, VoiceBallad, VoiceCoral, VoiceSage, VoiceVerse}

// IsValid reports whether v is one of [Voices].
func (v Voice) IsValid() bool {
	return slices.Contains(Voices, v)
}

// Sensitivity bounds for voice-activity detection.
const (
	MinSensitivity = 0
	MaxSensitivity = 100

	// DefaultSensitivity maps to a turn-detection threshold of 0.5.
	DefaultSensitivity = 50
)

// ClampSensitivity forces s into [MinSensitivity, MaxSensitivity].
func ClampSensitivity(s int) int {
	return min(max(s, MinSensitivity), MaxSensitivity)
}

// ThresholdFromSensitivity maps a user-facing VAD sensitivity (0–100, higher
// is more sensitive) to the provider's turn-detection energy threshold
// (0.0–1.0, lower triggers more easily). The input is clamped first, so the
// result is always within [0, 1].
func ThresholdFromSensitivity(sensitivity int) float64 {
	t := 1 - float64(ClampSensitivity(sensitivity))/100
	return min(max(t, 0), 1)
}

// ValidLanguage reports whether tag is empty or a well-formed BCP 47 language
// tag such as "en", "de-AT" or "zh-Hant-TW". An empty tag means "let the
// provider detect the language".
func ValidLanguage(tag string) bool {
	if tag == "" {
		return true
	}
	_, err := language.Parse(tag)
	return err == nil
}

// ─── Broker contract ─────────────────────────────────────────────────────────

// SessionRequest is the body of POST /voice/realtime-session. Every field is
// optional; pointers distinguish "omitted" from the zero value.
type SessionRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Voice          Voice  `json:"voice,omitempty"`
	Language       string `json:"language,omitempty"`
	VADSensitivity *int   `json:"vad_sensitivity,omitempty"`
}

// CredentialTypeEphemeral is the only credential type the broker issues.
const CredentialTypeEphemeral = "ephemeral_token"

// Credential is a short-lived, single-session token scoped to the speech
// provider. It is never the provider's long-lived API key.
type Credential struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Expiry returns ExpiresAt as a [time.Time]. A zero ExpiresAt yields the
// zero time.
func (c Credential) Expiry() time.Time {
	if c.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(c.ExpiresAt, 0)
}

// TranscriptionConfig selects the model used to transcribe user audio.
type TranscriptionConfig struct {
	Model string `json:"model"`
}

// TurnDetection configures the provider-side end-of-turn heuristic.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// VoiceConfig is the fully resolved streaming configuration.
type VoiceConfig struct {
	Voice                   Voice               `json:"voice"`
	Language                string              `json:"language,omitempty"`
	Modalities              []string            `json:"modalities"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription TranscriptionConfig `json:"input_audio_transcription"`
	TurnDetection           TurnDetection       `json:"turn_detection"`
}

// SessionConfig is the broker's response: everything a client needs to open
// one realtime stream. It is immutable once created and is discarded when the
// stream it was minted for ends.
type SessionConfig struct {
	URL            string      `json:"url"`
	Model          string      `json:"model"`
	SessionID      string      `json:"session_id"`
	ExpiresAt      int64       `json:"expires_at"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Auth           Credential  `json:"auth"`
	VoiceConfig    VoiceConfig `json:"voice_config"`
}

// Deadline returns the instant after which a stream opened with c is no
// longer usable. The ephemeral credential is consumed by the handshake, so
// the session's own ExpiresAt governs an established stream; the credential
// expiry is the fallback when the provider reports no session expiry.
func (c SessionConfig) Deadline() time.Time {
	if c.ExpiresAt != 0 {
		return time.Unix(c.ExpiresAt, 0)
	}
	return c.Auth.Expiry()
}

// ─── Transcripts ─────────────────────────────────────────────────────────────

// Speaker identifies who produced a transcript.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// TranscriptEvent is one piece of recognised or generated speech. Partial
// (IsFinal=false) events carry a single fragment; final events carry the
// complete utterance.
type TranscriptEvent struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"is_final"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptAppend is the body of POST /voice/transcripts.
type TranscriptAppend struct {
	ConversationID string `json:"conversation_id"`
	TranscriptEvent
}

// ─── Metrics ─────────────────────────────────────────────────────────────────

// SessionMetrics is the latency summary for one voice session, submitted to
// POST /voice/metrics when the session ends.
type SessionMetrics struct {
	ConversationID          string `json:"conversation_id,omitempty"`
	SessionID               string `json:"session_id,omitempty"`
	ConnectionTimeMs        int64  `json:"connection_time_ms"`
	TimeToFirstTranscriptMs int64  `json:"time_to_first_transcript_ms"`
	LastSTTLatencyMs        int64  `json:"last_stt_latency_ms"`
	LastResponseLatencyMs   int64  `json:"last_response_latency_ms"`
	SessionDurationMs       int64  `json:"session_duration_ms"`
	UserTranscriptCount     int    `json:"user_transcript_count"`
	AIResponseCount         int    `json:"ai_response_count"`
	ReconnectCount          int    `json:"reconnect_count"`
	SessionStartedAt        int64  `json:"session_started_at"`
}

// ─── Event log ───────────────────────────────────────────────────────────────

// EventType classifies entries posted to POST /voice/events.
type EventType string

const (
	EventBargeIn            EventType = "barge_in"
	EventConnectionError    EventType = "connection_error"
	EventTranscriptionError EventType = "transcription_error"
	EventSynthesisError     EventType = "synthesis_error"
)

// IsValid reports whether t is a recognised event type.
func (t EventType) IsValid() bool {
	switch t {
	case EventBargeIn, EventConnectionError, EventTranscriptionError, EventSynthesisError:
		return true
	}
	return false
}

// Event is one entry in the voice event log.
type Event struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	EventType      EventType      `json:"event_type"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
