package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Command is an outbound client event.
type Command interface {
	// WireType returns the wire event name the command encodes to.
	WireType() string
}

// CommitUserAudio closes the current input audio buffer as a user turn.
type CommitUserAudio struct{}

// RequestResponse asks the model to respond to the conversation so far.
type RequestResponse struct{}

// Ping asks the peer to reply with a pong.
type Ping struct{}

// AppendAudio appends PCM16 audio to the input buffer.
type AppendAudio struct {
	PCM []byte
}

// UserText inserts a typed user message into the conversation.
type UserText struct {
	Text string
}

// CancelResponse stops the in-progress model response.
type CancelResponse struct{}

func (CommitUserAudio) WireType() string { return TypeAudioCommit }
func (RequestResponse) WireType() string { return TypeResponseCreate }
func (Ping) WireType() string            { return TypePing }
func (AppendAudio) WireType() string     { return TypeAudioAppend }
func (UserText) WireType() string        { return TypeItemCreate }
func (CancelResponse) WireType() string  { return TypeResponseCancel }

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type simpleMessage struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

type appendAudioMessage struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
	Audio   string `json:"audio"` // base64-encoded PCM16
}

type createItemMessage struct {
	EventID string           `json:"event_id,omitempty"`
	Type    string           `json:"type"`
	Item    conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []conversationPart `json:"content"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Encode marshals cmd into a text frame. Every frame except ping carries a
// fresh event_id so that peer error events can be correlated back to it.
func Encode(cmd Command) ([]byte, error) {
	var v any
	switch c := cmd.(type) {
	case Ping:
		v = simpleMessage{Type: TypePing}
	case CommitUserAudio, RequestResponse, CancelResponse:
		v = simpleMessage{EventID: newEventID(), Type: c.WireType()}
	case AppendAudio:
		v = appendAudioMessage{
			EventID: newEventID(),
			Type:    TypeAudioAppend,
			Audio:   base64.StdEncoding.EncodeToString(c.PCM),
		}
	case UserText:
		v = createItemMessage{
			EventID: newEventID(),
			Type:    TypeItemCreate,
			Item: conversationItem{
				Type:    "message",
				Role:    "user",
				Content: []conversationPart{{Type: "input_text", Text: c.Text}},
			},
		}
	default:
		return nil, fmt.Errorf("protocol: encode: unsupported command %T", cmd)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", cmd.WireType(), err)
	}
	return data, nil
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}
