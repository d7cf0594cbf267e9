package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed is returned for frames that are not valid JSON objects or
	// lack a type field. Callers drop the frame.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrUnknownType is returned for well-formed frames whose type is not
	// part of the vocabulary. Callers drop the frame.
	ErrUnknownType = errors.New("protocol: unknown event type")
)

// ignoredTypes are recognised wire events that carry nothing the session
// needs. Decoding them yields (nil, nil) rather than ErrUnknownType.
var ignoredTypes = map[string]bool{
	"conversation.created":                              true,
	"conversation.item.created":                         true,
	"conversation.item.truncated":                       true,
	"conversation.item.deleted":                         true,
	"input_audio_buffer.committed":                      true,
	"input_audio_buffer.cleared":                        true,
	"response.output_item.added":                        true,
	"response.output_item.done":                         true,
	"response.content_part.added":                       true,
	"response.content_part.done":                        true,
	"response.audio.done":                               true,
	"response.text.delta":                               true,
	"response.text.done":                                true,
	"rate_limits.updated":                               true,
	"conversation.item.input_audio_transcription.delta": true,
}

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

type serverSession struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type serverResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// serverEvent is the union of every inbound field the decoder reads.
type serverEvent struct {
	Type string `json:"type"`

	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	AudioStartMs int `json:"audio_start_ms,omitempty"`
	AudioEndMs   int `json:"audio_end_ms,omitempty"`

	Session  *serverSession     `json:"session,omitempty"`
	Response *serverResponse    `json:"response,omitempty"`
	Error    *serverErrorDetail `json:"error,omitempty"`
}

// Decoder turns inbound frames into [Event] values. It accumulates assistant
// transcript deltas per response so that the done event can be flushed as a
// single final transcript.
//
// A Decoder belongs to one stream and is not safe for concurrent use; the
// session state machine calls it from its single actor goroutine.
type Decoder struct {
	// pending holds concatenated deltas keyed by response and item id.
	pending map[string]*strings.Builder
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{pending: make(map[string]*strings.Builder)}
}

func bufferKey(responseID, itemID string) string {
	return responseID + "/" + itemID
}

// Decode parses one text frame. It returns (nil, nil) for recognised events
// the session does not act on, ErrMalformed for unparseable frames and
// ErrUnknownType for types outside the vocabulary. A decode error never
// affects the decoder's buffered state.
func (d *Decoder) Decode(data []byte) (Event, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch evt.Type {
	case TypeSessionCreated:
		ready := SessionReady{}
		if evt.Session != nil {
			ready.SessionID = evt.Session.ID
			ready.ExpiresAt = evt.Session.ExpiresAt
		}
		return ready, nil

	case TypeSessionUpdated:
		return SessionUpdated{}, nil

	case TypeInputTranscriptDone:
		return UserTranscript{ItemID: evt.ItemID, Text: evt.Transcript, Final: true}, nil

	case TypeInputTranscriptFailed:
		tf := TranscriptionFailed{ItemID: evt.ItemID}
		if evt.Error != nil {
			tf.Code = evt.Error.Code
			tf.Message = evt.Error.Message
		}
		return tf, nil

	case TypeSpeechStarted:
		return SpeechStarted{ItemID: evt.ItemID, AudioStartMs: evt.AudioStartMs}, nil

	case TypeSpeechStopped:
		return SpeechStopped{ItemID: evt.ItemID, AudioEndMs: evt.AudioEndMs}, nil

	case TypeResponseCreated:
		rs := ResponseStarted{}
		if evt.Response != nil {
			rs.ResponseID = evt.Response.ID
		}
		return rs, nil

	case TypeResponseDone:
		rd := ResponseDone{}
		if evt.Response != nil {
			rd.ResponseID = evt.Response.ID
			rd.Status = evt.Response.Status
		}
		return rd, nil

	case TypeResponseAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return nil, fmt.Errorf("%w: audio delta: %v", ErrMalformed, err)
		}
		if len(pcm) == 0 {
			return nil, nil
		}
		return AssistantAudio{ResponseID: evt.ResponseID, ItemID: evt.ItemID, PCM: pcm}, nil

	case TypeResponseTranscriptPart:
		key := bufferKey(evt.ResponseID, evt.ItemID)
		b, ok := d.pending[key]
		if !ok {
			b = &strings.Builder{}
			d.pending[key] = b
		}
		b.WriteString(evt.Delta)
		return AssistantTranscript{
			ResponseID: evt.ResponseID,
			ItemID:     evt.ItemID,
			Text:       evt.Delta,
		}, nil

	case TypeResponseTranscriptDone:
		key := bufferKey(evt.ResponseID, evt.ItemID)
		text := evt.Transcript
		if b, ok := d.pending[key]; ok {
			// The done transcript is authoritative; the buffer only fills in
			// when the peer omits it.
			if text == "" {
				text = b.String()
			}
			delete(d.pending, key)
		}
		return AssistantTranscript{
			ResponseID: evt.ResponseID,
			ItemID:     evt.ItemID,
			Text:       text,
			Final:      true,
		}, nil

	case TypeError:
		pe := ProtocolError{}
		if evt.Error != nil {
			pe.Type = evt.Error.Type
			pe.Code = evt.Error.Code
			pe.Message = evt.Error.Message
			pe.EventID = evt.Error.EventID
		}
		return pe, nil

	case TypePong:
		return Heartbeat{}, nil
	}

	if ignoredTypes[evt.Type] {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, evt.Type)
}

// Discard drops any buffered deltas for responseID. The session calls it
// when a response is interrupted so a late done event cannot resurrect
// partial text.
func (d *Decoder) Discard(responseID string) {
	prefix := responseID + "/"
	for k := range d.pending {
		if strings.HasPrefix(k, prefix) {
			delete(d.pending, k)
		}
	}
}

// Reset drops all buffered deltas. Call it when a new stream starts.
func (d *Decoder) Reset() {
	clear(d.pending)
}

// Pending reports how many responses have buffered deltas.
func (d *Decoder) Pending() int {
	return len(d.pending)
}
