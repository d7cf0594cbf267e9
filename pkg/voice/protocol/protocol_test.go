package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeAll(t *testing.T, d *Decoder, frames ...string) []Event {
	t.Helper()
	var out []Event
	for _, f := range frames {
		evt, err := d.Decode([]byte(f))
		if err != nil {
			t.Fatalf("Decode(%s): %v", f, err)
		}
		if evt != nil {
			out = append(out, evt)
		}
	}
	return out
}

func finals(events []Event) []AssistantTranscript {
	var out []AssistantTranscript
	for _, e := range events {
		if at, ok := e.(AssistantTranscript); ok && at.Final {
			out = append(out, at)
		}
	}
	return out
}

func TestDecode_InboundVocabulary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame string
		want  Event
	}{
		{
			name:  "session created",
			frame: `{"type":"session.created","session":{"id":"sess_1","expires_at":99}}`,
			want:  SessionReady{SessionID: "sess_1", ExpiresAt: 99},
		},
		{
			name:  "user transcript",
			frame: `{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","transcript":"I have a headache"}`,
			want:  UserTranscript{ItemID: "item_1", Text: "I have a headache", Final: true},
		},
		{
			name:  "assistant delta",
			frame: `{"type":"response.audio_transcript.delta","response_id":"r1","item_id":"i1","delta":"Hel"}`,
			want:  AssistantTranscript{ResponseID: "r1", ItemID: "i1", Text: "Hel"},
		},
		{
			name:  "error",
			frame: `{"type":"error","error":{"type":"invalid_request_error","code":"bad_event","message":"nope","event_id":"evt_1"}}`,
			want:  ProtocolError{Type: "invalid_request_error", Code: "bad_event", Message: "nope", EventID: "evt_1"},
		},
		{
			name:  "pong",
			frame: `{"type":"pong"}`,
			want:  Heartbeat{},
		},
		{
			name:  "speech started",
			frame: `{"type":"input_audio_buffer.speech_started","item_id":"i2","audio_start_ms":1200}`,
			want:  SpeechStarted{ItemID: "i2", AudioStartMs: 1200},
		},
		{
			name:  "speech stopped",
			frame: `{"type":"input_audio_buffer.speech_stopped","item_id":"i2","audio_end_ms":2400}`,
			want:  SpeechStopped{ItemID: "i2", AudioEndMs: 2400},
		},
		{
			name:  "response created",
			frame: `{"type":"response.created","response":{"id":"r9","status":"in_progress"}}`,
			want:  ResponseStarted{ResponseID: "r9"},
		},
		{
			name:  "response done",
			frame: `{"type":"response.done","response":{"id":"r9","status":"cancelled"}}`,
			want:  ResponseDone{ResponseID: "r9", Status: "cancelled"},
		},
		{
			name:  "transcription failed",
			frame: `{"type":"conversation.item.input_audio_transcription.failed","item_id":"i3","error":{"code":"audio_unintelligible","message":"could not transcribe"}}`,
			want:  TranscriptionFailed{ItemID: "i3", Code: "audio_unintelligible", Message: "could not transcribe"},
		},
		{
			name:  "session updated",
			frame: `{"type":"session.updated","session":{"id":"sess_1"}}`,
			want:  SessionUpdated{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NewDecoder().Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecode_AssistantAudio(t *testing.T) {
	t.Parallel()
	pcm := []byte{1, 2, 3, 4}
	frame := `{"type":"response.audio.delta","response_id":"r1","item_id":"i1","delta":"` +
		base64.StdEncoding.EncodeToString(pcm) + `"}`
	got, err := NewDecoder().Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	audio, ok := got.(AssistantAudio)
	if !ok {
		t.Fatalf("got %T, want AssistantAudio", got)
	}
	if string(audio.PCM) != string(pcm) || audio.ResponseID != "r1" {
		t.Errorf("audio = %#v", audio)
	}
}

func TestDecode_DeltasFlushedOnceOnDone(t *testing.T) {
	t.Parallel()
	d := NewDecoder()
	events := decodeAll(t, d,
		`{"type":"response.audio_transcript.delta","response_id":"r1","item_id":"i1","delta":"Hel"}`,
		`{"type":"response.audio_transcript.delta","response_id":"r1","item_id":"i1","delta":"lo "}`,
		`{"type":"response.audio_transcript.delta","response_id":"r1","item_id":"i1","delta":" there"}`,
		`{"type":"response.audio_transcript.done","response_id":"r1","item_id":"i1","transcript":"Hello there"}`,
	)
	f := finals(events)
	if len(f) != 1 {
		t.Fatalf("got %d final transcripts, want 1", len(f))
	}
	if f[0].Text != "Hello there" {
		t.Errorf("final text = %q, want %q", f[0].Text, "Hello there")
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after done, want 0", d.Pending())
	}

	// A second done for the same response must not repeat buffered text.
	evt, err := d.Decode([]byte(`{"type":"response.audio_transcript.done","response_id":"r1","item_id":"i1"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if at := evt.(AssistantTranscript); at.Text != "" {
		t.Errorf("second done text = %q, want empty", at.Text)
	}
}

func TestDecode_DoneWithoutTranscriptUsesBuffer(t *testing.T) {
	t.Parallel()
	d := NewDecoder()
	events := decodeAll(t, d,
		`{"type":"response.audio_transcript.delta","response_id":"r1","item_id":"i1","delta":"Take "}`,
		`{"type":"response.audio_transcript.delta","response_id":"r1","item_id":"i1","delta":"with food."}`,
		`{"type":"response.audio_transcript.done","response_id":"r1","item_id":"i1"}`,
	)
	f := finals(events)
	if len(f) != 1 || f[0].Text != "Take with food." {
		t.Fatalf("finals = %#v", f)
	}
}

func TestDecode_DoneWithoutDeltas(t *testing.T) {
	t.Parallel()
	d := NewDecoder()
	events := decodeAll(t, d,
		`{"type":"response.audio_transcript.done","response_id":"r2","item_id":"i1","transcript":"Okay."}`,
	)
	f := finals(events)
	if len(f) != 1 || f[0].Text != "Okay." {
		t.Fatalf("finals = %#v, want one final with text Okay.", f)
	}
}

func TestDecode_InterleavedResponsesKeptApart(t *testing.T) {
	t.Parallel()
	d := NewDecoder()
	events := decodeAll(t, d,
		`{"type":"response.audio_transcript.delta","response_id":"a","item_id":"1","delta":"one "}`,
		`{"type":"response.audio_transcript.delta","response_id":"b","item_id":"1","delta":"two "}`,
		`{"type":"response.audio_transcript.delta","response_id":"a","item_id":"1","delta":"three"}`,
		`{"type":"response.audio_transcript.done","response_id":"a","item_id":"1"}`,
		`{"type":"response.audio_transcript.done","response_id":"b","item_id":"1"}`,
	)
	f := finals(events)
	if len(f) != 2 {
		t.Fatalf("got %d finals, want 2", len(f))
	}
	if f[0].Text != "one three" || f[1].Text != "two " {
		t.Errorf("finals = %q, %q", f[0].Text, f[1].Text)
	}
}

func TestDecoder_DiscardAndReset(t *testing.T) {
	t.Parallel()
	d := NewDecoder()
	decodeAll(t, d,
		`{"type":"response.audio_transcript.delta","response_id":"a","item_id":"1","delta":"x"}`,
		`{"type":"response.audio_transcript.delta","response_id":"b","item_id":"1","delta":"y"}`,
	)
	d.Discard("a")
	if d.Pending() != 1 {
		t.Fatalf("Pending() = %d after Discard, want 1", d.Pending())
	}
	evt, _ := d.Decode([]byte(`{"type":"response.audio_transcript.done","response_id":"a","item_id":"1"}`))
	if at := evt.(AssistantTranscript); at.Text != "" {
		t.Errorf("discarded response resurfaced text %q", at.Text)
	}
	d.Reset()
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after Reset, want 0", d.Pending())
	}
}

func TestDecode_MalformedAndUnknown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		frame   string
		wantErr error
	}{
		{"not json", `{{{`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"null", `null`, ErrMalformed},
		{"no type", `{"delta":"x"}`, ErrMalformed},
		{"bad audio", `{"type":"response.audio.delta","delta":"!!!"}`, ErrMalformed},
		{"unknown", `{"type":"something.new"}`, ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := NewDecoder()
			_, err := d.Decode([]byte(tt.frame))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecode_MalformedDoesNotDisturbBuffer(t *testing.T) {
	t.Parallel()
	d := NewDecoder()
	decodeAll(t, d, `{"type":"response.audio_transcript.delta","response_id":"r","item_id":"i","delta":"ab"}`)
	if _, err := d.Decode([]byte(`garbage`)); err == nil {
		t.Fatal("expected error")
	}
	events := decodeAll(t, d,
		`{"type":"response.audio_transcript.delta","response_id":"r","item_id":"i","delta":"cd"}`,
		`{"type":"response.audio_transcript.done","response_id":"r","item_id":"i"}`,
	)
	if f := finals(events); len(f) != 1 || f[0].Text != "abcd" {
		t.Errorf("finals = %#v", f)
	}
}

func TestDecode_IgnoredTypes(t *testing.T) {
	t.Parallel()
	evt, err := NewDecoder().Decode([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	if err != nil || evt != nil {
		t.Errorf("Decode = (%v, %v), want (nil, nil)", evt, err)
	}
}

func TestProtocolError_Classification(t *testing.T) {
	t.Parallel()
	if (ProtocolError{Code: "bad_event"}).Terminal() {
		t.Error("bad_event should not be terminal")
	}
	pe := ProtocolError{Code: "session_expired", Message: "gone"}
	if !pe.Terminal() || !pe.Expired() {
		t.Error("session_expired should be terminal and expired")
	}
	if !strings.Contains(pe.Error(), "session_expired") {
		t.Errorf("Error() = %q", pe.Error())
	}
	if (ProtocolError{Code: "session_terminated"}).Expired() {
		t.Error("session_terminated is not expiry")
	}
}

func TestEncode_OutboundVocabulary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cmd      Command
		wantType string
	}{
		{CommitUserAudio{}, "input_audio_buffer.commit"},
		{RequestResponse{}, "response.create"},
		{Ping{}, "ping"},
		{CancelResponse{}, "response.cancel"},
		{AppendAudio{PCM: []byte{0, 1}}, "input_audio_buffer.append"},
		{UserText{Text: "hi"}, "conversation.item.create"},
	}
	for _, tt := range tests {
		t.Run(tt.wantType, func(t *testing.T) {
			t.Parallel()
			data, err := Encode(tt.cmd)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			var raw map[string]any
			if err := json.Unmarshal(data, &raw); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if raw["type"] != tt.wantType {
				t.Errorf("type = %v, want %s", raw["type"], tt.wantType)
			}
			if tt.cmd.WireType() != tt.wantType {
				t.Errorf("WireType() = %s, want %s", tt.cmd.WireType(), tt.wantType)
			}
		})
	}
}

func TestEncode_PingIsBare(t *testing.T) {
	t.Parallel()
	data, err := Encode(Ping{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("ping = %s", data)
	}
}

func TestEncode_Payloads(t *testing.T) {
	t.Parallel()

	data, _ := Encode(AppendAudio{PCM: []byte{9, 8, 7}})
	var audio struct {
		Audio   string `json:"audio"`
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(data, &audio); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if audio.Audio != base64.StdEncoding.EncodeToString([]byte{9, 8, 7}) {
		t.Errorf("audio = %q", audio.Audio)
	}
	if !strings.HasPrefix(audio.EventID, "evt_") {
		t.Errorf("event_id = %q", audio.EventID)
	}

	data, _ = Encode(UserText{Text: "What is my dosage?"})
	var item struct {
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if item.Item.Role != "user" || len(item.Item.Content) != 1 ||
		item.Item.Content[0].Type != "input_text" || item.Item.Content[0].Text != "What is my dosage?" {
		t.Errorf("item = %+v", item.Item)
	}
}

func TestEncode_Unsupported(t *testing.T) {
	t.Parallel()
	if _, err := Encode(nil); err == nil {
		t.Error("expected error for nil command")
	}
}
