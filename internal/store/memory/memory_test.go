package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/medivoice/internal/store"
	"github.com/MrWong99/medivoice/internal/store/memory"
	"github.com/MrWong99/medivoice/pkg/voice"
)

func seeded(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	err := store.Seed(context.Background(), s, []store.Conversation{
		{ID: "conv-a", UserID: "alice"},
		{ID: "conv-b", UserID: "bob"},
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return s
}

func TestOwnership(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	tests := []struct {
		conv, user string
		want       bool
	}{
		{"conv-a", "alice", true},
		{"conv-a", "bob", false},
		{"conv-missing", "alice", false},
	}
	for _, tt := range tests {
		got, err := store.OwnedBy(ctx, s, tt.conv, tt.user)
		if err != nil {
			t.Fatalf("OwnedBy(%s, %s): %v", tt.conv, tt.user, err)
		}
		if got != tt.want {
			t.Errorf("OwnedBy(%s, %s) = %v, want %v", tt.conv, tt.user, got, tt.want)
		}
	}

	if _, err := s.Owner(ctx, "conv-missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Owner(missing) err = %v, want ErrNotFound", err)
	}
	if err := s.PutConversation(ctx, store.Conversation{ID: "x"}); err == nil {
		t.Error("PutConversation without user id succeeded")
	}
}

func TestTranscripts(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	first := voice.TranscriptAppend{ConversationID: "conv-a", TranscriptEvent: voice.TranscriptEvent{
		Speaker: voice.SpeakerUser, Text: "I have a headache", IsFinal: true,
	}}
	second := voice.TranscriptAppend{ConversationID: "conv-a", TranscriptEvent: voice.TranscriptEvent{
		Speaker: voice.SpeakerAssistant, Text: "Since when?", IsFinal: true, MessageID: "m2",
		Timestamp: time.Unix(1_700_000_000, 0),
	}}
	for _, tr := range []voice.TranscriptAppend{first, second} {
		if err := s.AppendTranscript(ctx, "alice", tr); err != nil {
			t.Fatalf("AppendTranscript: %v", err)
		}
	}
	if err := s.AppendTranscript(ctx, "bob", first); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("foreign append err = %v, want ErrNotFound", err)
	}

	got, err := s.Transcripts(ctx, "conv-a")
	if err != nil {
		t.Fatalf("Transcripts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d transcripts, want 2", len(got))
	}
	if got[0].MessageID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("first transcript not completed: %+v", got[0])
	}
	if got[1].MessageID != "m2" || got[1].Text != "Since when?" {
		t.Errorf("second transcript = %+v", got[1])
	}

	empty, _ := s.Transcripts(ctx, "conv-b")
	if empty == nil || len(empty) != 0 {
		t.Errorf("empty history = %#v, want empty non-nil slice", empty)
	}
}

func TestMetricsAndEvents(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	if err := s.SaveMetrics(ctx, "alice", voice.SessionMetrics{SessionID: "sess_1", ReconnectCount: 2}); err != nil {
		t.Fatalf("SaveMetrics: %v", err)
	}
	id1, err := s.SaveEvent(ctx, "alice", voice.Event{EventType: voice.EventBargeIn})
	if err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	id2, _ := s.SaveEvent(ctx, "alice", voice.Event{EventType: voice.EventConnectionError})
	if id1 == "" || id1 == id2 {
		t.Errorf("event ids = %q, %q", id1, id2)
	}

	if m := s.Metrics(); len(m) != 1 || m[0].Metrics.ReconnectCount != 2 || m[0].UserID != "alice" {
		t.Errorf("Metrics() = %+v", m)
	}
	ev := s.Events()
	if len(ev) != 2 || ev[0].Event.Timestamp.IsZero() {
		t.Errorf("Events() = %+v", ev)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
