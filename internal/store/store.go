// Package store defines the persistence interfaces of the session broker:
// conversation ownership, the transcript history, submitted session metrics
// and the voice event log.
//
// Two backends exist: [memory] for single-process deployments and tests, and
// [postgres] for production. Every implementation must be safe for
// concurrent use.
//
// [memory]: github.com/MrWong99/medivoice/internal/store/memory
// [postgres]: github.com/MrWong99/medivoice/internal/store/postgres
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/medivoice/pkg/voice"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("store: not found")

// Conversation is an ownership record. Conversation content lives elsewhere;
// the broker only needs to know who may open a voice session in it.
type Conversation struct {
	ID        string
	UserID    string
	CreatedAt time.Time
}

// ConversationStore answers ownership questions.
type ConversationStore interface {
	// Owner returns the user that owns conversationID, or [ErrNotFound].
	Owner(ctx context.Context, conversationID string) (string, error)

	// PutConversation creates or reassigns a conversation. Used for seeding.
	PutConversation(ctx context.Context, c Conversation) error
}

// TranscriptStore is the conversation history written by voice sessions.
type TranscriptStore interface {
	// AppendTranscript adds a final transcript to the conversation history.
	AppendTranscript(ctx context.Context, userID string, t voice.TranscriptAppend) error

	// Transcripts returns the history of conversationID oldest first.
	Transcripts(ctx context.Context, conversationID string) ([]voice.TranscriptEvent, error)
}

// MetricsStore keeps per-session latency summaries.
type MetricsStore interface {
	SaveMetrics(ctx context.Context, userID string, m voice.SessionMetrics) error
}

// EventStore keeps the voice event log.
type EventStore interface {
	// SaveEvent records e and returns its generated id.
	SaveEvent(ctx context.Context, userID string, e voice.Event) (string, error)
}

// Store is the full backend.
type Store interface {
	ConversationStore
	TranscriptStore
	MetricsStore
	EventStore

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close()
}

// Seed writes every conversation in cs.
func Seed(ctx context.Context, s ConversationStore, cs []Conversation) error {
	var errs []error
	for _, c := range cs {
		errs = append(errs, s.PutConversation(ctx, c))
	}
	return errors.Join(errs...)
}

// OwnedBy reports whether conversationID exists and belongs to userID.
func OwnedBy(ctx context.Context, s ConversationStore, conversationID, userID string) (bool, error) {
	owner, err := s.Owner(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == userID, nil
}
