// Package memory is an in-process [store.Store]. Data lives until the
// process exits.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/medivoice/internal/store"
	"github.com/MrWong99/medivoice/pkg/voice"
)

var _ store.Store = (*Store)(nil)

// SavedMetrics is one stored metrics submission.
type SavedMetrics struct {
	UserID     string
	Metrics    voice.SessionMetrics
	ReceivedAt time.Time
}

// SavedEvent is one stored event log entry.
type SavedEvent struct {
	ID     string
	UserID string
	Event  voice.Event
}

// Store is safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]store.Conversation
	transcripts   map[string][]voice.TranscriptEvent
	metrics       []SavedMetrics
	events        []SavedEvent
	now           func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		conversations: make(map[string]store.Conversation),
		transcripts:   make(map[string][]voice.TranscriptEvent),
		now:           time.Now,
	}
}

// Owner implements [store.ConversationStore].
func (s *Store) Owner(_ context.Context, conversationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return "", fmt.Errorf("memory store: conversation %q: %w", conversationID, store.ErrNotFound)
	}
	return c.UserID, nil
}

// PutConversation implements [store.ConversationStore].
func (s *Store) PutConversation(_ context.Context, c store.Conversation) error {
	if c.ID == "" || c.UserID == "" {
		return fmt.Errorf("memory store: conversation needs id and user id")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	return nil
}

// AppendTranscript implements [store.TranscriptStore]. The conversation must
// exist and belong to userID.
func (s *Store) AppendTranscript(_ context.Context, userID string, t voice.TranscriptAppend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[t.ConversationID]
	if !ok || c.UserID != userID {
		return fmt.Errorf("memory store: conversation %q: %w", t.ConversationID, store.ErrNotFound)
	}
	ev := t.TranscriptEvent
	if ev.MessageID == "" {
		ev.MessageID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	s.transcripts[t.ConversationID] = append(s.transcripts[t.ConversationID], ev)
	return nil
}

// Transcripts implements [store.TranscriptStore].
func (s *Store) Transcripts(_ context.Context, conversationID string) ([]voice.TranscriptEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.transcripts[conversationID])
	if out == nil {
		out = []voice.TranscriptEvent{}
	}
	return out, nil
}

// SaveMetrics implements [store.MetricsStore].
func (s *Store) SaveMetrics(_ context.Context, userID string, m voice.SessionMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, SavedMetrics{UserID: userID, Metrics: m, ReceivedAt: s.now()})
	return nil
}

// SaveEvent implements [store.EventStore].
func (s *Store) SaveEvent(_ context.Context, userID string, e voice.Event) (string, error) {
	id := uuid.NewString()
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, SavedEvent{ID: id, UserID: userID, Event: e})
	return id, nil
}

// Metrics returns a copy of every stored submission.
func (s *Store) Metrics() []SavedMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.metrics)
}

// Events returns a copy of the event log.
func (s *Store) Events() []SavedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

// Ping implements [store.Store]. It always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store].
func (s *Store) Close() {}
