// Package mock provides a recording test double for [store.Store].
//
// Behaviour is delegated to an embedded in-memory store; the exported *Err
// fields inject failures and [Store.Calls] records every invocation.
//
//	s := mock.New()
//	s.SaveEventErr = errors.New("disk full")
//	// inject s into the system under test …
//	if got := s.CallCount("SaveEvent"); got != 1 { … }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/medivoice/internal/store"
	"github.com/MrWong99/medivoice/internal/store/memory"
	"github.com/MrWong99/medivoice/pkg/voice"
)

var _ store.Store = (*Store)(nil)

// Call records the name and non-context arguments of one invocation.
type Call struct {
	Method string
	Args   []any
}

// Store is safe for concurrent use.
type Store struct {
	*memory.Store

	mu    sync.Mutex
	calls []Call

	OwnerErr            error
	AppendTranscriptErr error
	SaveMetricsErr      error
	SaveEventErr        error
	PingErr             error
}

// New returns a mock backed by an empty in-memory store.
func New() *Store {
	return &Store{Store: memory.New()}
}

func (s *Store) record(method string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

func (s *Store) errFor(err *error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *err
}

// Calls returns a copy of every recorded call.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how often method was called.
func (s *Store) CallCount(method string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Owner implements [store.ConversationStore].
func (s *Store) Owner(ctx context.Context, conversationID string) (string, error) {
	s.record("Owner", conversationID)
	if err := s.errFor(&s.OwnerErr); err != nil {
		return "", err
	}
	return s.Store.Owner(ctx, conversationID)
}

// AppendTranscript implements [store.TranscriptStore].
func (s *Store) AppendTranscript(ctx context.Context, userID string, t voice.TranscriptAppend) error {
	s.record("AppendTranscript", userID, t)
	if err := s.errFor(&s.AppendTranscriptErr); err != nil {
		return err
	}
	return s.Store.AppendTranscript(ctx, userID, t)
}

// SaveMetrics implements [store.MetricsStore].
func (s *Store) SaveMetrics(ctx context.Context, userID string, m voice.SessionMetrics) error {
	s.record("SaveMetrics", userID, m)
	if err := s.errFor(&s.SaveMetricsErr); err != nil {
		return err
	}
	return s.Store.SaveMetrics(ctx, userID, m)
}

// SaveEvent implements [store.EventStore].
func (s *Store) SaveEvent(ctx context.Context, userID string, e voice.Event) (string, error) {
	s.record("SaveEvent", userID, e)
	if err := s.errFor(&s.SaveEventErr); err != nil {
		return "", err
	}
	return s.Store.SaveEvent(ctx, userID, e)
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	s.record("Ping")
	return s.errFor(&s.PingErr)
}
