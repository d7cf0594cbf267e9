package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/medivoice/internal/store"
	"github.com/MrWong99/medivoice/pkg/voice"
)

var _ store.Store = (*Store)(nil)

// Store is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Owner implements [store.ConversationStore].
func (s *Store) Owner(ctx context.Context, conversationID string) (string, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM conversations WHERE id = $1`, conversationID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("postgres store: conversation %q: %w", conversationID, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: owner: %w", err)
	}
	return owner, nil
}

// PutConversation implements [store.ConversationStore].
func (s *Store) PutConversation(ctx context.Context, c store.Conversation) error {
	if c.ID == "" || c.UserID == "" {
		return errors.New("postgres store: conversation needs id and user id")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	const q = `
		INSERT INTO conversations (id, user_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id`
	if _, err := s.pool.Exec(ctx, q, c.ID, c.UserID, c.CreatedAt); err != nil {
		return fmt.Errorf("postgres store: put conversation: %w", err)
	}
	return nil
}

// AppendTranscript implements [store.TranscriptStore]. The insert only
// happens when userID owns the conversation.
func (s *Store) AppendTranscript(ctx context.Context, userID string, t voice.TranscriptAppend) error {
	ev := t.TranscriptEvent
	if ev.MessageID == "" {
		ev.MessageID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	const q = `
		INSERT INTO voice_transcripts
		    (conversation_id, message_id, speaker, text, is_final, timestamp)
		SELECT $1, $3, $4, $5, $6, $7
		WHERE  EXISTS (SELECT 1 FROM conversations WHERE id = $1 AND user_id = $2)`
	tag, err := s.pool.Exec(ctx, q,
		t.ConversationID,
		userID,
		ev.MessageID,
		string(ev.Speaker),
		ev.Text,
		ev.IsFinal,
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: conversation %q: %w", t.ConversationID, store.ErrNotFound)
	}
	return nil
}

// Transcripts implements [store.TranscriptStore].
func (s *Store) Transcripts(ctx context.Context, conversationID string) ([]voice.TranscriptEvent, error) {
	const q = `
		SELECT speaker, text, is_final, message_id, timestamp
		FROM   voice_transcripts
		WHERE  conversation_id = $1
		ORDER  BY timestamp, id`
	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: transcripts: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (voice.TranscriptEvent, error) {
		var (
			e       voice.TranscriptEvent
			speaker string
		)
		if err := row.Scan(&speaker, &e.Text, &e.IsFinal, &e.MessageID, &e.Timestamp); err != nil {
			return voice.TranscriptEvent{}, err
		}
		e.Speaker = voice.Speaker(speaker)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan transcripts: %w", err)
	}
	if out == nil {
		out = []voice.TranscriptEvent{}
	}
	return out, nil
}

// SaveMetrics implements [store.MetricsStore].
func (s *Store) SaveMetrics(ctx context.Context, userID string, m voice.SessionMetrics) error {
	var started *time.Time
	if m.SessionStartedAt > 0 {
		t := time.Unix(m.SessionStartedAt, 0)
		started = &t
	}
	const q = `
		INSERT INTO voice_session_metrics
		    (user_id, conversation_id, session_id, connection_time_ms,
		     time_to_first_transcript_ms, last_stt_latency_ms, last_response_latency_ms,
		     session_duration_ms, user_transcript_count, ai_response_count,
		     reconnect_count, session_started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.pool.Exec(ctx, q,
		userID,
		m.ConversationID,
		m.SessionID,
		m.ConnectionTimeMs,
		m.TimeToFirstTranscriptMs,
		m.LastSTTLatencyMs,
		m.LastResponseLatencyMs,
		m.SessionDurationMs,
		m.UserTranscriptCount,
		m.AIResponseCount,
		m.ReconnectCount,
		started,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save metrics: %w", err)
	}
	return nil
}

// SaveEvent implements [store.EventStore].
func (s *Store) SaveEvent(ctx context.Context, userID string, e voice.Event) (string, error) {
	id := uuid.New()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	const q = `
		INSERT INTO voice_events (id, user_id, conversation_id, event_type, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, q, id, userID, e.ConversationID, string(e.EventType), e.Timestamp, meta); err != nil {
		return "", fmt.Errorf("postgres store: save event: %w", err)
	}
	return id.String(), nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
