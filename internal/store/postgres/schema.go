// Package postgres is the PostgreSQL [store.Store]. All tables share one
// [pgxpool.Pool]; [Migrate] creates them on startup.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//
//	owner, err := s.Owner(ctx, "conv-1")
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Conversations and their voice transcripts
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_id
    ON conversations (user_id);

CREATE TABLE IF NOT EXISTS voice_transcripts (
    id               BIGSERIAL    PRIMARY KEY,
    conversation_id  TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    message_id       TEXT         NOT NULL,
    speaker          TEXT         NOT NULL,
    text             TEXT         NOT NULL,
    is_final         BOOLEAN      NOT NULL DEFAULT true,
    timestamp        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_transcripts_conversation_ts
    ON voice_transcripts (conversation_id, timestamp);
`

// ─────────────────────────────────────────────────────────────────────────────
// Session metrics and the event log
// ─────────────────────────────────────────────────────────────────────────────

const ddlTelemetry = `
CREATE TABLE IF NOT EXISTS voice_session_metrics (
    id                           BIGSERIAL    PRIMARY KEY,
    user_id                      TEXT         NOT NULL,
    conversation_id              TEXT         NOT NULL DEFAULT '',
    session_id                   TEXT         NOT NULL DEFAULT '',
    connection_time_ms           BIGINT       NOT NULL DEFAULT 0,
    time_to_first_transcript_ms  BIGINT       NOT NULL DEFAULT 0,
    last_stt_latency_ms          BIGINT       NOT NULL DEFAULT 0,
    last_response_latency_ms     BIGINT       NOT NULL DEFAULT 0,
    session_duration_ms          BIGINT       NOT NULL DEFAULT 0,
    user_transcript_count        INTEGER      NOT NULL DEFAULT 0,
    ai_response_count            INTEGER      NOT NULL DEFAULT 0,
    reconnect_count              INTEGER      NOT NULL DEFAULT 0,
    session_started_at           TIMESTAMPTZ,
    received_at                  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_session_metrics_user
    ON voice_session_metrics (user_id, received_at);

CREATE TABLE IF NOT EXISTS voice_events (
    id               UUID         PRIMARY KEY,
    user_id          TEXT         NOT NULL,
    conversation_id  TEXT         NOT NULL DEFAULT '',
    event_type       TEXT         NOT NULL,
    timestamp        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    metadata         JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_voice_events_type_ts
    ON voice_events (event_type, timestamp);
`

// Migrate creates all tables and indexes. It is idempotent and safe to call
// on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlConversations, ddlTelemetry} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
