// Package server exposes the session broker and the voice telemetry sinks
// over HTTP:
//
//	POST /voice/realtime-session                   mint a session config
//	POST /voice/metrics                            submit session metrics (202)
//	POST /voice/events                             append to the event log
//	POST /voice/transcripts                        append a final transcript
//	GET  /voice/conversations/{id}/transcripts     read the transcript history
//
// Every route except the probes needs a bearer token resolved by
// [auth.Middleware]. Errors are JSON: {"error": "...", "correlation_id": "..."}.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MrWong99/medivoice/internal/auth"
	"github.com/MrWong99/medivoice/internal/health"
	"github.com/MrWong99/medivoice/internal/observe"
	"github.com/MrWong99/medivoice/internal/store"
	"github.com/MrWong99/medivoice/pkg/voice"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 64 << 10

// SessionBroker mints session configs. *broker.Broker satisfies it.
type SessionBroker interface {
	CreateSession(ctx context.Context, userID string, req voice.SessionRequest) (voice.SessionConfig, error)
}

// Config wires a [Server].
type Config struct {
	Broker  SessionBroker
	Store   store.Store
	Tokens  *auth.Tokens
	Health  *health.Handler
	Metrics *observe.Metrics

	// MetricsHandler serves the Prometheus exposition at MetricsPath when
	// both are set.
	MetricsHandler http.Handler
	MetricsPath    string
}

// Server holds the HTTP handlers.
type Server struct {
	broker  SessionBroker
	store   store.Store
	tokens  *auth.Tokens
	health  *health.Handler
	metrics *observe.Metrics

	metricsHandler http.Handler
	metricsPath    string
}

// New validates cfg and returns a server.
func New(cfg Config) (*Server, error) {
	if cfg.Broker == nil || cfg.Store == nil {
		return nil, errors.New("server: broker and store are required")
	}
	if cfg.Tokens == nil {
		cfg.Tokens = auth.NewTokens(nil)
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		broker:         cfg.Broker,
		store:          cfg.Store,
		tokens:         cfg.Tokens,
		health:         cfg.Health,
		metrics:        cfg.Metrics,
		metricsHandler: cfg.MetricsHandler,
		metricsPath:    cfg.MetricsPath,
	}, nil
}

// Handler returns the routed handler with auth and observability
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /voice/realtime-session", s.createSession)
	mux.HandleFunc("POST /voice/metrics", s.submitMetrics)
	mux.HandleFunc("POST /voice/events", s.reportEvent)
	mux.HandleFunc("POST /voice/transcripts", s.appendTranscript)
	mux.HandleFunc("GET /voice/conversations/{id}/transcripts", s.listTranscripts)
	s.health.Register(mux)
	if s.metricsHandler != nil && s.metricsPath != "" && s.metricsPath != "-" {
		mux.Handle("GET "+s.metricsPath, s.metricsHandler)
	}
	return observe.Middleware(s.metrics)(auth.Middleware(s.tokens)(mux))
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req voice.SessionRequest
	if err := decode(w, r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	id, _ := auth.FromContext(r.Context())

	cfg, err := s.broker.CreateSession(r.Context(), id.UserID, req)
	if err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) submitMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var m voice.SessionMetrics
	if err := decode(w, r, &m, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validateMetrics(m); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	s.metrics.RecordSessionMetrics(r.Context(), m)
	if err := s.store.SaveMetrics(r.Context(), id.UserID, m); err != nil {
		// Best effort: the client never retries.
		observe.Logger(r.Context()).Warn("server: metrics not stored", "user_id", id.UserID, "err", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) reportEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var ev voice.Event
	if err := decode(w, r, &ev, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if !ev.EventType.IsValid() {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("%w: unknown event_type %q", voice.ErrInvalidSettings, ev.EventType))
		return
	}
	if ev.ConversationID != "" && !s.owns(w, r, ev.ConversationID, id.UserID) {
		return
	}

	eventID, err := s.store.SaveEvent(r.Context(), id.UserID, ev)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.metrics.RecordVoiceEvent(r.Context(), ev.EventType)
	observe.Logger(r.Context()).Info("server: voice event",
		"event_type", ev.EventType,
		"conversation_id", ev.ConversationID,
		"user_id", id.UserID,
		"event_id", eventID,
	)
	writeJSON(w, http.StatusCreated, map[string]string{"id": eventID})
}

func (s *Server) appendTranscript(w http.ResponseWriter, r *http.Request) {
	id, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var t voice.TranscriptAppend
	if err := decode(w, r, &t, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validateTranscript(t); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	err := s.store.AppendTranscript(r.Context(), id.UserID, t)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusForbidden, fmt.Errorf("%w: %q", voice.ErrInvalidConversation, t.ConversationID))
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.metrics.RecordTranscript(r.Context(), t.Speaker)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) listTranscripts(w http.ResponseWriter, r *http.Request) {
	id, ok := requireCaller(w, r)
	if !ok {
		return
	}
	conv := r.PathValue("id")
	if !s.owns(w, r, conv, id.UserID) {
		return
	}
	ts, err := s.store.Transcripts(r.Context(), conv)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": conv, "transcripts": ts})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// owns writes 403 (or 500) and returns false unless userID owns conv.
func (s *Server) owns(w http.ResponseWriter, r *http.Request, conv, userID string) bool {
	ok, err := store.OwnedBy(r.Context(), s.store, conv, userID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return false
	}
	if !ok {
		writeError(w, r, http.StatusForbidden, fmt.Errorf("%w: %q", voice.ErrInvalidConversation, conv))
		return false
	}
	return true
}

func requireCaller(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, voice.ErrUnauthenticated)
	}
	return id, ok
}

// decode reads a JSON body. Unknown fields are rejected. An empty body is
// accepted only when allowEmpty is set.
func decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func validateMetrics(m voice.SessionMetrics) error {
	for name, v := range map[string]int64{
		"connection_time_ms":          m.ConnectionTimeMs,
		"time_to_first_transcript_ms": m.TimeToFirstTranscriptMs,
		"last_stt_latency_ms":         m.LastSTTLatencyMs,
		"last_response_latency_ms":    m.LastResponseLatencyMs,
		"session_duration_ms":         m.SessionDurationMs,
		"user_transcript_count":       int64(m.UserTranscriptCount),
		"ai_response_count":           int64(m.AIResponseCount),
		"reconnect_count":             int64(m.ReconnectCount),
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

func validateTranscript(t voice.TranscriptAppend) error {
	var errs []error
	if t.ConversationID == "" {
		errs = append(errs, errors.New("conversation_id is required"))
	}
	if t.Speaker != voice.SpeakerUser && t.Speaker != voice.SpeakerAssistant {
		errs = append(errs, fmt.Errorf("speaker %q is invalid; valid values: user, assistant", t.Speaker))
	}
	if strings.TrimSpace(t.Text) == "" {
		errs = append(errs, errors.New("text is required"))
	}
	if !t.IsFinal {
		errs = append(errs, errors.New("only final transcripts are stored"))
	}
	return errors.Join(errs...)
}

// statusOf maps broker errors to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, voice.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, voice.ErrInvalidConversation):
		return http.StatusForbidden
	case errors.Is(err, voice.ErrInvalidSettings):
		return http.StatusBadRequest
	case errors.Is(err, voice.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeError logs err and writes it. 5xx bodies carry a generic message;
// the correlation id links the client's report to the server log.
func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		observe.Logger(r.Context()).Error("server: request failed", "path", r.URL.Path, "status", status, "err", err)
		msg = http.StatusText(status)
		if status == http.StatusServiceUnavailable {
			msg = voice.ErrProviderUnavailable.Error()
		}
	}
	writeJSON(w, status, errorBody{Error: msg, CorrelationID: observe.CorrelationID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response", "err", err)
	}
}
