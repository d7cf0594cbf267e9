// Package client talks to the voice HTTP API on behalf of a session
// [session.Machine]. One [Client] serves as the machine's broker,
// transcript sink, event reporter and metrics sender.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/medivoice/pkg/voice"
	"github.com/MrWong99/medivoice/pkg/voice/session"
	"github.com/MrWong99/medivoice/pkg/voice/telemetry"
)

// DefaultTimeout bounds every request unless overridden with [WithTimeout].
const DefaultTimeout = 15 * time.Second

// Compile-time interface assertions.
var (
	_ session.Broker         = (*Client)(nil)
	_ session.TranscriptSink = (*Client)(nil)
	_ session.EventReporter  = (*Client)(nil)
	_ telemetry.Sender       = (*Client)(nil)
)

// StatusError is returned for a non-2xx response. It unwraps to the voice
// sentinel that matches the status, so errors.Is(err,
// voice.ErrUnauthenticated) works for a 401.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("client: %s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("client: %s: status %d", e.Op, e.Status)
}

// Unwrap maps the status to a voice sentinel.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return voice.ErrUnauthenticated
	case e.Status == http.StatusForbidden, e.Status == http.StatusNotFound:
		return voice.ErrInvalidConversation
	case e.Status == http.StatusBadRequest, e.Status == http.StatusUnprocessableEntity:
		return voice.ErrInvalidSettings
	case e.Status >= 500, e.Status == http.StatusTooManyRequests:
		return voice.ErrProviderUnavailable
	}
	return nil
}

// ── Options ──────────────────────────────────────────────────────────────────

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the caller's bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-request timeout. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// ── Client ───────────────────────────────────────────────────────────────────

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
	log     *slog.Logger
}

// New returns a client for the API at baseURL, e.g. "https://app.example/api".
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("client: base URL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		http:    http.DefaultClient,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// CreateSession asks the broker for a fresh session config. Every call
// yields a new single-use credential.
func (c *Client) CreateSession(ctx context.Context, req voice.SessionRequest) (voice.SessionConfig, error) {
	var cfg voice.SessionConfig
	if err := c.post(ctx, "create session", "/voice/realtime-session", req, &cfg); err != nil {
		return voice.SessionConfig{}, err
	}
	if cfg.URL == "" || cfg.Auth.Token == "" {
		return voice.SessionConfig{}, fmt.Errorf("client: create session: incomplete config: %w", voice.ErrProviderUnavailable)
	}
	return cfg, nil
}

// AppendTranscript stores a final transcript in the conversation history.
func (c *Client) AppendTranscript(ctx context.Context, conversationID string, ev voice.TranscriptEvent) error {
	body := voice.TranscriptAppend{ConversationID: conversationID, TranscriptEvent: ev}
	return c.post(ctx, "append transcript", "/voice/transcripts", body, nil)
}

// ReportEvent records an entry in the voice event log.
func (c *Client) ReportEvent(ctx context.Context, ev voice.Event) error {
	return c.post(ctx, "report event", "/voice/events", ev, nil)
}

// SendMetrics submits one session's latency summary.
func (c *Client) SendMetrics(ctx context.Context, m voice.SessionMetrics) error {
	return c.post(ctx, "send metrics", "/voice/metrics", m, nil)
}

// post sends body as JSON and decodes a 2xx response into out when out is
// non-nil. Transport failures wrap voice.ErrProviderUnavailable.
func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("client: %s: marshal: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("client: %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return fmt.Errorf("client: %s: %w", op, errors.Join(ctxErr, voice.ErrProviderUnavailable))
		}
		return fmt.Errorf("client: %s: %w: %w", op, voice.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	c.log.Debug("client: request done", "op", op, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Status: resp.StatusCode, Body: readMessage(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: %s: decode response: %w", op, err)
	}
	return nil
}

// readMessage extracts {"error": "..."} from an error body, falling back to
// the first line of the raw text.
func readMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(raw)), "\n")
	return line
}
