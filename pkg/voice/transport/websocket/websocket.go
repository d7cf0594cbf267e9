// Package websocket implements [transport.Dialer] over a WebSocket
// connection to the provider's realtime endpoint.
//
// The stream URL is the broker-issued url with the model as a query
// parameter. The connection is authorised with the ephemeral token as a
// bearer credential; the provider's long-lived API key never reaches the
// client.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/medivoice/pkg/voice"
	"github.com/MrWong99/medivoice/pkg/voice/transport"
)

// Compile-time assertions.
var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Stream = (*stream)(nil)
)

// DefaultReadLimit bounds a single inbound frame. Audio deltas routinely
// exceed the library's 32 KiB default.
const DefaultReadLimit = 4 << 20

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithHTTPClient sets the client used for the opening handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// WithReadLimit overrides [DefaultReadLimit].
func WithReadLimit(n int64) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// WithHeader adds a header to every handshake request.
func WithHeader(key, value string) Option {
	return func(d *Dialer) { d.header.Add(key, value) }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens realtime streams over WebSocket.
type Dialer struct {
	httpClient *http.Client
	readLimit  int64
	header     http.Header
}

// NewDialer returns a Dialer with the given options applied.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		readLimit: DefaultReadLimit,
		header:    http.Header{"OpenAI-Beta": []string{"realtime=v1"}},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// StreamURL returns cfg.URL with the model query parameter set.
func StreamURL(cfg voice.SessionConfig) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("websocket: parse url %q: %w", cfg.URL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("websocket: unsupported url scheme %q", u.Scheme)
	}
	if cfg.Model != "" {
		q := u.Query()
		q.Set("model", cfg.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context, cfg voice.SessionConfig) (transport.Stream, error) {
	if cfg.Auth.Token == "" {
		return nil, errors.New("websocket: session config has no credential")
	}
	wsURL, err := StreamURL(cfg)
	if err != nil {
		return nil, err
	}

	header := d.header.Clone()
	header.Set("Authorization", "Bearer "+cfg.Auth.Token)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket: dial: %w", err)
	}
	conn.SetReadLimit(d.readLimit)

	sctx, cancel := context.WithCancel(context.Background())
	return &stream{conn: conn, ctx: sctx, cancel: cancel}, nil
}

// ── Stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	conn *websocket.Conn

	// ctx is cancelled by Close so a blocked Read returns promptly.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Read implements [transport.Stream]. Binary frames are not part of the
// protocol and are skipped.
func (s *stream) Read(ctx context.Context) ([]byte, error) {
	ctx, stop := mergeCancel(ctx, s.ctx)
	defer stop()
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if s.isClosed() {
				return nil, transport.ErrClosed
			}
			return nil, fmt.Errorf("websocket: read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

// Write implements [transport.Stream].
func (s *stream) Write(ctx context.Context, frame []byte) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("websocket: write: %w", err)
	}
	return nil
}

// Close implements [transport.Stream]. Idempotent.
func (s *stream) Close(reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	// The peer may already be gone; a failed close handshake is not an error
	// the caller can act on.
	_ = s.conn.Close(websocket.StatusNormalClosure, reason)
	return nil
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// mergeCancel returns a context that is done when either parent is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
