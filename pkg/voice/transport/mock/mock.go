// Package mock provides in-memory implementations of [transport.Dialer] and
// [transport.Stream] for use in unit tests.
//
// A test plays the provider: it receives each dialed [Stream] from
// [Dialer.Dialed], pushes inbound frames with [Stream.Send], drops the
// connection with [Stream.Drop] and inspects outbound frames with
// [Stream.Outbound] or [Stream.Written].
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/MrWong99/medivoice/pkg/voice"
	"github.com/MrWong99/medivoice/pkg/voice/transport"
)

// ErrDropped is the default error returned by Read after [Stream.Drop].
var ErrDropped = errors.New("mock: connection dropped")

// ─── Dialer ──────────────────────────────────────────────────────────────────

// Dialer is a mock implementation of [transport.Dialer].
type Dialer struct {
	mu      sync.Mutex
	errs    []error
	configs []voice.SessionConfig
	streams []*Stream
	dialed  chan *Stream
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer returns a dialer whose every Dial succeeds until told otherwise.
func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Stream, 64)}
}

// FailNext queues errors for the next len(errs) dials. A nil entry lets that
// dial succeed.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context, cfg voice.SessionConfig) (transport.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.configs = append(d.configs, cfg)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
	}
	s := NewStream()
	d.streams = append(d.streams, s)
	d.mu.Unlock()

	d.dialed <- s
	return s, nil
}

// Dialed delivers every successfully dialed stream in order.
func (d *Dialer) Dialed() <-chan *Stream {
	return d.dialed
}

// Configs returns the session config passed to every Dial call.
func (d *Dialer) Configs() []voice.SessionConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]voice.SessionConfig(nil), d.configs...)
}

// Streams returns every successfully dialed stream.
func (d *Dialer) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}

// OpenStreams returns how many dialed streams have not been closed locally.
func (d *Dialer) OpenStreams() int {
	n := 0
	for _, s := range d.Streams() {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [transport.Stream].
type Stream struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	dropped  chan struct{}

	closeOnce sync.Once
	dropOnce  sync.Once

	mu          sync.Mutex
	written     [][]byte
	dropErr     error
	closeReason string
}

var _ transport.Stream = (*Stream)(nil)

// NewStream returns an open stream.
func NewStream() *Stream {
	return &Stream{
		inbound:  make(chan []byte, 256),
		outbound: make(chan []byte, 1024),
		closed:   make(chan struct{}),
		dropped:  make(chan struct{}),
	}
}

// Read implements [transport.Stream]. Buffered inbound frames are delivered
// before a drop is reported.
func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-s.inbound:
		return f, nil
	default:
	}
	select {
	case f := <-s.inbound:
		return f, nil
	case <-s.closed:
		return nil, transport.ErrClosed
	case <-s.dropped:
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.dropErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write implements [transport.Stream].
func (s *Stream) Write(ctx context.Context, frame []byte) error {
	select {
	case <-s.closed:
		return transport.ErrClosed
	case <-s.dropped:
		return ErrDropped
	default:
	}
	s.mu.Lock()
	s.written = append(s.written, frame)
	s.mu.Unlock()
	select {
	case s.outbound <- frame:
	default:
	}
	return nil
}

// Close implements [transport.Stream].
func (s *Stream) Close(reason string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		close(s.closed)
	})
	return nil
}

// Send delivers one inbound frame as if the provider had sent it.
func (s *Stream) Send(frame string) {
	s.inbound <- []byte(frame)
}

// Drop simulates an abnormal closure. A nil err reports [ErrDropped].
func (s *Stream) Drop(err error) {
	if err == nil {
		err = ErrDropped
	}
	s.dropOnce.Do(func() {
		s.mu.Lock()
		s.dropErr = err
		s.mu.Unlock()
		close(s.dropped)
	})
}

// Outbound delivers each frame written by the client.
func (s *Stream) Outbound() <-chan []byte {
	return s.outbound
}

// Written returns every frame written by the client.
func (s *Stream) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...)
}

// WrittenTypes returns the "type" field of every written frame.
func (s *Stream) WrittenTypes() []string {
	var out []string
	for _, f := range s.Written() {
		var v struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &v)
		out = append(out, v.Type)
	}
	return out
}

// Closed reports whether the client closed the stream.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// CloseReason returns the reason passed to the first Close.
func (s *Stream) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}
