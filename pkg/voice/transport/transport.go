// Package transport defines the realtime stream seam between the session
// state machine and the network.
//
// A [Dialer] opens one [Stream] per connect attempt using a broker-issued
// [voice.SessionConfig]. The stream carries opaque JSON text frames; it does
// not interpret them. Implementations live in sub-packages.
package transport

import (
	"context"
	"errors"

	"github.com/MrWong99/medivoice/pkg/voice"
)

// ErrClosed is returned by Read and Write after the local side closed the
// stream.
var ErrClosed = errors.New("transport: stream closed")

// Stream is one open realtime connection.
//
// Read is called from a single reader goroutine; Write may be called
// concurrently with Read. Close may be called from any goroutine and must
// unblock a pending Read.
type Stream interface {
	// Read blocks until the next text frame arrives, the peer closes the
	// stream, or ctx is done.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text frame.
	Write(ctx context.Context, frame []byte) error

	// Close performs a normal closure. It is safe to call more than once.
	Close(reason string) error
}

// Dialer opens streams.
type Dialer interface {
	// Dial connects to cfg.URL for cfg.Model, authorising with the
	// ephemeral credential in cfg.Auth.
	Dial(ctx context.Context, cfg voice.SessionConfig) (Stream, error)
}
