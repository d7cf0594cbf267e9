// Package audio defines the capture and playback seams of a voice session
// and the PCM normalisation between device formats and the provider format.
//
// The two device abstractions are:
//
//   - [Capture] opens the microphone and returns a [Device] that delivers
//     [Frame] values until it is closed.
//   - [Player] renders assistant audio and can be interrupted on barge-in.
//
// Platform adapters (browser bridge, PortAudio, test fakes) implement these
// interfaces. The session state machine owns exactly one [Device] at a time
// and releases it on every terminal transition.
package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned by [Capture.Open] when the user or the
// operating system refused microphone access. It is a resource error, not a
// network error: retrying will not help until permission is granted.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// Capture acquires the microphone.
type Capture interface {
	// Open acquires the capture device. ctx bounds the acquisition only; the
	// returned Device stays open until Close. Implementations wrap
	// [ErrPermissionDenied] when access is refused.
	Open(ctx context.Context) (Device, error)
}

// Device is an open capture handle.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Frames returns the channel of captured frames. It is closed when the
	// device is closed or fails.
	Frames() <-chan Frame

	// Close releases the device. It is safe to call Close more than once;
	// subsequent calls are no-ops and return nil.
	Close() error
}

// InterruptReason identifies why playback was cut short.
type InterruptReason int

const (
	// BargeIn indicates the user started speaking while the assistant was
	// still talking. The player should stop immediately and drop anything
	// queued.
	BargeIn InterruptReason = iota

	// SessionEnded indicates the session reached a terminal state.
	SessionEnded
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case BargeIn:
		return "BARGE_IN"
	case SessionEnded:
		return "SESSION_ENDED"
	default:
		return "UNKNOWN"
	}
}

// Player renders assistant audio in [ProviderFormat].
//
// Implementations must be safe for concurrent use and must not block in
// Play for longer than it takes to enqueue the chunk.
type Player interface {
	// Play enqueues one chunk of PCM for playback.
	Play(pcm []byte)

	// Interrupt stops playback and discards queued audio. If nothing is
	// playing, Interrupt is a no-op.
	Interrupt(reason InterruptReason)
}
