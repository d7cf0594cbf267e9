// Package mock provides in-memory implementations of [audio.Capture],
// [audio.Device] and [audio.Player] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := mock.NewDevice(16)
//	capture := &mock.Capture{Device: dev}
//	// ... run the session ...
//	if dev.CloseCount() == 0 { t.Error("device leaked") }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/medivoice/pkg/audio"
)

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture].
type Capture struct {
	mu sync.Mutex

	// Device is returned by Open. When nil, Open creates a fresh [Device]
	// per call.
	Device *Device

	// OpenErr is returned by Open when set.
	OpenErr error

	opened []*Device
}

var _ audio.Capture = (*Capture)(nil)

// Open implements [audio.Capture].
func (c *Capture) Open(ctx context.Context) (audio.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	d := c.Device
	if d == nil {
		d = NewDevice(0)
	}
	c.opened = append(c.opened, d)
	return d, nil
}

// Opened returns every device handed out so far.
func (c *Capture) Opened() []*Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Device, len(c.opened))
	copy(out, c.opened)
	return out
}

// OpenDevices returns how many handed-out devices have not been closed.
func (c *Capture) OpenDevices() int {
	n := 0
	for _, d := range c.Opened() {
		if !d.Closed() {
			n++
		}
	}
	return n
}

// ─── Device ──────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device]. Tests feed frames with
// [Device.Push].
type Device struct {
	mu     sync.Mutex
	frames chan audio.Frame
	closed bool
	closes int
}

var _ audio.Device = (*Device)(nil)

// NewDevice returns an open device whose frame channel has the given buffer.
func NewDevice(buffer int) *Device {
	return &Device{frames: make(chan audio.Frame, buffer)}
}

// Frames implements [audio.Device].
func (d *Device) Frames() <-chan audio.Frame {
	return d.frames
}

// Push delivers f to the reader. It returns false if the device is closed.
func (d *Device) Push(f audio.Frame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.frames <- f
	return true
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	if !d.closed {
		d.closed = true
		close(d.frames)
	}
	return nil
}

// Closed reports whether Close has been called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// CloseCount returns how many times Close was called.
func (d *Device) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// ─── Player ──────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu         sync.Mutex
	played     [][]byte
	interrupts []audio.InterruptReason
}

var _ audio.Player = (*Player)(nil)

// Play implements [audio.Player].
func (p *Player) Play(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, pcm)
}

// Interrupt implements [audio.Player].
func (p *Player) Interrupt(reason audio.InterruptReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupts = append(p.interrupts, reason)
}

// Played returns every chunk passed to Play.
func (p *Player) Played() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.played))
	copy(out, p.played)
	return out
}

// Interrupts returns every reason passed to Interrupt.
func (p *Player) Interrupts() []audio.InterruptReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.InterruptReason, len(p.interrupts))
	copy(out, p.interrupts)
	return out
}
