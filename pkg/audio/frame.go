package audio

import "time"

// Frame is one chunk of little-endian int16 PCM captured from a device.
type Frame struct {
	// Data holds interleaved samples.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for most microphones).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to device open.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// ProviderFormat is the "pcm16" format the realtime provider expects for
// both input and output audio.
var ProviderFormat = Format{SampleRate: 24000, Channels: 1}

// Duration returns the playback length of pcm in format f.
func (f Format) Duration(pcm []byte) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(pcm) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
