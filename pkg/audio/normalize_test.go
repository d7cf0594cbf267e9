package audio_test

import (
	"encoding/binary"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/medivoice/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestNormalize_PassThrough(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(nil)
	data := samplesToBytes([]int16{1, 2, 3})
	out := n.Normalize(audio.Frame{Data: data, SampleRate: 24000, Channels: 1})
	if &out[0] != &data[0] {
		t.Error("matching format should not copy")
	}
}

func TestNormalize_StereoDownmix(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(nil)
	stereo := samplesToBytes([]int16{100, 200, -100, -200, 32767, 32767})
	got := bytesToSamples(n.Normalize(audio.Frame{Data: stereo, SampleRate: 24000, Channels: 2}))
	want := []int16{150, -150, 32767}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNormalize_48kStereoTo24kMono(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(nil)
	// 480 stereo frames at 48 kHz = 10 ms.
	src := make([]int16, 480*2)
	for i := range src {
		src[i] = 1000
	}
	out := n.Normalize(audio.Frame{Data: samplesToBytes(src), SampleRate: 48000, Channels: 2})
	got := bytesToSamples(out)
	if len(got) != 240 {
		t.Fatalf("got %d samples, want 240", len(got))
	}
	for i, s := range got {
		if s != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i, s)
		}
	}
	if d := audio.ProviderFormat.Duration(out); d != 10*time.Millisecond {
		t.Errorf("Duration = %v, want 10ms", d)
	}
}

func TestNormalize_DropsMisaligned(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(nil)
	if out := n.Normalize(audio.Frame{Data: []byte{1, 2, 3}, SampleRate: 24000, Channels: 1}); out != nil {
		t.Errorf("odd byte count: got %v, want nil", out)
	}
	if out := n.Normalize(audio.Frame{Data: []byte{1, 2}, SampleRate: 48000, Channels: 2}); out != nil {
		t.Errorf("partial stereo frame: got %v, want nil", out)
	}
}

func TestResample_Interpolates(t *testing.T) {
	t.Parallel()
	// Upsampling 2x inserts midpoints.
	got := bytesToSamples(audio.Resample(samplesToBytes([]int16{0, 100, 200}), 1, 8000, 16000))
	want := []int16{0, 50, 100, 150, 200, 200}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResample_SameRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200, 300})
	if out := audio.Resample(pcm, 1, 48000, 48000); len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.Downmix(samplesToBytes([]int16{30, 60, 90}), 3))
	if !slices.Equal(got, []int16{60}) {
		t.Errorf("got %v, want [60]", got)
	}
}

func TestInterruptReason_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		r    audio.InterruptReason
		want string
	}{
		{audio.BargeIn, "BARGE_IN"},
		{audio.SessionEnded, "SESSION_ENDED"},
		{audio.InterruptReason(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.r.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
