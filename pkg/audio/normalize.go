package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Normalizer converts captured frames to a target format. It logs a warning
// on the first format mismatch and on the first misaligned frame.
// Create one per device; not designed for shared use across goroutines.
type Normalizer struct {
	Target Format

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// NewNormalizer returns a Normalizer targeting [ProviderFormat].
func NewNormalizer(log *slog.Logger) *Normalizer {
	return &Normalizer{Target: ProviderFormat, Logger: log}
}

func (n *Normalizer) log() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// Normalize returns the frame's PCM in the target format. Frames already in
// the target format are returned without copying. Frames whose length is not
// a whole number of sample frames are dropped (nil is returned).
// Channel conversion runs before resampling so a stereo source is only
// resampled once.
func (n *Normalizer) Normalize(f Frame) []byte {
	ch := max(f.Channels, 1)
	if len(f.Data)%(2*ch) != 0 {
		n.warnedCorrupt.Do(func() {
			n.log().Warn("audio normalizer: misaligned PCM frame, dropping",
				"bytes", len(f.Data),
				"channels", ch,
			)
		})
		return nil
	}
	if f.SampleRate == n.Target.SampleRate && ch == n.Target.Channels {
		return f.Data
	}
	if f.SampleRate <= 0 || n.Target.SampleRate <= 0 || n.Target.Channels <= 0 {
		return nil
	}

	n.warnedMismatch.Do(func() {
		n.log().Info("audio normalizer: converting capture format",
			"from", formatString(f.SampleRate, ch),
			"to", formatString(n.Target.SampleRate, n.Target.Channels),
		)
	})

	samples := decodePCM(f.Data)
	samples = remix(samples, ch, n.Target.Channels)
	samples = resample(samples, n.Target.Channels, f.SampleRate, n.Target.SampleRate)
	return encodePCM(samples)
}

// Downmix averages interleaved frames of `channels` samples into mono.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	return encodePCM(remix(decodePCM(pcm), channels, 1))
}

// Resample converts interleaved PCM between sample rates with linear
// interpolation. It returns pcm unchanged when the rates match.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	return encodePCM(resample(decodePCM(pcm), max(channels, 1), srcRate, dstRate))
}

func decodePCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func encodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// remix converts between channel counts. Downmixing averages every source
// channel; upmixing from mono duplicates the sample. Other combinations
// downmix to mono first.
func remix(samples []int16, from, to int) []int16 {
	if from == to {
		return samples
	}
	frames := len(samples) / from
	mono := samples
	if from != 1 {
		mono = make([]int16, frames)
		for i := range frames {
			var sum int32
			for c := range from {
				sum += int32(samples[i*from+c])
			}
			mono[i] = int16(sum / int32(from))
		}
	}
	if to == 1 {
		return mono
	}
	out := make([]int16, frames*to)
	for i, s := range mono {
		for c := range to {
			out[i*to+c] = s
		}
	}
	return out
}

// resample performs per-channel linear interpolation.
func resample(samples []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate == dstRate {
		return samples
	}
	srcFrames := len(samples) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			s0 := float64(samples[idx*channels+c])
			s1 := float64(samples[next*channels+c])
			out[i*channels+c] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return out
}

// formatString returns e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
