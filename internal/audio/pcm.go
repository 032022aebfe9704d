package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// BytesToSamples decodes little-endian PCM16. An odd trailing byte is dropped.
func BytesToSamples(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// SamplesToBytes encodes samples as little-endian PCM16.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// EvenLength truncates b to a whole number of 16-bit samples.
func EvenLength(b []byte) []byte { return b[:len(b)&^1] }

// BytesDuration is the play time of n bytes of mono PCM16 at sampleRate.
func BytesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// SamplesFor is the number of mono samples covering d at sampleRate.
func SamplesFor(d time.Duration, sampleRate int) int {
	return int(d * time.Duration(sampleRate) / time.Second)
}

// Downmix averages interleaved channels into mono.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// Upmix duplicates mono samples into interleaved channels.
func Upmix(mono []int16, channels int) []int16 {
	if channels <= 1 {
		out := make([]int16, len(mono))
		copy(out, mono)
		return out
	}
	out := make([]int16, len(mono)*channels)
	for i, s := range mono {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = s
		}
	}
	return out
}

// Resample converts mono samples between rates by linear interpolation.
// Adequate for speech, not for music.
func Resample(samples []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}
	outLen := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]int16, outLen)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		s0 := float64(samples[idx])
		s1 := float64(samples[idx+1])
		out[i] = clip16(s0 + (s1-s0)*frac)
	}
	return out
}

// ToCanonical downmixes and resamples interleaved PCM16 bytes to mono at
// the target rate, the internal working format.
func ToCanonical(pcm []byte, sampleRate, channels, target int) []int16 {
	samples := BytesToSamples(pcm)
	if channels > 1 {
		samples = Downmix(samples, channels)
	}
	if sampleRate != target {
		samples = Resample(samples, sampleRate, target)
	}
	return samples
}

func clip16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
