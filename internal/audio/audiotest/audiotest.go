// Package audiotest generates deterministic synthetic PCM for tests.
package audiotest

import (
	"math"
	"math/rand"
	"time"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
)

// Silence returns d of digital silence as PCM16LE bytes.
func Silence(d time.Duration, sampleRate int) []byte {
	return make([]byte, 2*audio.SamplesFor(d, sampleRate))
}

// Speech returns d of speech-like audio (a harmonic tone with a syllable-rate
// envelope plus a little noise) scaled to the given RMS level in dBFS.
func Speech(d time.Duration, sampleRate int, rmsDB float64, seed int64) []byte {
	return audio.SamplesToBytes(SpeechSamples(d, sampleRate, rmsDB, seed))
}

// SpeechSamples is Speech without the byte encoding.
func SpeechSamples(d time.Duration, sampleRate int, rmsDB float64, seed int64) []int16 {
	n := audio.SamplesFor(d, sampleRate)
	rng := rand.New(rand.NewSource(seed))
	raw := make([]float64, n)
	var sumSq float64
	for i := range raw {
		t := float64(i) / float64(sampleRate)
		env := 0.3 + 0.7*math.Abs(math.Sin(2*math.Pi*4*t))
		v := math.Sin(2*math.Pi*220*t) + 0.5*math.Sin(2*math.Pi*440*t) + 0.25*math.Sin(2*math.Pi*660*t)
		v = v*env + 0.05*(rng.Float64()*2-1)
		raw[i] = v
		sumSq += v * v
	}
	out := make([]int16, n)
	if n == 0 || sumSq == 0 {
		return out
	}
	scale := audio.FromDB(rmsDB) / math.Sqrt(sumSq/float64(n))
	for i, v := range raw {
		s := math.Round(v * scale)
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		out[i] = int16(s)
	}
	return out
}

// Tone returns a constant-amplitude sine at the given peak amplitude.
func Tone(d time.Duration, sampleRate int, freq float64, amplitude int16) []byte {
	n := audio.SamplesFor(d, sampleRate)
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / float64(sampleRate)
		out[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*freq*t))
	}
	return audio.SamplesToBytes(out)
}
