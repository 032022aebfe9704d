package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/youpy/go-wav"
)

// Clip is a decoded, self-describing block of interleaved PCM16.
type Clip struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Duration of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Mono returns the clip downmixed to one channel.
func (c Clip) Mono() Clip {
	if c.Channels <= 1 {
		return c
	}
	return Clip{Samples: Downmix(c.Samples, c.Channels), SampleRate: c.SampleRate, Channels: 1}
}

// Bytes is the PCM16LE payload.
func (c Clip) Bytes() []byte { return SamplesToBytes(c.Samples) }

var ErrUnsupportedWAV = errors.New("unsupported wav format")

// EncodeWAV wraps interleaved PCM16 samples in a RIFF/WAVE container.
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedWAV, channels)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrUnsupportedWAV, sampleRate)
	}
	frames := len(samples) / channels
	var buf bytes.Buffer
	w := wav.NewWriter(&buf, uint32(frames), uint16(channels), uint32(sampleRate), 16)
	ws := make([]wav.Sample, frames)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			ws[i].Values[c] = int(samples[i*channels+c])
		}
	}
	if err := w.WriteSamples(ws); err != nil {
		return nil, fmt.Errorf("write wav samples: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWAV parses a 16-bit PCM WAV document.
func DecodeWAV(b []byte) (Clip, error) {
	r := wav.NewReader(bytes.NewReader(b))
	format, err := r.Format()
	if err != nil {
		return Clip{}, fmt.Errorf("read wav format: %w", err)
	}
	if format.BitsPerSample != 16 {
		return Clip{}, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedWAV, format.BitsPerSample)
	}
	var pcm []byte
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pcm = append(pcm, buf[:n]...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Clip{}, fmt.Errorf("read wav data: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return Clip{
		Samples:    BytesToSamples(pcm),
		SampleRate: int(format.SampleRate),
		Channels:   int(format.NumChannels),
	}, nil
}
