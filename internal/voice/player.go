package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/logging"
	"github.com/discord-voice-lab/voiceloop/internal/pipeline"
)

type discordPlayer struct{ p *Processor }

// Play implements pipeline.Player.
func (d discordPlayer) Play(ctx context.Context, clip audio.Clip) error {
	return d.p.play(ctx, clip)
}

func (p *Processor) play(ctx context.Context, clip audio.Clip) error {
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()
	if out == nil {
		logging.DebugwCtx(ctx, "Processor: no voice connection, skipping playback")
		return nil
	}
	enc, err := p.codec.NewEncoder()
	if err != nil {
		return err
	}

	p.playMu.Lock()
	defer p.playMu.Unlock()

	mono := clip.Mono()
	pcm := audio.Upmix(audio.Resample(mono.Samples, mono.SampleRate, discordRate), discordChannels)
	if err := out.Speaking(true); err != nil {
		logging.DebugwCtx(ctx, "Processor: speaking(true) failed", "err", err)
	}
	defer func() { _ = out.Speaking(false) }()

	start := time.Now()
	frames, err := sendFrames(ctx, out, enc, pcm)
	p.annotatePlayback(ctx, frames, time.Since(start), err)
	return err
}

// sendFrames encodes interleaved 48 kHz stereo PCM as 20 ms Opus frames,
// zero-padding the last one. It returns how many frames were sent.
func sendFrames(ctx context.Context, out VoiceOutput, enc OpusEncoder, pcm []int16) (int, error) {
	step := frameSize * discordChannels
	buf := make([]byte, maxOpusFrame)
	frames := 0
	for off := 0; off < len(pcm); off += step {
		frame := make([]int16, step)
		copy(frame, pcm[off:])
		n, err := enc.Encode(frame, buf)
		if err != nil {
			return frames, fmt.Errorf("opus encode: %w", err)
		}
		if err := out.Send(ctx, append([]byte(nil), buf[:n]...)); err != nil {
			return frames, err
		}
		frames++
	}
	return frames, nil
}

func (p *Processor) annotatePlayback(ctx context.Context, frames int, d time.Duration, err error) {
	cid := pipeline.TurnID(ctx)
	if p.archive == nil || cid == "" {
		return
	}
	updates := map[string]interface{}{
		"playback_frames":      frames,
		"playback_ms":          d.Milliseconds(),
		"playback_interrupted": errors.Is(err, context.Canceled),
	}
	if uerr := p.archive.MergeUpdates(cid, updates); uerr != nil {
		logging.DebugwCtx(ctx, "Processor: playback not archived", "err", uerr)
	}
}
