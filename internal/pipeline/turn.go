package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/logging"
)

var (
	ErrEmptyReply = errors.New("empty reply from generator")
	ErrEmptyAudio = errors.New("synthesizer returned no audio")
)

// Turn outcomes, used for metrics and archives.
const (
	OutcomeCompleted   = "completed"
	OutcomeSilence     = "silence"
	OutcomeEmpty       = "empty_transcript"
	OutcomeEcho        = "echo"
	OutcomeNoWake      = "no_wake_phrase"
	OutcomeSTTError    = "stt_error"
	OutcomeLLMError    = "llm_error"
	OutcomeTTSError    = "tts_error"
	OutcomeInterrupted = "interrupted"
	OutcomePanic       = "panic"
)

type turn struct {
	id         string
	started    time.Time
	samples    []int16
	transcript string
	response   string
	outcome    string
	stages     map[string]time.Duration
}

// runTurn takes one utterance from transcription to playback. Every exit
// returns the session to Listening unless audio is playing.
func (o *Orchestrator) runTurn(ctx context.Context, pcm []byte, bypassEcho bool) {
	t := &turn{
		id:      uuid.NewString(),
		started: o.now(),
		samples: audio.BytesToSamples(pcm),
		outcome: OutcomeCompleted,
		stages:  make(map[string]time.Duration),
	}
	ctx = logging.WithFields(context.WithValue(ctx, turnIDKey{}, t.id), "turn_id", t.id)
	o.deps.Metrics.StartTrace(t.id, map[string]string{"session_id": o.sess.ID})

	defer func() {
		if r := recover(); r != nil {
			t.outcome = OutcomePanic
			o.emitError("pipeline", fmt.Errorf("turn panicked: %v", r))
		}
		o.finishTurn(t)
	}()

	report := audio.Analyze(t.samples, o.cfg.SampleRate)
	if !o.quality.ShouldProcessLowQualityAudio(report) {
		t.outcome = OutcomeSilence
		return
	}
	normalized := o.quality.Normalize(t.samples, report)

	text, err := o.transcribe(ctx, t, normalized)
	if err != nil {
		t.outcome = OutcomeSTTError
		o.emitError("stt", err)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		t.outcome = OutcomeEmpty
		logging.DebugwCtx(ctx, "pipeline: empty transcript dropped")
		return
	}
	if !bypassEcho && o.sess.Echo.Content.IsEcho(text) {
		t.outcome = OutcomeEcho
		o.deps.Metrics.RecordEchoDrop()
		logging.DebugwCtx(ctx, "pipeline: transcript matches recent assistant speech, dropped as echo", "text", text)
		return
	}
	t.transcript = text
	if o.wake != nil {
		matched, stripped := o.wake.Detect(text)
		if !matched {
			t.outcome = OutcomeNoWake
			logging.DebugwCtx(ctx, "pipeline: no wake phrase, ignoring", "text", text)
			return
		}
		if stripped != "" {
			text = stripped
		}
	}

	o.emit(Transcription{Text: t.transcript, Timestamp: o.now()})
	turns := o.sess.CompleteTurn()
	logging.InfowCtx(ctx, "pipeline: transcript", "turn", turns, "chars", len(text))

	o.setState(Generating)
	reply, err := o.generate(ctx, t, text)
	if err != nil {
		t.outcome = OutcomeLLMError
		o.emitError("llm", err)
		o.apologize(ctx, t)
		return
	}
	t.response = reply
	o.appendHistory(text, reply)

	o.setState(Synthesizing)
	o.mu.Lock()
	gen := o.generation
	o.mu.Unlock()
	o.sess.Echo.Speak(reply, o.cfg.Speed)
	o.emit(TextOutput{Text: reply, Timestamp: o.now()})

	clip, err := o.synthesize(ctx, t, reply)
	if err != nil {
		t.outcome = OutcomeTTSError
		// nothing will play, so don't keep the user muted
		o.sess.Echo.Timing.Release()
		o.emitError("tts", err)
		return
	}

	o.mu.Lock()
	interrupted := o.generation != gen
	o.mu.Unlock()
	if interrupted {
		t.outcome = OutcomeInterrupted
		logging.InfowCtx(ctx, "pipeline: reply interrupted before playback")
		return
	}
	o.play(ctx, clip)
}

func (o *Orchestrator) finishTurn(t *turn) {
	o.mu.Lock()
	o.inFlight = false
	if o.state != Playing {
		o.state = Listening
	}
	o.mu.Unlock()

	o.deps.Metrics.CompleteTrace(t.id, t.outcome)
	logging.DebugwCtx(o.ctx, "pipeline: turn finished", "turn_id", t.id, "outcome", t.outcome,
		"total_ms", o.now().Sub(t.started).Milliseconds())

	if o.deps.Archiver != nil && t.transcript != "" {
		o.deps.Archiver.Archive(TurnRecord{
			SessionID:  o.sess.ID,
			TurnID:     t.id,
			Labels:     o.sess.Labels,
			Started:    t.started,
			Samples:    t.samples,
			SampleRate: o.cfg.SampleRate,
			Transcript: t.transcript,
			Response:   t.response,
			Outcome:    t.outcome,
			Stages:     t.stages,
		})
	}

	// speech that arrived during this turn is the start of the next one
	o.mu.Lock()
	stopped := o.ended || o.ctx.Err() != nil
	o.mu.Unlock()
	if !stopped {
		o.bufMu.Lock()
		o.consider()
		o.bufMu.Unlock()
	}
}

// stage runs fn with a timeout and records its duration.
func (o *Orchestrator) stage(ctx context.Context, t *turn, component, operation string, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	d := time.Since(start)
	t.stages[component+"."+operation] = d
	o.deps.Metrics.AddEvent(t.id, component, operation, d)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s timed out after %s: %w", component, operation, timeout, err)
	}
	return err
}

func (o *Orchestrator) transcribe(ctx context.Context, t *turn, samples []int16) (string, error) {
	var text string
	err := o.stage(ctx, t, "stt", "transcribe", o.cfg.STTTimeout, func(ctx context.Context) error {
		var err error
		text, err = o.deps.Transcriber.Transcribe(ctx, samples, o.cfg.SampleRate)
		return err
	})
	return text, err
}

func (o *Orchestrator) generate(ctx context.Context, t *turn, text string) (string, error) {
	extra := o.fetchContext(ctx, t, text)
	prompt := Prompt{
		SessionID:    o.sess.ID,
		SystemPrompt: o.cfg.SystemPrompt,
		Context:      extra,
		History:      o.historySnapshot(),
		Text:         text,
	}
	var reply string
	err := o.stage(ctx, t, "llm", "generate", o.cfg.LLMTimeout, func(ctx context.Context) error {
		var err error
		reply, err = o.deps.Generator.Generate(ctx, prompt)
		return err
	})
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

// fetchContext is optional; failures only cost the model some context.
func (o *Orchestrator) fetchContext(ctx context.Context, t *turn, text string) string {
	if o.deps.Context == nil {
		return ""
	}
	var extra string
	err := o.stage(ctx, t, "context", "fetch", o.cfg.ContextTimeout, func(ctx context.Context) error {
		var err error
		extra, err = o.deps.Context.Context(ctx, o.sess.ID, text)
		return err
	})
	if err != nil {
		logging.DebugwCtx(ctx, "pipeline: context unavailable", "err", err)
		return ""
	}
	return strings.TrimSpace(extra)
}

func (o *Orchestrator) synthesize(ctx context.Context, t *turn, text string) (audio.Clip, error) {
	var clip audio.Clip
	err := o.stage(ctx, t, "tts", "synthesize", o.cfg.TTSTimeout, func(ctx context.Context) error {
		var err error
		clip, err = o.deps.Synthesizer.Synthesize(ctx, text, o.cfg.Voice, o.cfg.Speed)
		return err
	})
	if err != nil {
		return audio.Clip{}, err
	}
	if len(clip.Samples) == 0 {
		return audio.Clip{}, ErrEmptyAudio
	}
	return clip, nil
}

// apologize tells the user the turn failed. The phrase is spoken when the
// synthesizer can still produce it, usually from its cache.
func (o *Orchestrator) apologize(ctx context.Context, t *turn) {
	text := o.cfg.ApologyText
	if text == "" || ctx.Err() != nil {
		return
	}
	o.emit(TextOutput{Text: text, Timestamp: o.now()})

	o.mu.Lock()
	gen := o.generation
	o.mu.Unlock()
	o.sess.Echo.Speak(text, o.cfg.Speed)
	clip, err := o.synthesize(ctx, t, text)
	if err != nil {
		o.sess.Echo.Timing.Release()
		logging.DebugwCtx(ctx, "pipeline: apology not spoken", "err", err)
		return
	}
	o.mu.Lock()
	interrupted := o.generation != gen
	o.mu.Unlock()
	if !interrupted {
		o.play(ctx, clip)
	}
}

// play marks the session as playing, hands the clip downstream and starts
// the player in the background. The orchestrator does not wait for it; the
// echo gate keeps the microphone quiet meanwhile.
func (o *Orchestrator) play(ctx context.Context, clip audio.Clip) {
	o.mu.Lock()
	ending := o.ending || o.ended
	if !ending {
		o.state = Playing
	}
	o.mu.Unlock()
	o.emit(AudioOutput{Clip: clip, Format: "pcm16", Timestamp: o.now()})
	if ending || o.deps.Player == nil {
		return
	}

	playCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if o.playCancel != nil {
		o.playCancel()
	}
	o.playCancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		start := time.Now()
		err := o.deps.Player.Play(playCtx, clip)
		o.deps.Metrics.Observe("player", "play", time.Since(start))
		if err != nil && !errors.Is(err, context.Canceled) {
			o.emitError("playback", err)
		}
	}()
}
