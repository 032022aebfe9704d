// Package pipeline runs the turn-taking loop of one voice session: audio in,
// turn detection, transcription, reply generation, synthesis, playback.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/logging"
	"github.com/discord-voice-lab/voiceloop/internal/metrics"
	"github.com/discord-voice-lab/voiceloop/internal/session"
	"github.com/discord-voice-lab/voiceloop/internal/vad"
)

// State is the orchestrator's position in the turn cycle.
type State int

const (
	Listening State = iota
	Transcribing
	Generating
	Synthesizing
	Playing
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Transcribing:
		return "transcribing"
	case Generating:
		return "generating"
	case Synthesizing:
		return "synthesizing"
	case Playing:
		return "playing"
	}
	return "unknown"
}

var ErrEnded = errors.New("session ended")

type Config struct {
	SampleRate      int
	SpeechDB        float64
	MaxAudioLength  time.Duration
	WarningInterval time.Duration
	Quality         audio.QualityConfig

	STTTimeout     time.Duration
	LLMTimeout     time.Duration
	TTSTimeout     time.Duration
	ContextTimeout time.Duration

	SystemPrompt string
	Voice        string
	Speed        float64
	ApologyText  string
	HistoryTurns int

	WakePhrases []string
	WakeWindowS int
}

func DefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		SpeechDB:        -45,
		MaxAudioLength:  30 * time.Second,
		WarningInterval: 10 * time.Second,
		Quality:         audio.DefaultQualityConfig(),
		STTTimeout:      10 * time.Second,
		LLMTimeout:      30 * time.Second,
		TTSTimeout:      15 * time.Second,
		ContextTimeout:  3 * time.Second,
		Speed:           1,
		HistoryTurns:    6,
	}
}

// Deps are the shared services a session talks to. Transcriber, Generator
// and Synthesizer are required.
type Deps struct {
	Transcriber Transcriber
	Generator   Generator
	Synthesizer Synthesizer
	Context     ContextProvider
	Player      Player
	Archiver    Archiver
	Metrics     *metrics.Recorder
	// FallbackClassifier replaces the session's turn classifier once its
	// inference time says it is too slow.
	FallbackClassifier vad.TurnClassifier
}

// Orchestrator serializes the turns of a single session. HandleChunk must
// be called from one goroutine in arrival order; turns run on a worker so
// the caller never waits on the language model.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	sess    *session.State
	sink    Sink
	quality *audio.QualityGate
	wake    *WakeFilter
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// bufMu orders buffer appends against turn-end evaluation, which also
	// runs from the turn worker.
	bufMu sync.Mutex

	mu          sync.Mutex
	state       State
	inFlight    bool
	turnDone    chan struct{}
	voiced      bool
	bypassEcho  bool
	generation  uint64
	playCancel  context.CancelFunc
	lastWarning time.Time
	history     []Message
	fellBack    bool
	ending      bool
	ended       bool
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds the orchestrator for sess. Cancelling parent tears down every
// in-flight call of this session and nothing else.
func New(parent context.Context, cfg Config, deps Deps, sess *session.State, sink Sink, opts ...Option) *Orchestrator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}
	ctx, cancel := context.WithCancel(logging.WithFields(parent, logging.SessionFields(sess.ID)...))
	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		sess:    sess,
		sink:    sink,
		quality: audio.NewQualityGate(cfg.Quality),
		wake:    NewWakeFilter(cfg.WakePhrases, cfg.WakeWindowS),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Session() *session.State { return o.sess }

// State reports the current turn state. Playback counts as finished once
// the echo gate has reopened.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == Playing && !o.sess.Echo.Timing.Active(o.now()) {
		o.state = Listening
	}
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		logging.DebugwCtx(o.ctx, "pipeline: state", "from", prev.String(), "to", s.String())
	}
}

func (o *Orchestrator) emit(e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.WarnwCtx(o.ctx, "pipeline: sink panicked", "kind", string(e.Kind()), "panic", r)
		}
	}()
	o.sink.Emit(e)
}

func (o *Orchestrator) emitError(stage string, err error) {
	logging.WarnwCtx(o.ctx, "pipeline: stage failed", "stage", stage, "err", err)
	o.emit(ErrorEvent{Stage: stage, Message: err.Error(), Timestamp: o.now()})
}

// Ping answers a liveness probe.
func (o *Orchestrator) Ping() {
	o.sess.Touch()
	o.emit(Pong{Timestamp: o.now()})
}

// HandleChunk feeds one chunk of canonical mono PCM16 audio.
func (o *Orchestrator) HandleChunk(c audio.Chunk) error {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return ErrEnded
	}
	o.mu.Unlock()
	o.sess.Touch()

	pcm := audio.EvenLength(c.PCM)
	if c.SampleRate > 0 && c.SampleRate != o.cfg.SampleRate {
		pcm = audio.SamplesToBytes(audio.Resample(audio.BytesToSamples(pcm), c.SampleRate, o.cfg.SampleRate))
	}
	if len(pcm) == 0 {
		return nil
	}
	samples := audio.BytesToSamples(pcm)
	report := audio.Analyze(samples, o.cfg.SampleRate)
	now := o.now()

	// While the assistant talks, input only counts toward an interruption.
	timing := o.sess.Echo.Timing
	if timing.Active(now) {
		if o.sess.Echo.Interrupt.Feed(report.RMS, true) {
			o.interrupt()
		}
		return nil
	}
	o.sess.Echo.Interrupt.Feed(report.RMS, false)
	timing.ShouldAcceptAudio(now)

	o.bufMu.Lock()
	defer o.bufMu.Unlock()

	o.mu.Lock()
	if o.state == Playing {
		o.state = Listening
	}
	voiced := o.voiced
	o.mu.Unlock()

	if !o.quality.ShouldProcessLowQualityAudio(report) {
		if !voiced {
			return nil
		}
		// trailing silence of an utterance still counts toward its end
	} else {
		o.maybeWarn(report, now)
		if report.RMSDB >= o.cfg.SpeechDB {
			o.mu.Lock()
			o.voiced = true
			o.mu.Unlock()
		}
	}

	o.sess.Append(pcm)
	o.sess.VAD.AddChunk(pcm)
	o.consider()
	return nil
}

// consider checks the buffered audio for a turn end. While a turn is in
// flight audio keeps accumulating; the turn reconsiders it when it finishes.
// Callers hold bufMu.
func (o *Orchestrator) consider() {
	o.mu.Lock()
	busy := o.inFlight
	o.mu.Unlock()
	if busy {
		return
	}
	if o.cfg.MaxAudioLength > 0 && o.sess.Buffered() >= o.cfg.MaxAudioLength {
		logging.InfowCtx(o.ctx, "pipeline: max utterance length reached, forcing turn end",
			"buffered_ms", o.sess.Buffered().Milliseconds())
		o.evaluate(true)
		return
	}
	if o.sess.VAD.Ready() {
		o.evaluate(false)
	}
}

func (o *Orchestrator) maybeWarn(r audio.LevelReport, now time.Time) {
	w := o.quality.Check(r)
	if w == nil {
		return
	}
	o.mu.Lock()
	if !o.lastWarning.IsZero() && now.Sub(o.lastWarning) < o.cfg.WarningInterval {
		o.mu.Unlock()
		return
	}
	o.lastWarning = now
	o.mu.Unlock()
	o.emit(QualityWarning{Warning: *w, Timestamp: now})
}

// evaluate asks the VAD whether the turn is over and starts it if so. A
// forced evaluation ends the turn regardless of the model's verdict. Nothing
// is taken from the buffer while another turn runs. Callers hold bufMu.
func (o *Orchestrator) evaluate(force bool) {
	o.mu.Lock()
	busy := o.inFlight
	o.mu.Unlock()
	if busy {
		return
	}
	dec := o.sess.VAD.Evaluate(o.ctx, force)
	if st := dec.Metadata.Status; st == vad.StatusEvaluated || st == vad.StatusError {
		o.emit(VADStatus{Decision: dec, Timestamp: o.now()})
	}
	o.recordVAD(dec)
	o.checkFallback()

	if !dec.IsTurnEnd && !force {
		return
	}
	o.mu.Lock()
	voiced := o.voiced
	o.voiced = false
	o.mu.Unlock()
	pcm := o.sess.Take()
	o.sess.VAD.Reset()
	if !voiced || len(pcm) == 0 {
		return
	}
	o.startTurn(pcm)
}

func (o *Orchestrator) recordVAD(dec vad.Decision) {
	m := o.deps.Metrics
	if m == nil {
		return
	}
	if dec.Metadata.Status == vad.StatusEvaluated || dec.Metadata.Status == vad.StatusError {
		m.Observe("vad", "evaluate", dec.Metadata.Inference)
	}
	switch {
	case dec.Metadata.Status == vad.StatusError:
		m.RecordVAD("error")
	case dec.IsTurnEnd:
		m.RecordVAD("turn_end")
	case dec.Metadata.Status == vad.StatusEvaluated:
		m.RecordVAD("continue")
	}
}

func (o *Orchestrator) checkFallback() {
	if o.deps.FallbackClassifier == nil {
		return
	}
	stats := o.sess.VAD.Stats()
	if !stats.ConsiderFallback {
		return
	}
	o.mu.Lock()
	if o.fellBack {
		o.mu.Unlock()
		return
	}
	o.fellBack = true
	o.mu.Unlock()
	logging.WarnwCtx(o.ctx, "pipeline: turn classifier too slow, switching to fallback",
		"classifier", stats.Classifier, "avg_inference_ms", stats.AvgInference.Milliseconds(),
		"fallback", o.deps.FallbackClassifier.Name())
	o.sess.VAD.SetClassifier(o.deps.FallbackClassifier)
}

// startTurn hands an utterance to the turn worker unless one is running.
func (o *Orchestrator) startTurn(pcm []byte) {
	o.mu.Lock()
	if o.inFlight || o.ended {
		o.mu.Unlock()
		return
	}
	o.inFlight = true
	o.state = Transcribing
	done := make(chan struct{})
	o.turnDone = done
	bypass := o.bypassEcho
	o.bypassEcho = false
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(done)
		o.runTurn(o.ctx, pcm, bypass)
	}()
}

// interrupt stops playback because the user started talking over it.
func (o *Orchestrator) interrupt() {
	o.mu.Lock()
	cancel := o.playCancel
	o.playCancel = nil
	o.generation++
	o.bypassEcho = true
	o.voiced = false
	if o.state == Playing {
		o.state = Listening
	}
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.sess.Echo.Timing.Release()
	o.bufMu.Lock()
	o.sess.Clear()
	o.sess.VAD.Reset()
	o.bufMu.Unlock()
	o.deps.Metrics.RecordInterrupt()
	logging.InfowCtx(o.ctx, "pipeline: playback interrupted by user")
	o.emit(Interrupted{Timestamp: o.now()})
}

// Interrupt lets a transport signal an interruption it detected itself.
func (o *Orchestrator) Interrupt() { o.interrupt() }

// End flushes the session: it waits for running turns, forces a final
// turn-end evaluation so a trailing utterance is not lost, then cancels
// everything the session still has in flight.
func (o *Orchestrator) End(ctx context.Context) error {
	o.mu.Lock()
	if o.ending || o.ended {
		o.mu.Unlock()
		return nil
	}
	o.ending = true
	o.mu.Unlock()

	for o.waitTurns(ctx) {
		o.bufMu.Lock()
		o.mu.Lock()
		busy := o.inFlight
		o.mu.Unlock()
		if !busy {
			o.evaluate(true)
		}
		o.bufMu.Unlock()
		if !busy {
			o.waitTurns(ctx)
			break
		}
	}

	o.mu.Lock()
	o.ended = true
	cancel := o.playCancel
	o.playCancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.cancel()
	o.wg.Wait()
	logging.InfowCtx(o.ctx, "pipeline: session ended")
	return ctx.Err()
}

// waitTurns blocks until no turn is in flight, including turns started from
// audio buffered during an earlier one. It reports false if ctx ended first.
func (o *Orchestrator) waitTurns(ctx context.Context) bool {
	for {
		o.mu.Lock()
		busy, done := o.inFlight, o.turnDone
		o.mu.Unlock()
		if !busy || done == nil {
			return ctx.Err() == nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return false
		}
	}
}

// Abort ends the session without flushing buffered audio, for transports
// that lost their peer.
func (o *Orchestrator) Abort() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = o.End(ctx)
}

// Wait blocks until all session goroutines have exited.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) appendHistory(user, assistant string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, Message{Role: RoleUser, Content: user}, Message{Role: RoleAssistant, Content: assistant})
	if max := o.cfg.HistoryTurns * 2; max > 0 && len(o.history) > max {
		o.history = append([]Message(nil), o.history[len(o.history)-max:]...)
	}
	if o.cfg.HistoryTurns <= 0 {
		o.history = nil
	}
}

func (o *Orchestrator) historySnapshot() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.history...)
}
