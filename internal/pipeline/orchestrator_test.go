package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/audio/audiotest"
	"github.com/discord-voice-lab/voiceloop/internal/echo"
	"github.com/discord-voice-lab/voiceloop/internal/pipeline"
	"github.com/discord-voice-lab/voiceloop/internal/session"
	"github.com/discord-voice-lab/voiceloop/internal/vad"
)

const rate = 16000

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSTT struct {
	mu      sync.Mutex
	text    string
	err     error
	block   chan struct{}
	calls   int
	samples int
	total   int

	active    int32
	maxActive int32
}

func (f *fakeSTT) Transcribe(ctx context.Context, samples []int16, _ int) (string, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		m := atomic.LoadInt32(&f.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxActive, m, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls++
	f.samples = len(samples)
	f.total += len(samples)
	block, text, err := f.block, f.text, f.err
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return text, err
}

func (f *fakeSTT) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSTT) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeSTT) set(text string, err error) {
	f.mu.Lock()
	f.text, f.err = text, err
	f.mu.Unlock()
}

type fakeLLM struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []pipeline.Prompt
}

func (f *fakeLLM) Generate(_ context.Context, p pipeline.Prompt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, p)
	return f.reply, f.err
}

func (f *fakeLLM) Prompts() []pipeline.Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Prompt(nil), f.prompts...)
}

type fakeTTS struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeTTS) Synthesize(_ context.Context, text, _ string, _ float64) (audio.Clip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return audio.Clip{}, f.err
	}
	return audio.Clip{Samples: make([]int16, 2400), SampleRate: 24000, Channels: 1}, nil
}

func (f *fakeTTS) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePlayer struct {
	started   chan struct{}
	cancelled chan struct{}
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{started: make(chan struct{}, 4), cancelled: make(chan struct{}, 4)}
}

func (p *fakePlayer) Play(ctx context.Context, _ audio.Clip) error {
	p.started <- struct{}{}
	<-ctx.Done()
	p.cancelled <- struct{}{}
	return ctx.Err()
}

type fakeContext struct {
	text string
	err  error
}

func (f fakeContext) Context(context.Context, string, string) (string, error) { return f.text, f.err }

type recorder struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (r *recorder) Emit(e pipeline.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Events() []pipeline.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Event(nil), r.events...)
}

func (r *recorder) Count(k pipeline.Kind) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind() == k {
			n++
		}
	}
	return n
}

func (r *recorder) Kinds() []pipeline.Kind {
	var out []pipeline.Kind
	for _, e := range r.Events() {
		out = append(out, e.Kind())
	}
	return out
}

type harness struct {
	t    *testing.T
	clk  *clock
	stt  *fakeSTT
	llm  *fakeLLM
	tts  *fakeTTS
	sink *recorder
	mgr  *session.Manager
	sess *session.State
	orch *pipeline.Orchestrator
	seed int64
	cfg  pipeline.Config
	deps pipeline.Deps
}

func newHarness(t *testing.T, mutate func(*pipeline.Config, *pipeline.Deps), classifier ...vad.TurnClassifier) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		clk:  &clock{t: time.Unix(1700000000, 0)},
		stt:  &fakeSTT{text: "what time is it"},
		llm:  &fakeLLM{reply: "It is three o'clock."},
		tts:  &fakeTTS{},
		sink: &recorder{},
	}
	var c vad.TurnClassifier = vad.NewEnergyClassifier(-45)
	if len(classifier) > 0 {
		c = classifier[0]
	}
	h.mgr = session.NewManager(session.Config{
		SampleRate: rate,
		VAD:        vad.DefaultConfig(),
		Echo:       echo.DefaultConfig(),
	}, func() vad.TurnClassifier { return c }, session.WithClock(h.clk.Now))
	h.sess = h.mgr.Create(nil)

	h.cfg = pipeline.DefaultConfig()
	h.cfg.ApologyText = "Sorry, something went wrong."
	h.deps = pipeline.Deps{Transcriber: h.stt, Generator: h.llm, Synthesizer: h.tts}
	if mutate != nil {
		mutate(&h.cfg, &h.deps)
	}
	h.orch = pipeline.New(context.Background(), h.cfg, h.deps, h.sess, h.sink, pipeline.WithClock(h.clk.Now))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.orch.End(ctx)
	})
	return h
}

func (h *harness) feed(pcm []byte) {
	h.t.Helper()
	require.NoError(h.t, h.orch.HandleChunk(audio.Chunk{PCM: pcm, SampleRate: rate}))
}

func (h *harness) speak(d time.Duration, db float64) {
	h.t.Helper()
	h.seed++
	h.feed(audiotest.Speech(d, rate, db, h.seed))
}

// utterance feeds 0.6 s of speech in two chunks, enough for a turn end.
func (h *harness) utterance() {
	h.t.Helper()
	h.speak(300*time.Millisecond, -20)
	h.speak(300*time.Millisecond, -20)
}

func (h *harness) waitFor(k pipeline.Kind, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.sink.Count(k) >= n }, 2*time.Second, 5*time.Millisecond)
}

func TestTurnEndStartsTranscription(t *testing.T) {
	h := newHarness(t, nil)
	block := make(chan struct{})
	h.stt.block = block

	h.speak(300*time.Millisecond, -20)
	assert.Equal(t, pipeline.Listening, h.orch.State())
	assert.Zero(t, h.sink.Count(pipeline.KindVADStatus))

	h.speak(300*time.Millisecond, -20)
	require.Equal(t, 1, h.sink.Count(pipeline.KindVADStatus))
	dec := h.sink.Events()[0].(pipeline.VADStatus).Decision
	assert.True(t, dec.IsTurnEnd)
	assert.GreaterOrEqual(t, dec.Confidence, 0.7)
	assert.Equal(t, pipeline.Transcribing, h.orch.State())

	close(block)
	h.waitFor(pipeline.KindAudioOutput, 1)
	assert.Equal(t, []pipeline.Kind{
		pipeline.KindVADStatus,
		pipeline.KindTranscription,
		pipeline.KindTextOutput,
		pipeline.KindAudioOutput,
	}, h.sink.Kinds())
	assert.Equal(t, 9600, h.stt.samples)
	assert.Equal(t, pipeline.Playing, h.orch.State())
	assert.Equal(t, int64(1), h.sess.Info().TurnCount)

	// the gate reopens after the estimated speech plus buffer
	h.clk.Advance(10 * time.Second)
	assert.Equal(t, pipeline.Listening, h.orch.State())
}

func TestSilenceNeverTranscribes(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 20; i++ {
		h.feed(audiotest.Silence(100*time.Millisecond, rate))
	}
	require.NoError(t, h.orch.End(context.Background()))

	assert.Zero(t, h.stt.Calls())
	assert.Zero(t, h.sink.Count(pipeline.KindTranscription))
	assert.Zero(t, h.sink.Count(pipeline.KindVADStatus))
	assert.Equal(t, pipeline.Listening, h.orch.State())
	assert.Zero(t, h.sess.BufferLen())
}

func TestEchoTranscriptDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.sess.Echo.Content.Record("The weather is sunny today")
	h.stt.set("weather is sunny", nil)

	h.utterance()
	h.orch.Wait()

	assert.Equal(t, 1, h.stt.Calls())
	assert.Zero(t, h.sink.Count(pipeline.KindTranscription))
	assert.Empty(t, h.llm.Prompts())
	assert.Equal(t, pipeline.Listening, h.orch.State())
}

func TestEmptyTranscriptIsNotAnError(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.set("   ", nil)
	h.utterance()
	h.orch.Wait()

	assert.Zero(t, h.sink.Count(pipeline.KindTranscription))
	assert.Zero(t, h.sink.Count(pipeline.KindError))
	assert.Equal(t, pipeline.Listening, h.orch.State())
}

func TestGeneratorFailureEmitsOneError(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.err = errors.New("model offline")

	h.utterance()
	h.orch.Wait()

	assert.Equal(t, 1, h.sink.Count(pipeline.KindError))
	// the apology is spoken
	assert.Equal(t, 1, h.sink.Count(pipeline.KindAudioOutput))
	assert.Equal(t, 1, h.tts.Calls())
	assert.Equal(t, pipeline.Playing, h.orch.State())

	var sawApology bool
	for _, e := range h.sink.Events() {
		switch ev := e.(type) {
		case pipeline.ErrorEvent:
			assert.Equal(t, "llm", ev.Stage)
			assert.Contains(t, ev.Message, "model offline")
		case pipeline.TextOutput:
			sawApology = ev.Text == "Sorry, something went wrong."
		}
	}
	assert.True(t, sawApology)
	assert.True(t, h.sess.Echo.Timing.Active(h.clk.Now()))
	assert.True(t, h.sess.Echo.Content.IsEcho("sorry something went wrong"))

	h.clk.Advance(10 * time.Second)
	assert.Equal(t, pipeline.Listening, h.orch.State())
}

func TestApologyStaysTextWhenSynthesisFails(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.err = errors.New("model offline")
	h.tts.err = errors.New("tts down")

	h.utterance()
	h.orch.Wait()

	assert.Equal(t, 1, h.sink.Count(pipeline.KindError))
	assert.Equal(t, 1, h.sink.Count(pipeline.KindTextOutput))
	assert.Zero(t, h.sink.Count(pipeline.KindAudioOutput))
	assert.False(t, h.sess.Echo.Timing.Active(h.clk.Now()))
	assert.Equal(t, pipeline.Listening, h.orch.State())
}

func TestEmptyReplyIsAnError(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.reply = "  "
	h.utterance()
	h.orch.Wait()
	require.Equal(t, 1, h.sink.Count(pipeline.KindError))
	// only the apology reaches the synthesizer
	assert.Equal(t, 1, h.tts.Calls())
}

func TestTranscriberTimeout(t *testing.T) {
	h := newHarness(t, func(c *pipeline.Config, _ *pipeline.Deps) { c.STTTimeout = 30 * time.Millisecond })
	h.stt.block = make(chan struct{})

	h.utterance()
	h.orch.Wait()

	require.Equal(t, 1, h.sink.Count(pipeline.KindError))
	for _, e := range h.sink.Events() {
		if ev, ok := e.(pipeline.ErrorEvent); ok {
			assert.Equal(t, "stt", ev.Stage)
			assert.Contains(t, ev.Message, "timed out")
		}
	}
	assert.Equal(t, pipeline.Listening, h.orch.State())
	assert.Empty(t, h.llm.Prompts())
}

func TestSynthesisFailureReleasesGate(t *testing.T) {
	h := newHarness(t, nil)
	h.tts.err = errors.New("tts down")

	h.utterance()
	h.orch.Wait()

	assert.Equal(t, 1, h.sink.Count(pipeline.KindError))
	assert.Zero(t, h.sink.Count(pipeline.KindAudioOutput))
	assert.False(t, h.sess.Echo.Timing.Active(h.clk.Now()))
	assert.Equal(t, pipeline.Listening, h.orch.State())
	// the reply text was still recorded as assistant speech
	assert.True(t, h.sess.Echo.Content.IsEcho("it is three o'clock"))
}

func TestOneTurnInFlightPerSession(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.stt.block = release

	h.utterance()
	require.Equal(t, pipeline.Transcribing, h.orch.State())
	for i := 0; i < 5; i++ {
		h.utterance()
	}
	assert.Equal(t, 1, h.stt.Calls())
	assert.Equal(t, 1, h.sink.Count(pipeline.KindVADStatus))
	assert.Equal(t, 3*time.Second, h.sess.Buffered())

	// the speech buffered meanwhile becomes the next turn
	h.stt.set("and tomorrow", nil)
	release <- struct{}{}
	require.Eventually(t, func() bool { return h.stt.Calls() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, pipeline.Transcribing, h.orch.State())
	assert.Zero(t, h.sess.BufferLen())

	release <- struct{}{}
	h.waitFor(pipeline.KindAudioOutput, 2)
	assert.Equal(t, 3*rate, h.stt.samples)
	assert.Equal(t, 2, h.sink.Count(pipeline.KindTranscription))
	h.orch.Wait()

	// speech during playback is gated, not transcribed
	h.utterance()
	assert.Equal(t, 2, h.stt.Calls())

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.stt.maxActive))
	assert.Equal(t, int64(2), h.sess.Info().TurnCount)
}

func TestContinuousSpeechIsNotLost(t *testing.T) {
	h := newHarness(t, nil)
	block := make(chan struct{})
	h.stt.block = block

	for i := 0; i < 30; i++ {
		h.speak(100*time.Millisecond, -20)
	}
	require.Equal(t, pipeline.Transcribing, h.orch.State())
	assert.Equal(t, 1, h.stt.Calls())

	close(block)
	h.waitFor(pipeline.KindAudioOutput, 2)
	h.orch.Wait()
	assert.Equal(t, 2, h.stt.Calls())
	assert.Equal(t, 30*rate/10, h.stt.Total(), "every spoken sample reaches a turn")
}

func TestEndWaitsForCarriedTurn(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.stt.block = release

	h.utterance()
	h.speak(300*time.Millisecond, -20)

	go func() {
		release <- struct{}{}
		release <- struct{}{}
	}()
	require.NoError(t, h.orch.End(context.Background()))
	assert.Equal(t, 2, h.stt.Calls())
	assert.Equal(t, 4800, h.stt.samples)
	assert.Equal(t, 2, h.sink.Count(pipeline.KindTranscription))
}

func TestSilentStreamKeepsSessionAlive(t *testing.T) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	mgr := session.NewManager(session.Config{
		SampleRate:  rate,
		IdleTimeout: 5 * time.Minute,
		VAD:         vad.DefaultConfig(),
		Echo:        echo.DefaultConfig(),
	}, func() vad.TurnClassifier { return vad.NewEnergyClassifier(-45) }, session.WithClock(clk.Now))
	sess := mgr.Create(nil)
	orch := pipeline.New(context.Background(), pipeline.DefaultConfig(), pipeline.Deps{
		Transcriber: &fakeSTT{},
		Generator:   &fakeLLM{},
		Synthesizer: &fakeTTS{},
	}, sess, &recorder{}, pipeline.WithClock(clk.Now))
	defer func() { _ = orch.End(context.Background()) }()

	for i := 0; i < 60; i++ {
		clk.Advance(6 * time.Second)
		require.NoError(t, orch.HandleChunk(audio.Chunk{PCM: audiotest.Silence(100*time.Millisecond, rate), SampleRate: rate}))
	}
	assert.Equal(t, clk.Now(), sess.LastActivity())
	assert.Empty(t, mgr.ReapIdle())
	assert.Equal(t, 1, mgr.Count())
}

func TestInterruptStopsPlayback(t *testing.T) {
	player := newFakePlayer()
	h := newHarness(t, func(_ *pipeline.Config, d *pipeline.Deps) { d.Player = player })

	h.utterance()
	h.waitFor(pipeline.KindAudioOutput, 1)
	<-player.started
	require.Equal(t, pipeline.Playing, h.orch.State())
	require.True(t, h.sess.Echo.Timing.Active(h.clk.Now()))

	h.speak(100*time.Millisecond, -10)
	h.speak(100*time.Millisecond, -10)
	assert.Zero(t, h.sink.Count(pipeline.KindInterrupt))
	assert.Equal(t, 2, h.sess.Echo.Interrupt.Consecutive())

	h.speak(100*time.Millisecond, -10)
	assert.Equal(t, 1, h.sink.Count(pipeline.KindInterrupt))
	assert.Equal(t, 0, h.sess.Echo.Interrupt.Consecutive())
	assert.Equal(t, pipeline.Listening, h.orch.State())
	assert.False(t, h.sess.Echo.Timing.Active(h.clk.Now()))
	select {
	case <-player.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("playback was not cancelled")
	}

	// the next transcript is fresh input even if it repeats the reply
	h.stt.set("it is three o'clock", nil)
	h.utterance()
	h.waitFor(pipeline.KindTranscription, 2)
}

func TestQuietNoiseDuringPlaybackDoesNotInterrupt(t *testing.T) {
	h := newHarness(t, nil)
	h.utterance()
	h.waitFor(pipeline.KindAudioOutput, 1)
	h.orch.Wait()

	for i := 0; i < 10; i++ {
		h.speak(100*time.Millisecond, -40)
	}
	assert.Zero(t, h.sink.Count(pipeline.KindInterrupt))
	assert.Equal(t, pipeline.Playing, h.orch.State())
}

func TestEndFlushesTrailingUtterance(t *testing.T) {
	h := newHarness(t, nil)
	h.speak(300*time.Millisecond, -20)
	assert.Zero(t, h.stt.Calls())

	require.NoError(t, h.orch.End(context.Background()))
	assert.Equal(t, 1, h.stt.Calls())
	assert.Equal(t, 4800, h.stt.samples)
	assert.Equal(t, 1, h.sink.Count(pipeline.KindTranscription))
	assert.Equal(t, 1, h.sink.Count(pipeline.KindAudioOutput))

	assert.ErrorIs(t, h.orch.HandleChunk(audio.Chunk{PCM: []byte{0, 0}, SampleRate: rate}), pipeline.ErrEnded)
	require.NoError(t, h.orch.End(context.Background()))
	assert.Equal(t, 1, h.stt.Calls())
}

func TestEndCancelsInFlightTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.block = make(chan struct{})
	h.utterance()
	require.Equal(t, pipeline.Transcribing, h.orch.State())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.orch.End(ctx), context.DeadlineExceeded)
	assert.Zero(t, h.sink.Count(pipeline.KindTranscription))
}

func TestMaxUtteranceLengthForcesTurn(t *testing.T) {
	never := &constClassifier{pred: vad.Prediction{TurnEnd: false, Probability: 0.1}}
	h := newHarness(t, func(c *pipeline.Config, _ *pipeline.Deps) { c.MaxAudioLength = time.Second }, never)

	for i := 0; i < 3; i++ {
		h.speak(250*time.Millisecond, -20)
	}
	assert.Zero(t, h.stt.Calls())
	h.speak(250*time.Millisecond, -20)
	h.orch.Wait()
	assert.Equal(t, 1, h.stt.Calls())
	assert.Equal(t, rate, h.stt.samples)
}

type constClassifier struct{ pred vad.Prediction }

func (c *constClassifier) Name() string { return "const" }

func (c *constClassifier) Classify(context.Context, []int16, int) (vad.Prediction, error) {
	return c.pred, nil
}

func TestQualityWarningsAreRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.speak(100*time.Millisecond, -55)
	}
	assert.Equal(t, 1, h.sink.Count(pipeline.KindQualityWarning))

	h.clk.Advance(11 * time.Second)
	h.speak(100*time.Millisecond, -55)
	assert.Equal(t, 2, h.sink.Count(pipeline.KindQualityWarning))
	assert.Zero(t, h.stt.Calls())
}

func TestPromptCarriesHistoryAndContext(t *testing.T) {
	h := newHarness(t, func(c *pipeline.Config, d *pipeline.Deps) {
		c.HistoryTurns = 1
		c.SystemPrompt = "be brief"
		d.Context = fakeContext{text: " calendar: dentist at 3pm "}
	})
	for i, q := range []string{"first question", "second question", "third question"} {
		h.stt.set(q, nil)
		h.utterance()
		h.waitFor(pipeline.KindAudioOutput, i+1)
		h.orch.Wait()
		h.clk.Advance(time.Minute)
	}
	prompts := h.llm.Prompts()
	require.Len(t, prompts, 3)
	assert.Empty(t, prompts[0].History)
	assert.Equal(t, "be brief", prompts[0].SystemPrompt)
	assert.Equal(t, "calendar: dentist at 3pm", prompts[0].Context)
	assert.Equal(t, "third question", prompts[2].Text)
	assert.Equal(t, []pipeline.Message{
		{Role: pipeline.RoleUser, Content: "second question"},
		{Role: pipeline.RoleAssistant, Content: "It is three o'clock."},
	}, prompts[2].History)
}

func TestContextFailureIsIgnored(t *testing.T) {
	h := newHarness(t, func(_ *pipeline.Config, d *pipeline.Deps) {
		d.Context = fakeContext{err: errors.New("mcp down")}
	})
	h.utterance()
	h.waitFor(pipeline.KindAudioOutput, 1)
	assert.Zero(t, h.sink.Count(pipeline.KindError))
	require.Len(t, h.llm.Prompts(), 1)
	assert.Empty(t, h.llm.Prompts()[0].Context)
}

func TestWakePhraseRequired(t *testing.T) {
	h := newHarness(t, func(c *pipeline.Config, _ *pipeline.Deps) { c.WakePhrases = []string{"hey loop"} })

	h.stt.set("what time is it", nil)
	h.utterance()
	h.orch.Wait()
	assert.Zero(t, h.sink.Count(pipeline.KindTranscription))

	h.stt.set("Hey loop, what time is it?", nil)
	h.utterance()
	h.waitFor(pipeline.KindAudioOutput, 1)
	prompts := h.llm.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, "what time is it?", prompts[0].Text)
}

func TestPingAnswersPong(t *testing.T) {
	h := newHarness(t, nil)
	h.clk.Advance(time.Second)
	h.orch.Ping()
	require.Equal(t, 1, h.sink.Count(pipeline.KindPong))
	assert.Equal(t, h.clk.Now(), h.sess.LastActivity())
}

func TestSlowClassifierFallsBack(t *testing.T) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	slow := &slowClassifier{clk: clk}
	mgr := session.NewManager(session.Config{SampleRate: rate, VAD: vad.DefaultConfig(), Echo: echo.DefaultConfig()},
		func() vad.TurnClassifier { return slow }, session.WithClock(clk.Now))
	sess := mgr.Create(nil)
	sink := &recorder{}
	orch := pipeline.New(context.Background(), pipeline.DefaultConfig(), pipeline.Deps{
		Transcriber:        &fakeSTT{},
		Generator:          &fakeLLM{},
		Synthesizer:        &fakeTTS{},
		FallbackClassifier: vad.NewEnergyClassifier(-45),
	}, sess, sink, pipeline.WithClock(clk.Now))
	defer func() { _ = orch.End(context.Background()) }()

	require.NoError(t, orch.HandleChunk(audio.Chunk{PCM: audiotest.Speech(600*time.Millisecond, rate, -20, 1), SampleRate: rate}))
	assert.Equal(t, "energy", sess.VAD.Stats().Classifier)
}

type slowClassifier struct{ clk *clock }

func (s *slowClassifier) Name() string { return "slow" }

func (s *slowClassifier) Classify(context.Context, []int16, int) (vad.Prediction, error) {
	s.clk.Advance(time.Second)
	return vad.Prediction{}, nil
}
