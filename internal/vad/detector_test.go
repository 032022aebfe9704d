package vad_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/audio/audiotest"
	"github.com/discord-voice-lab/voiceloop/internal/vad"
)

const rate = 16000

type stubClassifier struct {
	pred  vad.Prediction
	err   error
	panic bool
	calls int
	got   int
}

func (s *stubClassifier) Name() string { return "stub" }

func (s *stubClassifier) Classify(_ context.Context, samples []int16, _ int) (vad.Prediction, error) {
	s.calls++
	s.got = len(samples)
	if s.panic {
		panic("model exploded")
	}
	return s.pred, s.err
}

func newDetector(c vad.TurnClassifier, opts ...vad.Option) *vad.Detector {
	return vad.New(vad.DefaultConfig(), c, opts...)
}

func TestContinuousSpeechEndsTurn(t *testing.T) {
	d := newDetector(vad.NewEnergyClassifier(-45))

	assert.False(t, d.AddChunk(audiotest.Speech(300*time.Millisecond, rate, -20, 1)))
	assert.True(t, d.AddChunk(audiotest.Speech(300*time.Millisecond, rate, -20, 2)))

	dec := d.Evaluate(context.Background(), false)
	assert.True(t, dec.IsTurnEnd)
	assert.GreaterOrEqual(t, dec.Confidence, 0.7)
	assert.Equal(t, vad.StatusEvaluated, dec.Metadata.Status)
	assert.Equal(t, "energy", dec.Metadata.Classifier)
	assert.Equal(t, 600*time.Millisecond, dec.Metadata.Buffered)
	assert.Zero(t, d.Buffered())
}

func TestEvaluateNotReadyKeepsBuffer(t *testing.T) {
	stub := &stubClassifier{pred: vad.Prediction{TurnEnd: true, Probability: 1}}
	d := newDetector(stub)
	d.AddChunk(audiotest.Speech(200*time.Millisecond, rate, -20, 1))

	dec := d.Evaluate(context.Background(), false)
	assert.False(t, dec.IsTurnEnd)
	assert.Equal(t, vad.StatusNotReady, dec.Metadata.Status)
	assert.Zero(t, stub.calls)
	assert.Equal(t, 200*time.Millisecond, d.Buffered())

	dec = d.Evaluate(context.Background(), true)
	assert.True(t, dec.IsTurnEnd)
	assert.True(t, dec.Metadata.Forced)
	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, 3200, stub.got)
	assert.Zero(t, d.Buffered())
}

func TestForcedEvaluateOnEmptyBuffer(t *testing.T) {
	stub := &stubClassifier{}
	d := newDetector(stub)
	dec := d.Evaluate(context.Background(), true)
	assert.False(t, dec.IsTurnEnd)
	assert.Equal(t, vad.StatusEmpty, dec.Metadata.Status)
	assert.Zero(t, stub.calls)
}

func TestThresholdGatesModelTurnEnd(t *testing.T) {
	stub := &stubClassifier{pred: vad.Prediction{TurnEnd: true, Probability: 0.69}}
	d := newDetector(stub)
	d.AddChunk(audiotest.Speech(600*time.Millisecond, rate, -20, 1))

	dec := d.Evaluate(context.Background(), false)
	assert.False(t, dec.IsTurnEnd)
	assert.True(t, dec.Metadata.ModelTurnEnd)
	assert.InDelta(t, 0.69, dec.Confidence, 1e-9)

	stub.pred = vad.Prediction{TurnEnd: false, Probability: 0.95}
	d.AddChunk(audiotest.Speech(600*time.Millisecond, rate, -20, 1))
	assert.False(t, d.Evaluate(context.Background(), false).IsTurnEnd)
}

func TestClassifierFailureIsNegative(t *testing.T) {
	for name, stub := range map[string]*stubClassifier{
		"error": {err: errors.New("boom")},
		"panic": {panic: true},
	} {
		t.Run(name, func(t *testing.T) {
			d := newDetector(stub)
			d.AddChunk(audiotest.Speech(600*time.Millisecond, rate, -20, 1))
			dec := d.Evaluate(context.Background(), false)
			assert.False(t, dec.IsTurnEnd)
			assert.Zero(t, dec.Confidence)
			assert.Equal(t, vad.StatusError, dec.Metadata.Status)
			assert.NotEmpty(t, dec.Metadata.Error)
			assert.Zero(t, d.Buffered())
			assert.Equal(t, int64(1), d.Stats().Errors)
		})
	}
}

func TestOddChunkTruncated(t *testing.T) {
	stub := &stubClassifier{pred: vad.Prediction{TurnEnd: true, Probability: 1}}
	d := newDetector(stub)
	d.AddChunk([]byte{1, 0, 2})
	d.Evaluate(context.Background(), true)
	assert.Equal(t, 1, stub.got)
}

func TestEnergyClassifierIsDeterministic(t *testing.T) {
	c := vad.NewEnergyClassifier(-45)
	samples := append(audiotest.SpeechSamples(500*time.Millisecond, rate, -20, 4),
		audio.BytesToSamples(audiotest.Silence(200*time.Millisecond, rate))...)

	first, err := c.Classify(context.Background(), samples, rate)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := c.Classify(context.Background(), samples, rate)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.True(t, first.TurnEnd)
	// 200 ms of the trailing 300 ms are silent
	assert.InDelta(t, 0.75+0.25*20.0/30.0, first.Probability, 1e-9)
}

func TestEnergyClassifierRejectsSilence(t *testing.T) {
	c := vad.NewEnergyClassifier(-45)
	p, err := c.Classify(context.Background(), audio.BytesToSamples(audiotest.Silence(time.Second, rate)), rate)
	require.NoError(t, err)
	assert.False(t, p.TurnEnd)
	assert.Zero(t, p.Probability)
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

type slowClassifier struct {
	clock *fakeClock
	cost  time.Duration
}

func (s *slowClassifier) Name() string { return "slow" }

func (s *slowClassifier) Classify(context.Context, []int16, int) (vad.Prediction, error) {
	s.clock.now = s.clock.now.Add(s.cost)
	return vad.Prediction{TurnEnd: true, Probability: 0.9}, nil
}

func TestStatsSuggestFallbackWhenSlow(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	slow := &slowClassifier{clock: clk, cost: 150 * time.Millisecond}
	d := newDetector(slow, vad.WithClock(clk.Now))

	for i := 0; i < 3; i++ {
		d.AddChunk(audiotest.Speech(600*time.Millisecond, rate, -20, int64(i)))
		d.Evaluate(context.Background(), false)
	}
	s := d.Stats()
	assert.Equal(t, int64(3), s.Evaluations)
	assert.Equal(t, int64(3), s.TurnEnds)
	assert.Equal(t, 150*time.Millisecond, s.AvgInference)
	assert.True(t, s.ConsiderFallback)

	d.SetClassifier(vad.NewEnergyClassifier(-45))
	d.AddChunk(audiotest.Speech(600*time.Millisecond, rate, -20, 9))
	d.Evaluate(context.Background(), false)
	s = d.Stats()
	assert.Equal(t, "energy", s.Classifier)
	assert.False(t, s.ConsiderFallback)
}

func TestHTTPClassifier(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body["audio_format"] != "pcm" || body["sample_rate"] != float64(rate) || body["audio_data"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"prediction":1,"probability":0.91}`))
	}))
	defer srv.Close()

	c := vad.NewHTTPClassifier(srv.URL, time.Second)
	p, err := c.Classify(context.Background(), audiotest.SpeechSamples(100*time.Millisecond, rate, -20, 1), rate)
	require.NoError(t, err)
	assert.True(t, p.TurnEnd)
	assert.InDelta(t, 0.91, p.Probability, 1e-9)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestHTTPClassifierClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newDetector(vad.NewHTTPClassifier(srv.URL, time.Second))
	d.AddChunk(audiotest.Speech(600*time.Millisecond, rate, -20, 1))
	dec := d.Evaluate(context.Background(), false)
	assert.False(t, dec.IsTurnEnd)
	assert.Contains(t, dec.Metadata.Error, "status 400")
}
