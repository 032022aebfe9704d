// Package vad decides, from buffered speech, whether the user's turn is over.
package vad

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/logging"
)

// ErrClassifierUnavailable wraps transport or model failures.
var ErrClassifierUnavailable = errors.New("turn classifier unavailable")

// Prediction is the raw model output.
type Prediction struct {
	TurnEnd     bool
	Probability float64
}

// TurnClassifier is the turn-end model. Implementations must be
// deterministic for identical input.
type TurnClassifier interface {
	Name() string
	Classify(ctx context.Context, samples []int16, sampleRate int) (Prediction, error)
}

// Status explains how a Decision was reached.
type Status string

const (
	StatusEvaluated Status = "evaluated"
	StatusNotReady  Status = "not_ready"
	StatusEmpty     Status = "empty"
	StatusError     Status = "error"
)

// Metadata accompanies every Decision.
type Metadata struct {
	Status       Status        `json:"status"`
	Classifier   string        `json:"classifier,omitempty"`
	ModelTurnEnd bool          `json:"model_turn_end"`
	Inference    time.Duration `json:"inference"`
	Buffered     time.Duration `json:"buffered"`
	Threshold    float64       `json:"threshold"`
	Forced       bool          `json:"forced,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Decision is the result of one evaluation.
type Decision struct {
	IsTurnEnd  bool     `json:"is_turn_end"`
	Confidence float64  `json:"confidence"`
	Metadata   Metadata `json:"metadata"`
}

type Config struct {
	SampleRate          int
	MinAudioLength      time.Duration
	ConfidenceThreshold float64
	// FallbackLatency is the rolling average inference time above which
	// Stats reports ConsiderFallback.
	FallbackLatency time.Duration
	// StatsWindow bounds the inference latency history.
	StatsWindow int
}

func DefaultConfig() Config {
	return Config{
		SampleRate:          16000,
		MinAudioLength:      500 * time.Millisecond,
		ConfidenceThreshold: 0.7,
		FallbackLatency:     100 * time.Millisecond,
		StatsWindow:         50,
	}
}

// Stats summarizes classifier health.
type Stats struct {
	Classifier       string        `json:"classifier"`
	Evaluations      int64         `json:"evaluations"`
	Errors           int64         `json:"errors"`
	TurnEnds         int64         `json:"turn_ends"`
	AvgInference     time.Duration `json:"avg_inference"`
	LastInference    time.Duration `json:"last_inference"`
	ConsiderFallback bool          `json:"consider_fallback"`
}

// Detector buffers one session's audio and evaluates it on demand. Each
// session owns its own Detector.
type Detector struct {
	cfg   Config
	clock func() time.Time

	mu         sync.Mutex
	classifier TurnClassifier
	buf        []byte
	latencies  []time.Duration
	next       int
	evals      int64
	errs       int64
	turnEnds   int64
	last       time.Duration
}

type Option func(*Detector)

// WithClock overrides the clock used to time inference.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.clock = now }
}

func New(cfg Config, classifier TurnClassifier, opts ...Option) *Detector {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.MinAudioLength <= 0 {
		cfg.MinAudioLength = def.MinAudioLength
	}
	if cfg.FallbackLatency <= 0 {
		cfg.FallbackLatency = def.FallbackLatency
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = def.StatsWindow
	}
	d := &Detector{cfg: cfg, classifier: classifier, clock: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// AddChunk appends PCM16 mono audio and reports whether enough audio is
// buffered to evaluate.
func (d *Detector) AddChunk(pcm []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = append(d.buf, audio.EvenLength(pcm)...)
	return d.readyLocked()
}

func (d *Detector) readyLocked() bool {
	return audio.BytesDuration(len(d.buf), d.cfg.SampleRate) >= d.cfg.MinAudioLength
}

// Ready reports whether Evaluate would consult the model without force.
func (d *Detector) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readyLocked()
}

// Buffered is the duration of audio waiting for evaluation.
func (d *Detector) Buffered() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return audio.BytesDuration(len(d.buf), d.cfg.SampleRate)
}

// Reset drops buffered audio without evaluating it.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.buf = nil
	d.mu.Unlock()
}

// SetClassifier swaps the model, e.g. to a local fallback.
func (d *Detector) SetClassifier(c TurnClassifier) {
	d.mu.Lock()
	d.classifier = c
	d.latencies = d.latencies[:0]
	d.next = 0
	d.mu.Unlock()
}

// Evaluate runs the classifier over the whole buffer and clears it. Without
// force nothing happens until the minimum length is buffered. Model failures
// never escape: they yield a negative decision tagged with the error.
func (d *Detector) Evaluate(ctx context.Context, force bool) Decision {
	d.mu.Lock()
	buffered := audio.BytesDuration(len(d.buf), d.cfg.SampleRate)
	meta := Metadata{Buffered: buffered, Threshold: d.cfg.ConfidenceThreshold, Forced: force}
	if !force && !d.readyLocked() {
		d.mu.Unlock()
		meta.Status = StatusNotReady
		return Decision{Metadata: meta}
	}
	pcm := d.buf
	d.buf = nil
	classifier := d.classifier
	d.mu.Unlock()

	if len(pcm) == 0 {
		meta.Status = StatusEmpty
		return Decision{Metadata: meta}
	}
	if classifier == nil {
		meta.Status = StatusError
		meta.Error = ErrClassifierUnavailable.Error()
		d.record(0, true, false)
		return Decision{Metadata: meta}
	}
	meta.Classifier = classifier.Name()

	start := d.clock()
	pred, err := safeClassify(ctx, classifier, audio.BytesToSamples(pcm), d.cfg.SampleRate)
	meta.Inference = d.clock().Sub(start)
	if err != nil {
		meta.Status = StatusError
		meta.Error = err.Error()
		d.record(meta.Inference, true, false)
		logging.Warnw("vad: classifier failed", "classifier", meta.Classifier, "err", err, "buffered_ms", buffered.Milliseconds())
		return Decision{Metadata: meta}
	}

	meta.Status = StatusEvaluated
	meta.ModelTurnEnd = pred.TurnEnd
	confidence := clamp01(pred.Probability)
	isEnd := pred.TurnEnd && confidence >= d.cfg.ConfidenceThreshold
	d.record(meta.Inference, false, isEnd)
	logging.Debugw("vad: evaluated", "classifier", meta.Classifier, "turn_end", isEnd, "model_turn_end", pred.TurnEnd,
		"confidence", confidence, "inference_ms", meta.Inference.Milliseconds(), "buffered_ms", buffered.Milliseconds())
	return Decision{IsTurnEnd: isEnd, Confidence: confidence, Metadata: meta}
}

func safeClassify(ctx context.Context, c TurnClassifier, samples []int16, rate int) (p Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrClassifierUnavailable, r)
		}
	}()
	return c.Classify(ctx, samples, rate)
}

func (d *Detector) record(latency time.Duration, failed, turnEnd bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evals++
	if failed {
		d.errs++
	}
	if turnEnd {
		d.turnEnds++
	}
	d.last = latency
	if len(d.latencies) < d.cfg.StatsWindow {
		d.latencies = append(d.latencies, latency)
		return
	}
	d.latencies[d.next] = latency
	d.next = (d.next + 1) % d.cfg.StatsWindow
}

// Stats reports evaluation counters and whether the rolling inference time
// suggests switching to a cheaper classifier.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{Evaluations: d.evals, Errors: d.errs, TurnEnds: d.turnEnds, LastInference: d.last}
	if d.classifier != nil {
		s.Classifier = d.classifier.Name()
	}
	if len(d.latencies) > 0 {
		var sum time.Duration
		for _, l := range d.latencies {
			sum += l
		}
		s.AvgInference = sum / time.Duration(len(d.latencies))
		s.ConsiderFallback = s.AvgInference > d.cfg.FallbackLatency
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
