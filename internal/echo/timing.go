// Package echo keeps the assistant from hearing itself: a timing gate blanks
// input while synthesized speech plays, a content gate drops transcripts
// that repeat recent assistant output, and an interrupt detector lets loud
// user speech cut playback short.
package echo

import (
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-lab/voiceloop/internal/logging"
)

// State is the conversation state seen by the timing gate.
type State int

const (
	Listening State = iota
	BriefMute
	AssistantSpeaking
	PostSpeechPause
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case BriefMute:
		return "brief_mute"
	case AssistantSpeaking:
		return "assistant_speaking"
	case PostSpeechPause:
		return "post_speech_pause"
	}
	return "unknown"
}

type Config struct {
	SecondsPerWord time.Duration
	AdaptiveBuffer bool
	BufferRatio    float64
	BufferMin      time.Duration
	BufferMax      time.Duration
	BufferHistory  int

	RetentionWindow time.Duration
	MatchWindow     time.Duration
	MinContainLen   int

	InterruptRMS     float64
	InterruptConfirm int
}

func DefaultConfig() Config {
	return Config{
		SecondsPerWord:   600 * time.Millisecond,
		AdaptiveBuffer:   true,
		BufferRatio:      0.1,
		BufferMin:        300 * time.Millisecond,
		BufferMax:        time.Second,
		BufferHistory:    5,
		RetentionWindow:  10 * time.Second,
		MatchWindow:      5 * time.Second,
		MinContainLen:    10,
		InterruptRMS:     3000,
		InterruptConfirm: 3,
	}
}

// TimingGate blanks audio input for the estimated duration of the
// assistant's speech plus an adaptive buffer.
type TimingGate struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	state     State
	speechEnd time.Time
	gateUntil time.Time
	buffers   []time.Duration
}

func NewTimingGate(cfg Config, now func() time.Time) *TimingGate {
	if now == nil {
		now = time.Now
	}
	if cfg.BufferHistory <= 0 {
		cfg.BufferHistory = 5
	}
	return &TimingGate{cfg: cfg, now: now}
}

// EstimateSpeech is the expected play time of text at the given speed.
func (g *TimingGate) EstimateSpeech(text string, speed float64) time.Duration {
	if speed <= 0 {
		speed = 1
	}
	words := len(strings.Fields(text))
	return time.Duration(float64(words) * float64(g.cfg.SecondsPerWord) / speed)
}

// StartGate closes the gate for text about to be spoken and returns the
// time it reopens.
func (g *TimingGate) StartGate(text string, speed float64) time.Time {
	est := g.EstimateSpeech(text, speed)

	g.mu.Lock()
	defer g.mu.Unlock()
	buffer := g.nextBufferLocked(est)
	now := g.now()
	g.speechEnd = now.Add(est)
	g.gateUntil = g.speechEnd.Add(buffer)
	g.state = AssistantSpeaking
	logging.Debugw("echo: gate armed", "words", len(strings.Fields(text)), "estimated_ms", est.Milliseconds(),
		"buffer_ms", buffer.Milliseconds(), "gate_until", g.gateUntil)
	return g.gateUntil
}

func (g *TimingGate) nextBufferLocked(est time.Duration) time.Duration {
	if !g.cfg.AdaptiveBuffer {
		return g.cfg.BufferMin
	}
	raw := g.clamp(time.Duration(float64(est) * g.cfg.BufferRatio))
	g.buffers = append(g.buffers, raw)
	if len(g.buffers) > g.cfg.BufferHistory {
		g.buffers = g.buffers[len(g.buffers)-g.cfg.BufferHistory:]
	}
	var sum time.Duration
	for _, b := range g.buffers {
		sum += b
	}
	return g.clamp(sum / time.Duration(len(g.buffers)))
}

func (g *TimingGate) clamp(d time.Duration) time.Duration {
	if d < g.cfg.BufferMin {
		return g.cfg.BufferMin
	}
	if d > g.cfg.BufferMax {
		return g.cfg.BufferMax
	}
	return d
}

// ShouldAcceptAudio reports whether input at now should be processed. The
// first accepted check after the gate expires returns the state to
// Listening.
func (g *TimingGate) ShouldAcceptAudio(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Before(g.gateUntil) {
		return false
	}
	if g.state != Listening {
		logging.Debugw("echo: gate released", "state", g.state.String())
		g.state = Listening
	}
	return true
}

// State reports the conversation state at now without changing it.
func (g *TimingGate) State(now time.Time) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == AssistantSpeaking && !now.Before(g.speechEnd) {
		return PostSpeechPause
	}
	return g.state
}

// Active reports whether the gate is closed at now.
func (g *TimingGate) Active(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Before(g.gateUntil)
}

func (g *TimingGate) GateUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gateUntil
}

// BriefMute closes the gate for d unless it is already closed for longer.
func (g *TimingGate) BriefMute(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until := g.now().Add(d)
	if until.After(g.gateUntil) {
		g.gateUntil = until
	}
	if g.state == Listening {
		g.state = BriefMute
	}
}

// Release opens the gate immediately.
func (g *TimingGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.gateUntil = now
	g.speechEnd = now
	g.state = Listening
}
