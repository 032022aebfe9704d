package echo

import "time"

// Gate bundles the per-session echo filters.
type Gate struct {
	Timing    *TimingGate
	Content   *ContentGate
	Interrupt *InterruptDetector
}

// New builds a session's filters. A nil clock means time.Now.
func New(cfg Config, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{
		Timing:    NewTimingGate(cfg, now),
		Content:   NewContentGate(cfg, now),
		Interrupt: NewInterruptDetector(cfg),
	}
}

// Speak records text as assistant output and arms the timing gate for it.
func (g *Gate) Speak(text string, speed float64) time.Time {
	g.Content.Record(text)
	g.Interrupt.Reset()
	return g.Timing.StartGate(text, speed)
}
