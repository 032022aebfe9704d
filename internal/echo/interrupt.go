package echo

import (
	"sync"

	"github.com/discord-voice-lab/voiceloop/internal/logging"
)

// InterruptDetector confirms that the user is talking over playback once
// enough consecutive loud chunks arrive while the gate is closed.
type InterruptDetector struct {
	threshold float64
	confirm   int

	mu          sync.Mutex
	consecutive int
}

func NewInterruptDetector(cfg Config) *InterruptDetector {
	confirm := cfg.InterruptConfirm
	if confirm <= 0 {
		confirm = 1
	}
	return &InterruptDetector{threshold: cfg.InterruptRMS, confirm: confirm}
}

// Feed takes the linear RMS of one chunk and reports a confirmed interrupt.
// Outside playback the counter is reset and nothing is confirmed.
func (d *InterruptDetector) Feed(rms float64, gated bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !gated || rms < d.threshold {
		d.consecutive = 0
		return false
	}
	d.consecutive++
	if d.consecutive < d.confirm {
		return false
	}
	logging.Debugw("echo: interrupt confirmed", "rms", rms, "chunks", d.consecutive)
	d.consecutive = 0
	return true
}

// Consecutive is the current run of loud gated chunks.
func (d *InterruptDetector) Consecutive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consecutive
}

func (d *InterruptDetector) Reset() {
	d.mu.Lock()
	d.consecutive = 0
	d.mu.Unlock()
}
