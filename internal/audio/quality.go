package audio

import (
	"math"
)

// QualityConfig holds the loudness thresholds used for gating and
// normalization. Values are dBFS.
type QualityConfig struct {
	MinRMSDB          float64
	QuietWarnDB       float64
	ClipWarnDB        float64
	NormalizeTargetDB float64
	MaxGainDB         float64
}

// DefaultQualityConfig mirrors the service defaults.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		MinRMSDB:          -70,
		QuietWarnDB:       -45,
		ClipWarnDB:        -0.5,
		NormalizeTargetDB: -20,
		MaxGainDB:         24,
	}
}

// Warning is an actionable input-quality notice for the speaker.
type Warning struct {
	Levels      LevelReport `json:"levels"`
	Message     string      `json:"message"`
	Suggestions []string    `json:"suggestions"`
}

// QualityGate decides which chunks are worth processing.
type QualityGate struct {
	cfg QualityConfig
}

func NewQualityGate(cfg QualityConfig) *QualityGate {
	return &QualityGate{cfg: cfg}
}

// ShouldProcessLowQualityAudio reports whether a chunk is loud enough to
// enter the turn-detection path at all.
func (g *QualityGate) ShouldProcessLowQualityAudio(r LevelReport) bool {
	if r.Silent() {
		return false
	}
	return r.RMSDB >= g.cfg.MinRMSDB
}

// Check returns a warning for quiet, silent or clipping audio, nil otherwise.
func (g *QualityGate) Check(r LevelReport) *Warning {
	switch {
	case r.Silent():
		return &Warning{
			Levels:      r,
			Message:     "no audio signal detected",
			Suggestions: []string{"check microphone", "make sure the input is not muted"},
		}
	case r.RMSDB < g.cfg.MinRMSDB:
		return &Warning{
			Levels:      r,
			Message:     "audio too quiet to process",
			Suggestions: []string{"speak louder", "check microphone", "move closer to the microphone"},
		}
	case r.RMSDB < g.cfg.QuietWarnDB:
		return &Warning{
			Levels:      r,
			Message:     "audio is quiet",
			Suggestions: []string{"speak louder", "move closer to the microphone"},
		}
	case r.PeakDB >= g.cfg.ClipWarnDB:
		return &Warning{
			Levels:      r,
			Message:     "audio is clipping",
			Suggestions: []string{"move away from the microphone", "lower input gain"},
		}
	}
	return nil
}

// Normalize boosts quiet-but-usable audio toward the target loudness. Audio
// at or above the target, and silence, are returned unchanged. Gain is
// capped at MaxGainDB and samples are clipped to the int16 range.
func (g *QualityGate) Normalize(samples []int16, r LevelReport) []int16 {
	out := make([]int16, len(samples))
	copy(out, samples)
	if r.Silent() || r.RMSDB >= g.cfg.NormalizeTargetDB {
		return out
	}
	gainDB := g.cfg.NormalizeTargetDB - r.RMSDB
	if gainDB > g.cfg.MaxGainDB {
		gainDB = g.cfg.MaxGainDB
	}
	if gainDB <= 0 {
		return out
	}
	factor := math.Pow(10, gainDB/20)
	for i, s := range out {
		out[i] = clip16(float64(s) * factor)
	}
	return out
}
