// Package audio holds the PCM16 primitives shared by the voice pipeline:
// loudness analysis, quality gating, normalization, resampling and WAV I/O.
package audio

import (
	"math"
	"time"
)

const (
	// FullScale is the reference amplitude for dBFS of 16-bit PCM.
	FullScale = 32768.0
	// FloorDB stands in for -Inf on digital silence.
	FloorDB = -100.0
	// SubWindow is the sub-window length used for energy variation.
	SubWindow = 10 * time.Millisecond
)

// Chunk is one unit of inbound audio: mono PCM16LE at SampleRate.
type Chunk struct {
	PCM        []byte
	SampleRate int
	Seq        uint64
	Arrived    time.Time
}

// Samples decodes the chunk payload.
func (c Chunk) Samples() []int16 { return BytesToSamples(c.PCM) }

// Duration of the chunk payload.
func (c Chunk) Duration() time.Duration { return BytesDuration(len(c.PCM), c.SampleRate) }

// LevelReport is the loudness summary of a chunk.
type LevelReport struct {
	RMS             float64 `json:"rms"`
	RMSDB           float64 `json:"rms_db"`
	PeakDB          float64 `json:"peak_db"`
	MeanAmplitude   float64 `json:"mean_amplitude"`
	EnergyVariation float64 `json:"energy_variation"`
	DurationMS      float64 `json:"duration_ms"`
}

// Silent reports whether the chunk carried no signal at all.
func (r LevelReport) Silent() bool { return r.RMSDB <= FloorDB }

// ToDB converts a linear amplitude to dBFS clamped at FloorDB.
func ToDB(amplitude float64) float64 {
	if amplitude <= 0 {
		return FloorDB
	}
	db := 20 * math.Log10(amplitude/FullScale)
	if db < FloorDB {
		return FloorDB
	}
	return db
}

// FromDB converts dBFS back to a linear amplitude.
func FromDB(db float64) float64 { return FullScale * math.Pow(10, db/20) }

// Analyze computes the level report for mono samples. It is a pure
// function of its inputs.
func Analyze(samples []int16, sampleRate int) LevelReport {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	r := LevelReport{RMSDB: FloorDB, PeakDB: FloorDB}
	if len(samples) == 0 {
		return r
	}
	r.DurationMS = float64(len(samples)) * 1000 / float64(sampleRate)

	var sumSq, sumAbs float64
	peak := 0.0
	for _, s := range samples {
		v := float64(s)
		sumSq += v * v
		a := math.Abs(v)
		sumAbs += a
		if a > peak {
			peak = a
		}
	}
	n := float64(len(samples))
	r.RMS = math.Sqrt(sumSq / n)
	r.RMSDB = ToDB(r.RMS)
	r.PeakDB = ToDB(peak)
	r.MeanAmplitude = sumAbs / n
	r.EnergyVariation = energyVariation(samples, sampleRate)
	return r
}

// AnalyzeChunk is Analyze over a chunk's payload.
func AnalyzeChunk(c Chunk) LevelReport { return Analyze(c.Samples(), c.SampleRate) }

// WindowEnergies returns the mean-square energy of consecutive ~10 ms
// windows. A trailing partial window is ignored.
func WindowEnergies(samples []int16, sampleRate int) []float64 {
	win := sampleRate / 100
	if win <= 0 {
		win = 1
	}
	out := make([]float64, 0, len(samples)/win)
	for start := 0; start+win <= len(samples); start += win {
		var e float64
		for _, s := range samples[start : start+win] {
			v := float64(s)
			e += v * v
		}
		out = append(out, e/float64(win))
	}
	return out
}

// energyVariation is the coefficient of variation of sub-window energies:
// speech is bursty, hum and hiss are flat.
func energyVariation(samples []int16, sampleRate int) float64 {
	energies := WindowEnergies(samples, sampleRate)
	if len(energies) < 2 {
		return 0
	}
	var mean float64
	for _, e := range energies {
		mean += e
	}
	mean /= float64(len(energies))
	if mean == 0 {
		return 0
	}
	var variance float64
	for _, e := range energies {
		d := e - mean
		variance += d * d
	}
	variance /= float64(len(energies))
	return math.Sqrt(variance) / mean
}
