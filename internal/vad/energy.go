package vad

import (
	"context"
	"math"
	"time"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
)

// EnergyClassifier is the in-process turn classifier used when no model
// service is configured or the service is too slow. A window counts as
// voiced when its level is at or above SpeechDB. Buffers without enough
// voiced audio are not a turn end; otherwise the probability rises with the
// share of quiet windows at the tail of the buffer.
type EnergyClassifier struct {
	SpeechDB       float64
	Tail           time.Duration
	MinVoicedRatio float64
}

func NewEnergyClassifier(speechDB float64) *EnergyClassifier {
	return &EnergyClassifier{SpeechDB: speechDB, Tail: 300 * time.Millisecond, MinVoicedRatio: 0.1}
}

func (e *EnergyClassifier) Name() string { return "energy" }

func (e *EnergyClassifier) Classify(ctx context.Context, samples []int16, sampleRate int) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	energies := audio.WindowEnergies(samples, sampleRate)
	if len(energies) == 0 {
		return Prediction{}, nil
	}
	voicedWin := make([]bool, len(energies))
	voiced := 0
	for i, en := range energies {
		if audio.ToDB(math.Sqrt(en)) >= e.SpeechDB {
			voicedWin[i] = true
			voiced++
		}
	}
	if float64(voiced)/float64(len(energies)) < e.MinVoicedRatio {
		return Prediction{}, nil
	}

	tail := int(e.Tail / audio.SubWindow)
	if tail <= 0 || tail > len(energies) {
		tail = len(energies)
	}
	quiet := 0
	for _, v := range voicedWin[len(voicedWin)-tail:] {
		if !v {
			quiet++
		}
	}
	return Prediction{TurnEnd: true, Probability: 0.75 + 0.25*float64(quiet)/float64(tail)}, nil
}
