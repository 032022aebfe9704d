package transport

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/pipeline"
)

// sessionStarted is sent by the transport itself when a session is
// (re)initialized; it is not a pipeline event.
const sessionStarted = "session_started"

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		t = time.Now()
	}
	return float64(t.UnixNano()) / 1e9
}

// EncodeEvent renders a pipeline event as the JSON object clients receive.
func EncodeEvent(e pipeline.Event) ([]byte, error) {
	out := map[string]any{
		"type":      string(e.Kind()),
		"timestamp": unixSeconds(e.When()),
	}
	switch ev := e.(type) {
	case pipeline.Transcription:
		out["text"] = ev.Text
	case pipeline.TextOutput:
		out["text"] = ev.Text
	case pipeline.AudioOutput:
		out["data"] = base64.StdEncoding.EncodeToString(audio.SamplesToBytes(ev.Clip.Samples))
		out["format"] = ev.Format
		out["sample_rate"] = ev.Clip.SampleRate
		out["channels"] = ev.Clip.Channels
		out["duration_ms"] = ev.Clip.Duration().Milliseconds()
	case pipeline.VADStatus:
		out["is_turn_end"] = ev.Decision.IsTurnEnd
		out["confidence"] = ev.Decision.Confidence
		out["metadata"] = ev.Decision.Metadata
	case pipeline.QualityWarning:
		out["levels"] = ev.Warning.Levels
		out["message"] = ev.Warning.Message
		out["suggestions"] = ev.Warning.Suggestions
	case pipeline.ErrorEvent:
		out["error"] = ev.Message
		out["stage"] = ev.Stage
	case pipeline.Interrupted, pipeline.Pong:
	}
	return json.Marshal(out)
}

func encodeSessionStarted(id string, sampleRate, channels int) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":        sessionStarted,
		"session_id":  id,
		"sample_rate": sampleRate,
		"channels":    channels,
		"timestamp":   unixSeconds(time.Now()),
	})
	return b
}
