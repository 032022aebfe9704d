package config

import (
	"time"

	"github.com/discord-voice-lab/voiceloop/internal/logging"
)

// Validate clamps out-of-range values back to their defaults. Bad settings
// are logged rather than fatal so one typo can't take the service down.
func (c *Config) Validate() {
	def := Default()
	warn := func(key string, got, used interface{}) {
		logging.Warnw("config: invalid value, using default", "key", key, "value", got, "default", used)
	}

	if c.Audio.SampleRate <= 0 {
		warn("audio.sample_rate", c.Audio.SampleRate, def.Audio.SampleRate)
		c.Audio.SampleRate = def.Audio.SampleRate
	}
	if c.Audio.MinRMSDB > 0 || c.Audio.MinRMSDB < -100 {
		warn("audio.min_rms_db", c.Audio.MinRMSDB, def.Audio.MinRMSDB)
		c.Audio.MinRMSDB = def.Audio.MinRMSDB
	}
	if c.Audio.NormalizeTargetDB > 0 || c.Audio.NormalizeTargetDB <= c.Audio.MinRMSDB {
		warn("audio.normalize_target_db", c.Audio.NormalizeTargetDB, def.Audio.NormalizeTargetDB)
		c.Audio.NormalizeTargetDB = def.Audio.NormalizeTargetDB
	}
	if c.Audio.MaxGainDB < 0 {
		warn("audio.max_gain_db", c.Audio.MaxGainDB, def.Audio.MaxGainDB)
		c.Audio.MaxGainDB = def.Audio.MaxGainDB
	}
	if c.Audio.WarningInterval < 0 {
		c.Audio.WarningInterval = def.Audio.WarningInterval
	}

	if c.VAD.ConfidenceThreshold < 0 || c.VAD.ConfidenceThreshold > 1 {
		warn("vad.confidence_threshold", c.VAD.ConfidenceThreshold, def.VAD.ConfidenceThreshold)
		c.VAD.ConfidenceThreshold = def.VAD.ConfidenceThreshold
	}
	if c.VAD.MinAudioLength <= 0 {
		warn("vad.min_audio_length", c.VAD.MinAudioLength, def.VAD.MinAudioLength)
		c.VAD.MinAudioLength = def.VAD.MinAudioLength
	}
	if c.VAD.MaxAudioLength < c.VAD.MinAudioLength {
		warn("vad.max_audio_length", c.VAD.MaxAudioLength, def.VAD.MaxAudioLength)
		c.VAD.MaxAudioLength = def.VAD.MaxAudioLength
	}
	positive(&c.VAD.ModelTimeout, def.VAD.ModelTimeout, "vad.model_timeout", warn)
	positive(&c.VAD.FallbackLatency, def.VAD.FallbackLatency, "vad.fallback_latency", warn)

	positive(&c.Echo.SecondsPerWord, def.Echo.SecondsPerWord, "echo.seconds_per_word", warn)
	positive(&c.Echo.BufferMin, def.Echo.BufferMin, "echo.buffer_min", warn)
	if c.Echo.BufferMax < c.Echo.BufferMin {
		warn("echo.buffer_max", c.Echo.BufferMax, def.Echo.BufferMax)
		c.Echo.BufferMax = maxDuration(def.Echo.BufferMax, c.Echo.BufferMin)
	}
	if c.Echo.BufferRatio <= 0 {
		c.Echo.BufferRatio = def.Echo.BufferRatio
	}
	if c.Echo.BufferHistory <= 0 {
		c.Echo.BufferHistory = def.Echo.BufferHistory
	}
	positive(&c.Echo.RetentionWindow, def.Echo.RetentionWindow, "echo.retention_window", warn)
	positive(&c.Echo.MatchWindow, def.Echo.MatchWindow, "echo.match_window", warn)
	if c.Echo.MatchWindow > c.Echo.RetentionWindow {
		warn("echo.match_window", c.Echo.MatchWindow, c.Echo.RetentionWindow)
		c.Echo.MatchWindow = c.Echo.RetentionWindow
	}
	if c.Echo.MinContainLen < 0 {
		c.Echo.MinContainLen = def.Echo.MinContainLen
	}
	if c.Echo.InterruptRMS <= 0 {
		warn("echo.interrupt_rms", c.Echo.InterruptRMS, def.Echo.InterruptRMS)
		c.Echo.InterruptRMS = def.Echo.InterruptRMS
	}
	if c.Echo.InterruptConfirm <= 0 {
		warn("echo.interrupt_confirm", c.Echo.InterruptConfirm, def.Echo.InterruptConfirm)
		c.Echo.InterruptConfirm = def.Echo.InterruptConfirm
	}

	positive(&c.Pipeline.STTTimeout, def.Pipeline.STTTimeout, "pipeline.stt_timeout", warn)
	positive(&c.Pipeline.LLMTimeout, def.Pipeline.LLMTimeout, "pipeline.llm_timeout", warn)
	positive(&c.Pipeline.TTSTimeout, def.Pipeline.TTSTimeout, "pipeline.tts_timeout", warn)
	if c.Pipeline.Speed <= 0 {
		warn("pipeline.speed", c.Pipeline.Speed, def.Pipeline.Speed)
		c.Pipeline.Speed = def.Pipeline.Speed
	}
	if c.Pipeline.HistoryTurns < 0 {
		c.Pipeline.HistoryTurns = 0
	}
	positive(&c.Session.IdleTimeout, def.Session.IdleTimeout, "session.idle_timeout", warn)
	if c.Session.ReapEvery == "" {
		c.Session.ReapEvery = def.Session.ReapEvery
	}
	if c.Metrics.SummarySchedule == "" {
		c.Metrics.SummarySchedule = def.Metrics.SummarySchedule
	}
	if c.Metrics.Window <= 0 {
		c.Metrics.Window = def.Metrics.Window
	}
	if c.TTS.CacheSize <= 0 {
		c.TTS.CacheSize = def.TTS.CacheSize
	}
	if c.Archive.CleanSchedule == "" {
		c.Archive.CleanSchedule = def.Archive.CleanSchedule
	}
}

func positive(d *time.Duration, def time.Duration, key string, warn func(string, interface{}, interface{})) {
	if *d <= 0 {
		warn(key, *d, def)
		*d = def
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
