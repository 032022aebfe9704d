// Package config loads the process configuration once at startup: defaults,
// then an optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/discord-voice-lab/voiceloop/internal/logging"
)

// PathEnv names the environment variable holding the YAML config path.
const PathEnv = "VOICELOOP_CONFIG"

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	Echo     EchoConfig     `yaml:"echo"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Session  SessionConfig  `yaml:"session"`
	STT      ServiceConfig  `yaml:"stt"`
	TTS      TTSConfig      `yaml:"tts"`
	LLM      LLMConfig      `yaml:"llm"`
	Discord  DiscordConfig  `yaml:"discord"`
	MCP      MCPConfig      `yaml:"mcp"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AllowedOrigins restricts WebSocket upgrades; empty accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type AudioConfig struct {
	SampleRate        int           `yaml:"sample_rate"`
	MinRMSDB          float64       `yaml:"min_rms_db"`
	QuietWarnDB       float64       `yaml:"quiet_warn_db"`
	ClipWarnDB        float64       `yaml:"clip_warn_db"`
	NormalizeTargetDB float64       `yaml:"normalize_target_db"`
	MaxGainDB         float64       `yaml:"max_gain_db"`
	WarningInterval   time.Duration `yaml:"warning_interval"`
}

type VADConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	MinAudioLength      time.Duration `yaml:"min_audio_length"`
	MaxAudioLength      time.Duration `yaml:"max_audio_length"`
	ModelURL            string        `yaml:"model_url"`
	ModelTimeout        time.Duration `yaml:"model_timeout"`
	FallbackLatency     time.Duration `yaml:"fallback_latency"`
	SpeechDB            float64       `yaml:"speech_db"`
}

type EchoConfig struct {
	SecondsPerWord   time.Duration `yaml:"seconds_per_word"`
	AdaptiveBuffer   bool          `yaml:"adaptive_buffer"`
	BufferRatio      float64       `yaml:"buffer_ratio"`
	BufferMin        time.Duration `yaml:"buffer_min"`
	BufferMax        time.Duration `yaml:"buffer_max"`
	BufferHistory    int           `yaml:"buffer_history"`
	RetentionWindow  time.Duration `yaml:"retention_window"`
	MatchWindow      time.Duration `yaml:"match_window"`
	MinContainLen    int           `yaml:"min_contain_len"`
	InterruptRMS     float64       `yaml:"interrupt_rms"`
	InterruptConfirm int           `yaml:"interrupt_confirm"`
}

type PipelineConfig struct {
	STTTimeout   time.Duration `yaml:"stt_timeout"`
	LLMTimeout   time.Duration `yaml:"llm_timeout"`
	TTSTimeout   time.Duration `yaml:"tts_timeout"`
	SystemPrompt string        `yaml:"system_prompt"`
	Voice        string        `yaml:"voice"`
	Speed        float64       `yaml:"speed"`
	ApologyText  string        `yaml:"apology_text"`
	HistoryTurns int           `yaml:"history_turns"`
	WakePhrases  []string      `yaml:"wake_phrases"`
	// WakeWindowS widens wake phrase matching to the first words of a
	// transcript instead of a strict prefix.
	WakeWindowS int `yaml:"wake_window_s"`
}

type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	ReapEvery   string        `yaml:"reap_every"`
}

type ServiceConfig struct {
	URL       string        `yaml:"url"`
	AuthToken string        `yaml:"auth_token"`
	Language  string        `yaml:"language"`
	BeamSize  int           `yaml:"beam_size"`
	Translate bool          `yaml:"translate"`
	Timeout   time.Duration `yaml:"timeout"`
}

type TTSConfig struct {
	URL       string        `yaml:"url"`
	AuthToken string        `yaml:"auth_token"`
	CacheSize int           `yaml:"cache_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type LLMConfig struct {
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	FallbackModel string  `yaml:"fallback_model"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

type DiscordConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Token          string   `yaml:"token"`
	GuildID        string   `yaml:"guild_id"`
	VoiceChannelID string   `yaml:"voice_channel_id"`
	TextChannelID  string   `yaml:"text_channel_id"`
	AllowedUserIDs []string `yaml:"allowed_user_ids"`
}

type MCPConfig struct {
	ServiceName  string        `yaml:"service_name"`
	ServerURL    string        `yaml:"server_url"`
	ConfigPath   string        `yaml:"config_path"`
	AdvertiseURL string        `yaml:"advertise_url"`
	ContextTool  string        `yaml:"context_tool"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
}

type MetricsConfig struct {
	SummarySchedule string `yaml:"summary_schedule"`
	Window          int    `yaml:"window"`
}

type ArchiveConfig struct {
	Dir           string        `yaml:"dir"`
	Retention     time.Duration `yaml:"retention"`
	MaxFiles      int           `yaml:"max_files"`
	CleanSchedule string        `yaml:"clean_schedule"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Log:    LogConfig{Level: "info"},
		Server: ServerConfig{Addr: ":8080"},
		Audio: AudioConfig{
			SampleRate:        16000,
			MinRMSDB:          -70,
			QuietWarnDB:       -45,
			ClipWarnDB:        -0.5,
			NormalizeTargetDB: -20,
			MaxGainDB:         24,
			WarningInterval:   10 * time.Second,
		},
		VAD: VADConfig{
			ConfidenceThreshold: 0.7,
			MinAudioLength:      500 * time.Millisecond,
			MaxAudioLength:      30 * time.Second,
			ModelTimeout:        2 * time.Second,
			FallbackLatency:     100 * time.Millisecond,
			SpeechDB:            -45,
		},
		Echo: EchoConfig{
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
		},
		Pipeline: PipelineConfig{
			STTTimeout:   10 * time.Second,
			LLMTimeout:   30 * time.Second,
			TTSTimeout:   15 * time.Second,
			SystemPrompt: "You are a helpful voice assistant. Answer briefly in plain spoken language.",
			Voice:        "default",
			Speed:        1.0,
			ApologyText:  "Sorry, something went wrong.",
			HistoryTurns: 6,
		},
		Session: SessionConfig{IdleTimeout: 5 * time.Minute, ReapEvery: "@every 30s"},
		STT:     ServiceConfig{Timeout: 10 * time.Second},
		TTS:     TTSConfig{CacheSize: 64, Timeout: 15 * time.Second},
		LLM: LLMConfig{
			BaseURL:   "http://127.0.0.1:8000/v1",
			Model:     "local",
			MaxTokens: 512,
		},
		MCP:     MCPConfig{ServiceName: "voiceloop", CallTimeout: 3 * time.Second},
		Metrics: MetricsConfig{SummarySchedule: "@every 1m", Window: 1000},
		Archive: ArchiveConfig{Retention: 24 * time.Hour, MaxFiles: 1000, CleanSchedule: "@every 10m"},
	}
}

// Load builds the configuration: defaults, .env, YAML file, environment.
// The result has been validated.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Debugw("config: .env not loaded", "err", err)
	}
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(PathEnv)); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.Validate()
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays environment variables. Unparseable values are errors so
// a typo doesn't silently run with defaults.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = splitList(v)
		}
	}
	f64 := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := cast.ToFloat64E(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := cast.ToIntE(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			b, err := cast.ToBoolE(strings.ToLower(strings.TrimSpace(v)))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := cast.ToDurationE(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FILE", &cfg.Log.File)
	str("LISTEN_ADDR", &cfg.Server.Addr)
	list("ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)

	integer("AUDIO_SAMPLE_RATE", &cfg.Audio.SampleRate)
	f64("AUDIO_MIN_RMS_DB", &cfg.Audio.MinRMSDB)
	f64("AUDIO_QUIET_WARN_DB", &cfg.Audio.QuietWarnDB)
	f64("AUDIO_NORMALIZE_TARGET_DB", &cfg.Audio.NormalizeTargetDB)
	f64("AUDIO_MAX_GAIN_DB", &cfg.Audio.MaxGainDB)

	f64("VAD_CONFIDENCE_THRESHOLD", &cfg.VAD.ConfidenceThreshold)
	dur("VAD_MIN_AUDIO_LENGTH", &cfg.VAD.MinAudioLength)
	dur("VAD_MAX_AUDIO_LENGTH", &cfg.VAD.MaxAudioLength)
	str("VAD_MODEL_URL", &cfg.VAD.ModelURL)
	dur("VAD_MODEL_TIMEOUT", &cfg.VAD.ModelTimeout)
	f64("VAD_SPEECH_DB", &cfg.VAD.SpeechDB)

	dur("ECHO_SECONDS_PER_WORD", &cfg.Echo.SecondsPerWord)
	boolean("ECHO_ADAPTIVE_BUFFER", &cfg.Echo.AdaptiveBuffer)
	dur("ECHO_BUFFER_MIN", &cfg.Echo.BufferMin)
	dur("ECHO_BUFFER_MAX", &cfg.Echo.BufferMax)
	dur("ECHO_RETENTION_WINDOW", &cfg.Echo.RetentionWindow)
	dur("ECHO_MATCH_WINDOW", &cfg.Echo.MatchWindow)
	f64("ECHO_INTERRUPT_RMS", &cfg.Echo.InterruptRMS)
	integer("ECHO_INTERRUPT_CONFIRM", &cfg.Echo.InterruptConfirm)

	dur("STT_TIMEOUT", &cfg.Pipeline.STTTimeout)
	dur("LLM_TIMEOUT", &cfg.Pipeline.LLMTimeout)
	dur("TTS_TIMEOUT", &cfg.Pipeline.TTSTimeout)
	str("SYSTEM_PROMPT", &cfg.Pipeline.SystemPrompt)
	str("TTS_VOICE", &cfg.Pipeline.Voice)
	f64("TTS_SPEED", &cfg.Pipeline.Speed)
	list("WAKE_PHRASES", &cfg.Pipeline.WakePhrases)
	integer("WAKE_PHRASE_WINDOW_S", &cfg.Pipeline.WakeWindowS)
	dur("SESSION_IDLE_TIMEOUT", &cfg.Session.IdleTimeout)

	str("WHISPER_URL", &cfg.STT.URL)
	str("WHISPER_AUTH_TOKEN", &cfg.STT.AuthToken)
	str("STT_LANGUAGE", &cfg.STT.Language)
	integer("STT_BEAM_SIZE", &cfg.STT.BeamSize)
	boolean("WHISPER_TRANSLATE", &cfg.STT.Translate)

	str("TTS_URL", &cfg.TTS.URL)
	str("TTS_AUTH_TOKEN", &cfg.TTS.AuthToken)
	integer("TTS_CACHE_SIZE", &cfg.TTS.CacheSize)

	str("OPENAI_BASE_URL", &cfg.LLM.BaseURL)
	str("OPENAI_API_KEY", &cfg.LLM.APIKey)
	str("OPENAI_MODEL", &cfg.LLM.Model)
	str("OPENAI_FALLBACK_MODEL", &cfg.LLM.FallbackModel)
	integer("LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)

	boolean("DISCORD_ENABLED", &cfg.Discord.Enabled)
	str("DISCORD_BOT_TOKEN", &cfg.Discord.Token)
	str("GUILD_ID", &cfg.Discord.GuildID)
	str("VOICE_CHANNEL_ID", &cfg.Discord.VoiceChannelID)
	str("TEXT_CHANNEL_ID", &cfg.Discord.TextChannelID)
	list("ALLOWED_USER_IDS", &cfg.Discord.AllowedUserIDs)

	str("MCP_SERVICE_NAME", &cfg.MCP.ServiceName)
	str("MCP_SERVER_URL", &cfg.MCP.ServerURL)
	str("MCP_CONFIG_PATH", &cfg.MCP.ConfigPath)
	str("MCP_ADVERTISE_URL", &cfg.MCP.AdvertiseURL)
	str("MCP_CONTEXT_TOOL", &cfg.MCP.ContextTool)
	dur("MCP_CALL_TIMEOUT", &cfg.MCP.CallTimeout)

	str("METRICS_SUMMARY_SCHEDULE", &cfg.Metrics.SummarySchedule)

	str("SAVE_AUDIO_DIR", &cfg.Archive.Dir)
	dur("SAVE_AUDIO_RETENTION", &cfg.Archive.Retention)
	integer("SAVE_AUDIO_MAX_FILES", &cfg.Archive.MaxFiles)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
