package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/config"
	"github.com/discord-voice-lab/voiceloop/internal/echo"
	"github.com/discord-voice-lab/voiceloop/internal/logging"
	"github.com/discord-voice-lab/voiceloop/internal/mcp"
	mcpconfig "github.com/discord-voice-lab/voiceloop/internal/mcp/config"
	"github.com/discord-voice-lab/voiceloop/internal/metrics"
	"github.com/discord-voice-lab/voiceloop/internal/pipeline"
	"github.com/discord-voice-lab/voiceloop/internal/session"
	"github.com/discord-voice-lab/voiceloop/internal/transport"
	"github.com/discord-voice-lab/voiceloop/internal/vad"
	"github.com/discord-voice-lab/voiceloop/internal/voice"
	"github.com/discord-voice-lab/voiceloop/llm"
)

const version = "0.4.0"

func main() {
	cfg, err := config.Load()
	logging.InitWithOptions(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer func() { _ = logging.Sync() }()
	if err != nil {
		logging.FatalExitf("config load failed", "err", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewRecorder(cfg.Metrics.Window, metrics.WithRegistry(reg))
	stopSummary, err := rec.StartSummaryLoop(cfg.Metrics.SummarySchedule)
	if err != nil {
		logging.FatalExitf("metrics summary loop", "err", err)
	}
	defer stopSummary()

	mgr := session.NewManager(sessionConfig(cfg), classifierFactory(cfg),
		session.OnCreate(func(session.Info) { rec.SessionOpened() }),
		session.OnDestroy(func(session.Info) { rec.SessionClosed() }),
	)
	stopReaper, err := mgr.StartReaper(cfg.Session.ReapEvery)
	if err != nil {
		logging.FatalExitf("session reaper", "err", err)
	}
	defer stopReaper()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := pipeline.Deps{
		Generator: llm.NewClient(llm.Config{
			BaseURL:       cfg.LLM.BaseURL,
			APIKey:        cfg.LLM.APIKey,
			Model:         cfg.LLM.Model,
			FallbackModel: cfg.LLM.FallbackModel,
			MaxTokens:     cfg.LLM.MaxTokens,
			Temperature:   cfg.LLM.Temperature,
		}),
		Metrics:            rec,
		FallbackClassifier: vad.NewEnergyClassifier(cfg.VAD.SpeechDB),
	}
	stt, err := voice.NewWhisperClient(voice.WhisperConfig{
		URL:       cfg.STT.URL,
		AuthToken: cfg.STT.AuthToken,
		Language:  cfg.STT.Language,
		BeamSize:  cfg.STT.BeamSize,
		Translate: cfg.STT.Translate,
		Timeout:   cfg.STT.Timeout,
	})
	if err != nil {
		logging.FatalExitf("stt client", "err", err)
	}
	deps.Transcriber = stt
	tts, err := voice.NewTTSClient(voice.TTSConfig{
		URL:       cfg.TTS.URL,
		AuthToken: cfg.TTS.AuthToken,
		CacheSize: cfg.TTS.CacheSize,
		Timeout:   cfg.TTS.Timeout,
	})
	if err != nil {
		logging.FatalExitf("tts client", "err", err)
	}
	deps.Synthesizer = tts
	go tts.Warm(ctx, cfg.Pipeline.Voice, cfg.Pipeline.Speed, cfg.Pipeline.ApologyText)

	if cfg.Archive.Dir != "" {
		archive := voice.NewArchive(cfg.Archive.Dir, cfg.Archive.Retention, cfg.Archive.MaxFiles)
		stopCleaner, err := archive.StartCleaner(cfg.Archive.CleanSchedule)
		if err != nil {
			logging.FatalExitf("archive cleaner", "err", err)
		}
		defer stopCleaner()
		deps.Archiver = archive
	}

	provider, closeMCP := connectMCP(ctx, cfg)
	defer closeMCP()
	if provider != nil {
		deps.Context = provider
	}

	pcfg := pipelineConfig(cfg)
	srv := transport.NewServer(transport.Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SampleRate:     cfg.Audio.SampleRate,
		Pipeline:       pcfg,
	}, mgr, deps,
		transport.WithMetricsHandler(metrics.Handler(reg)),
		transport.WithMCPHandler(mcp.NewDiagnosticsServer(version, rec, mgr)),
	)

	var bridge *discordBridge
	if cfg.Discord.Enabled {
		bridge, err = startDiscord(cfg, pcfg, mgr, deps)
		if err != nil {
			logging.FatalExitf("discord bridge", "err", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logging.Infow("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logging.Errorw("http server failed", "err", err)
		}
	}

	shutdownCtx, cancel := contextWithTimeout(10 * time.Second)
	defer cancel()
	if bridge != nil {
		bridge.close(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnw("http shutdown incomplete", "err", err)
	}
	logging.Infow("shutdown complete", "sessions", mgr.Count())
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		SampleRate:  cfg.Audio.SampleRate,
		IdleTimeout: cfg.Session.IdleTimeout,
		VAD: vad.Config{
			SampleRate:          cfg.Audio.SampleRate,
			MinAudioLength:      cfg.VAD.MinAudioLength,
			ConfidenceThreshold: cfg.VAD.ConfidenceThreshold,
			FallbackLatency:     cfg.VAD.FallbackLatency,
			StatsWindow:         vad.DefaultConfig().StatsWindow,
		},
		Echo: echo.Config(cfg.Echo),
	}
}

// classifierFactory prefers the turn model service and falls back to the
// in-process energy classifier when none is configured.
func classifierFactory(cfg config.Config) session.ClassifierFactory {
	if cfg.VAD.ModelURL == "" {
		logging.Infow("vad: no model service configured, using energy classifier", "speech_db", cfg.VAD.SpeechDB)
		return func() vad.TurnClassifier { return vad.NewEnergyClassifier(cfg.VAD.SpeechDB) }
	}
	model := vad.NewHTTPClassifier(cfg.VAD.ModelURL, cfg.VAD.ModelTimeout)
	return func() vad.TurnClassifier { return model }
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.SampleRate = cfg.Audio.SampleRate
	pc.SpeechDB = cfg.VAD.SpeechDB
	pc.MaxAudioLength = cfg.VAD.MaxAudioLength
	pc.WarningInterval = cfg.Audio.WarningInterval
	pc.Quality = audio.QualityConfig{
		MinRMSDB:          cfg.Audio.MinRMSDB,
		QuietWarnDB:       cfg.Audio.QuietWarnDB,
		ClipWarnDB:        cfg.Audio.ClipWarnDB,
		NormalizeTargetDB: cfg.Audio.NormalizeTargetDB,
		MaxGainDB:         cfg.Audio.MaxGainDB,
	}
	pc.STTTimeout = cfg.Pipeline.STTTimeout
	pc.LLMTimeout = cfg.Pipeline.LLMTimeout
	pc.TTSTimeout = cfg.Pipeline.TTSTimeout
	pc.ContextTimeout = cfg.MCP.CallTimeout
	pc.SystemPrompt = cfg.Pipeline.SystemPrompt
	pc.Voice = cfg.Pipeline.Voice
	pc.Speed = cfg.Pipeline.Speed
	pc.ApologyText = cfg.Pipeline.ApologyText
	pc.HistoryTurns = cfg.Pipeline.HistoryTurns
	pc.WakePhrases = cfg.Pipeline.WakePhrases
	pc.WakeWindowS = cfg.Pipeline.WakeWindowS
	return pc
}

// connectMCP dials the manifest servers and the hub, if any. A context
// provider is returned only when at least one server connected and a
// context tool is configured.
func connectMCP(ctx context.Context, cfg config.Config) (*mcp.ContextProvider, func()) {
	var clients []*mcp.ClientWrapper

	manifest, err := mcpconfig.Load(cfg.MCP.ConfigPath)
	if err != nil {
		logging.Warnw("mcp: manifest not loaded", "err", err)
	} else if len(manifest.Servers) > 0 {
		connected, err := mcp.ConnectManifest(ctx, manifest, cfg.MCP.ServiceName, version)
		if err != nil {
			logging.Warnw("mcp: some servers failed to connect", "err", err)
		}
		clients = append(clients, connected...)
	}

	if cfg.MCP.ServerURL != "" {
		hub := mcp.NewClientWrapper(cfg.MCP.ServiceName, version)
		if err := hub.ConnectWebSocket(ctx, cfg.MCP.ServerURL); err != nil {
			logging.Warnw("mcp: hub connect failed", "url", cfg.MCP.ServerURL, "err", err)
		} else {
			clients = append(clients, hub)
		}
		if err := mcp.Register(ctx, cfg.MCP.ServerURL, cfg.MCP.ServiceName, cfg.MCP.AdvertiseURL); err != nil {
			logging.Warnw("mcp: register failed", "err", err)
		}
	}

	if len(clients) == 0 {
		return nil, func() {}
	}
	provider := mcp.NewContextProvider(cfg.MCP.ContextTool, cfg.MCP.CallTimeout, clients...)
	closeAll := func() {
		if err := provider.Close(); err != nil {
			logging.Debugw("mcp: close", "err", err)
		}
	}
	if cfg.MCP.ContextTool == "" {
		return nil, closeAll
	}
	return provider, closeAll
}

type discordBridge struct {
	dg *discordgo.Session
	vc *discordgo.VoiceConnection
	vp *voice.Processor
}

func startDiscord(cfg config.Config, pcfg pipeline.Config, mgr *session.Manager, deps pipeline.Deps) (*discordBridge, error) {
	if cfg.Discord.Token == "" {
		return nil, errors.New("DISCORD_BOT_TOKEN required")
	}
	dg, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMessages
	logging.Infow("using gateway intents", "intents", dg.Identify.Intents)

	if err := dg.Open(); err != nil {
		return nil, err
	}
	logging.Infow("discord session opened")

	vp := voice.NewProcessor(voice.ProcessorConfig{
		GuildID:        cfg.Discord.GuildID,
		VoiceChannelID: cfg.Discord.VoiceChannelID,
		TextChannelID:  cfg.Discord.TextChannelID,
		AllowedUserIDs: cfg.Discord.AllowedUserIDs,
		Pipeline:       pcfg,
	}, mgr, deps,
		voice.WithResolver(voice.NewDiscordResolver(dg)),
		voice.WithMessenger(dg),
	)
	dg.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		vp.HandleVoiceState(s, vs)
	})

	b := &discordBridge{dg: dg, vp: vp}
	logging.Infow("joining voice channel", logging.GuildFields(cfg.Discord.GuildID, "")...)
	vc, err := dg.ChannelVoiceJoin(cfg.Discord.GuildID, cfg.Discord.VoiceChannelID, false, false)
	if err != nil {
		ctx, cancel := contextWithTimeout(5 * time.Second)
		defer cancel()
		b.close(ctx)
		return nil, err
	}
	b.vc = vc
	vp.Attach(vc)
	logging.Infow("voice joined", "guild_id", cfg.Discord.GuildID, "channel_id", cfg.Discord.VoiceChannelID)
	return b, nil
}

func (b *discordBridge) close(ctx context.Context) {
	if err := b.vp.Close(ctx); err != nil {
		logging.Warnw("processor close error", "err", err)
	}
	if b.vc != nil {
		if err := b.vc.Disconnect(); err != nil {
			logging.Warnw("voice disconnect error", "err", err)
		}
	}
	if err := b.dg.Close(); err != nil {
		logging.Warnw("discord session close error", "err", err)
	}
}
