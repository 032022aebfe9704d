package voice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/logging"
	"github.com/discord-voice-lab/voiceloop/internal/pipeline"
)

type TTSConfig struct {
	URL       string
	AuthToken string
	CacheSize int
	Timeout   time.Duration
}

// TTSClient performs text->audio synthesis against an external service.
// Replies it has produced before (apologies, greetings) come from an LRU
// cache instead of another round trip.
type TTSClient struct {
	url    string
	client *resty.Client
	cache  *lru.Cache[string, audio.Clip]
}

type ttsRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

func NewTTSClient(cfg TTSConfig) (*TTSClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("tts: %w", ErrNotConfigured)
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 64
	}
	cache, err := lru.New[string, audio.Clip](size)
	if err != nil {
		return nil, fmt.Errorf("tts: cache: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := newRetryClient(timeout, 1)
	if cfg.AuthToken != "" {
		c.SetAuthToken(cfg.AuthToken)
	}
	return &TTSClient{url: cfg.URL, client: c, cache: cache}, nil
}

func cacheKey(text, voice string, speed float64) string {
	return fmt.Sprintf("%s|%.2f|%s", voice, speed, text)
}

// Synthesize implements pipeline.Synthesizer. The service answers with a
// WAV document.
func (t *TTSClient) Synthesize(ctx context.Context, text, voice string, speed float64) (audio.Clip, error) {
	key := cacheKey(text, voice, speed)
	if clip, ok := t.cache.Get(key); ok {
		logging.DebugwCtx(ctx, "tts: cache hit", "chars", len(text))
		return clip, nil
	}

	req := t.client.R().
		SetContext(ctx).
		SetHeader("Accept", "audio/wav").
		SetBody(ttsRequest{Text: text, Voice: voice, Speed: speed})
	if cid := pipeline.TurnID(ctx); cid != "" {
		req.SetHeader("X-Correlation-ID", cid)
	}
	resp, err := req.Post(t.url)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("tts: %w", err)
	}
	if resp.IsError() {
		logging.WarnwCtx(ctx, "tts: returned non-2xx", "status", resp.StatusCode())
		return audio.Clip{}, fmt.Errorf("tts: status %d", resp.StatusCode())
	}
	clip, err := audio.DecodeWAV(resp.Body())
	if err != nil {
		return audio.Clip{}, fmt.Errorf("tts: %w", err)
	}
	t.cache.Add(key, clip)
	logging.DebugwCtx(ctx, "tts: synthesized", "chars", len(text), "duration_ms", clip.Duration().Milliseconds())
	return clip, nil
}

// Warm synthesizes phrases ahead of time so they are served from cache.
func (t *TTSClient) Warm(ctx context.Context, voice string, speed float64, phrases ...string) {
	for _, p := range phrases {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := t.Synthesize(ctx, p, voice, speed); err != nil {
			logging.Debugw("tts: warm failed", "err", err)
		}
	}
}
