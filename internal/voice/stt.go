package voice

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/logging"
	"github.com/discord-voice-lab/voiceloop/internal/pipeline"
)

var ErrNotConfigured = errors.New("service url not configured")

type WhisperConfig struct {
	URL       string
	AuthToken string
	Language  string
	BeamSize  int
	Translate bool
	Timeout   time.Duration
}

// WhisperClient posts utterances as WAV to a Whisper-style HTTP service and
// reads back {"text": ...}.
type WhisperClient struct {
	url    string
	client *resty.Client
}

type whisperResponse struct {
	Text         string      `json:"text"`
	ProcessingMS interface{} `json:"processing_ms"`
}

func NewWhisperClient(cfg WhisperConfig) (*WhisperClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("whisper: %w", ErrNotConfigured)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("whisper: parse url: %w", err)
	}
	q := u.Query()
	if cfg.Translate {
		q.Set("task", "translate")
	}
	if cfg.BeamSize > 0 {
		q.Set("beam_size", strconv.Itoa(cfg.BeamSize))
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	u.RawQuery = q.Encode()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := newRetryClient(timeout, 2)
	if cfg.AuthToken != "" {
		c.SetAuthToken(cfg.AuthToken)
	}
	return &WhisperClient{url: u.String(), client: c}, nil
}

// Transcribe implements pipeline.Transcriber.
func (w *WhisperClient) Transcribe(ctx context.Context, samples []int16, sampleRate int) (string, error) {
	wav, err := audio.EncodeWAV(samples, sampleRate, 1)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	cid := pipeline.TurnID(ctx)
	logging.DebugwCtx(ctx, "whisper: sending audio", "url", w.url, "samples", len(samples),
		"duration_ms", audio.BytesDuration(len(samples)*2, sampleRate).Milliseconds())

	var out whisperResponse
	start := time.Now()
	req := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "audio/wav").
		SetBody(wav).
		SetResult(&out)
	if cid != "" {
		req.SetHeader("X-Correlation-ID", cid)
	}
	resp, err := req.Post(w.url)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("whisper: status %d", resp.StatusCode())
	}

	serverMS := processingMS(resp.Header().Get("X-Processing-Time-ms"), out.ProcessingMS)
	logging.DebugwCtx(ctx, "whisper: response received", "status", resp.StatusCode(),
		"stt_latency_ms", time.Since(start).Milliseconds(), "stt_server_ms", serverMS)
	return strings.TrimSpace(out.Text), nil
}

// processingMS reads the server-side timing from the header, falling back
// to the body field, which services report as a number or a string.
func processingMS(header string, body interface{}) int {
	if n, err := strconv.Atoi(header); err == nil {
		return n
	}
	switch v := body.(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// newRetryClient retries transport errors and 5xx responses with a short
// exponential backoff.
func newRetryClient(timeout time.Duration, retries int) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return r != nil && r.StatusCode() >= 500
		})
}
