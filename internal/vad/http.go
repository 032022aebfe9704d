package vad

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
)

type turnRequest struct {
	AudioData   string `json:"audio_data"`
	AudioFormat string `json:"audio_format"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
}

type turnResponse struct {
	Prediction  int     `json:"prediction"`
	Probability float64 `json:"probability"`
}

// HTTPClassifier calls a smart-turn model service.
type HTTPClassifier struct {
	url    string
	client *resty.Client
}

func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	c := resty.New().
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(50 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= 500)
		})
	return &HTTPClassifier{url: url, client: c}
}

func (h *HTTPClassifier) Name() string { return "smart-turn" }

func (h *HTTPClassifier) Classify(ctx context.Context, samples []int16, sampleRate int) (Prediction, error) {
	body := turnRequest{
		AudioData:   base64.StdEncoding.EncodeToString(audio.SamplesToBytes(samples)),
		AudioFormat: "pcm",
		SampleRate:  sampleRate,
		Channels:    1,
	}
	var out turnResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post(h.url)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	if resp.IsError() {
		return Prediction{}, fmt.Errorf("%w: status %d", ErrClassifierUnavailable, resp.StatusCode())
	}
	return Prediction{TurnEnd: out.Prediction == 1, Probability: out.Probability}, nil
}
