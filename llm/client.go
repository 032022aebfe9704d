// Package llm generates assistant replies through an OpenAI-compatible chat
// completions API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/discord-voice-lab/voiceloop/internal/logging"
	"github.com/discord-voice-lab/voiceloop/internal/pipeline"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	MaxTokens     int
	Temperature   float64
}

type Client struct {
	api *openai.Client
	cfg Config
}

type ChatRequest struct {
	Model       string
	Messages    []openai.ChatCompletionMessage
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	ID      string
	Model   string
	Content string
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8000/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "local"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{api: openai.NewClientWithConfig(oc), cfg: cfg}
}

// CreateChatCompletion sends req, retrying once on the fallback model when
// the primary fails transiently. Errors wrap ErrPermanent or ErrTransient.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > c.cfg.MaxTokens {
		maxTokens = c.cfg.MaxTokens
	}

	resp, err := c.complete(ctx, model, req, maxTokens)
	if err == nil {
		return resp, nil
	}
	fallback := c.cfg.FallbackModel
	if !errors.Is(err, ErrTransient) || fallback == "" || fallback == model || ctx.Err() != nil {
		return ChatResponse{}, err
	}
	logging.WarnwCtx(ctx, "llm: primary model failed, trying fallback", "model", model, "fallback", fallback, "err", err)
	select {
	case <-time.After(250 * time.Millisecond):
	case <-ctx.Done():
		return ChatResponse{}, fmt.Errorf("%w: %w", ErrTransient, ctx.Err())
	}
	resp, ferr := c.complete(ctx, fallback, req, maxTokens)
	if ferr != nil {
		return ChatResponse{}, fmt.Errorf("fallback: %w", ferr)
	}
	return resp, nil
}

func (c *Client) complete(ctx context.Context, model string, req ChatRequest, maxTokens int) (ChatResponse, error) {
	temp := req.Temperature
	if temp == 0 {
		temp = c.cfg.Temperature
	}
	out, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		Temperature: float32(temp),
	})
	if err != nil {
		return ChatResponse{}, classify(err)
	}
	content := ""
	if len(out.Choices) > 0 {
		content = out.Choices[0].Message.Content
	}
	return ChatResponse{ID: out.ID, Model: model, Content: content}, nil
}

// classify maps transport failures, 429 and 5xx to ErrTransient and other
// HTTP errors to ErrPermanent.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 || status == 429 || status >= 500 {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: status %d: %w", ErrPermanent, status, err)
}

// Generate implements pipeline.Generator: system prompt, optional external
// context, bounded history, then the user's words.
func (c *Client) Generate(ctx context.Context, p pipeline.Prompt) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(p.History)+3)
	if p.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.SystemPrompt})
	}
	if p.Context != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Relevant context:\n" + p.Context,
		})
	}
	for _, m := range p.History {
		role := openai.ChatMessageRoleUser
		if m.Role == pipeline.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.Text})

	resp, err := c.CreateChatCompletion(ctx, ChatRequest{Messages: msgs})
	if err != nil {
		return "", err
	}
	logging.DebugwCtx(ctx, "llm: reply", "model", resp.Model, "chars", len(resp.Content))
	return strings.TrimSpace(resp.Content), nil
}
