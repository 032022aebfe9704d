package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/discord-voice-lab/voiceloop/internal/pipeline"
)

type chatBody struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	MaxTokens int `json:"max_tokens"`
}

func reply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id": "resp",
		"choices": []map[string]interface{}{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}},
		},
	})
}

func TestModelSelectionAndFallback(t *testing.T) {
	// mock server that returns 500 for model "primary" and 200 for others
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p chatBody
		json.NewDecoder(r.Body).Decode(&p)
		if p.Model == "primary" {
			http.Error(w, "server error", 500)
			return
		}
		reply(w, "ok from "+p.Model)
	}))
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL, Model: "primary", FallbackModel: "local"})
	resp, err := client.CreateChatCompletion(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("expected success via fallback, got err: %v", err)
	}
	if resp.Content != "ok from local" {
		t.Fatalf("unexpected content: %v", resp.Content)
	}
	if resp.Model != "local" {
		t.Fatalf("unexpected model: %v", resp.Model)
	}
}

func TestPermanentError(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		http.Error(w, "unauthorized", 401)
	}))
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL, Model: "primary", FallbackModel: "local"})
	_, err := client.CreateChatCompletion(context.Background(), ChatRequest{})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Fatalf("permanent errors must not fall back: hits=%d", hits)
	}
}

func TestTransientErrorWithoutFallback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", 429)
	}))
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL, Model: "primary"})
	_, err := client.CreateChatCompletion(context.Background(), ChatRequest{})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got: %v", err)
	}
}

func TestGenerateBuildsConversation(t *testing.T) {
	var got chatBody
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		reply(w, "  It is noon.  ")
	}))
	defer ts.Close()

	client := NewClient(Config{BaseURL: ts.URL, Model: "local", MaxTokens: 64})
	out, err := client.Generate(context.Background(), pipeline.Prompt{
		SystemPrompt: "be brief",
		Context:      "timezone: UTC",
		History: []pipeline.Message{
			{Role: pipeline.RoleUser, Content: "hi"},
			{Role: pipeline.RoleAssistant, Content: "hello"},
		},
		Text: "what time is it",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "It is noon." {
		t.Fatalf("unexpected reply: %q", out)
	}

	wantRoles := []string{"system", "system", "user", "assistant", "user"}
	if len(got.Messages) != len(wantRoles) {
		t.Fatalf("unexpected message count: %d", len(got.Messages))
	}
	for i, role := range wantRoles {
		if got.Messages[i].Role != role {
			t.Fatalf("message %d role: want=%s got=%s", i, role, got.Messages[i].Role)
		}
	}
	if got.Messages[1].Content != "Relevant context:\ntimezone: UTC" {
		t.Fatalf("context message: %q", got.Messages[1].Content)
	}
	if got.Messages[4].Content != "what time is it" {
		t.Fatalf("user message: %q", got.Messages[4].Content)
	}
	if got.MaxTokens != 64 {
		t.Fatalf("max tokens: want=64 got=%d", got.MaxTokens)
	}
}
