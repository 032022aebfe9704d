package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/discord-voice-lab/voiceloop/internal/logging"
)

// Register announces this service to an MCP hub by posting {name, url} to
// <hub>/mcp/register. An empty hub URL is a no-op.
func Register(ctx context.Context, hub, name, advertise string) error {
	if hub == "" || advertise == "" {
		return nil
	}
	base := strings.TrimRight(hub, "/")
	base = strings.Replace(strings.Replace(base, "ws://", "http://", 1), "wss://", "https://", 1)
	base = strings.TrimSuffix(base, "/mcp/ws")

	resp, err := resty.New().
		SetTimeout(5*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		R().
		SetContext(ctx).
		SetBody(map[string]string{"name": name, "url": advertise}).
		Post(base + "/mcp/register")
	if err != nil {
		return fmt.Errorf("mcp register: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("mcp register failed: %s", resp.Status())
	}
	logging.Infow("mcp: registered", "name", name, "url", advertise, "hub", base)
	return nil
}
