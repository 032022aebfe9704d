package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/discord-voice-lab/voiceloop/internal/logging"
	mcpconfig "github.com/discord-voice-lab/voiceloop/internal/mcp/config"
)

// ConnectManifest connects to every enabled server in the manifest. Servers
// that fail are logged and skipped; the error joins their failures.
func ConnectManifest(ctx context.Context, res mcpconfig.Result, name, version string) ([]*ClientWrapper, error) {
	var (
		clients []*ClientWrapper
		errs    []error
	)
	for _, server := range res.Order {
		sc := res.Servers[server]
		if !sc.IsEnabled() {
			continue
		}
		w := NewClientWrapper(name, version)
		var err error
		if sc.IsWebSocket() {
			err = w.ConnectWebSocket(ctx, sc.Transport.URL)
		} else {
			err = w.ConnectCommand(ctx, server, sc.Command, sc.Args, sc.Env)
		}
		if err != nil {
			logging.Warnw("mcp: server unavailable", "server", server, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		clients = append(clients, w)
	}
	return clients, errors.Join(errs...)
}

// ContextProvider asks MCP servers for context relevant to a transcript by
// calling one tool with {query, session_id}. It satisfies
// pipeline.ContextProvider.
type ContextProvider struct {
	clients []*ClientWrapper
	tool    string
	timeout time.Duration
}

func NewContextProvider(tool string, timeout time.Duration, clients ...*ClientWrapper) *ContextProvider {
	return &ContextProvider{clients: clients, tool: tool, timeout: timeout}
}

// Context joins the text every server that offers the tool returns. It
// fails only when every call failed.
func (p *ContextProvider) Context(ctx context.Context, sessionID, text string) (string, error) {
	if p == nil || p.tool == "" {
		return "", nil
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	args := map[string]any{"query": text, "session_id": sessionID}

	var (
		parts []string
		errs  []error
		tried int
	)
	for _, c := range p.clients {
		if !c.HasTool(p.tool) {
			continue
		}
		tried++
		out, err := c.CallText(ctx, p.tool, args)
		if err != nil {
			logging.DebugwCtx(ctx, "mcp: context call failed", "client", c.name, "tool", p.tool, "err", err)
			errs = append(errs, err)
			continue
		}
		if out = strings.TrimSpace(out); out != "" {
			parts = append(parts, out)
		}
	}
	if tried > 0 && len(errs) == tried {
		return "", errors.Join(errs...)
	}
	return strings.Join(parts, "\n\n"), nil
}

// Close closes every client.
func (p *ContextProvider) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
