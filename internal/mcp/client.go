// Package mcp connects the assistant to Model Context Protocol servers and
// exposes its own diagnostics as an MCP server.
package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/voiceloop/internal/logging"
)

var ErrNotConnected = errors.New("mcp: not connected")

// ClientWrapper owns one client session to an MCP server over a websocket
// or a child process.
type ClientWrapper struct {
	name   string
	client *sdk.Client

	mu              sync.Mutex
	session         *sdk.ClientSession
	tools           map[string]bool
	keepaliveCancel context.CancelFunc
	closers         []func() error
}

// NewClientWrapper creates a wrapper that identifies as name/version.
func NewClientWrapper(name, version string) *ClientWrapper {
	c := sdk.NewClient(&sdk.Implementation{Name: name, Version: version}, nil)
	return &ClientWrapper{name: name, client: c}
}

// wsURL accepts http(s) URLs as well as ws(s).
func wsURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("mcp: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// ConnectWebSocket dials an MCP server websocket endpoint and starts a session.
func (w *ClientWrapper) ConnectWebSocket(ctx context.Context, rawurl string) error {
	target, err := wsURL(rawurl)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("mcp dial %s: %w", target, err)
	}
	if err := w.connect(ctx, newWebSocketTransport(conn)); err != nil {
		_ = conn.Close()
		return err
	}
	logging.Infow("mcp: connected", "server", target, "tools", len(w.toolNames()))
	return nil
}

// ConnectCommand spawns a local MCP server process and talks to it over stdio.
func (w *ClientWrapper) ConnectCommand(ctx context.Context, serverName, command string, args []string, env map[string]string) error {
	if command == "" {
		return errors.New("mcp: command is required")
	}
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mcp start %s: %w", serverName, err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			logging.Debugw("mcp: server stderr", "server", serverName, "line", sc.Text())
		}
	}()
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	if err := w.connect(ctx, newCommandTransport(stdout, stdin)); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		<-exited
		return err
	}
	logging.Infow("mcp: command server started", "server", serverName, "command", command,
		"args", strings.Join(args, " "), "tools", len(w.toolNames()))

	w.mu.Lock()
	w.closers = append(w.closers, func() error {
		_ = stdin.Close()
		var err error
		select {
		case err = <-exited:
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
			err = <-exited
		}
		if err != nil {
			logging.Debugw("mcp: command server exited", "server", serverName, "err", err)
		}
		return nil
	})
	w.mu.Unlock()
	return nil
}

func (w *ClientWrapper) connect(ctx context.Context, transport sdk.Transport) error {
	sess, err := w.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp connect: %w", err)
	}
	tools := make(map[string]bool)
	if res, err := sess.ListTools(ctx, &sdk.ListToolsParams{}); err == nil {
		for _, t := range res.Tools {
			tools[t.Name] = true
		}
	} else {
		logging.Warnw("mcp: list tools failed", "client", w.name, "err", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	if w.keepaliveCancel != nil {
		w.keepaliveCancel()
	}
	w.session = sess
	w.tools = tools
	w.keepaliveCancel = cancel
	w.mu.Unlock()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				pctx, pcancel := context.WithTimeout(kaCtx, 5*time.Second)
				if err := sess.Ping(pctx, nil); err != nil {
					logging.Debugw("mcp: ping failed", "client", w.name, "err", err)
				}
				pcancel()
			}
		}
	}()
	return nil
}

func (w *ClientWrapper) toolNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.tools))
	for name := range w.tools {
		out = append(out, name)
	}
	return out
}

// HasTool reports whether the server listed name when the session started.
func (w *ClientWrapper) HasTool(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tools[name]
}

// CallText calls a tool and joins the text content of its result.
func (w *ClientWrapper) CallText(ctx context.Context, tool string, args map[string]any) (string, error) {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()
	if sess == nil {
		return "", ErrNotConnected
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", tool, err)
	}
	var parts []string
	for _, c := range res.Content {
		if t, ok := c.(*sdk.TextContent); ok && t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", fmt.Errorf("mcp tool %s failed: %s", tool, text)
	}
	return text, nil
}

func (w *ClientWrapper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if w.keepaliveCancel != nil {
		w.keepaliveCancel()
		w.keepaliveCancel = nil
	}
	if w.session != nil {
		if err := w.session.Close(); err != nil {
			errs = append(errs, err)
		}
		w.session = nil
	}
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}
