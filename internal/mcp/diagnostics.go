package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/voiceloop/internal/logging"
	"github.com/discord-voice-lab/voiceloop/internal/metrics"
	"github.com/discord-voice-lab/voiceloop/internal/session"
)

// MetricsSource is the part of metrics.Recorder the diagnostics tools read.
type MetricsSource interface {
	Summary() string
	Recent() []metrics.TraceSummary
}

// SessionSource lists live sessions.
type SessionSource interface {
	List() []session.Info
}

// DiagnosticsServer serves turn_metrics and list_sessions to MCP clients
// that connect over a websocket.
type DiagnosticsServer struct {
	server   *sdk.Server
	upgrader websocket.Upgrader
}

type turnMetricsArgs struct {
	Recent int `json:"recent,omitempty" jsonschema:"number of most recent turns to include"`
}

type listSessionsArgs struct{}

func NewDiagnosticsServer(version string, m MetricsSource, s SessionSource) *DiagnosticsServer {
	server := sdk.NewServer(&sdk.Implementation{Name: "voiceloop-diagnostics", Version: version}, nil)

	sdk.AddTool(server, &sdk.Tool{
		Name:        "turn_metrics",
		Description: "Per-stage latency summary and the most recent turns",
	}, func(ctx context.Context, req *sdk.CallToolRequest, args turnMetricsArgs) (*sdk.CallToolResult, any, error) {
		content := []sdk.Content{&sdk.TextContent{Text: m.Summary()}}
		if args.Recent > 0 {
			recent := m.Recent()
			if len(recent) > args.Recent {
				recent = recent[len(recent)-args.Recent:]
			}
			b, err := json.Marshal(recent)
			if err != nil {
				return nil, nil, err
			}
			content = append(content, &sdk.TextContent{Text: string(b)})
		}
		return &sdk.CallToolResult{Content: content}, nil, nil
	})

	sdk.AddTool(server, &sdk.Tool{
		Name:        "list_sessions",
		Description: "Live conversation sessions with their state and counters",
	}, func(ctx context.Context, req *sdk.CallToolRequest, _ listSessionsArgs) (*sdk.CallToolResult, any, error) {
		infos := s.List()
		sort.Slice(infos, func(i, j int) bool { return infos[i].Created.Before(infos[j].Created) })
		b, err := json.Marshal(infos)
		if err != nil {
			return nil, nil, err
		}
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: string(b)}}}, nil, nil
	})

	return &DiagnosticsServer{server: server}
}

// ServeHTTP upgrades the request and runs one MCP server session on it.
func (d *DiagnosticsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("mcp: diagnostics upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	go func() {
		ss, err := d.server.Connect(context.Background(), newWebSocketTransport(conn), nil)
		if err != nil {
			logging.Warnw("mcp: diagnostics connect failed", "remote", r.RemoteAddr, "err", err)
			_ = conn.Close()
			return
		}
		logging.Debugw("mcp: diagnostics client connected", "remote", r.RemoteAddr)
		if err := ss.Wait(); err != nil {
			logging.Debugw("mcp: diagnostics session ended", "remote", r.RemoteAddr, "err", err)
		}
	}()
}
