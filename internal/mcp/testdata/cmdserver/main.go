// Command cmdserver is a stdio MCP server used by the client tests.
package main

import (
	"context"
	"fmt"
	"log"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type lookupArgs struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

func main() {
	server := sdk.NewServer(&sdk.Implementation{Name: "notes", Version: "1.0.0"}, nil)

	sdk.AddTool(server, &sdk.Tool{Name: "lookup", Description: "look up notes for a query"}, func(ctx context.Context, req *sdk.CallToolRequest, args lookupArgs) (*sdk.CallToolResult, any, error) {
		return &sdk.CallToolResult{
			Content: []sdk.Content{
				&sdk.TextContent{Text: fmt.Sprintf("notes for %q in %s", args.Query, args.SessionID)},
			},
		}, nil, nil
	})

	if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		log.Printf("server exited: %v", err)
	}
}
