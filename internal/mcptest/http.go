package mcptest

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer returns an mcp-go server exposing two tools: "notify" sends
// three progress notifications before answering and "echo" returns its
// arguments as text.
func NewMCPServer() *server.MCPServer {
	s := server.NewMCPServer("fake-http", "1.0.0", server.WithToolCapabilities(true))
	s.AddTool(mcp.Tool{Name: "notify"}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		srv := server.ServerFromContext(ctx)
		for i := 0; i < 3; i++ {
			_ = srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{"progressToken": "p", "progress": i})
		}
		return mcp.NewToolResultText("done"), nil
	})
	s.AddTool(mcp.Tool{Name: "echo"}, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, _ := json.Marshal(req.GetArguments())
		return mcp.NewToolResultText(string(b)), nil
	})
	return s
}

// InitializeParams returns params for a client initialize request.
func InitializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "test", "version": "1.0.0"},
	}
}
