package plugins

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// Client is the part of an MCP client the manager uses. Satisfied by *client.Client.
type Client interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// dialFunc opens a fresh client for a plugin. Nil for attached clients, which cannot be
// restarted by the manager.
type dialFunc func(ctx context.Context) (Client, error)
