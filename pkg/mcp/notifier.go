package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/walterra/eddoapp-sub009/internal/conversation"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// ChannelName is the conversation channel name of MCP clients.
const ChannelName = "mcp"

// MCPNotifier is a conversation.Channel that pushes messages to MCP client sessions as
// notifications/message. The address is the MCP session ID.
type MCPNotifier struct {
	mcpServer *server.MCPServer
}

// NewMCPNotifier creates a notifier that pushes via the given server.
func NewMCPNotifier(mcpServer *server.MCPServer) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer}
}

func (n *MCPNotifier) Name() string { return ChannelName }

// Send pushes text to the client session. A disconnected session is a NOTIFICATION_FAILED error.
func (n *MCPNotifier) Send(_ context.Context, sessionID, text string, actions []conversation.Action) error {
	payload := map[string]any{
		"level":  "info",
		"logger": "eddo",
		"data":   map[string]any{"text": text, "actions": actions},
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		return schema.NewErrorf(schema.ErrCodeNotification, "mcp session %q is gone", sessionID).WithCause(err)
	}
	return err
}
