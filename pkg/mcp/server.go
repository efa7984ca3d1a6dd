package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/walterra/eddoapp-sub009/internal/approval"
	"github.com/walterra/eddoapp-sub009/internal/capability"
	"github.com/walterra/eddoapp-sub009/internal/engine"
	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/internal/store"
)

const instructions = `Eddo plans and runs todo and time-tracking requests.
Start with eddo.run. When a run suspends, answer with eddo.resolve (see eddo.pending).
eddo.status reads a session, eddo.abandon ends one, eddo.capabilities lists what steps can call.`

// ServerDeps holds the dependencies for creating an EddoServer.
type ServerDeps struct {
	Engine       engine.Engine
	Approvals    *approval.Coordinator
	Capabilities *capability.Registry
	Events       EventReader
	Logger       *slog.Logger
	Version      string
}

// EventReader reads a session's event log.
type EventReader interface {
	GetEvents(ctx context.Context, sessionKey string, since int64) ([]*store.Event, error)
}

// EddoServer exposes the orchestrator to MCP agents over stdio.
type EddoServer struct {
	deps      ServerDeps
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

func NewEddoServer(deps ServerDeps) *EddoServer {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := &EddoServer{deps: deps, logger: deps.Logger}
	s.mcpServer = server.NewMCPServer("eddo", deps.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.mcpServer.AddTools(s.tools()...)
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *EddoServer) Serve(ctx context.Context) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

func (s *EddoServer) MCPServer() *server.MCPServer { return s.mcpServer }

func (s *EddoServer) tools() []server.ServerTool {
	sessionKey := func(desc string) mcp.ToolOption {
		return mcp.WithString("session_key", mcp.Required(), mcp.Description(desc))
	}
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("eddo.run",
				mcp.WithDescription("Plan and run a natural-language request"),
				sessionKey("Conversation the request belongs to"),
				mcp.WithString("intent", mcp.Required(), mcp.Description("What the user asked for")),
				mcp.WithString("user_id", mcp.Description("ID of the requesting user")),
			),
			Handler: s.handleRun,
		},
		{
			Tool: mcp.NewTool("eddo.resolve",
				mcp.WithDescription("Approve or deny a pending approval request"),
				mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true to approve, false to deny")),
				mcp.WithString("request_id", mcp.Description("Approval request ID; takes precedence over session_key")),
				mcp.WithString("session_key", mcp.Description("Session whose pending approval to resolve")),
				mcp.WithString("feedback", mcp.Description("Note recorded with the decision")),
			),
			Handler: s.handleResolve,
		},
		{
			Tool: mcp.NewTool("eddo.status",
				mcp.WithDescription("Get the checkpointed state of a session"),
				sessionKey("Session to query"),
				mcp.WithBoolean("include_events", mcp.Description("Also return the session's event log")),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			Handler: s.handleStatus,
		},
		{
			Tool: mcp.NewTool("eddo.abandon",
				mcp.WithDescription("End a suspended or running session without finishing it"),
				sessionKey("Session to abandon"),
				mcp.WithString("reason", mcp.Description("Recorded on the abandoned event")),
				mcp.WithDestructiveHintAnnotation(true),
			),
			Handler: s.handleAbandon,
		},
		{
			Tool: mcp.NewTool("eddo.capabilities",
				mcp.WithDescription("List the capabilities plan steps can resolve to"),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			Handler: s.handleCapabilities,
		},
		{
			Tool: mcp.NewTool("eddo.pending",
				mcp.WithDescription("List unresolved approval requests"),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			Handler: s.handlePending,
		},
	}
}
