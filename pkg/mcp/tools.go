package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/walterra/eddoapp-sub009/internal/approval"
	"github.com/walterra/eddoapp-sub009/internal/conversation"
	"github.com/walterra/eddoapp-sub009/internal/engine"
	"github.com/walterra/eddoapp-sub009/internal/logging"
)

// handleRun starts a request and returns once it completes or suspends for approval.
func (s *EddoServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionKey, err := req.RequireString("session_key")
	if err != nil {
		return mcp.NewToolResultError("session_key is required"), nil
	}
	intent, err := req.RequireString("intent")
	if err != nil {
		return mcp.NewToolResultError("intent is required"), nil
	}

	// Progress and approval prompts go back to the calling client.
	res, runErr := s.deps.Engine.Run(ctx, engine.Request{
		SessionKey: sessionKey,
		UserID:     req.GetString("user_id", ""),
		Intent:     intent,
		Handle:     clientHandle(ctx),
	})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	return marshalResult(res)
}

// handleResolve resolves an approval and waits for the resumed traversal.
func (s *EddoServer) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}
	requestID := req.GetString("request_id", "")
	sessionKey := req.GetString("session_key", "")
	feedback := req.GetString("feedback", "")

	if requestID != "" && sessionKey == "" {
		for _, p := range s.deps.Approvals.List() {
			if p.ID == requestID {
				sessionKey = p.SessionKey
			}
		}
	}

	var outcome approval.Outcome
	switch {
	case requestID != "":
		outcome = s.deps.Approvals.ResolveByID(ctx, requestID, approved, feedback)
	case sessionKey != "":
		outcome = s.deps.Approvals.ResolveSession(ctx, sessionKey, approved, feedback)
	default:
		return mcp.NewToolResultError("request_id or session_key is required"), nil
	}

	out := map[string]any{"outcome": outcome}
	if outcome == approval.OutcomeResolved && sessionKey != "" {
		s.deps.Engine.Wait()
		if res, statusErr := s.deps.Engine.Status(ctx, sessionKey); statusErr == nil {
			out["session"] = res
		}
	}
	return marshalResult(out)
}

// handleStatus returns a session's checkpointed state.
func (s *EddoServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionKey, err := req.RequireString("session_key")
	if err != nil {
		return mcp.NewToolResultError("session_key is required"), nil
	}

	res, statusErr := s.deps.Engine.Status(ctx, sessionKey)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	if !req.GetBool("include_events", false) || s.deps.Events == nil {
		return marshalResult(res)
	}

	events, evErr := s.deps.Events.GetEvents(ctx, sessionKey, 0)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
	}
	return marshalResult(map[string]any{"session": res, "events": events})
}

// handleAbandon ends a session. Abandoning a finished session is reported, not an error.
func (s *EddoServer) handleAbandon(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionKey, err := req.RequireString("session_key")
	if err != nil {
		return mcp.NewToolResultError("session_key is required"), nil
	}
	reason := req.GetString("reason", "abandoned by mcp client")
	abandoned, abErr := s.deps.Engine.Abandon(ctx, sessionKey, reason)
	if abErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("abandon failed: %v", abErr)), nil
	}
	s.logger.InfoContext(logging.WithSessionKey(ctx, sessionKey), "session abandoned over mcp", slog.Bool("changed", abandoned))
	return marshalResult(map[string]any{"session_key": sessionKey, "abandoned": abandoned})
}

func (s *EddoServer) handleCapabilities(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	caps := s.deps.Capabilities.List()
	return marshalResult(map[string]any{"capabilities": caps, "total": len(caps)})
}

func (s *EddoServer) handlePending(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pending := s.deps.Approvals.List()
	return marshalResult(map[string]any{"approvals": pending, "total": len(pending)})
}

// clientHandle addresses the calling MCP session, or nil outside one.
func clientHandle(ctx context.Context) *conversation.Handle {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return nil
	}
	return &conversation.Handle{Channel: ChannelName, Address: session.SessionID()}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
