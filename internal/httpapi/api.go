package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/walterra/eddoapp-sub009/internal/approval"
	"github.com/walterra/eddoapp-sub009/internal/conversation"
	"github.com/walterra/eddoapp-sub009/internal/engine"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

type runBody struct {
	Intent string `json:"intent"`
	UserID string `json:"user_id"`
	// Async dispatches the run on the worker pool and returns 202 immediately.
	Async bool `json:"async"`
}

type decisionBody struct {
	Approved *bool  `json:"approved"`
	Feedback string `json:"feedback"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.deps.Plugins != nil {
		resp["plugins"] = s.deps.Plugins.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	caps := s.deps.Capabilities.List()
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": caps, "total": len(caps)})
}

// handleRun starts a run for the session in the path.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var body runBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	body.Intent = strings.TrimSpace(body.Intent)
	if body.Intent == "" {
		writeError(w, http.StatusBadRequest, "intent is required")
		return
	}

	req := engine.Request{SessionKey: key, UserID: body.UserID, Intent: body.Intent}
	if s.deps.Outbox != nil {
		req.Handle = &conversation.Handle{Channel: s.deps.Outbox.Name(), Address: key}
	}

	if body.Async {
		log := s.deps.Logger.With(slog.String("session_key", key))
		err := s.deps.Engine.Dispatch(context.WithoutCancel(r.Context()), req, func(_ *engine.Result, err error) {
			if err != nil {
				log.Warn("dispatched run failed", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"session_key": key, "status": "dispatched"})
		return
	}

	// A client that disconnects mid-run must not interrupt the traversal.
	res, err := s.deps.Engine.Run(context.WithoutCancel(r.Context()), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStatus returns the checkpointed state and any buffered output of the session.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	res, err := s.deps.Engine.Status(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := map[string]any{"session": res}
	if s.deps.Outbox != nil {
		resp["messages"] = s.deps.Outbox.Messages(key)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "abandoned via api"
	}
	ok, err := s.deps.Engine.Abandon(r.Context(), key, reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "session already finished")
		return
	}
	if s.deps.Outbox != nil {
		s.deps.Outbox.Drop(key)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_key": key})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	events, err := s.deps.Store.GetEvents(r.Context(), key, int64(queryInt(r, "since", 0)))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": len(events)})
}

// handleSessionApproval resolves whatever approval the session is waiting on.
func (s *Server) handleSessionApproval(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	body, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	switch s.deps.Approvals.ResolveSession(r.Context(), key, *body.Approved, body.Feedback) {
	case approval.OutcomeResolved:
	case approval.OutcomeFailed:
		writeError(w, http.StatusServiceUnavailable, "approval not recorded, retry")
		return
	default:
		writeError(w, http.StatusNotFound, "no pending approval for session")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "session_key": key, "approved": *body.Approved})
}

func (s *Server) handleApprovals(w http.ResponseWriter, _ *http.Request) {
	pending := s.deps.Approvals.List()
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending, "total": len(pending)})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	switch outcome := s.deps.Approvals.ResolveByID(r.Context(), id, *body.Approved, body.Feedback); outcome {
	case approval.OutcomeResolved:
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "approval_id": id, "outcome": outcome})
	case approval.OutcomeAlreadyResolved:
		writeError(w, http.StatusConflict, "approval already resolved")
	case approval.OutcomeFailed:
		writeError(w, http.StatusServiceUnavailable, "approval not recorded, retry")
	default:
		writeError(w, http.StatusNotFound, "approval not found")
	}
}

func decodeDecision(w http.ResponseWriter, r *http.Request) (decisionBody, bool) {
	var body decisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return body, false
	}
	if body.Approved == nil {
		writeError(w, http.StatusBadRequest, "approved is required")
		return body, false
	}
	return body, true
}

// writeEngineError maps an EddoError code to an HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch schema.CodeOf(err) {
	case schema.ErrCodeValidation:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeCancelled:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}
