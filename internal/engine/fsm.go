package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/walterra/eddoapp-sub009/internal/store"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// TransitionHook is called before or after a transition.
type TransitionHook func(ctx context.Context, sessionKey string, from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Node FSM ---

type nodeHookKey struct {
	from, to NodeID
}

// NodeFSM validates graph transitions and emits node_entered events.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[nodeHookKey][]TransitionHook
	after    map[nodeHookKey][]TransitionHook
}

// NewNodeFSM creates a NodeFSM that emits events via the given appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{
		appender: appender,
		before:   make(map[nodeHookKey][]TransitionHook),
		after:    make(map[nodeHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a node transition. A hook error aborts it.
func (f *NodeFSM) OnBefore(from, to NodeID, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a node transition.
func (f *NodeFSM) OnAfter(from, to NodeID, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Enter records entry into the initial node. from is empty.
func (f *NodeFSM) Enter(ctx context.Context, sessionKey, requestID string) error {
	return f.emit(ctx, sessionKey, requestID, "", NodeAnalyzeIntent)
}

// Transition validates from -> to against the node table and emits node_entered.
// The caller is responsible for checkpointing the new node.
func (f *NodeFSM) Transition(ctx context.Context, sessionKey, requestID string, from, to NodeID) error {
	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithDetails(map[string]any{"session_key": sessionKey, "from": string(from), "to": string(to)})
	}

	key := nodeHookKey{from, to}
	f.mu.Lock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, sessionKey, string(from), string(to)); err != nil {
			return err
		}
	}
	if err := f.emit(ctx, sessionKey, requestID, from, to); err != nil {
		return err
	}
	for _, hook := range after {
		if err := hook(ctx, sessionKey, string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func (f *NodeFSM) emit(ctx context.Context, sessionKey, requestID string, from, to NodeID) error {
	payload, _ := json.Marshal(store.NodeEntered{Node: string(to), From: string(from)})
	event := &store.Event{
		SessionKey: sessionKey,
		RequestID:  requestID,
		Type:       schema.EventNodeEntered,
		Payload:    payload,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func isValidNodeTransition(from, to NodeID) bool {
	allowed, ok := ValidNodeTransitions[from]
	return ok && slices.Contains(allowed, to)
}

// --- Session FSM ---

// SessionFSM validates checkpoint status changes and emits the workflow_* events.
type SessionFSM struct {
	appender EventAppender
}

// NewSessionFSM creates a SessionFSM that emits events via the given appender.
func NewSessionFSM(appender EventAppender) *SessionFSM {
	return &SessionFSM{appender: appender}
}

// Transition validates from -> to and emits the matching event. An empty from means a
// new run.
func (f *SessionFSM) Transition(ctx context.Context, sessionKey, requestID string, from, to schema.WorkflowStatus, payload any) error {
	if !isValidSessionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid session transition: %s -> %s", from, to).
			WithDetails(map[string]any{"session_key": sessionKey, "from": string(from), "to": string(to)})
	}

	eventType := sessionEventType(from, to)
	if eventType == "" {
		return nil
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	event := &store.Event{
		SessionKey: sessionKey,
		RequestID:  requestID,
		Type:       eventType,
		Payload:    raw,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit session event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func isValidSessionTransition(from, to schema.WorkflowStatus) bool {
	allowed, ok := ValidSessionTransitions[from]
	return ok && slices.Contains(allowed, to)
}

func sessionEventType(from, to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		if from == schema.WorkflowStatusSuspended {
			return schema.EventWorkflowResumed
		}
		if from == "" {
			return schema.EventWorkflowStarted
		}
	case schema.WorkflowStatusSuspended:
		return schema.EventWorkflowSuspended
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusAbandoned:
		return schema.EventWorkflowAbandoned
	}
	return ""
}

// --- Transition tables ---

// ValidNodeTransitions is the node transition table. Every non-terminal node may fall
// through to REFLECT so a failure can always end the traversal.
var ValidNodeTransitions = map[NodeID][]NodeID{
	NodeAnalyzeIntent: {NodeGeneratePlan, NodeReflect},
	NodeGeneratePlan:  {NodePlanApproval, NodeReflect},
	NodePlanApproval:  {NodeExecuteStep, NodeReflect},
	NodeExecuteStep:   {NodeExecuteStep, NodeStepApproval, NodeReflect},
	NodeStepApproval:  {NodeExecuteStep, NodeReflect},
	NodeReflect:       {},
}

// ValidSessionTransitions defines the allowed checkpoint status changes. "" is a new run.
var ValidSessionTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	"":                             {schema.WorkflowStatusRunning},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusRunning, schema.WorkflowStatusSuspended, schema.WorkflowStatusCompleted, schema.WorkflowStatusAbandoned},
	schema.WorkflowStatusSuspended: {schema.WorkflowStatusRunning, schema.WorkflowStatusAbandoned},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusAbandoned: {},
}
