package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// NodeEntered is the payload of a node_entered event.
type NodeEntered struct {
	Node string `json:"node"`
	From string `json:"from,omitempty"`
}

// AppendEvent appends an event with the next per-session sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a session with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, sessionKey string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, sessionKey, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// History is a session's event log folded into the shape of its traversal.
type History struct {
	SessionKey  string
	NodePath    []string
	Steps       map[string]schema.StepStatus
	Requested   []string
	Resolved    []string
	Suspensions int
	Completed   bool
}

// Replay folds every event for a session into a History.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, sessionKey string) (*History, error) {
	events, err := el.store.GetEvents(ctx, sessionKey, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	h := &History{SessionKey: sessionKey, Steps: make(map[string]schema.StepStatus)}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in session %s: expected %d, got %d", sessionKey, expected, e.Sequence)
		}
	}

	for _, e := range events {
		switch e.Type {
		case schema.EventNodeEntered:
			var p NodeEntered
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode node_entered #%d: %w", e.Sequence, err)
			}
			h.NodePath = append(h.NodePath, p.Node)
		case schema.EventStepCompleted:
			h.Steps[e.StepID] = schema.StepStatusCompleted
		case schema.EventStepFailed:
			h.Steps[e.StepID] = schema.StepStatusFailed
		case schema.EventStepSkipped:
			h.Steps[e.StepID] = schema.StepStatusSkipped
		case schema.EventApprovalRequested:
			h.Requested = append(h.Requested, approvalID(e.Payload))
		case schema.EventApprovalResolved:
			h.Resolved = append(h.Resolved, approvalID(e.Payload))
		case schema.EventWorkflowSuspended:
			h.Suspensions++
		case schema.EventWorkflowCompleted:
			h.Completed = true
		}
	}

	return h, nil
}

// NodePath returns the ordered list of nodes a session has entered.
func (el *EventLog) NodePath(ctx context.Context, sessionKey string) ([]string, error) {
	h, err := el.Replay(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	return h.NodePath, nil
}

func approvalID(payload json.RawMessage) string {
	var p struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(payload, &p)
	return p.ID
}
