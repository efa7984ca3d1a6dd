package store

import (
	"encoding/json"
	"time"

	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Checkpoint is the persisted snapshot of one session's workflow. State is an opaque
// serialized schema.WorkflowState; Node is where traversal re-enters on resume.
type Checkpoint struct {
	SessionKey string                `json:"session_key"`
	RequestID  string                `json:"request_id"`
	UserID     string                `json:"user_id,omitempty"`
	Node       string                `json:"node"`
	Status     schema.WorkflowStatus `json:"status"`
	State      json.RawMessage       `json:"state"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// CheckpointFilter specifies criteria for listing checkpoints.
type CheckpointFilter struct {
	Status        *schema.WorkflowStatus
	UpdatedBefore *time.Time
	Limit         int
}

// Event is an immutable entry in a session's event log.
type Event struct {
	ID         int64           `json:"id"`
	SessionKey string          `json:"session_key"`
	RequestID  string          `json:"request_id,omitempty"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// EventFilter specifies criteria for querying events by type.
type EventFilter struct {
	SessionKey string
	Since      *time.Time
	Limit      int
}

// Approval is the persisted form of a schema.ApprovalRequest.
type Approval struct {
	ID          string           `json:"id"`
	SessionKey  string           `json:"session_key"`
	RequestID   string           `json:"request_id,omitempty"`
	StepID      string           `json:"step_id,omitempty"`
	PlanID      string           `json:"plan_id,omitempty"`
	Action      string           `json:"action,omitempty"`
	Parameters  json.RawMessage  `json:"parameters,omitempty"`
	Description string           `json:"description,omitempty"`
	RiskLevel   schema.RiskLevel `json:"risk_level"`
	Message     string           `json:"message"`
	Approved    *bool            `json:"approved,omitempty"`
	Feedback    string           `json:"feedback,omitempty"`
	ResolvedBy  string           `json:"resolved_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
}

// Pending reports whether the approval has not been resolved.
func (a *Approval) Pending() bool {
	return a.ResolvedAt == nil
}

// ApprovalResolution is the once-only decision written to an Approval.
type ApprovalResolution struct {
	Approved   bool   `json:"approved"`
	Feedback   string `json:"feedback,omitempty"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// ApprovalFilter specifies criteria for listing approvals.
type ApprovalFilter struct {
	SessionKey  string
	PendingOnly bool
	Limit       int
}
