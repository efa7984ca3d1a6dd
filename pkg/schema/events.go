package schema

// Event type constants for the per-session event log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowSuspended = "workflow_suspended"
	EventWorkflowResumed   = "workflow_resumed"
	EventWorkflowAbandoned = "workflow_abandoned"

	EventNodeEntered = "node_entered"

	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"

	EventCircuitBreakerOpen = "circuit_breaker_open"
	EventNotificationFailed = "notification_failed"
)

// WorkflowStatus represents the lifecycle state of a session's checkpoint.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusSuspended WorkflowStatus = "suspended"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusAbandoned WorkflowStatus = "abandoned"
)

// IsTerminal reports whether no further traversal can happen from this status.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusAbandoned
}

// StepStatus represents the outcome of an executed plan step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)
