package schema

import (
	"encoding/json"
	"time"
)

// Classification is the coarse shape of a user request.
type Classification string

const (
	ClassificationSimple   Classification = "simple"
	ClassificationCompound Classification = "compound"
	ClassificationComplex  Classification = "complex"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationSimple, ClassificationCompound, ClassificationComplex:
		return true
	}
	return false
}

// RiskLevel grades the blast radius of a plan or step.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Bounds for TaskAnalysis.EstimatedSteps.
const (
	MinEstimatedSteps = 1
	MaxEstimatedSteps = 20
)

// TaskAnalysis is the classifier's view of a request. Immutable once produced.
type TaskAnalysis struct {
	Classification   Classification `json:"classification"`
	Confidence       float64        `json:"confidence"`
	RequiresApproval bool           `json:"requiresApproval"`
	RiskLevel        RiskLevel      `json:"riskLevel"`
	EstimatedSteps   int            `json:"estimatedSteps"`
	Reasoning        string         `json:"reasoning,omitempty"`
}

// FallbackAnalysis is substituted when the classifier cannot produce an analysis.
func FallbackAnalysis(reason string) *TaskAnalysis {
	return &TaskAnalysis{
		Classification:   ClassificationSimple,
		Confidence:       0.3,
		RequiresApproval: false,
		RiskLevel:        RiskLow,
		EstimatedSteps:   MinEstimatedSteps,
		Reasoning:        reason,
	}
}

// PlanStep is an immutable template for one unit of work.
type PlanStep struct {
	ID               string         `json:"id"`
	Action           string         `json:"action"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Description      string         `json:"description,omitempty"`
	RequiresApproval bool           `json:"requiresApproval"`
	RiskLevel        RiskLevel      `json:"riskLevel"`
}

// ExecutionPlan is the ordered set of steps derived from a request. Immutable after creation.
type ExecutionPlan struct {
	ID                string     `json:"id"`
	UserIntent        string     `json:"userIntent"`
	Steps             []PlanStep `json:"steps"`
	RequiresApproval  bool       `json:"requiresApproval"`
	RiskLevel         RiskLevel  `json:"riskLevel"`
	EstimatedDuration string     `json:"estimatedDuration,omitempty"`
}

// ExecutionStep records the outcome of one PlanStep. Append-only.
type ExecutionStep struct {
	StepID      string          `json:"stepId"`
	Action      string          `json:"action"`
	Capability  string          `json:"capability,omitempty"`
	Status      StepStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
}

// ApprovalRequest is a gate prompt. Resolved at most once; immutable thereafter.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	SessionKey  string         `json:"sessionKey"`
	StepID      string         `json:"stepId,omitempty"`
	PlanID      string         `json:"planId,omitempty"`
	Action      string         `json:"action,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Description string         `json:"description,omitempty"`
	RiskLevel   RiskLevel      `json:"riskLevel"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
	Approved    *bool          `json:"approved,omitempty"`
	Feedback    string         `json:"feedback,omitempty"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
}

// Resolved reports whether a decision has been recorded.
func (r *ApprovalRequest) Resolved() bool {
	return r.Approved != nil
}

// WorkflowState is the complete state of one session's traversal. It is owned by a
// single execution and checkpointed after every transition.
type WorkflowState struct {
	UserIntent       string                     `json:"userIntent"`
	UserID           string                     `json:"userId"`
	SessionKey       string                     `json:"sessionKey"`
	RequestID        string                     `json:"requestId"`
	TaskAnalysis     *TaskAnalysis              `json:"taskAnalysis,omitempty"`
	ExecutionPlan    *ExecutionPlan             `json:"executionPlan,omitempty"`
	CurrentStepIndex int                        `json:"currentStepIndex"`
	ExecutionSteps   []ExecutionStep            `json:"executionSteps"`
	ApprovalRequests []ApprovalRequest          `json:"approvalRequests"`
	ToolResults      map[string]json.RawMessage `json:"toolResults,omitempty"`
	Error            string                     `json:"error,omitempty"`
	Denial           string                     `json:"denial,omitempty"`
	FinalResponse    string                     `json:"finalResponse,omitempty"`
	AwaitingApproval bool                       `json:"awaitingApproval"`
	Done             bool                       `json:"done"`
}

// LatestApproval returns the most recent approval request, or nil.
func (s *WorkflowState) LatestApproval() *ApprovalRequest {
	if len(s.ApprovalRequests) == 0 {
		return nil
	}
	return &s.ApprovalRequests[len(s.ApprovalRequests)-1]
}

// ActiveStep returns the plan step at CurrentStepIndex, or nil when the plan is exhausted.
func (s *WorkflowState) ActiveStep() *PlanStep {
	if s.ExecutionPlan == nil || s.CurrentStepIndex >= len(s.ExecutionPlan.Steps) {
		return nil
	}
	return &s.ExecutionPlan.Steps[s.CurrentStepIndex]
}

// StepsRemaining reports whether the plan has unexecuted steps.
func (s *WorkflowState) StepsRemaining() bool {
	return s.ActiveStep() != nil
}

// StepDraft is one unit of work proposed by the classifier's decomposition, before it
// becomes a PlanStep.
type StepDraft struct {
	Action      string         `json:"action"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Description string         `json:"description,omitempty"`
}
