package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// NodeID names a node of the orchestration graph.
type NodeID string

const (
	NodeAnalyzeIntent NodeID = "ANALYZE_INTENT"
	NodeGeneratePlan  NodeID = "GENERATE_PLAN"
	NodePlanApproval  NodeID = "PLAN_APPROVAL"
	NodeExecuteStep   NodeID = "EXECUTE_STEP"
	NodeStepApproval  NodeID = "STEP_APPROVAL"
	NodeReflect       NodeID = "REFLECT"
)

// Command is what a node hands back to the engine. An empty Goto follows the static
// edge table. Suspend stops the traversal at the current node after the patch is merged.
type Command struct {
	Patch   Patch
	Goto    NodeID
	Suspend bool
}

// Decision records the outcome of an approval on the request with the given ID.
type Decision struct {
	RequestID  string
	Approved   bool
	Feedback   string
	ResolvedAt time.Time
}

// Patch is a partial update to a WorkflowState. Nil pointers leave fields untouched.
// Every appended ExecutionStep advances CurrentStepIndex by one.
type Patch struct {
	TaskAnalysis     *schema.TaskAnalysis
	ExecutionPlan    *schema.ExecutionPlan
	Steps            []schema.ExecutionStep
	ToolResults      map[string]json.RawMessage
	Approval         *schema.ApprovalRequest
	Decision         *Decision
	AwaitingApproval *bool
	Error            *string
	Denial           *string
	FinalResponse    *string
	Done             bool
}

// Node is one unit of graph logic. It may read the state but must not mutate it.
type Node func(ctx context.Context, s *schema.WorkflowState) Command

func ptr[T any](v T) *T { return &v }

// applyPatch merges p into s and checks the state invariants afterwards.
func applyPatch(s *schema.WorkflowState, p Patch) error {
	if len(s.ExecutionSteps) != s.CurrentStepIndex {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step index %d does not match %d recorded steps", s.CurrentStepIndex, len(s.ExecutionSteps))
	}
	if p.TaskAnalysis != nil {
		if s.TaskAnalysis != nil {
			return schema.NewError(schema.ErrCodeInvalidTransition, "task analysis already set")
		}
		s.TaskAnalysis = p.TaskAnalysis
	}
	if p.ExecutionPlan != nil {
		if s.ExecutionPlan != nil {
			return schema.NewError(schema.ErrCodeInvalidTransition, "execution plan already set")
		}
		s.ExecutionPlan = p.ExecutionPlan
	}
	for _, st := range p.Steps {
		s.ExecutionSteps = append(s.ExecutionSteps, st)
		s.CurrentStepIndex++
	}
	for k, v := range p.ToolResults {
		if s.ToolResults == nil {
			s.ToolResults = make(map[string]json.RawMessage)
		}
		s.ToolResults[k] = v
	}
	if p.Approval != nil {
		if latest := s.LatestApproval(); latest != nil && !latest.Resolved() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"approval %s is still pending", latest.ID)
		}
		s.ApprovalRequests = append(s.ApprovalRequests, *p.Approval)
	}
	if d := p.Decision; d != nil {
		req := findApproval(s, d.RequestID)
		if req == nil {
			return schema.NewErrorf(schema.ErrCodeNotFound, "approval %s not in state", d.RequestID)
		}
		if !req.Resolved() {
			req.Approved = ptr(d.Approved)
			req.Feedback = d.Feedback
			req.ResolvedAt = ptr(d.ResolvedAt)
		}
	}
	if p.AwaitingApproval != nil {
		s.AwaitingApproval = *p.AwaitingApproval
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
	if p.Denial != nil {
		s.Denial = *p.Denial
	}
	if p.FinalResponse != nil {
		s.FinalResponse = *p.FinalResponse
	}
	if p.Done {
		s.Done = true
	}

	latest := s.LatestApproval()
	if s.AwaitingApproval != (latest != nil && !latest.Resolved()) {
		return schema.NewError(schema.ErrCodeInvalidTransition,
			"awaiting flag disagrees with the latest approval request")
	}
	return nil
}

func findApproval(s *schema.WorkflowState, id string) *schema.ApprovalRequest {
	for i := range s.ApprovalRequests {
		if s.ApprovalRequests[i].ID == id {
			return &s.ApprovalRequests[i]
		}
	}
	return nil
}

// stepApproval returns the most recent request raised for stepID.
func stepApproval(s *schema.WorkflowState, stepID string) *schema.ApprovalRequest {
	for i := len(s.ApprovalRequests) - 1; i >= 0; i-- {
		if s.ApprovalRequests[i].StepID == stepID {
			return &s.ApprovalRequests[i]
		}
	}
	return nil
}

// planApproval returns the request raised for the plan as a whole.
func planApproval(s *schema.WorkflowState) *schema.ApprovalRequest {
	if s.ExecutionPlan == nil {
		return nil
	}
	for i := len(s.ApprovalRequests) - 1; i >= 0; i-- {
		r := &s.ApprovalRequests[i]
		if r.StepID == "" && r.PlanID == s.ExecutionPlan.ID {
			return r
		}
	}
	return nil
}

func approved(r *schema.ApprovalRequest) bool {
	return r != nil && r.Approved != nil && *r.Approved
}

// needsStepGate reports whether the active step is gated and not yet approved.
func needsStepGate(s *schema.WorkflowState) bool {
	step := s.ActiveStep()
	return step != nil && step.RequiresApproval && !approved(stepApproval(s, step.ID))
}

// staticNext is the static edge table.
func staticNext(from NodeID, s *schema.WorkflowState) NodeID {
	switch from {
	case NodeAnalyzeIntent:
		return NodeGeneratePlan
	case NodeGeneratePlan:
		return NodePlanApproval
	case NodePlanApproval, NodeStepApproval:
		if s.Denial != "" {
			return NodeReflect
		}
		return NodeExecuteStep
	case NodeExecuteStep:
		switch {
		case s.Error != "" || !s.StepsRemaining():
			return NodeReflect
		case needsStepGate(s):
			return NodeStepApproval
		default:
			return NodeExecuteStep
		}
	}
	return NodeReflect
}
