package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

func threeStepState() *schema.WorkflowState {
	return &schema.WorkflowState{
		SessionKey: "s1",
		ExecutionPlan: &schema.ExecutionPlan{ID: "p1", Steps: []schema.PlanStep{
			{ID: "step_1", Action: "listTodos"},
			{ID: "step_2", Action: "deleteTodo", RequiresApproval: true},
			{ID: "step_3", Action: "createTodo"},
		}},
	}
}

func TestApplyPatch_StepsAdvanceIndex(t *testing.T) {
	s := threeStepState()
	require.NoError(t, applyPatch(s, Patch{Steps: []schema.ExecutionStep{{StepID: "step_1", Status: schema.StepStatusCompleted}}}))
	assert.Equal(t, 1, s.CurrentStepIndex)
	assert.Len(t, s.ExecutionSteps, 1)

	require.NoError(t, applyPatch(s, Patch{}))
	assert.Equal(t, 1, s.CurrentStepIndex)
}

func TestApplyPatch_RejectsCorruptIndex(t *testing.T) {
	s := threeStepState()
	s.CurrentStepIndex = 2
	err := applyPatch(s, Patch{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestApplyPatch_AnalysisAndPlanAreWriteOnce(t *testing.T) {
	s := &schema.WorkflowState{}
	require.NoError(t, applyPatch(s, Patch{TaskAnalysis: schema.FallbackAnalysis("x")}))
	assert.Error(t, applyPatch(s, Patch{TaskAnalysis: schema.FallbackAnalysis("y")}))

	require.NoError(t, applyPatch(s, Patch{ExecutionPlan: &schema.ExecutionPlan{ID: "p1"}}))
	assert.Error(t, applyPatch(s, Patch{ExecutionPlan: &schema.ExecutionPlan{ID: "p2"}}))
	assert.Equal(t, "p1", s.ExecutionPlan.ID)
}

func TestApplyPatch_ApprovalLifecycle(t *testing.T) {
	s := threeStepState()
	req := schema.ApprovalRequest{ID: "a1", StepID: "step_2"}

	err := applyPatch(s, Patch{Approval: &req})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "awaiting flag must accompany a new request")

	s = threeStepState()
	require.NoError(t, applyPatch(s, Patch{Approval: &req, AwaitingApproval: ptr(true)}))
	assert.True(t, s.AwaitingApproval)

	other := schema.ApprovalRequest{ID: "a2"}
	assert.Error(t, applyPatch(s, Patch{Approval: &other, AwaitingApproval: ptr(true)}), "one pending request at a time")

	at := time.Now().UTC()
	require.NoError(t, applyPatch(s, Patch{Decision: &Decision{RequestID: "a1", Approved: true, ResolvedAt: at}, AwaitingApproval: ptr(false)}))
	assert.False(t, s.AwaitingApproval)
	require.True(t, s.LatestApproval().Resolved())
	assert.True(t, *s.LatestApproval().Approved)

	// A second decision on the same request does not overwrite the first.
	require.NoError(t, applyPatch(s, Patch{Decision: &Decision{RequestID: "a1", Approved: false, Feedback: "late"}}))
	assert.True(t, *s.LatestApproval().Approved)
	assert.Empty(t, s.LatestApproval().Feedback)

	assert.True(t, schema.HasCode(applyPatch(s, Patch{Decision: &Decision{RequestID: "zzz"}}), schema.ErrCodeNotFound))
}

func TestStaticNext(t *testing.T) {
	s := threeStepState()
	assert.Equal(t, NodeGeneratePlan, staticNext(NodeAnalyzeIntent, s))
	assert.Equal(t, NodePlanApproval, staticNext(NodeGeneratePlan, s))
	assert.Equal(t, NodeExecuteStep, staticNext(NodePlanApproval, s))
	assert.Equal(t, NodeExecuteStep, staticNext(NodeExecuteStep, s))

	s.ExecutionSteps = []schema.ExecutionStep{{StepID: "step_1"}}
	s.CurrentStepIndex = 1
	assert.Equal(t, NodeStepApproval, staticNext(NodeExecuteStep, s), "next step is gated")

	s.ApprovalRequests = []schema.ApprovalRequest{{ID: "a1", StepID: "step_2", Approved: ptr(true)}}
	assert.Equal(t, NodeExecuteStep, staticNext(NodeExecuteStep, s), "gate already approved")

	s.Error = "boom"
	assert.Equal(t, NodeReflect, staticNext(NodeExecuteStep, s))

	s.Error = ""
	s.Denial = "no"
	assert.Equal(t, NodeReflect, staticNext(NodePlanApproval, s))
	assert.Equal(t, NodeReflect, staticNext(NodeStepApproval, s))

	s.Denial = ""
	s.ExecutionSteps = make([]schema.ExecutionStep, 3)
	s.CurrentStepIndex = 3
	assert.Equal(t, NodeReflect, staticNext(NodeExecuteStep, s))
}
