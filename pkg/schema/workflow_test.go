package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackAnalysis(t *testing.T) {
	a := FallbackAnalysis("classifier down")
	assert.Equal(t, ClassificationSimple, a.Classification)
	assert.Equal(t, 0.3, a.Confidence)
	assert.False(t, a.RequiresApproval)
	assert.Equal(t, RiskLow, a.RiskLevel)
	assert.Equal(t, 1, a.EstimatedSteps)
	assert.Equal(t, "classifier down", a.Reasoning)
}

func TestClassificationAndRiskValid(t *testing.T) {
	assert.True(t, ClassificationCompound.Valid())
	assert.False(t, Classification("weird").Valid())
	assert.True(t, RiskHigh.Valid())
	assert.False(t, RiskLevel("").Valid())
}

func TestWorkflowState_ActiveStep(t *testing.T) {
	s := &WorkflowState{}
	assert.Nil(t, s.ActiveStep())
	assert.False(t, s.StepsRemaining())

	s.ExecutionPlan = &ExecutionPlan{Steps: []PlanStep{{ID: "a"}, {ID: "b"}}}
	require.NotNil(t, s.ActiveStep())
	assert.Equal(t, "a", s.ActiveStep().ID)

	s.CurrentStepIndex = 2
	assert.Nil(t, s.ActiveStep())
	assert.False(t, s.StepsRemaining())
}

func TestWorkflowState_LatestApproval(t *testing.T) {
	s := &WorkflowState{}
	assert.Nil(t, s.LatestApproval())

	approved := true
	s.ApprovalRequests = []ApprovalRequest{{ID: "1", Approved: &approved}, {ID: "2"}}
	latest := s.LatestApproval()
	require.NotNil(t, latest)
	assert.Equal(t, "2", latest.ID)
	assert.False(t, latest.Resolved())
	assert.True(t, s.ApprovalRequests[0].Resolved())
}

func TestEddoError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeResolutionFailed, "no capability for %q", "deleteAllItems").WithStep("step_2")
	assert.Equal(t, `[RESOLUTION_FAILED] step step_2: no capability for "deleteAllItems"`, err.Error())

	plain := NewError(ErrCodeNotFound, "missing")
	assert.Equal(t, "[NOT_FOUND] missing", plain.Error())
}

func TestEddoError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := NewError(ErrCodeStore, "save checkpoint").WithCause(cause)

	assert.True(t, errors.Is(err, cause))

	var eErr *EddoError
	wrapped := fmt.Errorf("outer: %w", err)
	require.True(t, errors.As(wrapped, &eErr))
	assert.Equal(t, ErrCodeStore, eErr.Code)
}

func TestEddoError_IsRetryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeTimeout, "").IsRetryable())
	assert.True(t, NewError(ErrCodeNotification, "").IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "").IsRetryable())
	assert.False(t, NewError(ErrCodeResolutionFailed, "").IsRetryable())
}

func TestWorkflowStatus_IsTerminal(t *testing.T) {
	assert.True(t, WorkflowStatusCompleted.IsTerminal())
	assert.True(t, WorkflowStatusAbandoned.IsTerminal())
	assert.False(t, WorkflowStatusSuspended.IsTerminal())
	assert.False(t, WorkflowStatusRunning.IsTerminal())
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("resume: %w", NewError(ErrCodeConflict, "busy"))
	assert.Equal(t, ErrCodeConflict, CodeOf(err))
	assert.True(t, HasCode(err, ErrCodeNotFound, ErrCodeConflict))
	assert.False(t, HasCode(err, ErrCodeNotFound))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.False(t, HasCode(nil, ErrCodeConflict))
}

func TestEddoError_WithDetailsMerges(t *testing.T) {
	err := NewError(ErrCodeExecution, "x").
		WithDetails(map[string]any{"a": 1}).
		WithDetails(map[string]any{"b": 2})
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, err.Details)
}
