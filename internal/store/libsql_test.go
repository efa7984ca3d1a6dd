package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func requireCode(t *testing.T, err error, code schema.Code) {
	t.Helper()
	require.Error(t, err)
	var eddoErr *schema.EddoError
	require.True(t, errors.As(err, &eddoErr), "expected *schema.EddoError, got %T", err)
	assert.Equal(t, code, eddoErr.Code)
}

func seedApproval(t *testing.T, s *LibSQLStore, sessionKey string) *Approval {
	t.Helper()
	a := &Approval{
		ID:         uuid.New().String(),
		SessionKey: sessionKey,
		StepID:     "step_1",
		Action:     "deleteTodo",
		Parameters: json.RawMessage(`{"id":"t1"}`),
		RiskLevel:  schema.RiskHigh,
		Message:    "Delete todo t1?",
	}
	require.NoError(t, s.CreateApproval(context.Background(), a))
	return a
}

// --- Checkpoint Tests ---

func TestSaveAndGetCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp := &Checkpoint{
		SessionKey: "telegram:42",
		RequestID:  "req-1",
		UserID:     "u1",
		Node:       "PLAN_APPROVAL",
		Status:     schema.WorkflowStatusSuspended,
		State:      json.RawMessage(`{"userIntent":"clean up","awaitingApproval":true}`),
	}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	got, err := s.GetCheckpoint(ctx, "telegram:42")
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "PLAN_APPROVAL", got.Node)
	assert.Equal(t, schema.WorkflowStatusSuspended, got.Status)
	assert.JSONEq(t, `{"userIntent":"clean up","awaitingApproval":true}`, string(got.State))
}

func TestSaveCheckpoint_Overwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
		SessionKey: "s1", RequestID: "r1", Node: "ANALYZE_INTENT",
		Status: schema.WorkflowStatusRunning, State: json.RawMessage(`{}`),
	}))
	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
		SessionKey: "s1", RequestID: "r1", Node: "REFLECT",
		Status: schema.WorkflowStatusCompleted, State: json.RawMessage(`{"done":true}`),
	}))

	got, err := s.GetCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "REFLECT", got.Node)
	assert.Equal(t, schema.WorkflowStatusCompleted, got.Status)

	all, err := s.ListCheckpoints(ctx, CheckpointFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSaveCheckpoint_RequiresSessionKey(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveCheckpoint(context.Background(), &Checkpoint{State: json.RawMessage(`{}`)})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestGetCheckpoint_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetCheckpoint(context.Background(), "missing")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestListCheckpoints_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, st := range []schema.WorkflowStatus{
		schema.WorkflowStatusSuspended, schema.WorkflowStatusSuspended, schema.WorkflowStatusCompleted,
	} {
		require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
			SessionKey: uuid.New().String(), RequestID: "r", Node: "X",
			Status: st, State: json.RawMessage(`{}`),
		}), "checkpoint %d", i)
	}

	suspended := schema.WorkflowStatusSuspended
	got, err := s.ListCheckpoints(ctx, CheckpointFilter{Status: &suspended})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	future := time.Now().UTC().Add(time.Hour)
	got, err = s.ListCheckpoints(ctx, CheckpointFilter{UpdatedBefore: &future, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	past := time.Now().UTC().Add(-time.Hour)
	got, err = s.ListCheckpoints(ctx, CheckpointFilter{UpdatedBefore: &past})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
		SessionKey: "s1", RequestID: "r", Node: "REFLECT",
		Status: schema.WorkflowStatusCompleted, State: json.RawMessage(`{}`),
	}))
	require.NoError(t, s.DeleteCheckpoint(ctx, "s1"))

	_, err := s.GetCheckpoint(ctx, "s1")
	requireCode(t, err, schema.ErrCodeNotFound)

	requireCode(t, s.DeleteCheckpoint(ctx, "s1"), schema.ErrCodeNotFound)
}

// --- Event Tests ---

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, typ := range []string{schema.EventWorkflowStarted, schema.EventNodeEntered, schema.EventStepCompleted} {
		e := &Event{SessionKey: "s1", RequestID: "r1", Type: typ}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.NotZero(t, e.ID)
	}

	events, err := s.GetEvents(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, "r1", e.RequestID)
	}

	since, err := s.GetEvents(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, schema.EventStepCompleted, since[0].Type)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &Event{SessionKey: "a", Type: schema.EventStepFailed, StepID: "step_1"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SessionKey: "b", Type: schema.EventStepFailed, StepID: "step_1"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SessionKey: "a", Type: schema.EventStepCompleted, StepID: "step_2"}))

	all, err := s.GetEventsByType(ctx, schema.EventStepFailed, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, err := s.GetEventsByType(ctx, schema.EventStepFailed, EventFilter{SessionKey: "a"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "step_1", scoped[0].StepID)
}

// --- Approval Tests ---

func TestCreateAndGetApproval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedApproval(t, s, "s1")

	got, err := s.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionKey)
	assert.Equal(t, "deleteTodo", got.Action)
	assert.Equal(t, schema.RiskHigh, got.RiskLevel)
	assert.JSONEq(t, `{"id":"t1"}`, string(got.Parameters))
	assert.True(t, got.Pending())
	assert.Nil(t, got.Approved)
}

func TestCreateApproval_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedApproval(t, s, "s1")

	require.NoError(t, s.CreateApproval(ctx, a))

	list, err := s.ListApprovals(ctx, ApprovalFilter{SessionKey: "s1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestResolveApproval_Once(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedApproval(t, s, "s1")

	require.NoError(t, s.ResolveApproval(ctx, a.ID, &ApprovalResolution{Approved: false, Feedback: "not now", ResolvedBy: "telegram"}))

	err := s.ResolveApproval(ctx, a.ID, &ApprovalResolution{Approved: true})
	requireCode(t, err, schema.ErrCodeConflict)

	got, err := s.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Approved)
	assert.False(t, *got.Approved, "first resolution wins")
	assert.Equal(t, "not now", got.Feedback)
	assert.Equal(t, "telegram", got.ResolvedBy)
	assert.False(t, got.Pending())
}

func TestResolveApproval_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.ResolveApproval(context.Background(), "nope", &ApprovalResolution{Approved: true})
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestListApprovals_PendingOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1 := seedApproval(t, s, "s1")
	seedApproval(t, s, "s1")
	seedApproval(t, s, "s2")
	require.NoError(t, s.ResolveApproval(ctx, a1.ID, &ApprovalResolution{Approved: true}))

	pending, err := s.ListApprovals(ctx, ApprovalFilter{PendingOnly: true})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	scoped, err := s.ListApprovals(ctx, ApprovalFilter{SessionKey: "s1", PendingOnly: true})
	require.NoError(t, err)
	assert.Len(t, scoped, 1)

	require.NoError(t, s.DeleteApprovals(ctx, "s1"))
	left, err := s.ListApprovals(ctx, ApprovalFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

// --- Maintenance ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Vacuum(context.Background()))
}
