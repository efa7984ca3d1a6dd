package approval

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walterra/eddoapp-sub009/internal/store"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "approval.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func request(id string) schema.ApprovalRequest {
	return schema.ApprovalRequest{
		ID:         id,
		StepID:     "step_2",
		Action:     "deleteTodo",
		Parameters: map[string]any{"id": "t1"},
		RiskLevel:  schema.RiskHigh,
		Message:    "Delete todo t1?",
		Timestamp:  time.Now().UTC(),
	}
}

type recorder struct {
	mu    sync.Mutex
	calls []Resolution
}

func (r *recorder) callback(_ context.Context, _ string, res Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, res)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestCoordinator_ResolveBySession(t *testing.T) {
	c := NewCoordinator(nil, nil)
	ctx := context.Background()
	rec := &recorder{}

	require.NoError(t, c.Register(ctx, "s1", request("a1"), rec.callback))
	pending, ok := c.Pending("s1")
	require.True(t, ok)
	assert.Equal(t, "a1", pending.ID)
	assert.Equal(t, "s1", pending.SessionKey)

	assert.True(t, c.Resolve(ctx, "s1", true, "go ahead"))
	assert.False(t, c.Resolve(ctx, "s1", false, ""), "second resolve must report nothing pending")

	require.Equal(t, 1, rec.count())
	assert.True(t, rec.calls[0].Approved)
	assert.Equal(t, SourceCommand, rec.calls[0].Source)

	res, ok := c.Lookup(ctx, "a1")
	require.True(t, ok)
	assert.True(t, res.Approved)
	assert.Equal(t, "go ahead", res.Feedback)

	_, ok = c.Pending("s1")
	assert.False(t, ok)
}

func TestCoordinator_ResolveByID_AlreadyResolved(t *testing.T) {
	c := NewCoordinator(nil, nil)
	ctx := context.Background()
	rec := &recorder{}
	require.NoError(t, c.Register(ctx, "s1", request("a1"), rec.callback))

	assert.Equal(t, OutcomeResolved, c.ResolveByID(ctx, "a1", false, "no"))
	assert.Equal(t, OutcomeAlreadyResolved, c.ResolveByID(ctx, "a1", true, ""))
	assert.Equal(t, OutcomeNotFound, c.ResolveByID(ctx, "zzz", true, ""))
	assert.Equal(t, 1, rec.count())

	res, ok := c.Lookup(ctx, "a1")
	require.True(t, ok)
	assert.False(t, res.Approved)
	assert.Equal(t, SourceReply, res.Source)
}

func TestCoordinator_ResolveUnknownSession(t *testing.T) {
	c := NewCoordinator(nil, nil)
	assert.False(t, c.Resolve(context.Background(), "nobody", true, ""))
}

func TestCoordinator_RegisterIdempotent(t *testing.T) {
	s := newTestStore(t)
	c := NewCoordinator(s, nil)
	ctx := context.Background()
	first, second := &recorder{}, &recorder{}

	require.NoError(t, c.Register(ctx, "s1", request("a1"), first.callback))
	require.NoError(t, c.Register(ctx, "s1", request("a1"), second.callback))
	assert.Len(t, c.List(), 1)

	recs, err := s.ListApprovals(ctx, store.ApprovalFilter{SessionKey: "s1"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	assert.True(t, c.Resolve(ctx, "s1", true, ""))
	assert.Equal(t, 0, first.count())
	assert.Equal(t, 1, second.count(), "latest callback wins")
}

func TestCoordinator_RegisterRequiresID(t *testing.T) {
	c := NewCoordinator(nil, nil)
	err := c.Register(context.Background(), "s1", schema.ApprovalRequest{}, nil)
	require.Error(t, err)
}

func TestCoordinator_ConcurrentConflictingResolutions(t *testing.T) {
	s := newTestStore(t)
	c := NewCoordinator(s, nil)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, c.Register(ctx, "s1", request("a1"), func(context.Context, string, Resolution) {
		calls.Add(1)
	}))

	var wg sync.WaitGroup
	var wins atomic.Int32
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(2)
		approve := i%2 == 0
		go func() {
			defer wg.Done()
			<-start
			if c.Resolve(ctx, "s1", approve, "") {
				wins.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			if c.ResolveByID(ctx, "a1", !approve, "") == OutcomeResolved {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), calls.Load())

	mem, ok := c.Lookup(ctx, "a1")
	require.True(t, ok)
	rec, err := s.GetApproval(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, rec.Approved)
	assert.Equal(t, mem.Approved, *rec.Approved, "persisted decision matches the winner")
}

func TestCoordinator_RehydratesAfterRestart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before := NewCoordinator(s, nil)
	require.NoError(t, before.Register(ctx, "s1", request("a1"), nil))
	require.NoError(t, before.Register(ctx, "s2", request("a2"), nil))

	after := NewCoordinator(s, nil)
	rec := &recorder{}
	after.SetDefaultCallback(rec.callback)

	assert.Equal(t, OutcomeResolved, after.ResolveByID(ctx, "a1", true, ""))
	assert.True(t, after.Resolve(ctx, "s2", false, "nope"))
	assert.Equal(t, 2, rec.count())

	res, ok := NewCoordinator(s, nil).Lookup(ctx, "a2")
	require.True(t, ok)
	assert.False(t, res.Approved)
	assert.Equal(t, "nope", res.Feedback)

	assert.Equal(t, OutcomeAlreadyResolved, NewCoordinator(s, nil).ResolveByID(ctx, "a1", false, ""))
}

func TestCoordinator_CrossProcessConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := NewCoordinator(s, nil)
	b := NewCoordinator(s, nil)
	require.NoError(t, a.Register(ctx, "s1", request("a1"), nil))
	require.NoError(t, b.Register(ctx, "s1", request("a1"), nil))

	assert.Equal(t, OutcomeResolved, a.ResolveByID(ctx, "a1", true, ""))
	assert.Equal(t, OutcomeAlreadyResolved, b.ResolveByID(ctx, "a1", false, ""))

	res, ok := b.Lookup(ctx, "a1")
	require.True(t, ok)
	assert.True(t, res.Approved, "losing process adopts the stored decision")
}

func TestCoordinator_Release(t *testing.T) {
	c := NewCoordinator(nil, nil)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "s1", request("a1"), nil))
	c.Release("s1")

	_, ok := c.Pending("s1")
	assert.False(t, ok)
	assert.Equal(t, OutcomeNotFound, c.ResolveByID(ctx, "a1", true, ""))
}

func TestCoordinator_NewerRequestReplacesOlder(t *testing.T) {
	c := NewCoordinator(nil, nil)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "s1", request("a1"), nil))
	require.NoError(t, c.Register(ctx, "s1", request("a2"), nil))

	p, ok := c.Pending("s1")
	require.True(t, ok)
	assert.Equal(t, "a2", p.ID)
	assert.Equal(t, OutcomeNotFound, c.ResolveByID(ctx, "a1", true, ""))
}

func TestCoordinator_DiscardDropsStoredRequests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := NewCoordinator(s, nil)
	require.NoError(t, c.Register(ctx, "s1", request("a1"), nil))
	require.NoError(t, c.Discard(ctx, "s1"))

	assert.False(t, NewCoordinator(s, nil).Resolve(ctx, "s1", true, ""))
	assert.Equal(t, OutcomeNotFound, NewCoordinator(s, nil).ResolveByID(ctx, "a1", true, ""))
	require.NoError(t, NewCoordinator(nil, nil).Discard(ctx, "s1"))
}

// flakyStore refuses the next `failures` resolution writes.
type flakyStore struct {
	*store.LibSQLStore
	failures atomic.Int32
}

func (f *flakyStore) ResolveApproval(ctx context.Context, id string, res *store.ApprovalResolution) error {
	if f.failures.Add(-1) >= 0 {
		return schema.NewError(schema.ErrCodeStore, "database is locked")
	}
	return f.LibSQLStore.ResolveApproval(ctx, id, res)
}

func TestCoordinator_UnrecordedDecisionIsRolledBack(t *testing.T) {
	s := &flakyStore{LibSQLStore: newTestStore(t)}
	ctx := context.Background()
	rec := &recorder{}

	c := NewCoordinator(s, nil)
	require.NoError(t, c.Register(ctx, "s1", request("a1"), rec.callback))

	s.failures.Store(1)
	assert.Equal(t, OutcomeFailed, c.ResolveByID(ctx, "a1", true, ""))
	assert.Equal(t, 0, rec.count())
	_, ok := c.Pending("s1")
	assert.True(t, ok, "still pending after a failed write")
	stored, err := s.GetApproval(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, stored.Pending())

	assert.Equal(t, OutcomeResolved, c.ResolveByID(ctx, "a1", false, "retry"))
	assert.Equal(t, 1, rec.count())

	after := NewCoordinator(s, nil)
	after.SetDefaultCallback(rec.callback)
	assert.Equal(t, OutcomeAlreadyResolved, after.ResolveByID(ctx, "a1", true, ""))
	assert.False(t, after.Resolve(ctx, "s1", true, ""))
	assert.Equal(t, 1, rec.count(), "a restarted process never resolves the same id again")
}

func TestCoordinator_ResolveSessionReportsFailedWrite(t *testing.T) {
	s := &flakyStore{LibSQLStore: newTestStore(t)}
	ctx := context.Background()

	c := NewCoordinator(s, nil)
	require.NoError(t, c.Register(ctx, "s1", request("a1"), nil))

	s.failures.Store(1)
	assert.Equal(t, OutcomeFailed, c.ResolveSession(ctx, "s1", true, ""))
	assert.Equal(t, OutcomeResolved, c.ResolveSession(ctx, "s1", true, ""))
	assert.Equal(t, OutcomeNotFound, c.ResolveSession(ctx, "s1", true, ""))
}
