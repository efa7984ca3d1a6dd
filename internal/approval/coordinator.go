package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/internal/store"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Outcome reports what a resolution attempt did.
type Outcome string

const (
	OutcomeResolved        Outcome = "resolved"
	OutcomeAlreadyResolved Outcome = "already_resolved"
	OutcomeNotFound        Outcome = "not_found"
	// OutcomeFailed means the decision could not be recorded. Nothing was resolved and
	// the caller may retry.
	OutcomeFailed Outcome = "failed"
)

// Resolution sources recorded alongside a decision.
const (
	SourceCommand = "command"
	SourceReply   = "reply"
)

// Resolution is the decision recorded for one approval request.
type Resolution struct {
	RequestID  string    `json:"request_id"`
	Approved   bool      `json:"approved"`
	Feedback   string    `json:"feedback,omitempty"`
	Source     string    `json:"source,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Callback is invoked exactly once, by whichever path wins the resolution.
type Callback func(ctx context.Context, sessionKey string, res Resolution)

type pending struct {
	req      schema.ApprovalRequest
	resolved atomic.Bool
	res      atomic.Pointer[Resolution]
	callback Callback
}

// Coordinator tracks pending approval requests keyed by session. Both resolution paths,
// the session command and the correlated reply, go through one compare-and-swap plus a
// once-only store update, so the first resolution wins and later attempts report
// OutcomeAlreadyResolved.
type Coordinator struct {
	mu        sync.RWMutex
	bySession map[string]*pending
	byID      map[string]*pending

	store    store.ApprovalStore
	logger   *slog.Logger
	fallback atomic.Pointer[Callback]
}

// NewCoordinator creates a Coordinator. The store may be nil for an in-memory coordinator.
func NewCoordinator(s store.ApprovalStore, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coordinator{
		bySession: make(map[string]*pending),
		byID:      make(map[string]*pending),
		store:     s,
		logger:    logger,
	}
}

// SetDefaultCallback sets the callback used for requests rehydrated from the store,
// i.e. registered by a previous process.
func (c *Coordinator) SetDefaultCallback(cb Callback) {
	c.fallback.Store(&cb)
}

// Register tracks req for sessionKey. Registering an ID that is already tracked only
// refreshes its callback. A newer request replaces an older one for the same session.
func (c *Coordinator) Register(ctx context.Context, sessionKey string, req schema.ApprovalRequest, cb Callback) error {
	if req.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "approval request id is empty")
	}
	req.SessionKey = sessionKey

	c.mu.Lock()
	if p, ok := c.byID[req.ID]; ok {
		p.callback = cb
		c.bySession[sessionKey] = p
		c.mu.Unlock()
		return nil
	}
	p := &pending{req: req, callback: cb}
	if old, ok := c.bySession[sessionKey]; ok {
		delete(c.byID, old.req.ID)
	}
	c.bySession[sessionKey] = p
	c.byID[req.ID] = p
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.CreateApproval(ctx, toRecord(req)); err != nil {
			return err
		}
	}
	logging.LogWith(logging.WithSessionKey(ctx, sessionKey), c.logger).Info("approval registered",
		slog.String("approval_id", req.ID), slog.String("step_id", req.StepID))
	return nil
}

// Resolve resolves the pending approval of sessionKey. Returns true iff a pending
// approval existed and this call resolved it.
func (c *Coordinator) Resolve(ctx context.Context, sessionKey string, approved bool, feedback string) bool {
	return c.ResolveSession(ctx, sessionKey, approved, feedback) == OutcomeResolved
}

// ResolveSession is Resolve reporting why nothing was resolved.
func (c *Coordinator) ResolveSession(ctx context.Context, sessionKey string, approved bool, feedback string) Outcome {
	c.mu.RLock()
	p, ok := c.bySession[sessionKey]
	c.mu.RUnlock()

	if !ok || p.resolved.Load() {
		p = c.rehydrateSession(ctx, sessionKey)
		if p == nil {
			return OutcomeNotFound
		}
	}
	return c.resolveOnce(ctx, p, approved, feedback, SourceCommand)
}

// ResolveByID resolves the approval with the given correlation ID.
func (c *Coordinator) ResolveByID(ctx context.Context, requestID string, approved bool, feedback string) Outcome {
	c.mu.RLock()
	p, ok := c.byID[requestID]
	c.mu.RUnlock()

	if !ok {
		if c.store == nil {
			return OutcomeNotFound
		}
		rec, err := c.store.GetApproval(ctx, requestID)
		if err != nil {
			return OutcomeNotFound
		}
		if !rec.Pending() {
			return OutcomeAlreadyResolved
		}
		p = c.track(fromRecord(rec))
	}
	return c.resolveOnce(ctx, p, approved, feedback, SourceReply)
}

// Lookup returns the recorded resolution for a request, if any.
func (c *Coordinator) Lookup(ctx context.Context, requestID string) (Resolution, bool) {
	c.mu.RLock()
	p, ok := c.byID[requestID]
	c.mu.RUnlock()

	if ok {
		if r := p.res.Load(); r != nil {
			return *r, true
		}
	}
	if c.store == nil {
		return Resolution{}, false
	}
	rec, err := c.store.GetApproval(ctx, requestID)
	if err != nil || rec.Pending() || rec.Approved == nil {
		return Resolution{}, false
	}
	return Resolution{
		RequestID:  rec.ID,
		Approved:   *rec.Approved,
		Feedback:   rec.Feedback,
		Source:     rec.ResolvedBy,
		ResolvedAt: *rec.ResolvedAt,
	}, true
}

// Pending returns the unresolved request tracked for sessionKey.
func (c *Coordinator) Pending(sessionKey string) (schema.ApprovalRequest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.bySession[sessionKey]
	if !ok || p.resolved.Load() {
		return schema.ApprovalRequest{}, false
	}
	return p.req, true
}

// List returns every unresolved request held in memory.
func (c *Coordinator) List() []schema.ApprovalRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]schema.ApprovalRequest, 0, len(c.bySession))
	for _, p := range c.bySession {
		if !p.resolved.Load() {
			out = append(out, p.req)
		}
	}
	return out
}

// Release drops all state held for sessionKey.
func (c *Coordinator) Release(sessionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.bySession[sessionKey]; ok {
		delete(c.byID, p.req.ID)
		delete(c.bySession, sessionKey)
	}
}

// Discard releases sessionKey and deletes its stored approvals, so a late answer cannot
// rehydrate a request of a session that will never resume.
func (c *Coordinator) Discard(ctx context.Context, sessionKey string) error {
	c.Release(sessionKey)
	if c.store == nil {
		return nil
	}
	return c.store.DeleteApprovals(ctx, sessionKey)
}

// resolveOnce is the single resolution primitive shared by both paths. A decision
// the store refuses is rolled back, so the stored record and memory never disagree.
func (c *Coordinator) resolveOnce(ctx context.Context, p *pending, approved bool, feedback, source string) Outcome {
	if !p.resolved.CompareAndSwap(false, true) {
		return OutcomeAlreadyResolved
	}

	res := Resolution{
		RequestID:  p.req.ID,
		Approved:   approved,
		Feedback:   feedback,
		Source:     source,
		ResolvedAt: time.Now().UTC(),
	}
	log := logging.LogWith(logging.WithSessionKey(ctx, p.req.SessionKey), c.logger)

	if c.store != nil {
		err := c.store.ResolveApproval(ctx, p.req.ID, &store.ApprovalResolution{
			Approved: approved, Feedback: feedback, ResolvedBy: source,
		})
		switch {
		case err == nil:
		case schema.HasCode(err, schema.ErrCodeConflict):
			// Another process got there first; adopt its answer.
			if stored, ok := c.loadStored(ctx, p.req.ID); ok {
				p.res.Store(&stored)
			}
			return OutcomeAlreadyResolved
		default:
			log.Warn("approval resolution not persisted", slog.String("approval_id", p.req.ID), slog.String("error", err.Error()))
			p.resolved.Store(false)
			return OutcomeFailed
		}
	}
	p.res.Store(&res)

	log.Info("approval resolved", slog.String("approval_id", p.req.ID),
		slog.Bool("approved", approved), slog.String("source", source))

	c.mu.RLock()
	cb := p.callback
	c.mu.RUnlock()
	if cb == nil {
		if fb := c.fallback.Load(); fb != nil {
			cb = *fb
		}
	}
	if cb != nil {
		cb(ctx, p.req.SessionKey, res)
	}
	return OutcomeResolved
}

func (c *Coordinator) loadStored(ctx context.Context, id string) (Resolution, bool) {
	rec, err := c.store.GetApproval(ctx, id)
	if err != nil || rec.Approved == nil || rec.ResolvedAt == nil {
		return Resolution{}, false
	}
	return Resolution{RequestID: id, Approved: *rec.Approved, Feedback: rec.Feedback,
		Source: rec.ResolvedBy, ResolvedAt: *rec.ResolvedAt}, true
}

// rehydrateSession loads the session's pending request from the store after a restart.
func (c *Coordinator) rehydrateSession(ctx context.Context, sessionKey string) *pending {
	if c.store == nil {
		return nil
	}
	recs, err := c.store.ListApprovals(ctx, store.ApprovalFilter{SessionKey: sessionKey, PendingOnly: true, Limit: 1})
	if err != nil || len(recs) == 0 {
		return nil
	}
	return c.track(fromRecord(recs[0]))
}

func (c *Coordinator) track(req schema.ApprovalRequest) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byID[req.ID]; ok {
		return p
	}
	p := &pending{req: req}
	c.bySession[req.SessionKey] = p
	c.byID[req.ID] = p
	return p
}

func toRecord(req schema.ApprovalRequest) *store.Approval {
	var params json.RawMessage
	if len(req.Parameters) > 0 {
		params, _ = json.Marshal(req.Parameters)
	}
	return &store.Approval{
		ID:          req.ID,
		SessionKey:  req.SessionKey,
		StepID:      req.StepID,
		PlanID:      req.PlanID,
		Action:      req.Action,
		Parameters:  params,
		Description: req.Description,
		RiskLevel:   req.RiskLevel,
		Message:     req.Message,
		CreatedAt:   req.Timestamp,
	}
}

func fromRecord(rec *store.Approval) schema.ApprovalRequest {
	req := schema.ApprovalRequest{
		ID:          rec.ID,
		SessionKey:  rec.SessionKey,
		StepID:      rec.StepID,
		PlanID:      rec.PlanID,
		Action:      rec.Action,
		Description: rec.Description,
		RiskLevel:   rec.RiskLevel,
		Message:     rec.Message,
		Timestamp:   rec.CreatedAt,
	}
	if len(rec.Parameters) > 0 {
		_ = json.Unmarshal(rec.Parameters, &req.Parameters)
	}
	return req
}
