package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/walterra/eddoapp-sub009/internal/approval"
	"github.com/walterra/eddoapp-sub009/internal/classifier"
	"github.com/walterra/eddoapp-sub009/internal/conversation"
	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/internal/metrics"
	"github.com/walterra/eddoapp-sub009/internal/policy"
	"github.com/walterra/eddoapp-sub009/internal/store"
	"github.com/walterra/eddoapp-sub009/internal/streaming"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Engine drives sessions through the orchestration graph.
type Engine interface {
	// Run starts a new traversal for req. It returns once the session reaches REFLECT
	// or suspends at an approval gate. A session with a non-terminal checkpoint is a CONFLICT.
	Run(ctx context.Context, req Request) (*Result, error)

	// Resume reloads a session's checkpoint and re-enters its node.
	Resume(ctx context.Context, sessionKey string) (*Result, error)

	// Status returns the session's checkpointed state without advancing it.
	Status(ctx context.Context, sessionKey string) (*Result, error)

	// Dispatch queues req behind earlier work for the same session and reports the
	// outcome to done. It returns once the run is queued.
	Dispatch(ctx context.Context, req Request, done func(*Result, error)) error

	// Abandon marks a non-terminal session abandoned and releases its resources.
	// Returns false if the session was already terminal.
	Abandon(ctx context.Context, sessionKey, reason string) (bool, error)

	// Wait blocks until all dispatched runs and scheduled resumes have finished.
	Wait()

	// Shutdown cancels in-flight traversals and waits for queued work to drain.
	Shutdown()
}

// Request starts a run. Handle, when set, becomes the session's channel once the run
// is admitted; a rejected run leaves the current channel in place.
type Request struct {
	SessionKey string               `json:"session_key"`
	UserID     string               `json:"user_id,omitempty"`
	Intent     string               `json:"intent"`
	RequestID  string               `json:"request_id,omitempty"`
	Handle     *conversation.Handle `json:"handle,omitempty"`
}

// Result is a snapshot of a session after a Run, Resume or Status call.
type Result struct {
	SessionKey    string                  `json:"session_key"`
	RequestID     string                  `json:"request_id"`
	Status        schema.WorkflowStatus   `json:"status"`
	Node          NodeID                  `json:"node"`
	FinalResponse string                  `json:"final_response,omitempty"`
	Pending       *schema.ApprovalRequest `json:"pending,omitempty"`
	State         *schema.WorkflowState   `json:"state"`
}

// Notifier delivers messages to a session's conversational channel.
type Notifier interface {
	Notify(ctx context.Context, sessionKey, text string, actions []conversation.Action) error
}

// DefaultPoolSize is the default number of concurrently traversed sessions.
const DefaultPoolSize = 10

// interruptGrace bounds the detached REFLECT pass of a cancelled traversal.
const interruptGrace = 30 * time.Second

// Config holds engine settings.
type Config struct {
	PoolSize       int                  `json:"pool_size" mapstructure:"pool_size"`
	StepTimeout    time.Duration        `json:"step_timeout" mapstructure:"step_timeout"`
	FailureQuery   string               `json:"failure_query" mapstructure:"failure_query"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" mapstructure:"circuit_breaker"`
	// MaxTransitions caps a single traversal; reaching it forces REFLECT.
	MaxTransitions int `json:"max_transitions" mapstructure:"max_transitions"`
}

// Deps are the engine's collaborators. Store, Events and Capabilities are required.
type Deps struct {
	Store        store.CheckpointStore
	Events       EventAppender
	Capabilities Capabilities
	Classifier   classifier.Classifier
	Policy       *policy.Policy
	Approvals    *approval.Coordinator
	Notifier     Notifier
	Contexts     *conversation.ContextStore
	Hub          streaming.Hub
	Logger       *slog.Logger
}

type engineImpl struct {
	store      store.CheckpointStore
	events     EventAppender
	classifier classifier.Classifier
	policy     *policy.Policy
	approvals  *approval.Coordinator
	notifier   Notifier
	contexts   *conversation.ContextStore
	hub        streaming.Hub
	logger     *slog.Logger
	caps       Capabilities

	nodeFSM   *NodeFSM
	sessions  *SessionFSM
	executor  *StepExecutor
	reflector *Reflector
	runner    *sessionRunner
	config    Config
	nodes     map[NodeID]Node

	locks   sessionLocks
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates an Engine. Missing optional collaborators get in-memory defaults.
func New(deps Deps, cfg Config) (Engine, error) {
	if deps.Store == nil || deps.Events == nil || deps.Capabilities == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store, an event appender and capabilities")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.MaxTransitions <= 0 {
		cfg.MaxTransitions = 4*schema.MaxEstimatedSteps + 8
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Classifier == nil {
		deps.Classifier = classifier.Heuristic{}
	}
	if deps.Policy == nil {
		p, err := policy.New(policy.Config{}, deps.Logger)
		if err != nil {
			return nil, err
		}
		deps.Policy = p
	}
	if deps.Approvals == nil {
		deps.Approvals = approval.NewCoordinator(nil, deps.Logger)
	}
	if deps.Contexts == nil {
		deps.Contexts = conversation.NewContextStore()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &engineImpl{
		store:      deps.Store,
		events:     deps.Events,
		classifier: deps.Classifier,
		policy:     deps.Policy,
		approvals:  deps.Approvals,
		notifier:   deps.Notifier,
		contexts:   deps.Contexts,
		hub:        deps.Hub,
		logger:     deps.Logger,
		caps:       deps.Capabilities,
		nodeFSM:    NewNodeFSM(deps.Events),
		sessions:   NewSessionFSM(deps.Events),
		reflector:  NewReflector(deps.Classifier, deps.Logger),
		config:     cfg,
		locks:      sessionLocks{m: make(map[string]*sessionLock)},
		baseCtx:    baseCtx,
		cancel:     cancel,
	}
	e.executor = NewStepExecutor(deps.Capabilities, NewCircuitBreakers(cfg.CircuitBreaker), cfg.FailureQuery, cfg.StepTimeout, deps.Logger)
	e.executor.onCircuitOpen = e.circuitOpened
	e.runner = newSessionRunner(baseCtx, cfg.PoolSize, func(key string, err error) {
		e.logger.Warn("background traversal failed", slog.String("session_key", key), slog.String("error", err.Error()))
	})
	e.nodes = map[NodeID]Node{
		NodeAnalyzeIntent: e.analyzeIntent,
		NodeGeneratePlan:  e.generatePlan,
		NodePlanApproval:  e.planApprovalGate,
		NodeExecuteStep:   e.executeStep,
		NodeStepApproval:  e.stepApprovalGate,
		NodeReflect:       e.reflect,
	}
	e.nodeFSM.OnAfter(NodeExecuteStep, NodeReflect, e.logEarlyExit)
	e.nodeFSM.OnAfter(NodePlanApproval, NodeReflect, e.logEarlyExit)
	e.nodeFSM.OnAfter(NodeStepApproval, NodeReflect, e.logEarlyExit)

	// Requests rehydrated from the store after a restart resume through the same path.
	e.approvals.SetDefaultCallback(e.onResolved)
	return e, nil
}

func (e *engineImpl) Run(ctx context.Context, req Request) (*Result, error) {
	req.SessionKey = strings.TrimSpace(req.SessionKey)
	req.Intent = strings.TrimSpace(req.Intent)
	if req.SessionKey == "" || req.Intent == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "run requires a session key and an intent")
	}

	unlock := e.locks.lock(req.SessionKey)
	defer unlock()

	cp, err := e.store.GetCheckpoint(ctx, req.SessionKey)
	switch {
	case err == nil && !cp.Status.IsTerminal():
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"session %s already has a %s request", req.SessionKey, cp.Status).
			WithDetails(map[string]any{"request_id": cp.RequestID, "status": string(cp.Status), "node": cp.Node})
	case err != nil && !schema.HasCode(err, schema.ErrCodeNotFound):
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled before start").WithCause(err)
	}
	if req.Handle != nil {
		e.contexts.Put(req.SessionKey, *req.Handle)
	}

	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	s := &schema.WorkflowState{
		UserIntent:       req.Intent,
		UserID:           req.UserID,
		SessionKey:       req.SessionKey,
		RequestID:        req.RequestID,
		ExecutionSteps:   []schema.ExecutionStep{},
		ApprovalRequests: []schema.ApprovalRequest{},
	}
	ctx = logging.WithIDs(ctx, req.SessionKey, req.RequestID)
	log := logging.LogWith(ctx, e.logger)

	if err := e.sessions.Transition(ctx, s.SessionKey, s.RequestID, "", schema.WorkflowStatusRunning,
		map[string]any{"intent": s.UserIntent, "user_id": s.UserID}); err != nil {
		log.Warn("session start not recorded", slog.String("error", err.Error()))
	}
	metrics.SessionsStarted.Inc()
	log.Info("run started")

	if err := e.nodeFSM.Enter(ctx, s.SessionKey, s.RequestID); err != nil {
		log.Warn("node entry not recorded", slog.String("error", err.Error()))
	}
	e.entered(ctx, s, NodeAnalyzeIntent)
	if err := e.checkpoint(ctx, s, NodeAnalyzeIntent, schema.WorkflowStatusRunning); err != nil {
		e.contexts.Remove(s.SessionKey)
		return nil, err
	}
	return e.traverse(ctx, s, NodeAnalyzeIntent)
}

func (e *engineImpl) Resume(ctx context.Context, sessionKey string) (*Result, error) {
	unlock := e.locks.lock(sessionKey)
	defer unlock()

	cp, s, err := e.load(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	node := NodeID(cp.Node)
	if cp.Status.IsTerminal() {
		return resultOf(s, cp.Status, node), nil
	}
	if _, ok := e.nodes[node]; !ok {
		e.contexts.Remove(sessionKey)
		return nil, schema.NewErrorf(schema.ErrCodeStore, "checkpoint of %s names unknown node %q", sessionKey, cp.Node)
	}
	if err := ctx.Err(); err != nil {
		// The checkpoint stays as it was; a later resolution or the janitor picks it up.
		return nil, schema.NewError(schema.ErrCodeCancelled, "resume cancelled before start").WithCause(err)
	}

	ctx = logging.WithIDs(ctx, s.SessionKey, s.RequestID)
	if err := e.sessions.Transition(ctx, s.SessionKey, s.RequestID, cp.Status, schema.WorkflowStatusRunning,
		map[string]any{"node": cp.Node}); err != nil {
		logging.LogWith(ctx, e.logger).Warn("resume not recorded", slog.String("error", err.Error()))
	}
	logging.LogWith(ctx, e.logger).Info("run resumed", slog.String("node", cp.Node))
	return e.traverse(ctx, s, node)
}

func (e *engineImpl) Status(ctx context.Context, sessionKey string) (*Result, error) {
	cp, s, err := e.load(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	return resultOf(s, cp.Status, NodeID(cp.Node)), nil
}

func (e *engineImpl) Dispatch(ctx context.Context, req Request, done func(*Result, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.runner.Go(req.SessionKey, func(ctx context.Context) error {
		res, err := e.Run(ctx, req)
		if done != nil {
			done(res, err)
		}
		return err
	})
}

func (e *engineImpl) Abandon(ctx context.Context, sessionKey, reason string) (bool, error) {
	unlock := e.locks.lock(sessionKey)
	defer unlock()

	cp, err := e.store.GetCheckpoint(ctx, sessionKey)
	if err != nil {
		return false, err
	}
	if cp.Status.IsTerminal() {
		return false, nil
	}
	ctx = logging.WithIDs(ctx, sessionKey, cp.RequestID)
	if err := e.sessions.Transition(ctx, sessionKey, cp.RequestID, cp.Status, schema.WorkflowStatusAbandoned,
		map[string]any{"reason": reason, "node": cp.Node}); err != nil {
		return false, err
	}
	cp.Status = schema.WorkflowStatusAbandoned
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return false, err
	}
	if err := e.approvals.Discard(ctx, sessionKey); err != nil {
		logging.LogWith(ctx, e.logger).Warn("approvals not discarded", slog.String("error", err.Error()))
	}
	e.contexts.Remove(sessionKey)
	metrics.SessionsAbandoned.Inc()
	e.publish(ctx, sessionKey, "", schema.EventWorkflowAbandoned, map[string]any{"reason": reason})
	logging.LogWith(ctx, e.logger).Info("session abandoned", slog.String("reason", reason))
	return true, nil
}

func (e *engineImpl) Wait() {
	e.runner.Wait()
}

func (e *engineImpl) Shutdown() {
	e.cancel()
	e.runner.Shutdown()
}

// traverse runs nodes from node until the session suspends or finishes. A cancelled
// traversal still reaches REFLECT on a detached context so the session ends completed.
func (e *engineImpl) traverse(ctx context.Context, s *schema.WorkflowState, node NodeID) (*Result, error) {
	log := logging.LogWith(ctx, e.logger)
	interrupted := false

	for i := 0; ; i++ {
		if ctx.Err() != nil && !interrupted {
			interrupted = true
			log.Warn("traversal interrupted", slog.String("node", string(node)))
			var stop context.CancelFunc
			ctx, stop = context.WithTimeout(context.WithoutCancel(ctx), interruptGrace)
			defer stop()
			if node != NodeReflect {
				if s.Error == "" {
					s.Error = "the request was interrupted"
				}
				node = e.jumpToReflect(ctx, s, node)
			}
		}

		cmd := e.nodes[node](logging.WithNode(ctx, string(node)), s)
		if err := applyPatch(s, cmd.Patch); err != nil {
			log.Error("state patch rejected", slog.String("node", string(node)), slog.String("error", err.Error()))
			if node == NodeReflect {
				s.FinalResponse = "Something went wrong while summarizing this request."
				s.AwaitingApproval = false
				s.Done = true
			} else {
				s.Error = err.Error()
				cmd = Command{Goto: NodeReflect}
			}
		}

		if node == NodeReflect {
			return e.finish(ctx, s)
		}
		if cmd.Suspend {
			return e.suspend(ctx, s, node)
		}

		next := cmd.Goto
		if next == "" {
			next = staticNext(node, s)
		}
		if i >= e.config.MaxTransitions && next != NodeReflect {
			log.Error("transition limit reached", slog.Int("limit", e.config.MaxTransitions))
			s.Error = "transition limit reached"
			next = NodeReflect
		}
		if err := e.nodeFSM.Transition(ctx, s.SessionKey, s.RequestID, node, next); err != nil {
			if !schema.HasCode(err, schema.ErrCodeInvalidTransition) {
				log.Warn("node transition not recorded", slog.String("error", err.Error()))
			} else {
				log.Error("invalid transition", slog.String("error", err.Error()))
				s.Error = err.Error()
				next = NodeReflect
				if err := e.nodeFSM.Transition(ctx, s.SessionKey, s.RequestID, node, next); err != nil {
					log.Warn("node transition not recorded", slog.String("error", err.Error()))
				}
			}
		}
		e.entered(ctx, s, next)
		if err := e.checkpoint(ctx, s, next, schema.WorkflowStatusRunning); err != nil {
			log.Warn("checkpoint failed", slog.String("node", string(next)), slog.String("error", err.Error()))
		}
		node = next
	}
}

// jumpToReflect records an out-of-band move from node to REFLECT.
func (e *engineImpl) jumpToReflect(ctx context.Context, s *schema.WorkflowState, node NodeID) NodeID {
	s.AwaitingApproval = false
	if err := e.nodeFSM.Transition(ctx, s.SessionKey, s.RequestID, node, NodeReflect); err != nil {
		logging.LogWith(ctx, e.logger).Warn("node transition not recorded", slog.String("error", err.Error()))
	}
	e.entered(ctx, s, NodeReflect)
	if err := e.checkpoint(ctx, s, NodeReflect, schema.WorkflowStatusRunning); err != nil {
		logging.LogWith(ctx, e.logger).Warn("checkpoint failed", slog.String("node", string(NodeReflect)), slog.String("error", err.Error()))
	}
	return NodeReflect
}

func (e *engineImpl) suspend(ctx context.Context, s *schema.WorkflowState, node NodeID) (*Result, error) {
	if err := e.checkpoint(ctx, s, node, schema.WorkflowStatusSuspended); err != nil {
		// Left running at the previous node; the janitor abandons it once stale.
		e.contexts.Remove(s.SessionKey)
		return nil, err
	}
	payload := map[string]any{"node": string(node)}
	if p := s.LatestApproval(); p != nil {
		payload["approval_id"] = p.ID
	}
	if err := e.sessions.Transition(ctx, s.SessionKey, s.RequestID, schema.WorkflowStatusRunning, schema.WorkflowStatusSuspended, payload); err != nil {
		logging.LogWith(ctx, e.logger).Warn("suspension not recorded", slog.String("error", err.Error()))
	}
	metrics.SessionsFinished.WithLabelValues(string(schema.WorkflowStatusSuspended)).Inc()
	e.publish(ctx, s.SessionKey, "", schema.EventWorkflowSuspended, payload)
	logging.LogWith(ctx, e.logger).Info("run suspended", slog.String("node", string(node)))
	return resultOf(s, schema.WorkflowStatusSuspended, node), nil
}

func (e *engineImpl) finish(ctx context.Context, s *schema.WorkflowState) (*Result, error) {
	log := logging.LogWith(ctx, e.logger)
	if err := e.checkpoint(ctx, s, NodeReflect, schema.WorkflowStatusCompleted); err != nil {
		log.Warn("final checkpoint failed", slog.String("error", err.Error()))
	}
	if err := e.sessions.Transition(ctx, s.SessionKey, s.RequestID, schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted,
		map[string]any{"steps": len(s.ExecutionSteps), "denied": s.Denial != ""}); err != nil {
		log.Warn("completion not recorded", slog.String("error", err.Error()))
	}
	e.notify(ctx, s.SessionKey, s.FinalResponse, nil, "final")
	e.contexts.Remove(s.SessionKey)
	e.approvals.Release(s.SessionKey)
	metrics.SessionsFinished.WithLabelValues(string(schema.WorkflowStatusCompleted)).Inc()
	e.publish(ctx, s.SessionKey, "", schema.EventWorkflowCompleted, map[string]any{"final_response": s.FinalResponse})
	log.Info("run completed", slog.Int("steps", len(s.ExecutionSteps)))
	return resultOf(s, schema.WorkflowStatusCompleted, NodeReflect), nil
}

func (e *engineImpl) load(ctx context.Context, sessionKey string) (*store.Checkpoint, *schema.WorkflowState, error) {
	cp, err := e.store.GetCheckpoint(ctx, sessionKey)
	if err != nil {
		return nil, nil, err
	}
	var s schema.WorkflowState
	if err := json.Unmarshal(cp.State, &s); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "decode checkpoint of %s", sessionKey).WithCause(err)
	}
	return cp, &s, nil
}

func (e *engineImpl) checkpoint(ctx context.Context, s *schema.WorkflowState, node NodeID, status schema.WorkflowStatus) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode workflow state").WithCause(err)
	}
	return e.store.SaveCheckpoint(ctx, &store.Checkpoint{
		SessionKey: s.SessionKey,
		RequestID:  s.RequestID,
		UserID:     s.UserID,
		Node:       string(node),
		Status:     status,
		State:      raw,
	})
}

// onResolved is the coordinator callback. It must not block the resolver.
func (e *engineImpl) onResolved(_ context.Context, sessionKey string, res approval.Resolution) {
	outcome := "denied"
	if res.Approved {
		outcome = "approved"
	}
	metrics.ApprovalsResolved.WithLabelValues(outcome).Inc()

	err := e.runner.Go(sessionKey, func(ctx context.Context) error {
		_, err := e.Resume(ctx, sessionKey)
		return err
	})
	if err != nil {
		e.logger.Warn("resume not scheduled", slog.String("session_key", sessionKey), slog.String("error", err.Error()))
	}
}

func (e *engineImpl) circuitOpened(ctx context.Context, name string, stats map[string]any) {
	e.emit(ctx, logging.SessionKey(ctx), logging.RequestID(ctx), "", schema.EventCircuitBreakerOpen, stats)
}

func (e *engineImpl) logEarlyExit(ctx context.Context, _ string, from, _ string) error {
	logging.LogWith(ctx, e.logger).Debug("leaving graph early", slog.String("from", from))
	return nil
}

func (e *engineImpl) entered(ctx context.Context, s *schema.WorkflowState, node NodeID) {
	metrics.NodesEntered.WithLabelValues(string(node)).Inc()
	e.publish(ctx, s.SessionKey, "", schema.EventNodeEntered, map[string]any{"node": string(node), "step_index": s.CurrentStepIndex})
}

// emit appends an event and mirrors it to the stream hub. Failures are logged only.
func (e *engineImpl) emit(ctx context.Context, sessionKey, requestID, stepID, eventType string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	if err := e.events.AppendEvent(ctx, &store.Event{
		SessionKey: sessionKey,
		RequestID:  requestID,
		StepID:     stepID,
		Type:       eventType,
		Payload:    raw,
	}); err != nil {
		logging.LogWith(ctx, e.logger).Warn("event not recorded", slog.String("type", eventType), slog.String("error", err.Error()))
	}
	e.publish(ctx, sessionKey, stepID, eventType, payload)
}

func (e *engineImpl) publish(ctx context.Context, sessionKey, stepID, eventType string, payload any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, streaming.Event{
		SessionKey: sessionKey,
		RequestID:  logging.RequestID(ctx),
		StepID:     stepID,
		Type:       eventType,
		Payload:    payload,
	})
}

// notify is best-effort: failures are logged and recorded, never returned.
func (e *engineImpl) notify(ctx context.Context, sessionKey, text string, actions []conversation.Action, kind string) {
	if e.notifier == nil || text == "" {
		return
	}
	if err := e.notifier.Notify(ctx, sessionKey, text, actions); err != nil {
		metrics.NotificationsFailed.WithLabelValues(kind).Inc()
		logging.LogWith(ctx, e.logger).Warn("notification failed", slog.String("kind", kind), slog.String("error", err.Error()))
		e.emit(ctx, sessionKey, logging.RequestID(ctx), "", schema.EventNotificationFailed,
			map[string]any{"kind": kind, "error": err.Error()})
	}
}

func resultOf(s *schema.WorkflowState, status schema.WorkflowStatus, node NodeID) *Result {
	r := &Result{
		SessionKey:    s.SessionKey,
		RequestID:     s.RequestID,
		Status:        status,
		Node:          node,
		FinalResponse: s.FinalResponse,
		State:         s,
	}
	if p := s.LatestApproval(); p != nil && !p.Resolved() {
		cp := *p
		r.Pending = &cp
	}
	return r
}

func nowUTC() time.Time { return time.Now().UTC() }

// --- per-session locks ---

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// sessionLocks serializes traversals of one session. Entries are dropped when unused.
type sessionLocks struct {
	mu sync.Mutex
	m  map[string]*sessionLock
}

func (l *sessionLocks) lock(key string) func() {
	l.mu.Lock()
	sl, ok := l.m[key]
	if !ok {
		sl = &sessionLock{}
		l.m[key] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}
