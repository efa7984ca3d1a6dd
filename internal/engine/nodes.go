package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/walterra/eddoapp-sub009/internal/capability"
	"github.com/walterra/eddoapp-sub009/internal/conversation"
	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/internal/metrics"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// --- ANALYZE_INTENT ---

func (e *engineImpl) analyzeIntent(ctx context.Context, s *schema.WorkflowState) Command {
	a, err := e.classifier.Classify(ctx, s.UserIntent)
	if err != nil || a == nil {
		reason := "classifier returned no analysis"
		if err != nil {
			reason = err.Error()
		}
		metrics.ClassifierFallbacks.WithLabelValues("classify").Inc()
		logging.LogWith(ctx, e.logger).Warn("classification failed, using fallback", slog.String("reason", reason))
		return Command{Patch: Patch{TaskAnalysis: schema.FallbackAnalysis("classification unavailable")}}
	}
	return Command{Patch: Patch{TaskAnalysis: normalizeAnalysis(*a)}}
}

func normalizeAnalysis(a schema.TaskAnalysis) *schema.TaskAnalysis {
	a.Confidence = min(max(a.Confidence, 0), 1)
	a.EstimatedSteps = min(max(a.EstimatedSteps, schema.MinEstimatedSteps), schema.MaxEstimatedSteps)
	if !a.Classification.Valid() {
		a.Classification = schema.ClassificationSimple
	}
	if !a.RiskLevel.Valid() {
		a.RiskLevel = schema.RiskLow
	}
	return &a
}

// --- GENERATE_PLAN ---

func (e *engineImpl) generatePlan(ctx context.Context, s *schema.WorkflowState) Command {
	log := logging.LogWith(ctx, e.logger)
	analysis := s.TaskAnalysis
	if analysis == nil {
		analysis = schema.FallbackAnalysis("analysis missing")
	}

	drafts, err := e.classifier.Decompose(ctx, s.UserIntent, analysis, e.caps.List())
	drafts = usableDrafts(drafts)
	if err != nil || len(drafts) == 0 {
		metrics.ClassifierFallbacks.WithLabelValues("decompose").Inc()
		if err != nil {
			log.Warn("decomposition failed, guessing a single step", slog.String("error", err.Error()))
		}
		drafts = []schema.StepDraft{{Action: capability.GuessAction(s.UserIntent), Description: s.UserIntent}}
	}

	plan := &schema.ExecutionPlan{
		ID:         uuid.New().String(),
		UserIntent: s.UserIntent,
		RiskLevel:  analysis.RiskLevel,
		Steps:      make([]schema.PlanStep, 0, len(drafts)),
	}
	for i, d := range drafts {
		destructive := e.policy.Destructive(ctx, d.Action, d.Parameters, d.Description)
		plan.Steps = append(plan.Steps, schema.PlanStep{
			ID:               fmt.Sprintf("step_%d", i+1),
			Action:           d.Action,
			Parameters:       d.Parameters,
			Description:      d.Description,
			RequiresApproval: destructive,
			RiskLevel:        e.policy.StepRisk(destructive, analysis.RiskLevel),
		})
	}
	plan.RequiresApproval = e.policy.PlanRequiresApproval(ctx, analysis, plan, s.UserID)
	plan.EstimatedDuration = estimateDuration(len(plan.Steps))

	log.Info("plan generated", slog.String("plan_id", plan.ID), slog.Int("steps", len(plan.Steps)),
		slog.Bool("requires_approval", plan.RequiresApproval))
	return Command{Patch: Patch{ExecutionPlan: plan}}
}

func usableDrafts(drafts []schema.StepDraft) []schema.StepDraft {
	out := make([]schema.StepDraft, 0, len(drafts))
	for _, d := range drafts {
		d.Action = strings.TrimSpace(d.Action)
		if d.Action != "" {
			out = append(out, d)
		}
	}
	return out[:min(len(out), schema.MaxEstimatedSteps)]
}

func estimateDuration(steps int) string {
	if steps <= 2 {
		return "seconds"
	}
	return "under a minute"
}

// --- approval gates ---

func (e *engineImpl) planApprovalGate(ctx context.Context, s *schema.WorkflowState) Command {
	plan := s.ExecutionPlan
	if plan == nil || !plan.RequiresApproval {
		return Command{}
	}
	return e.gate(ctx, s, planApproval(s), func(id string) schema.ApprovalRequest {
		return schema.ApprovalRequest{
			ID:          id,
			PlanID:      plan.ID,
			Description: plan.UserIntent,
			RiskLevel:   plan.RiskLevel,
			Message:     planPrompt(plan, id),
		}
	}, "plan")
}

func (e *engineImpl) stepApprovalGate(ctx context.Context, s *schema.WorkflowState) Command {
	step := s.ActiveStep()
	if step == nil || !step.RequiresApproval || approved(stepApproval(s, step.ID)) {
		return Command{}
	}
	index, total := s.CurrentStepIndex+1, len(s.ExecutionPlan.Steps)
	return e.gate(ctx, s, stepApproval(s, step.ID), func(id string) schema.ApprovalRequest {
		return schema.ApprovalRequest{
			ID:          id,
			StepID:      step.ID,
			PlanID:      s.ExecutionPlan.ID,
			Action:      step.Action,
			Parameters:  step.Parameters,
			Description: step.Description,
			RiskLevel:   step.RiskLevel,
			Message:     stepPrompt(step, index, total, id),
		}
	}, "step")
}

// gate raises, re-checks or resolves an approval. existing is the request already
// raised for this gate, if any; build creates a new one for the given ID.
func (e *engineImpl) gate(ctx context.Context, s *schema.WorkflowState, existing *schema.ApprovalRequest, build func(id string) schema.ApprovalRequest, kind string) Command {
	log := logging.LogWith(ctx, e.logger)

	if existing != nil {
		if existing.Resolved() {
			return e.route(s, existing, *existing.Approved, existing.Feedback, nil)
		}
		if res, ok := e.approvals.Lookup(ctx, existing.ID); ok {
			e.emit(ctx, s.SessionKey, s.RequestID, existing.StepID, schema.EventApprovalResolved,
				map[string]any{"id": existing.ID, "approved": res.Approved, "source": res.Source})
			return e.route(s, existing, res.Approved, res.Feedback, &Decision{
				RequestID:  existing.ID,
				Approved:   res.Approved,
				Feedback:   res.Feedback,
				ResolvedAt: res.ResolvedAt,
			})
		}
		// Still pending. Re-registering is a no-op in this process and rebinds the
		// callback after a restart.
		if err := e.approvals.Register(ctx, s.SessionKey, *existing, e.onResolved); err != nil {
			log.Warn("approval re-registration failed", slog.String("approval_id", existing.ID), slog.String("error", err.Error()))
		}
		return Command{Suspend: true}
	}

	req := build(uuid.New().String())
	req.SessionKey = s.SessionKey
	req.Timestamp = nowUTC()
	if err := e.approvals.Register(ctx, s.SessionKey, req, e.onResolved); err != nil {
		log.Error("approval could not be registered", slog.String("error", err.Error()))
		return Command{
			Patch: Patch{Denial: ptr("I could not ask for approval, so nothing was changed.")},
			Goto:  NodeReflect,
		}
	}
	metrics.ApprovalsRequested.WithLabelValues(kind).Inc()
	e.emit(ctx, s.SessionKey, s.RequestID, req.StepID, schema.EventApprovalRequested,
		map[string]any{"id": req.ID, "plan_id": req.PlanID, "risk_level": req.RiskLevel})
	e.notify(ctx, s.SessionKey, req.Message, conversation.ApprovalActions(req.ID), "approval")
	log.Info("awaiting approval", slog.String("approval_id", req.ID), slog.String("gate", kind))

	return Command{Patch: Patch{Approval: &req, AwaitingApproval: ptr(true)}, Suspend: true}
}

func (e *engineImpl) route(s *schema.WorkflowState, req *schema.ApprovalRequest, ok bool, feedback string, d *Decision) Command {
	p := Patch{Decision: d}
	if d != nil {
		p.AwaitingApproval = ptr(false)
	}
	if ok {
		return Command{Patch: p, Goto: NodeExecuteStep}
	}
	if s.Denial == "" {
		p.Denial = ptr(denialMessage(req, feedback))
	}
	return Command{Patch: p, Goto: NodeReflect}
}

func denialMessage(req *schema.ApprovalRequest, feedback string) string {
	var msg string
	if req.StepID == "" {
		msg = "Okay, I did not run the plan."
	} else {
		msg = fmt.Sprintf("Okay, I stopped before %s.", stepLabel(req.Action, req.Description))
	}
	if feedback != "" {
		msg += " Feedback: " + feedback
	}
	return msg
}

func planPrompt(plan *schema.ExecutionPlan, id string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I'd like to run this plan (risk: %s):", plan.RiskLevel)
	for i, st := range plan.Steps {
		fmt.Fprintf(&b, "\n%d. %s", i+1, stepLabel(st.Action, st.Description))
	}
	fmt.Fprintf(&b, "\n\nApprove? (request %s)", id)
	return b.String()
}

func stepPrompt(step *schema.PlanStep, index, total int, id string) string {
	return fmt.Sprintf("Step %d of %d needs your approval: %s (risk: %s).\n\nApprove? (request %s)",
		index, total, stepLabel(step.Action, step.Description), step.RiskLevel, id)
}

func stepLabel(action, description string) string {
	if description != "" {
		return fmt.Sprintf("%s [%s]", description, action)
	}
	return action
}

// --- EXECUTE_STEP ---

func (e *engineImpl) executeStep(ctx context.Context, s *schema.WorkflowState) Command {
	step := s.ActiveStep()
	if step == nil {
		return Command{Goto: NodeReflect}
	}
	if needsStepGate(s) {
		return Command{Goto: NodeStepApproval}
	}

	rec := e.executor.Execute(ctx, *step)
	index, total := s.CurrentStepIndex+1, len(s.ExecutionPlan.Steps)
	p := Patch{Steps: []schema.ExecutionStep{rec}}

	if rec.Status == schema.StepStatusCompleted {
		p.ToolResults = map[string]json.RawMessage{step.ID: rec.Result}
		e.emit(ctx, s.SessionKey, s.RequestID, step.ID, schema.EventStepCompleted,
			map[string]any{"action": step.Action, "capability": rec.Capability})
		e.notify(ctx, s.SessionKey, fmt.Sprintf("✓ Step %d/%d: %s", index, total, stepLabel(step.Action, step.Description)), nil, "progress")
	} else {
		e.emit(ctx, s.SessionKey, s.RequestID, step.ID, schema.EventStepFailed,
			map[string]any{"action": step.Action, "capability": rec.Capability, "error": rec.Error})
		e.notify(ctx, s.SessionKey, fmt.Sprintf("✗ Step %d/%d failed: %s", index, total, rec.Error), nil, "failure")
	}
	return Command{Patch: p}
}

// --- REFLECT ---

func (e *engineImpl) reflect(ctx context.Context, s *schema.WorkflowState) Command {
	skipped, sum, text := e.reflector.Reflect(ctx, s)
	for _, st := range skipped {
		e.emit(ctx, s.SessionKey, s.RequestID, st.StepID, schema.EventStepSkipped, map[string]any{"action": st.Action})
	}
	logging.LogWith(ctx, e.logger).Info("reflected",
		slog.Int("completed", sum.Completed), slog.Int("failed", sum.Failed), slog.Int("skipped", sum.Skipped))
	return Command{Patch: Patch{
		FinalResponse:    &text,
		AwaitingApproval: ptr(false),
		Done:             true,
	}}
}
