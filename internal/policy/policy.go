package policy

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/walterra/eddoapp-sub009/internal/expressions"
	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// DefaultPlanRule gates a whole plan. CEL over analysis, plan and user. It is also the
// floor: a configured plan rule can add gates but never remove these.
const DefaultPlanRule = `analysis.requiresApproval || analysis.riskLevel == "high"`

// DefaultDestructiveRule marks a step as destructive or bulk-mutating. Expr over
// action, params and description.
const DefaultDestructiveRule = `action matches "(?i)(delete|remove|purge|clear|destroy|bulk)" || len(params?.ids ?? []) > 1`

// Config holds the rule sources. Empty fields use the defaults.
type Config struct {
	PlanRule        string `json:"plan_rule" mapstructure:"plan_rule"`
	DestructiveRule string `json:"destructive_rule" mapstructure:"destructive_rule"`
}

// Policy decides where approval gates go.
type Policy struct {
	cfg    Config
	cel    *expressions.CELEngine
	expr   *expressions.ExprEngine
	logger *slog.Logger
}

// New compiles the plan rule up front so a bad rule fails at startup.
func New(cfg Config, logger *slog.Logger) (*Policy, error) {
	if cfg.PlanRule == "" {
		cfg.PlanRule = DefaultPlanRule
	}
	if cfg.DestructiveRule == "" {
		cfg.DestructiveRule = DefaultDestructiveRule
	}
	if logger == nil {
		logger = logging.Discard()
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if err := celEngine.Check(cfg.PlanRule); err != nil {
		return nil, err
	}
	return &Policy{cfg: cfg, cel: celEngine, expr: expressions.NewExprEngine(), logger: logger}, nil
}

// PlanRequiresApproval ORs the plan rule with the built-in condition. If the rule
// errors only the built-in condition applies.
func (p *Policy) PlanRequiresApproval(ctx context.Context, a *schema.TaskAnalysis, plan *schema.ExecutionPlan, userID string) bool {
	if a == nil {
		return false
	}
	if a.RequiresApproval || a.RiskLevel == schema.RiskHigh {
		return true
	}
	if p.cfg.PlanRule == DefaultPlanRule {
		return false
	}
	data := map[string]any{
		"analysis": toMap(a),
		"user":     map[string]any{"id": userID},
	}
	if plan != nil {
		data["plan"] = map[string]any{"id": plan.ID, "userIntent": plan.UserIntent, "stepCount": len(plan.Steps)}
	}
	ok, err := expressions.Bool(ctx, p.cel, p.cfg.PlanRule, data)
	if err != nil {
		p.logger.WarnContext(ctx, "plan rule failed, using built-in", slog.String("error", err.Error()))
		return false
	}
	return ok
}

// Destructive reports whether a step is destructive or bulk-mutating. A rule error is
// treated as destructive.
func (p *Policy) Destructive(ctx context.Context, action string, params map[string]any, description string) bool {
	if params == nil {
		params = map[string]any{}
	}
	ok, err := expressions.Bool(ctx, p.expr, p.cfg.DestructiveRule, map[string]any{
		"action":      action,
		"params":      params,
		"description": description,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "destructive rule failed, gating step", slog.String("action", action), slog.String("error", err.Error()))
		return true
	}
	return ok
}

// StepRisk grades a step: destructive steps are high risk, everything else inherits
// the request's risk but never above medium.
func (p *Policy) StepRisk(destructive bool, requestRisk schema.RiskLevel) schema.RiskLevel {
	if destructive {
		return schema.RiskHigh
	}
	if requestRisk == schema.RiskHigh || requestRisk == schema.RiskMedium {
		return schema.RiskMedium
	}
	return schema.RiskLow
}

func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}
