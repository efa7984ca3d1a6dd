package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/walterra/eddoapp-sub009/internal/capability"
	"github.com/walterra/eddoapp-sub009/internal/expressions"
	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/internal/metrics"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// DefaultFailureQuery is the jq query that flags a successful-looking result as a
// failure: an object with success=false or a non-empty error field.
const DefaultFailureQuery = `type == "object" and (.success == false or (.error != null and .error != "" and .error != false))`

// DefaultStepTimeout bounds a single capability invocation.
const DefaultStepTimeout = 30 * time.Second

// Capabilities is the live capability surface a StepExecutor resolves and invokes
// against. Satisfied by *capability.Registry.
type Capabilities interface {
	List() []capability.Capability
	Invoke(ctx context.Context, name string, params map[string]any) (*capability.Result, error)
}

// StepExecutor runs one PlanStep: resolve, invoke under a timeout, and classify the
// result. It never retries; every outcome becomes an ExecutionStep.
type StepExecutor struct {
	caps          Capabilities
	breakers      *CircuitBreakers
	jq            *expressions.GoJQEngine
	failureQuery  string
	timeout       time.Duration
	logger        *slog.Logger
	onCircuitOpen func(ctx context.Context, capability string, stats map[string]any)
	now           func() time.Time
}

// NewStepExecutor creates a StepExecutor. An empty failureQuery uses DefaultFailureQuery.
func NewStepExecutor(caps Capabilities, breakers *CircuitBreakers, failureQuery string, timeout time.Duration, logger *slog.Logger) *StepExecutor {
	if failureQuery == "" {
		failureQuery = DefaultFailureQuery
	}
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	if breakers == nil {
		breakers = NewCircuitBreakers(DefaultCircuitBreakerConfig())
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &StepExecutor{
		caps:         caps,
		breakers:     breakers,
		jq:           expressions.NewGoJQEngine(),
		failureQuery: failureQuery,
		timeout:      timeout,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs step and returns its record. Status is completed or failed.
func (x *StepExecutor) Execute(ctx context.Context, step schema.PlanStep) schema.ExecutionStep {
	rec := schema.ExecutionStep{
		StepID:    step.ID,
		Action:    step.Action,
		Status:    schema.StepStatusPending,
		StartedAt: x.now(),
	}
	log := logging.LogWith(ctx, x.logger).With(slog.String("step_id", step.ID), slog.String("action", step.Action))

	name, ok := capability.Resolve(step.Action, x.caps.List())
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeResolutionFailed, "no capability matches action %q", step.Action).WithStep(step.ID)
		log.WarnContext(ctx, "action unresolved")
		return x.fail(rec, "unresolved", err)
	}
	rec.Capability = name

	if err := x.breakers.Allow(name); err != nil {
		log.WarnContext(ctx, "capability circuit open", slog.String("capability", name))
		return x.fail(rec, name, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	start := time.Now()
	res, err := x.caps.Invoke(callCtx, name, step.Parameters)
	metrics.StepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = context.DeadlineExceeded
	}
	if err != nil {
		x.recordFailure(ctx, name)
		if errors.Is(err, context.DeadlineExceeded) {
			err = schema.NewErrorf(schema.ErrCodeTimeout, "capability %s timed out after %s", name, x.timeout).
				WithStep(step.ID).WithCause(err)
		}
		log.WarnContext(ctx, "capability invocation failed", slog.String("capability", name), slog.String("error", err.Error()))
		return x.fail(rec, name, err)
	}

	if reason := x.failureOf(callCtx, res); reason != "" {
		x.recordFailure(ctx, name)
		rec.Result = res.JSON()
		log.InfoContext(ctx, "capability signalled failure", slog.String("capability", name), slog.String("reason", reason))
		return x.fail(rec, name, schema.NewError(schema.ErrCodeExecution, reason).WithStep(step.ID))
	}

	x.breakers.RecordSuccess(name)
	rec.Status = schema.StepStatusCompleted
	rec.Result = res.JSON()
	rec.CompletedAt = x.now()
	metrics.StepsExecuted.WithLabelValues(name, string(rec.Status)).Inc()
	log.DebugContext(ctx, "step completed", slog.String("capability", name))
	return rec
}

func (x *StepExecutor) fail(rec schema.ExecutionStep, label string, err error) schema.ExecutionStep {
	rec.Status = schema.StepStatusFailed
	rec.Error = err.Error()
	rec.CompletedAt = x.now()
	metrics.StepsExecuted.WithLabelValues(label, string(rec.Status)).Inc()
	return rec
}

func (x *StepExecutor) recordFailure(ctx context.Context, name string) {
	if x.breakers.RecordFailure(name) {
		metrics.CircuitOpened.WithLabelValues(name).Inc()
		if x.onCircuitOpen != nil {
			x.onCircuitOpen(ctx, name, x.breakers.Stats(name))
		}
	}
}

// failureOf returns a non-empty reason when res must count as a failure.
func (x *StepExecutor) failureOf(ctx context.Context, res *capability.Result) string {
	if res.Empty() {
		return "capability returned an empty result"
	}
	if res.IsError {
		return fmt.Sprintf("capability reported an error: %s", truncate(res.Text, 200))
	}
	out, err := x.jq.EvaluateJSON(ctx, x.failureQuery, res.JSON())
	if err != nil {
		logging.LogWith(ctx, x.logger).WarnContext(ctx, "failure query errored", slog.String("error", err.Error()))
		return ""
	}
	if flagged, _ := out.(bool); flagged {
		return failureMessage(res.JSON())
	}
	return ""
}

func failureMessage(raw json.RawMessage) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, key := range []string{"error", "message"} {
			if s, ok := body[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return "capability reported failure"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
