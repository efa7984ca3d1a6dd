package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/walterra/eddoapp-sub009/internal/capability"
	"github.com/walterra/eddoapp-sub009/internal/classifier"
	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/internal/metrics"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Summary is the tally a Reflector derives from a finished traversal.
type Summary struct {
	Completed   int
	Failed      int
	Skipped     int
	Changes     []string
	Failures    []string
	Suggestions []string
}

// Reflector builds the final response of a traversal.
type Reflector struct {
	classifier classifier.Classifier
	logger     *slog.Logger
}

// NewReflector creates a Reflector. A nil classifier always uses static suggestions.
func NewReflector(c classifier.Classifier, logger *slog.Logger) *Reflector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reflector{classifier: c, logger: logger}
}

// Reflect tallies the traversal and renders the final response. Plan steps that never
// ran are returned as skipped records; they are reported, not appended to the state.
func (r *Reflector) Reflect(ctx context.Context, s *schema.WorkflowState) ([]schema.ExecutionStep, Summary, string) {
	var skipped []schema.ExecutionStep
	if s.ExecutionPlan != nil {
		now := nowUTC()
		for _, step := range s.ExecutionPlan.Steps[min(s.CurrentStepIndex, len(s.ExecutionPlan.Steps)):] {
			skipped = append(skipped, schema.ExecutionStep{
				StepID:      step.ID,
				Action:      step.Action,
				Status:      schema.StepStatusSkipped,
				StartedAt:   now,
				CompletedAt: now,
			})
		}
	}

	var sum Summary
	for _, st := range append(append([]schema.ExecutionStep(nil), s.ExecutionSteps...), skipped...) {
		switch st.Status {
		case schema.StepStatusCompleted:
			sum.Completed++
			sum.Changes = append(sum.Changes, describeChange(st, planParams(s, st.StepID)))
		case schema.StepStatusFailed:
			sum.Failed++
			sum.Failures = append(sum.Failures, fmt.Sprintf("%s: %s", st.Action, st.Error))
		case schema.StepStatusSkipped:
			sum.Skipped++
		}
	}
	sum.Suggestions = r.suggest(ctx, s, sum)

	return skipped, sum, render(s, sum)
}

func (r *Reflector) suggest(ctx context.Context, s *schema.WorkflowState, sum Summary) []string {
	if r.classifier != nil {
		out, err := r.classifier.Suggest(ctx, s)
		if err == nil && len(out) > 0 {
			return out[:min(len(out), 3)]
		}
		reason := "empty"
		if err != nil {
			reason = err.Error()
		}
		metrics.ClassifierFallbacks.WithLabelValues("suggest").Inc()
		logging.LogWith(ctx, r.logger).InfoContext(ctx, "using static suggestions", slog.String("reason", reason))
	}
	return staticSuggestions(s, sum)
}

func staticSuggestions(s *schema.WorkflowState, sum Summary) []string {
	out := make([]string, 0, 3)
	switch {
	case s.Denial != "":
		out = append(out, "Rephrase the request with a narrower scope")
	case sum.Failed > 0:
		out = append(out, "Ask me to retry the steps that failed")
	}
	out = append(out, "Review your open todos", "Start time tracking on your next task")
	return out[:min(len(out), 3)]
}

func render(s *schema.WorkflowState, sum Summary) string {
	var b strings.Builder
	switch {
	case s.Denial != "":
		b.WriteString(s.Denial)
	case s.Error != "":
		fmt.Fprintf(&b, "I had to stop early: %s", s.Error)
	case sum.Failed == 0 && sum.Completed > 0:
		b.WriteString("All done.")
	default:
		b.WriteString("Finished with problems.")
	}

	total := sum.Completed + sum.Failed + sum.Skipped
	if total > 0 {
		fmt.Fprintf(&b, "\n\n%d completed, %d failed, %d skipped.", sum.Completed, sum.Failed, sum.Skipped)
	}
	for _, c := range sum.Changes {
		fmt.Fprintf(&b, "\n✓ %s", c)
	}
	for _, f := range sum.Failures {
		fmt.Fprintf(&b, "\n✗ %s", f)
	}
	if len(sum.Suggestions) > 0 {
		b.WriteString("\n\nNext you could:")
		for _, sg := range sum.Suggestions {
			fmt.Fprintf(&b, "\n• %s", sg)
		}
	}
	return b.String()
}

func planParams(s *schema.WorkflowState, stepID string) map[string]any {
	if s.ExecutionPlan == nil {
		return nil
	}
	for _, st := range s.ExecutionPlan.Steps {
		if st.ID == stepID {
			return st.Parameters
		}
	}
	return nil
}

// describeChange renders one change line for a completed step.
func describeChange(st schema.ExecutionStep, params map[string]any) string {
	target := firstString(params, "title", "name", "id", "todoId")
	quoted := ""
	if target != "" {
		quoted = fmt.Sprintf(" %q", target)
	}
	switch capability.ActionGroup(st.Action) {
	case "list":
		return "Listed todos"
	case "get":
		return "Looked up todo" + quoted
	case "create":
		return "Created todo" + quoted
	case "update":
		return "Updated todo" + quoted
	case "delete":
		return "Deleted todo" + quoted
	case "toggle":
		return "Toggled completion of todo" + quoted
	case "time":
		if quoted != "" {
			return "Updated time tracking for" + quoted
		}
		return "Updated time tracking"
	}
	return fmt.Sprintf("Ran %s", st.Action)
}

func firstString(params map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := params[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
