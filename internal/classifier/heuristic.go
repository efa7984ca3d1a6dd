package classifier

import (
	"context"
	"strings"

	"github.com/walterra/eddoapp-sub009/internal/capability"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Heuristic is the model-free Classifier used when no LLM is configured. It treats
// every request as one step and marks destructive wording as high risk.
type Heuristic struct{}

var destructiveWords = []string{"delete", "remove", "purge", "clear", "destroy", "wipe"}

func (Heuristic) Classify(_ context.Context, intent string) (*schema.TaskAnalysis, error) {
	a := &schema.TaskAnalysis{
		Classification: schema.ClassificationSimple,
		Confidence:     0.5,
		RiskLevel:      schema.RiskLow,
		EstimatedSteps: schema.MinEstimatedSteps,
		Reasoning:      "keyword heuristic",
	}
	lower := strings.ToLower(intent)
	for _, w := range destructiveWords {
		if strings.Contains(lower, w) {
			a.RiskLevel = schema.RiskHigh
			a.RequiresApproval = true
			break
		}
	}
	return a, nil
}

func (Heuristic) Decompose(_ context.Context, intent string, _ *schema.TaskAnalysis, caps []capability.Capability) ([]schema.StepDraft, error) {
	action := capability.GuessAction(intent)
	if name, ok := capability.Resolve(action, caps); ok {
		action = name
	}
	return []schema.StepDraft{{Action: action, Description: intent}}, nil
}

func (Heuristic) Suggest(context.Context, *schema.WorkflowState) ([]string, error) {
	return nil, schema.NewError(schema.ErrCodeClassification, "no suggestions without a model")
}

var _ Classifier = Heuristic{}
