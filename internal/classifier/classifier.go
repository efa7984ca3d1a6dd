package classifier

import (
	"context"

	"github.com/walterra/eddoapp-sub009/internal/capability"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Classifier is the model-backed collaborator the engine consults. Every method may
// fail; the engine substitutes fallbacks.
type Classifier interface {
	// Classify produces a normalized TaskAnalysis for a request.
	Classify(ctx context.Context, intent string) (*schema.TaskAnalysis, error)
	// Decompose splits a request into units of work, using the live capability list.
	Decompose(ctx context.Context, intent string, analysis *schema.TaskAnalysis, caps []capability.Capability) ([]schema.StepDraft, error)
	// Suggest proposes follow-up actions grounded in the completed traversal.
	Suggest(ctx context.Context, state *schema.WorkflowState) ([]string, error)
}
