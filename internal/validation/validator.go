package validation

import "github.com/walterra/eddoapp-sub009/pkg/schema"

// Validator checks classifier responses before the engine trusts them.
// Uses JSON Schema Draft 2020-12 for shape, then normalizes values into range.
type Validator interface {
	ParseAnalysis(raw []byte) (*schema.TaskAnalysis, *schema.Normalization, error)
	ParseDecomposition(raw []byte) ([]schema.StepDraft, error)
	ParseSuggestions(raw []byte) ([]string, error)
}
