package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Kind names a classifier response shape.
type Kind string

const (
	KindAnalysis      Kind = "analysis"
	KindDecomposition Kind = "decomposition"
	KindSuggestions   Kind = "suggestions"
)

// Types are checked strictly; ranges and enums are normalized afterwards so an
// out-of-range confidence is clamped rather than rejected.
var schemas = map[Kind]string{
	KindAnalysis: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "classification": { "type": "string" },
    "confidence": { "type": "number" },
    "requiresApproval": { "type": "boolean" },
    "riskLevel": { "type": "string" },
    "estimatedSteps": { "type": "number" },
    "reasoning": { "type": "string" }
  }
}`,
	KindDecomposition: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["action"],
        "properties": {
          "action": { "type": "string", "minLength": 1 },
          "parameters": { "type": "object" },
          "description": { "type": "string" }
        }
      }
    }
  }
}`,
	KindSuggestions: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["suggestions"],
  "properties": {
    "suggestions": {
      "type": "array",
      "minItems": 1,
      "items": { "type": "string", "minLength": 1 }
    }
  }
}`,
}

// MaxSuggestions bounds the suggestion list kept from a response.
const MaxSuggestions = 3

// ResponseValidator implements Validator using JSON Schema Draft 2020-12.
// Schemas are compiled once; it is safe for concurrent use.
type ResponseValidator struct {
	compiled map[Kind]*jsonschema.Schema
}

// NewResponseValidator compiles the response schemas.
func NewResponseValidator() (*ResponseValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	v := &ResponseValidator{compiled: make(map[Kind]*jsonschema.Schema, len(schemas))}
	for kind, src := range schemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", kind, err)
		}
		url := fmt.Sprintf("https://eddo.app/schemas/%s.json", kind)
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", kind, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		v.compiled[kind] = sch
	}
	return v, nil
}

// Validate checks raw (a classifier reply, possibly wrapped in prose or code fences)
// against the schema for kind and returns the extracted JSON.
func (v *ResponseValidator) Validate(kind Kind, raw []byte) ([]byte, error) {
	sch, ok := v.compiled[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown response kind %q", kind)
	}
	body := ExtractJSON(raw)
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s response is not JSON", kind).WithCause(err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, toEddoError(err)
	}
	return body, nil
}

type analysisWire struct {
	Classification   *string  `json:"classification"`
	Confidence       *float64 `json:"confidence"`
	RequiresApproval *bool    `json:"requiresApproval"`
	RiskLevel        *string  `json:"riskLevel"`
	EstimatedSteps   *float64 `json:"estimatedSteps"`
	Reasoning        string   `json:"reasoning"`
}

// ParseAnalysis validates and normalizes a TaskAnalysis. Out-of-range or unknown values
// are corrected and recorded in the returned Normalization; only a shape mismatch is an error.
func (v *ResponseValidator) ParseAnalysis(raw []byte) (*schema.TaskAnalysis, *schema.Normalization, error) {
	body, err := v.Validate(KindAnalysis, raw)
	if err != nil {
		return nil, nil, err
	}
	var w analysisWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "decode analysis").WithCause(err)
	}

	res := &schema.Normalization{}
	a := &schema.TaskAnalysis{
		Classification: schema.ClassificationSimple,
		RiskLevel:      schema.RiskLow,
		EstimatedSteps: schema.MinEstimatedSteps,
		Reasoning:      w.Reasoning,
	}

	switch {
	case w.Classification == nil:
		res.Default("/classification", nil, schema.ClassificationSimple)
	case !schema.Classification(*w.Classification).Valid():
		res.Default("/classification", *w.Classification, schema.ClassificationSimple)
	default:
		a.Classification = schema.Classification(*w.Classification)
	}

	switch {
	case w.RiskLevel == nil:
		res.Default("/riskLevel", nil, schema.RiskLow)
	case !schema.RiskLevel(*w.RiskLevel).Valid():
		res.Default("/riskLevel", *w.RiskLevel, schema.RiskLow)
	default:
		a.RiskLevel = schema.RiskLevel(*w.RiskLevel)
	}

	if w.Confidence != nil {
		a.Confidence = clamp(*w.Confidence, 0, 1)
		if a.Confidence != *w.Confidence {
			res.Clamp("/confidence", *w.Confidence, a.Confidence)
		}
	}
	if w.EstimatedSteps != nil {
		n := int(clamp(*w.EstimatedSteps, schema.MinEstimatedSteps, schema.MaxEstimatedSteps))
		if float64(n) != *w.EstimatedSteps {
			res.Clamp("/estimatedSteps", *w.EstimatedSteps, n)
		}
		a.EstimatedSteps = n
	}
	if w.RequiresApproval != nil {
		a.RequiresApproval = *w.RequiresApproval
	}
	return a, res, nil
}

// ParseDecomposition validates a step decomposition and caps it at MaxEstimatedSteps.
func (v *ResponseValidator) ParseDecomposition(raw []byte) ([]schema.StepDraft, error) {
	body, err := v.Validate(KindDecomposition, raw)
	if err != nil {
		return nil, err
	}
	var w struct {
		Steps []schema.StepDraft `json:"steps"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode decomposition").WithCause(err)
	}
	if len(w.Steps) > schema.MaxEstimatedSteps {
		w.Steps = w.Steps[:schema.MaxEstimatedSteps]
	}
	for i := range w.Steps {
		w.Steps[i].Action = strings.TrimSpace(w.Steps[i].Action)
	}
	return w.Steps, nil
}

// ParseSuggestions validates a suggestion list and keeps at most MaxSuggestions.
func (v *ResponseValidator) ParseSuggestions(raw []byte) ([]string, error) {
	body, err := v.Validate(KindSuggestions, raw)
	if err != nil {
		return nil, err
	}
	var w struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode suggestions").WithCause(err)
	}
	if len(w.Suggestions) > MaxSuggestions {
		w.Suggestions = w.Suggestions[:MaxSuggestions]
	}
	return w.Suggestions, nil
}

// ExtractJSON strips code fences and surrounding prose from a model reply, returning
// the outermost JSON object. Input without braces is returned trimmed.
func ExtractJSON(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

// toEddoError converts a jsonschema.ValidationError into an EddoError listing every
// leaf violation with its instance location.
func toEddoError(err error) *schema.EddoError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ Validator = (*ResponseValidator)(nil)
