package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// GoJQEngine runs jq queries over capability results. The step executor uses it to
// decide whether a result that came back without a transport error still signals failure.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

// NewGoJQEngine creates a GoJQEngine. Queries cannot read the process environment.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newPrograms("jq", func(src string) (*gojq.Code, error) {
		q, err := gojq.Parse(src)
		if err != nil {
			return nil, err
		}
		return gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
	})}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression with data as ".". A single output is returned as is, several
// are returned as []any, none as nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	outs, err := e.run(ctx, expression, jqValue(data))
	if err != nil {
		return nil, err
	}
	switch len(outs) {
	case 0:
		return nil, nil
	case 1:
		return outs[0], nil
	}
	return outs, nil
}

// EvaluateJSON decodes raw and runs expression over it, returning the last output. Any
// JSON value is accepted as input, not only objects.
func (e *GoJQEngine) EvaluateJSON(ctx context.Context, expression string, raw json.RawMessage) (any, error) {
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq input is not valid JSON").WithCause(err)
	}
	outs, err := e.run(ctx, expression, input)
	if err != nil || len(outs) == 0 {
		return nil, err
	}
	return outs[len(outs)-1], nil
}

func (e *GoJQEngine) run(ctx context.Context, expression string, input any) ([]any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	var outs []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			return outs, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError(e.Name(), expression, err)
		}
		outs = append(outs, v)
	}
}

// jqValue rewrites Go numeric types gojq does not accept into float64. int passes through.
func jqValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = jqValue(item)
		}
		return out
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
