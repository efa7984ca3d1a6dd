package expressions

import (
	"context"
	"sync"

	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Engine evaluates policy and result expressions.
// Three implementations: CEL (plan rules), Expr (step rules), GoJQ (result inspection).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Bool evaluates expression and requires a boolean result.
func Bool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q returned %T, want bool", e.Name(), expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// programs memoizes compiled expressions per source text. Rules come from configuration,
// so the set is small and never evicted.
type programs[P any] struct {
	engine  string
	compile func(string) (P, error)

	mu    sync.Mutex
	byExp map[string]P
}

func newPrograms[P any](engine string, compile func(string) (P, error)) *programs[P] {
	return &programs[P]{engine: engine, compile: compile, byExp: make(map[string]P)}
}

func (c *programs[P]) get(expression string) (P, error) {
	var zero P
	if expression == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", c.engine)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byExp[expression]; ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return zero, schema.NewErrorf(schema.ErrCodeValidation,
			"%s compile error in %q: %s", c.engine, expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	c.byExp[expression] = p
	return p, nil
}

func (c *programs[P]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byExp)
}

func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution,
		"%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
