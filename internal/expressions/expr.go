package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates step rules with expr-lang/expr. Rules see the step's action name
// and parameters as top-level variables and lean on matches, contains, in and ??.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

// NewExprEngine creates an ExprEngine with an empty program cache.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newPrograms("expr", func(src string) (*vm.Program, error) {
		// Untyped compile: the variables differ per capability, missing ones read as nil.
		return expr.Compile(src, expr.AllowUndefinedVariables())
	})}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with the keys of data as variables.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
