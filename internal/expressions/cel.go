package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELVariables are the top-level variables visible to plan rules. Missing keys evaluate
// as empty maps.
//   - analysis: the request's TaskAnalysis (classification, riskLevel, requiresApproval, ...)
//   - plan:     plan-level fields (id, userIntent, stepCount)
//   - step:     the plan step under evaluation, if any
//   - user:     caller identity (id, sessionKey)
var CELVariables = []string{"analysis", "plan", "step", "user"}

// CELEngine evaluates plan rules in a CEL environment that declares only CELVariables.
type CELEngine struct {
	env      *cel.Env
	programs *programs[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	dyn := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, len(CELVariables))
	for i, name := range CELVariables {
		opts[i] = cel.Variable(name, dyn)
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newPrograms("CEL", e.compile)
	return e, nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, iss := e.env.Compile(src)
	if err := iss.Err(); err != nil {
		return nil, err
	}
	return e.env.Program(ast)
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression with data's CELVariables bound.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]any, len(CELVariables))
	for _, name := range CELVariables {
		if v, ok := data[name]; ok && v != nil {
			vars[name] = v
		} else {
			vars[name] = map[string]any{}
		}
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

// Check compiles expression without running it, so bad rules fail at startup.
func (e *CELEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

var _ Engine = (*CELEngine)(nil)
