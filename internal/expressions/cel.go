package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

type celProgram struct {
	prg cel.Program
	out *cel.Type
}

// CELEngine evaluates input rules such as `size(value) > 3 && value != params.other`.
// Rules see three variables: value (the input being checked), params (every
// raw param of the request) and connection (type and remoteAddress).
type CELEngine struct {
	env      *cel.Env
	programs *programs[celProgram]
}

func NewCELEngine() (*CELEngine, error) {
	vars := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DynType),
		cel.Variable("params", vars),
		cel.Variable("connection", vars),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newPrograms[celProgram]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression. Missing params or connection maps are bound to
// empty maps so that `"x" in params` works on a bare request.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}
	p, err := e.programs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	vars := map[string]any{"value": data["value"]}
	for _, name := range []string{"params", "connection"} {
		if m, ok := data[name]; ok && m != nil {
			vars[name] = m
		} else {
			vars[name] = map[string]any{}
		}
	}

	out, _, err := p.prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, failure("CEL", "evaluation", expression, err)
	}
	return out.Value(), nil
}

// Compile checks an expression without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression, e.compile)
	return err
}

// CompileRule compiles an input rule and rejects it when its static type
// cannot be a boolean.
func (e *CELEngine) CompileRule(rule string) error {
	p, err := e.programs.get(rule, e.compile)
	if err != nil {
		return err
	}
	if !p.out.IsExactType(cel.BoolType) && !p.out.IsExactType(cel.DynType) {
		return failure("CEL", "compile", rule, fmt.Errorf("rule must return a bool, not %s", p.out))
	}
	return nil
}

func (e *CELEngine) compile(expression string) (celProgram, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return celProgram{}, failure("CEL", "compile", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return celProgram{}, failure("CEL", "compile", expression, err)
	}
	return celProgram{prg: prg, out: ast.OutputType()}, nil
}

var _ Engine = (*CELEngine)(nil)
