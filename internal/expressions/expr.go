package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine runs input formatters such as `int(value)` or `lower(trim(value))`.
// Programs are compiled untyped since a formatter sees a different value type
// per request, and unknown identifiers evaluate to nil.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newPrograms[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.programs.get(expression, compileExpr)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}

	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, failure("expr", "evaluation", expression, err)
	}
	return out, nil
}

// Format applies a formatter to one input value. params holds the raw request
// params so a formatter can depend on another field.
func (e *ExprEngine) Format(ctx context.Context, formatter string, value any, params map[string]any) (any, error) {
	return e.Evaluate(ctx, formatter, map[string]any{"value": value, "params": params})
}

// Compile checks an expression without evaluating it.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.programs.get(expression, compileExpr)
	return err
}

func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, failure("expr", "compile", expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
