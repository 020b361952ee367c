package actions

import (
	"context"
	"fmt"

	"github.com/rendis/hero/internal/expressions"
	"github.com/rendis/hero/pkg/schema"
)

// jqAction is the declarative Action variant: its body is a jq program
// evaluated over {params, connection}. An object result is merged into the
// response; anything else is stored under "data".
type jqAction struct {
	name    string
	schema  ActionSchema
	program string
	engine  *expressions.GoJQEngine
}

// NewJQAction builds a declarative action. The program is compiled eagerly so
// a broken file is rejected before it reaches the registry.
func NewJQAction(name string, s ActionSchema, program string, engine *expressions.GoJQEngine) (Action, error) {
	if engine == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq engine is nil")
	}
	if program == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "action %q has an empty jq program", name)
	}
	if err := engine.Compile(program); err != nil {
		return nil, err
	}
	if s.Version == 0 {
		s.Version = 1
	}
	return &jqAction{name: name, schema: s, program: program, engine: engine}, nil
}

func (a *jqAction) Name() string         { return a.name }
func (a *jqAction) Schema() ActionSchema { return a.schema }
func (a *jqAction) hasRun() bool         { return a.program != "" }

// Program returns the jq source, for documentation output.
func (a *jqAction) Program() string { return a.program }

func (a *jqAction) Run(ctx context.Context, conn *schema.Connection) error {
	out, err := a.engine.Evaluate(ctx, a.program, map[string]any{
		"params": conn.Params,
		"connection": map[string]any{
			"id":            conn.ID,
			"type":          string(conn.Type),
			"remoteAddress": conn.RemoteAddress,
		},
	})
	if err != nil {
		return fmt.Errorf("action %s: %w", a.name, err)
	}

	if obj, ok := out.(map[string]any); ok {
		for k, v := range obj {
			conn.Response[k] = v
		}
		return nil
	}
	conn.Response["data"] = out
	return nil
}
