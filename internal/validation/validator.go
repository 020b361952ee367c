package validation

import (
	"context"

	"github.com/rendis/hero/internal/actions"
	"github.com/rendis/hero/pkg/schema"
)

// Validator checks a connection's params against an action's declared inputs
// and returns the params the action is allowed to see.
type Validator interface {
	Validate(ctx context.Context, inputs []actions.Input, conn *schema.Connection) (map[string]any, error)
	CompileInputs(inputs []actions.Input) error
}
