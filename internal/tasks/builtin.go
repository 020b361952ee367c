package tasks

import (
	"context"

	"github.com/rendis/hero/internal/dispatch"
	"github.com/rendis/hero/pkg/schema"
)

// RunActionTaskName is the built-in task that dispatches an action.
const RunActionTaskName = "runAction"

// RunActionTask dispatches params.action with the remaining params over a
// task connection. The action's envelope is the task result; an action error
// fails the task.
func RunActionTask(d *dispatch.Dispatcher) Task {
	return New(RunActionTaskName, TaskSchema{
		Description: "I will run an action and return the connection object",
	}, func(ctx context.Context, params map[string]any) (any, error) {
		name, _ := params[schema.ParamAction].(string)
		if name == "" {
			return nil, schema.MissingParameterError(schema.ParamAction)
		}

		res := d.Dispatch(ctx, dispatch.Request{
			Type:   schema.ConnectionTask,
			Params: params,
		})
		if err := res.Err(); err != nil {
			return nil, err
		}
		return map[string]any(res.Envelope), nil
	})
}
