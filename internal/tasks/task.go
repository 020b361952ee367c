// Package tasks runs named units of work out of band: enqueued now, later,
// on a recurring schedule, or inline through the same middleware path.
package tasks

import (
	"context"
	"time"
)

// DefaultQueue is used when neither the caller nor the task names a queue.
const DefaultQueue = "default"

// Task is a named unit of out-of-band work.
type Task interface {
	Name() string
	Schema() TaskSchema
	Run(ctx context.Context, params map[string]any) (any, error)
}

// TaskSchema describes a task other than its body.
type TaskSchema struct {
	Description string `json:"description"`

	// Queue is the default queue for Enqueue calls that pass none.
	Queue string `json:"queue,omitempty"`

	// Frequency > 0 makes the task recurrent. Cron, when set, takes precedence.
	Frequency time.Duration `json:"frequency,omitempty"`
	Cron      string        `json:"cron,omitempty"`

	Middleware []string     `json:"middleware,omitempty"`
	Retry      *RetryPolicy `json:"retry,omitempty"`
}

// Recurrent reports whether the task reschedules itself.
func (s TaskSchema) Recurrent() bool {
	return s.Frequency > 0 || s.Cron != ""
}

// QueueOr returns the fallback, else the task's queue, else DefaultQueue.
func (s TaskSchema) QueueOr(fallback string) string {
	switch {
	case fallback != "":
		return fallback
	case s.Queue != "":
		return s.Queue
	default:
		return DefaultQueue
	}
}

// TaskInfo is a summary of a registered task for listing.
type TaskInfo struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Queue       string        `json:"queue"`
	Frequency   time.Duration `json:"frequency,omitempty"`
	Cron        string        `json:"cron,omitempty"`
}

// RunFunc is the body of a function-backed task.
type RunFunc func(ctx context.Context, params map[string]any) (any, error)

type funcTask struct {
	name   string
	schema TaskSchema
	run    RunFunc
}

// New builds a Task from a closure.
func New(name string, s TaskSchema, run RunFunc) Task {
	return &funcTask{name: name, schema: s, run: run}
}

func (t *funcTask) Name() string       { return t.name }
func (t *funcTask) Schema() TaskSchema { return t.schema }

func (t *funcTask) Run(ctx context.Context, params map[string]any) (any, error) {
	return t.run(ctx, params)
}

func (t *funcTask) hasRun() bool { return t.run != nil }
