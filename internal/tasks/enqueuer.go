package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hero/internal/dispatch"
	"github.com/rendis/hero/internal/logging"
	"github.com/rendis/hero/internal/middleware"
	"github.com/rendis/hero/pkg/schema"
)

// Enqueuer validates and hands task invocations to a Queue, and executes
// tasks through their middleware for both the runner and inline callers.
type Enqueuer struct {
	registry *Registry
	chain    *middleware.Chain
	queue    Queue
	reporter dispatch.ExceptionReporter
	logger   *slog.Logger
	now      func() time.Time

	// recurMu serializes the check-then-push of recurrent jobs in this process.
	recurMu sync.Mutex
}

// NewEnqueuer creates an Enqueuer. A nil reporter logs exceptions to logger.
func NewEnqueuer(registry *Registry, chain *middleware.Chain, queue Queue, reporter dispatch.ExceptionReporter, logger *slog.Logger) *Enqueuer {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = dispatch.LogReporter{Logger: logger}
	}
	return &Enqueuer{
		registry: registry,
		chain:    chain,
		queue:    queue,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
	}
}

// Registry returns the task registry.
func (e *Enqueuer) Registry() *Registry { return e.registry }

// Queue returns the queue backend.
func (e *Enqueuer) Queue() Queue { return e.queue }

// Enqueue queues task for immediate execution. An empty queue name falls back
// to the task's queue.
func (e *Enqueuer) Enqueue(ctx context.Context, task string, params map[string]any, queue string) (*schema.Job, error) {
	return e.enqueue(ctx, task, params, queue, e.now(), false)
}

// EnqueueIn queues task to run no earlier than delay from now.
func (e *Enqueuer) EnqueueIn(ctx context.Context, delay time.Duration, task string, params map[string]any, queue string) (*schema.Job, error) {
	if delay < 0 {
		delay = 0
	}
	return e.enqueue(ctx, task, params, queue, e.now().Add(delay), false)
}

// EnqueueAt queues task to run no earlier than at.
func (e *Enqueuer) EnqueueAt(ctx context.Context, at time.Time, task string, params map[string]any, queue string) (*schema.Job, error) {
	return e.enqueue(ctx, task, params, queue, at, false)
}

// EnqueueRecurrent schedules the next run of a recurrent task. It reports
// false without error when an instance is already queued or running.
func (e *Enqueuer) EnqueueRecurrent(ctx context.Context, task string) (bool, error) {
	t, err := e.registry.Get(task)
	if err != nil {
		return false, err
	}
	sched, err := Schedule(t.Schema())
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "task %q is not recurrent", task)
	}

	e.recurMu.Lock()
	defer e.recurMu.Unlock()

	exists, err := e.queue.HasRecurrent(ctx, task)
	if err != nil {
		return false, queueError("check recurrent task", err)
	}
	if exists {
		return false, nil
	}

	_, err = e.enqueue(ctx, task, nil, "", sched.Next(e.now()), true)
	if schema.HasCode(err, schema.ErrCodeConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EnqueueAllRecurrent schedules every recurrent task that is not already
// scheduled and returns how many were added.
func (e *Enqueuer) EnqueueAllRecurrent(ctx context.Context) (int, error) {
	added := 0
	for _, name := range e.registry.Recurrent() {
		ok, err := e.EnqueueRecurrent(ctx, name)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// StopRecurrent removes queued instances of a recurrent task.
func (e *Enqueuer) StopRecurrent(ctx context.Context, task string) (int, error) {
	if !e.registry.Has(task) {
		return 0, schema.UnknownTaskError(task)
	}
	n, err := e.queue.DeleteRecurrent(ctx, task)
	if err != nil {
		return 0, queueError("delete recurrent task", err)
	}
	return n, nil
}

// RunInline executes task synchronously through the same middleware and
// panic handling as a queued run.
func (e *Enqueuer) RunInline(ctx context.Context, task string, params map[string]any) (any, error) {
	t, err := e.registry.Get(task)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, t, copyParams(params), t.Schema().QueueOr(""), nil)
}

// Len counts queued jobs in queue ("" for all queues).
func (e *Enqueuer) Len(ctx context.Context, queue string) (int, error) {
	n, err := e.queue.Len(ctx, queue)
	if err != nil {
		return 0, queueError("count jobs", err)
	}
	return n, nil
}

func (e *Enqueuer) enqueue(ctx context.Context, name string, params map[string]any, queue string, runAt time.Time, recurrent bool) (*schema.Job, error) {
	t, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}
	s := t.Schema()

	chain, err := e.chain.Resolve(middleware.KindTask, s.Middleware)
	if err != nil {
		return nil, err
	}
	inv := &middleware.Invocation{
		Kind:   middleware.KindTask,
		Name:   name,
		Params: copyParams(params),
		Queue:  s.QueueOr(queue),
		RunAt:  runAt,
	}
	if err := dispatch.Invoke(ctx, e.reporter, nil, func(ctx context.Context) error {
		return middleware.RunPreEnqueue(ctx, chain, inv)
	}); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(inv.Params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "params for task %q are not serializable", name).
			WithCause(err)
	}

	now := e.now().UTC()
	job := &schema.Job{
		ID:        uuid.New().String(),
		Task:      name,
		Queue:     inv.Queue,
		Params:    raw,
		Status:    schema.JobStatusQueued,
		Recurrent: recurrent,
		RunAt:     inv.RunAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.queue.Push(ctx, job); err != nil {
		if _, ok := schema.AsHeroError(err); ok {
			return nil, err
		}
		return nil, queueError("push job", err)
	}

	logging.LogWith(logging.WithJobID(logging.WithTask(ctx, name), job.ID), e.logger).Debug("task enqueued",
		slog.String("queue", job.Queue),
		slog.Time("run_at", job.RunAt),
		slog.Bool("recurrent", recurrent),
	)

	inv.Enqueued = true
	if err := dispatch.Invoke(ctx, e.reporter, nil, func(ctx context.Context) error {
		return middleware.RunPostEnqueue(ctx, chain, inv)
	}); err != nil {
		return job, err
	}
	return job, nil
}

// execute runs one task invocation. job is nil for inline runs.
func (e *Enqueuer) execute(ctx context.Context, t Task, params map[string]any, queue string, job *schema.Job) (any, error) {
	s := t.Schema()
	ctx = logging.WithTask(ctx, t.Name())

	conn := schema.NewConnection(schema.ConnectionTask, params)
	conn.ActionName = t.Name()
	inv := &middleware.Invocation{
		Kind:   middleware.KindTask,
		Name:   t.Name(),
		Conn:   conn,
		Params: conn.Params,
		Queue:  queue,
	}
	if job != nil {
		ctx = logging.WithJobID(ctx, job.ID)
		inv.RunAt = job.RunAt
		inv.Enqueued = true
	}

	chain, err := e.chain.Resolve(middleware.KindTask, s.Middleware)
	if err != nil {
		return nil, err
	}
	// Middleware crashes are absorbed the same way as the task body's.
	if err := dispatch.Invoke(ctx, e.reporter, conn, func(ctx context.Context) error {
		return middleware.RunPre(ctx, chain, inv)
	}); err != nil {
		return nil, err
	}

	var result any
	err = dispatch.Invoke(ctx, e.reporter, conn, func(ctx context.Context) error {
		r, runErr := t.Run(ctx, inv.Params)
		result = r
		return runErr
	})
	if err != nil {
		return nil, err
	}

	conn.Response["result"] = result
	if err := dispatch.Invoke(ctx, e.reporter, conn, func(ctx context.Context) error {
		return middleware.RunPost(ctx, chain, inv)
	}); err != nil {
		return result, err
	}
	return result, nil
}

func queueError(op string, err error) *schema.HeroError {
	return schema.NewErrorf(schema.ErrCodeQueue, "%s: %s", op, err.Error()).WithCause(err)
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
