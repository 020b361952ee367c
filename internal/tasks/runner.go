package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rendis/hero/internal/logging"
	"github.com/rendis/hero/pkg/schema"
)

// RunnerConfig configures the job runner.
type RunnerConfig struct {
	Queues       []string      `json:"queues"`
	Concurrency  int           `json:"concurrency"`
	PollInterval time.Duration `json:"poll_interval"`
	// Breaker enables per-task circuit breakers when non-nil.
	Breaker *BreakerConfig `json:"breaker,omitempty"`
}

// Runner claims due jobs from the queue and executes them on a worker pool.
type Runner struct {
	enq      *Enqueuer
	cfg      RunnerConfig
	pool     *WorkerPool
	breakers *Breakers
	logger   *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	onFinish []FinishHook
}

// FinishHook observes a job once it reaches a final status. err is nil for a
// completed job.
type FinishHook func(ctx context.Context, job *schema.Job, err error)

// NewRunner creates a Runner over the enqueuer's registry and queue.
func NewRunner(enq *Enqueuer, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		enq:    enq,
		cfg:    cfg,
		pool:   NewWorkerPool(cfg.Concurrency),
		logger: logger,
	}
	if cfg.Breaker != nil {
		r.breakers = NewBreakers(*cfg.Breaker)
	}
	return r
}

// Breakers returns the runner's circuit breakers, or nil when disabled.
func (r *Runner) Breakers() *Breakers {
	return r.breakers
}

// OnFinish registers a hook. Hooks must be added before Start.
func (r *Runner) OnFinish(h FinishHook) {
	r.onFinish = append(r.onFinish, h)
}

// Metrics returns the worker pool metrics.
func (r *Runner) Metrics() PoolMetrics {
	return r.pool.Metrics()
}

// Start re-queues jobs left running by an earlier process, then launches the
// background polling loop. One runner per database is assumed.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	if n, err := r.enq.queue.Reclaim(ctx, r.cfg.Queues, time.Now(), time.Now()); err != nil {
		r.logger.Error("failed to reclaim abandoned jobs", slog.String("error", err.Error()))
	} else if n > 0 {
		r.logger.Warn("reclaimed abandoned jobs", slog.Int("count", n))
	}

	go r.loop(runCtx)
	r.logger.Info("task runner started",
		slog.Int("concurrency", r.cfg.Concurrency),
		slog.Any("queues", r.cfg.Queues),
	)
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll claims as many due jobs as there are free worker slots.
func (r *Runner) poll(ctx context.Context) int {
	free := r.pool.Free()
	if free == 0 {
		return 0
	}

	jobs, err := r.enq.queue.Claim(ctx, r.cfg.Queues, time.Now(), free)
	if err != nil {
		r.logger.Error("failed to claim jobs", slog.String("error", err.Error()))
		return 0
	}

	for _, job := range jobs {
		if err := r.pool.Submit(ctx, func(ctx context.Context) error {
			return r.process(ctx, job)
		}); err != nil {
			// Put the claim back so another poll (or process) picks it up.
			_ = r.enq.queue.Fail(context.WithoutCancel(ctx), job.ID, err.Error(), time.Now())
			r.logger.Warn("failed to submit job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}
	return len(jobs)
}

// Tick claims and processes due jobs once, waiting for them to finish.
// It returns how many jobs were claimed.
func (r *Runner) Tick(ctx context.Context) int {
	n := r.poll(ctx)
	r.pool.Wait()
	return n
}

// process executes one claimed job and records its outcome. Outcomes are
// written with a context that survives Stop, so a job interrupted by shutdown
// is put back rather than left running.
func (r *Runner) process(ctx context.Context, job *schema.Job) (err error) {
	ctx = logging.WithJobID(logging.WithTask(ctx, job.Task), job.ID)
	logger := logging.LogWith(ctx, r.logger)
	q := r.enq.queue
	rec := context.WithoutCancel(ctx)

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		cause, ok := p.(error)
		if !ok {
			cause = fmt.Errorf("%v", p)
		}
		if r.enq.reporter != nil {
			r.enq.reporter.Report(rec, cause, map[string]any{"job_id": job.ID, "task": job.Task}, debug.Stack())
		}
		err = schema.InternalActionError(cause)
		if ferr := q.Fail(rec, job.ID, err.Error(), time.Time{}); ferr != nil {
			logger.Error("failed to mark job failed", slog.String("error", ferr.Error()))
		}
		r.finished(rec, job, err)
	}()

	t, err := r.enq.registry.Get(job.Task)
	if err != nil {
		logger.Error("job references unknown task")
		_ = q.Fail(rec, job.ID, err.Error(), time.Time{})
		r.finished(rec, job, err)
		return err
	}

	params, err := job.DecodeParams()
	if err != nil {
		_ = q.Fail(rec, job.ID, "decode params: "+err.Error(), time.Time{})
		r.finished(rec, job, err)
		return err
	}

	if r.breakers != nil {
		if until, err := r.breakers.Allow(job.Task); err != nil {
			// Deferred rather than failed. The claim still counts as an attempt.
			if err := q.Fail(rec, job.ID, err.Error(), until); err != nil {
				logger.Error("failed to defer job", slog.String("error", err.Error()))
			}
			logger.Warn("circuit open, job deferred", slog.Time("until", until))
			return err
		}
	}

	start := time.Now()
	_, runErr := r.enq.execute(ctx, t, params, job.Queue, job)

	if runErr != nil && ctx.Err() != nil {
		if err := q.Fail(rec, job.ID, runErr.Error(), time.Now()); err != nil {
			logger.Error("failed to requeue interrupted job", slog.String("error", err.Error()))
		}
		logger.Warn("job interrupted by shutdown, requeued", slog.String("error", runErr.Error()))
		return runErr
	}
	r.recordOutcome(logger, job.Task, runErr)

	switch {
	case runErr == nil:
		if err := q.Complete(rec, job.ID); err != nil {
			logger.Error("failed to complete job", slog.String("error", err.Error()))
		}
		logger.Debug("job completed", slog.Duration("duration", time.Since(start)))
		r.finished(rec, job, nil)
	case shouldRetry(t.Schema().Retry, job.Attempts, runErr):
		delay := ComputeBackoff(t.Schema().Retry, job.Attempts-1)
		if err := q.Fail(rec, job.ID, runErr.Error(), time.Now().Add(delay)); err != nil {
			logger.Error("failed to requeue job", slog.String("error", err.Error()))
		}
		logger.Warn("job failed, retrying",
			slog.Int("attempt", job.Attempts),
			slog.Duration("backoff", delay),
			slog.String("error", runErr.Error()),
		)
		return runErr
	default:
		if err := q.Fail(rec, job.ID, runErr.Error(), time.Time{}); err != nil {
			logger.Error("failed to mark job failed", slog.String("error", err.Error()))
		}
		logger.Error("job failed",
			slog.Int("attempt", job.Attempts),
			slog.String("error", runErr.Error()),
		)
		r.finished(rec, job, runErr)
	}

	if job.Recurrent {
		if _, err := r.enq.EnqueueRecurrent(rec, job.Task); err != nil {
			logger.Error("failed to reschedule recurrent task", slog.String("error", err.Error()))
		}
	}
	return runErr
}

func (r *Runner) recordOutcome(logger *slog.Logger, task string, runErr error) {
	if r.breakers == nil {
		return
	}
	if runErr == nil {
		r.breakers.Success(task)
		return
	}
	if r.breakers.Failure(task) == CircuitOpen {
		logger.Warn("circuit opened for task")
	}
}

func (r *Runner) finished(ctx context.Context, job *schema.Job, err error) {
	for _, h := range r.onFinish {
		h(ctx, job, err)
	}
}

// Stop cancels polling and waits for running jobs to finish.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return nil
	}

	r.cancel()
	<-r.done
	r.pool.Wait()
	r.cancel = nil
	r.done = nil

	r.logger.Info("task runner stopped")
	return nil
}
