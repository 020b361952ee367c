package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/hero/pkg/schema"
)

// Queue is the persistence contract for enqueued jobs. Implementations must
// be safe for concurrent use. store.LibSQLQueue and MemoryQueue satisfy it.
type Queue interface {
	// Push stores a queued job. A second queued or running recurrent job for
	// the same task is rejected with CONFLICT.
	Push(ctx context.Context, job *schema.Job) error

	// Claim marks up to limit due jobs from the given queues as running and
	// returns them, oldest RunAt first. An empty queues slice means all queues.
	Claim(ctx context.Context, queues []string, now time.Time, limit int) ([]*schema.Job, error)

	// Complete marks a running job as completed.
	Complete(ctx context.Context, id string) error

	// Fail records errMsg. A non-zero retryAt re-queues the job for then,
	// otherwise the job is marked failed.
	Fail(ctx context.Context, id string, errMsg string, retryAt time.Time) error

	// HasRecurrent reports whether a queued or running recurrent job exists for task.
	HasRecurrent(ctx context.Context, task string) (bool, error)

	// DeleteRecurrent removes queued recurrent jobs for task and returns how many.
	DeleteRecurrent(ctx context.Context, task string) (int, error)

	// Reclaim re-queues, due at now, running jobs from the given queues that
	// were last updated before claimedBefore, and returns how many.
	Reclaim(ctx context.Context, queues []string, claimedBefore, now time.Time) (int, error)

	// Len counts queued jobs in a queue, or in all queues when queue is "".
	Len(ctx context.Context, queue string) (int, error)

	// Jobs lists jobs in a queue (all queues when ""), oldest RunAt first.
	Jobs(ctx context.Context, queue string) ([]*schema.Job, error)
}

// MemoryQueue is an in-process Queue. Jobs are lost on restart.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*schema.Job
	now  func() time.Time
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*schema.Job),
		now:  time.Now,
	}
}

func (q *MemoryQueue) Push(_ context.Context, job *schema.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already queued", job.ID)
	}
	if job.Recurrent && q.hasRecurrentLocked(job.Task) {
		return schema.NewErrorf(schema.ErrCodeConflict, "recurrent task %q already scheduled", job.Task).
			WithDetails(map[string]any{"task": job.Task})
	}

	cp := *job
	cp.Status = schema.JobStatusQueued
	now := q.now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	q.jobs[cp.ID] = &cp
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, queues []string, now time.Time, limit int) ([]*schema.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	wanted := make(map[string]bool, len(queues))
	for _, name := range queues {
		wanted[name] = true
	}

	var due []*schema.Job
	for _, j := range q.jobs {
		if j.Status != schema.JobStatusQueued || j.RunAt.After(now) {
			continue
		}
		if len(wanted) > 0 && !wanted[j.Queue] {
			continue
		}
		due = append(due, j)
	}
	sortJobs(due)
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*schema.Job, len(due))
	for i, j := range due {
		j.Status = schema.JobStatusRunning
		j.Attempts++
		j.UpdatedAt = now.UTC()
		cp := *j
		out[i] = &cp
	}
	return out, nil
}

func (q *MemoryQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	j.Status = schema.JobStatusCompleted
	j.UpdatedAt = q.now().UTC()
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id string, errMsg string, retryAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	j.LastError = errMsg
	j.UpdatedAt = q.now().UTC()
	if retryAt.IsZero() {
		j.Status = schema.JobStatusFailed
		return nil
	}
	j.Status = schema.JobStatusQueued
	j.RunAt = retryAt
	return nil
}

func (q *MemoryQueue) HasRecurrent(_ context.Context, task string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hasRecurrentLocked(task), nil
}

func (q *MemoryQueue) hasRecurrentLocked(task string) bool {
	for _, j := range q.jobs {
		if j.Recurrent && j.Task == task && (j.Status == schema.JobStatusQueued || j.Status == schema.JobStatusRunning) {
			return true
		}
	}
	return false
}

func (q *MemoryQueue) DeleteRecurrent(_ context.Context, task string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, j := range q.jobs {
		if j.Recurrent && j.Task == task && j.Status == schema.JobStatusQueued {
			delete(q.jobs, id)
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Reclaim(_ context.Context, queues []string, claimedBefore, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wanted := make(map[string]bool, len(queues))
	for _, name := range queues {
		wanted[name] = true
	}

	n := 0
	for _, j := range q.jobs {
		if j.Status != schema.JobStatusRunning || !j.UpdatedAt.Before(claimedBefore) {
			continue
		}
		if len(wanted) > 0 && !wanted[j.Queue] {
			continue
		}
		j.Status = schema.JobStatusQueued
		j.RunAt = now.UTC()
		j.UpdatedAt = now.UTC()
		n++
	}
	return n, nil
}

func (q *MemoryQueue) Len(_ context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, j := range q.jobs {
		if j.Status == schema.JobStatusQueued && (queue == "" || j.Queue == queue) {
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Jobs(_ context.Context, queue string) ([]*schema.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*schema.Job
	for _, j := range q.jobs {
		if queue == "" || j.Queue == queue {
			cp := *j
			out = append(out, &cp)
		}
	}
	sortJobs(out)
	return out, nil
}

func sortJobs(jobs []*schema.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].RunAt.Equal(jobs[k].RunAt) {
			return jobs[i].RunAt.Before(jobs[k].RunAt)
		}
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

var _ Queue = (*MemoryQueue)(nil)
