// Package store persists the task queue in an embedded libSQL database.
package store

import (
	"context"
	"time"

	"github.com/rendis/hero/pkg/schema"
)

// Store is the persistence contract for the durable job queue. It is a
// superset of tasks.Queue. All implementations must be safe for concurrent use.
type Store interface {
	// Queue
	Push(ctx context.Context, job *schema.Job) error
	Claim(ctx context.Context, queues []string, now time.Time, limit int) ([]*schema.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, errMsg string, retryAt time.Time) error
	HasRecurrent(ctx context.Context, task string) (bool, error)
	DeleteRecurrent(ctx context.Context, task string) (int, error)
	Len(ctx context.Context, queue string) (int, error)
	Jobs(ctx context.Context, queue string) ([]*schema.Job, error)

	// Inspection
	GetJob(ctx context.Context, id string) (*schema.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*schema.Job, error)
	GetEvents(ctx context.Context, jobID string, since int64) ([]*JobEvent, error)

	// Maintenance
	Prune(ctx context.Context, before time.Time) (int, error)
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
