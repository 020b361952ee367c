package store

import (
	"time"

	"github.com/rendis/hero/pkg/schema"
)

// Job lifecycle event types.
const (
	EventJobEnqueued  = "job_enqueued"
	EventJobClaimed   = "job_claimed"
	EventJobCompleted = "job_completed"
	EventJobRetrying  = "job_retrying"
	EventJobFailed    = "job_failed"
	EventJobDeleted   = "job_deleted"
	EventJobReclaimed = "job_reclaimed"
)

// JobEvent is an immutable entry in a job's lifecycle log.
type JobEvent struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Type      string    `json:"event_type"`
	Message   string    `json:"message,omitempty"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

// JobHistory is a job's state reconstructed from its event log.
type JobHistory struct {
	JobID       string           `json:"job_id"`
	Status      schema.JobStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	Retries     int              `json:"retries"`
	LastError   string           `json:"last_error,omitempty"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	DurationMs  int64            `json:"duration_ms,omitempty"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Queue  string
	Task   string
	Status schema.JobStatus
	Limit  int
}
