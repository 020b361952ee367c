package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/hero/pkg/schema"
)

// appendEvent appends a job event with a monotonically increasing per-job
// sequence. It must run inside the write transaction that changed the job.
func appendEvent(ctx context.Context, tx *sql.Tx, jobID, eventType, message string, attempt int, ts time.Time) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM job_events WHERE job_id = ?`, jobID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, event_type, message, attempt, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, eventType, nullStr(message), attempt, toNanos(ts), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns events for a job with sequence > since, ordered by sequence ASC.
func (s *LibSQLQueue) GetEvents(ctx context.Context, jobID string, since int64) ([]*JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, event_type, message, attempt, timestamp, sequence
		 FROM job_events WHERE job_id = ? AND sequence > ? ORDER BY sequence ASC`,
		jobID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*JobEvent
	for rows.Next() {
		e := &JobEvent{}
		var message sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &message, &e.Attempt, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.Message = message.String
		e.Timestamp = fromNanos(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Replay rebuilds a job's history from its event log. It returns an error if
// the log is empty or has a sequence gap.
func (s *LibSQLQueue) Replay(ctx context.Context, jobID string) (*JobHistory, error) {
	events, err := s.GetEvents(ctx, jobID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	if len(events) == 0 {
		return nil, storeNotFound("job history", jobID)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in job %s: expected %d, got %d", jobID, expected, e.Sequence)
		}
	}

	h := &JobHistory{JobID: jobID}
	for _, e := range events {
		switch e.Type {
		case EventJobEnqueued:
			h.Status = schema.JobStatusQueued
			h.EnqueuedAt = e.Timestamp

		case EventJobClaimed:
			h.Status = schema.JobStatusRunning
			h.Attempts = e.Attempt
			if h.StartedAt == nil {
				ts := e.Timestamp
				h.StartedAt = &ts
			}

		case EventJobRetrying:
			h.Status = schema.JobStatusQueued
			h.Retries++
			h.LastError = e.Message

		case EventJobReclaimed:
			h.Status = schema.JobStatusQueued

		case EventJobCompleted, EventJobFailed:
			h.Status = schema.JobStatusCompleted
			if e.Type == EventJobFailed {
				h.Status = schema.JobStatusFailed
				h.LastError = e.Message
			}
			ts := e.Timestamp
			h.CompletedAt = &ts
			if h.StartedAt != nil {
				h.DurationMs = ts.Sub(*h.StartedAt).Milliseconds()
			}

		case EventJobDeleted:
			// The job row is gone; the history keeps its last known status.
		}
	}
	return h, nil
}
