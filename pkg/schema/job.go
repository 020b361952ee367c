package schema

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a queued task invocation.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one enqueued task invocation as handed to a queue backend.
// Params are kept serialized so every backend stores the same bytes.
type Job struct {
	ID        string          `json:"id"`
	Task      string          `json:"task"`
	Queue     string          `json:"queue"`
	Params    json.RawMessage `json:"params,omitempty"`
	Status    JobStatus       `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	Recurrent bool            `json:"recurrent,omitempty"`
	RunAt     time.Time       `json:"run_at"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DecodeParams unmarshals the job params into a map.
func (j *Job) DecodeParams() (map[string]any, error) {
	params := make(map[string]any)
	if len(j.Params) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(j.Params, &params); err != nil {
		return nil, err
	}
	return params, nil
}
