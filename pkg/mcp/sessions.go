package mcp

import "sync"

// JobOwners remembers which MCP session enqueued each job so the session can
// be told when the job finishes.
type JobOwners struct {
	mu        sync.Mutex
	byJob     map[string]string
	bySession map[string]map[string]struct{}
}

func NewJobOwners() *JobOwners {
	return &JobOwners{
		byJob:     make(map[string]string),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Track records sessionID as the owner of jobID.
func (o *JobOwners) Track(jobID, sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.untrackLocked(jobID)
	o.byJob[jobID] = sessionID
	jobs := o.bySession[sessionID]
	if jobs == nil {
		jobs = make(map[string]struct{})
		o.bySession[sessionID] = jobs
	}
	jobs[jobID] = struct{}{}
}

// Take returns and forgets the owner of jobID. A job is reported once.
func (o *JobOwners) Take(jobID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sid, ok := o.byJob[jobID]
	o.untrackLocked(jobID)
	return sid, ok
}

// DropSession forgets every job owned by a session that went away and
// returns how many there were.
func (o *JobOwners) DropSession(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	jobs := o.bySession[sessionID]
	for jid := range jobs {
		delete(o.byJob, jid)
	}
	delete(o.bySession, sessionID)
	return len(jobs)
}

// Len is the number of jobs with a live owner.
func (o *JobOwners) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byJob)
}

func (o *JobOwners) untrackLocked(jobID string) {
	sid, ok := o.byJob[jobID]
	if !ok {
		return
	}
	delete(o.byJob, jobID)
	if jobs := o.bySession[sid]; jobs != nil {
		delete(jobs, jobID)
		if len(jobs) == 0 {
			delete(o.bySession, sid)
		}
	}
}
