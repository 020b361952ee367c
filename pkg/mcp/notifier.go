package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/hero/pkg/schema"
)

// JobNotifier pushes job outcomes to whoever enqueued them.
type JobNotifier interface {
	Notify(ctx context.Context, jobID string, payload map[string]any) error
}

// MCPNotifier sends a notifications/message to the session that enqueued a
// job through hero.enqueue.
type MCPNotifier struct {
	srv    *server.MCPServer
	owners *JobOwners
	logger *slog.Logger
}

func NewMCPNotifier(srv *server.MCPServer, owners *JobOwners, logger *slog.Logger) *MCPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPNotifier{srv: srv, owners: owners, logger: logger}
}

// Notify delivers payload to the job's owner. Jobs without an owner, or
// whose session has disconnected, are silently skipped.
func (n *MCPNotifier) Notify(_ context.Context, jobID string, payload map[string]any) error {
	sessionID, ok := n.owners.Take(jobID)
	if !ok {
		return nil
	}
	err := n.srv.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		dropped := n.owners.DropSession(sessionID)
		n.logger.Debug("mcp session gone, dropped its jobs",
			slog.String("session_id", sessionID),
			slog.Int("jobs", dropped+1),
		)
		return nil
	}
	return err
}

// JobFinished has the tasks.FinishHook signature.
func (n *MCPNotifier) JobFinished(ctx context.Context, job *schema.Job, err error) {
	if nerr := n.Notify(ctx, job.ID, jobPayload(job, err)); nerr != nil {
		n.logger.Warn("job notification failed",
			slog.String("job_id", job.ID),
			slog.String("error", nerr.Error()),
		)
	}
}

// jobPayload is an MCP logging message: {level, logger, data}.
func jobPayload(job *schema.Job, err error) map[string]any {
	data := map[string]any{
		"job_id":   job.ID,
		"task":     job.Task,
		"queue":    job.Queue,
		"attempts": job.Attempts,
		"status":   string(schema.JobStatusCompleted),
	}
	level := "info"
	if err != nil {
		level = "error"
		data["status"] = string(schema.JobStatusFailed)
		data["error"] = err.Error()
	}
	return map[string]any{"level": level, "logger": "hero.jobs", "data": data}
}
