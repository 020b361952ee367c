package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/hero/internal/actions"
	"github.com/rendis/hero/internal/dispatch"
	"github.com/rendis/hero/pkg/schema"
)

// Built-in tool names. Actions with these names are not exposed.
const (
	ToolActions = "hero.actions"
	ToolEnqueue = "hero.enqueue"
	ToolJobs    = "hero.jobs"
	ToolTasks   = "hero.tasks"
)

func isBuiltin(name string) bool {
	switch name {
	case ToolActions, ToolEnqueue, ToolJobs, ToolTasks:
		return true
	}
	return false
}

// builtinTools returns the tools that do not map to a single action.
func (s *HeroServer) builtinTools() []server.ServerTool {
	tools := []server.ServerTool{
		{Tool: actionsTool(), Handler: s.handleActions},
	}
	if s.enqueuer != nil {
		tools = append(tools,
			server.ServerTool{Tool: enqueueTool(), Handler: s.handleEnqueue},
			server.ServerTool{Tool: jobsTool(), Handler: s.handleJobs},
			server.ServerTool{Tool: tasksTool(), Handler: s.handleTasks},
		)
	}
	return tools
}

// --- Tool definitions ---

func actionsTool() mcp.Tool {
	return mcp.NewTool(ToolActions,
		mcp.WithDescription("List registered actions with every version and their inputs"),
		mcp.WithString("name", mcp.Description("Only list versions of this action")),
	)
}

func enqueueTool() mcp.Tool {
	return mcp.NewTool(ToolEnqueue,
		mcp.WithDescription("Queue a background task; a notification is sent to this session when the job finishes"),
		mcp.WithString("task", mcp.Required(), mcp.Description("Name of the registered task")),
		mcp.WithObject("params", mcp.Description("Task parameters")),
		mcp.WithString("queue", mcp.Description("Queue name (default: the task's queue)")),
		mcp.WithNumber("delay_seconds", mcp.Description("Run no earlier than this many seconds from now")),
	)
}

func jobsTool() mcp.Tool {
	return mcp.NewTool(ToolJobs,
		mcp.WithDescription("List jobs in the task queue"),
		mcp.WithString("queue", mcp.Description("Only jobs in this queue")),
		mcp.WithString("status",
			mcp.Enum("queued", "running", "completed", "failed"),
			mcp.Description("Only jobs with this status"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum jobs to return (default: 50)")),
	)
}

func tasksTool() mcp.Tool {
	return mcp.NewTool(ToolTasks,
		mcp.WithDescription("List registered tasks"),
	)
}

// actionTool describes one action version as a tool. Inputs with a JSON
// Schema publish it as the property schema.
func actionTool(info actions.ActionInfo) mcp.Tool {
	props := make(map[string]any, len(info.Inputs)+1)
	var required []string
	for _, in := range info.Inputs {
		prop := map[string]any{}
		if len(in.Schema) > 0 {
			var m map[string]any
			if err := json.Unmarshal(in.Schema, &m); err == nil {
				prop = m
			}
		}
		if in.Default != nil {
			prop["default"] = in.Default
		}
		props[in.Name] = prop
		if in.Required && !in.HasDefault() {
			required = append(required, in.Name)
		}
	}
	if _, ok := props[schema.ParamAPIVersion]; !ok {
		props[schema.ParamAPIVersion] = map[string]any{
			"type":        []string{"integer", "string"},
			"description": fmt.Sprintf("Action version (default: latest, currently %d)", info.Version),
		}
	}

	inputSchema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		inputSchema["required"] = required
	}
	raw, _ := json.Marshal(inputSchema)

	desc := info.Description
	if desc == "" {
		desc = info.Name
	}
	return mcp.NewToolWithRawSchema(info.Name, desc, raw)
}

// --- Handlers ---

// actionHandler dispatches the named action with the tool arguments as params.
func (s *HeroServer) actionHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := make(map[string]any)
		for k, v := range req.GetArguments() {
			params[k] = v
		}

		dreq := dispatch.Request{
			Type:   schema.ConnectionMCP,
			Params: params,
			Action: name,
		}
		if session := server.ClientSessionFromContext(ctx); session != nil {
			dreq.Fingerprint = session.SessionID()
		}

		res := s.dispatcher.Dispatch(ctx, dreq)
		result, err := marshalResult(res.Envelope)
		if err == nil && res.Err() != nil {
			result.IsError = true
		}
		return result, err
	}
}

// handleActions lists registered actions.
func (s *HeroServer) handleActions(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.actions == nil {
		return mcp.NewToolResultError("no action registry configured"), nil
	}
	name := req.GetString("name", "")

	infos := make([]actions.ActionInfo, 0)
	for _, info := range s.actions.List() {
		if name != "" && info.Name != name {
			continue
		}
		infos = append(infos, info)
	}
	return marshalResult(map[string]any{"actions": infos})
}

// handleEnqueue queues a task and remembers the calling session for the
// completion notification.
func (s *HeroServer) handleEnqueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := req.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError("task is required"), nil
	}
	params := mcp.ParseStringMap(req, "params", nil)
	queue := req.GetString("queue", "")
	delay := time.Duration(extractFloat(req.GetArguments(), "delay_seconds", 0) * float64(time.Second))

	var job *schema.Job
	if delay > 0 {
		job, err = s.enqueuer.EnqueueIn(ctx, delay, task, params, queue)
	} else {
		job, err = s.enqueuer.Enqueue(ctx, task, params, queue)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("enqueue failed: %v", err)), nil
	}

	s.captureSession(ctx, job.ID)
	return marshalResult(job)
}

// handleJobs lists jobs from the queue backend.
func (s *HeroServer) handleJobs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	queue := req.GetString("queue", "")
	status := schema.JobStatus(req.GetString("status", ""))
	limit := extractInt(req.GetArguments(), "limit", 50)

	jobs, err := s.enqueuer.Queue().Jobs(ctx, queue)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	out := make([]*schema.Job, 0, len(jobs))
	for _, j := range jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return marshalResult(map[string]any{"jobs": out})
}

// handleTasks lists registered tasks.
func (s *HeroServer) handleTasks(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"tasks": s.enqueuer.Registry().List()})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from an argument map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractFloat(args map[string]any, key string, defaultVal float64) float64 {
	switch val := args[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// captureSession maps a job to the current MCP session for notifications.
func (s *HeroServer) captureSession(ctx context.Context, jobID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.owners.Track(jobID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
