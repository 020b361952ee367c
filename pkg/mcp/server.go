package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/hero/internal/actions"
	"github.com/rendis/hero/internal/dispatch"
	"github.com/rendis/hero/internal/tasks"
)

// HeroServerDeps holds the dependencies for creating a HeroServer.
type HeroServerDeps struct {
	Dispatcher *dispatch.Dispatcher
	Actions    *actions.Registry

	// Enqueuer enables the hero.enqueue, hero.jobs and hero.tasks tools.
	Enqueuer *tasks.Enqueuer

	Logger *slog.Logger
}

// HeroServer exposes registered actions as MCP tools. Each action's latest
// version becomes one tool whose arguments are the action params.
type HeroServer struct {
	dispatcher *dispatch.Dispatcher
	actions    *actions.Registry
	enqueuer   *tasks.Enqueuer
	owners     *JobOwners
	notifier   *MCPNotifier
	logger     *slog.Logger
	mcpServer  *server.MCPServer

	mu          sync.Mutex
	actionTools map[string]bool
}

// NewHeroServer creates a HeroServer with the built-in tools and one tool per
// registered action.
func NewHeroServer(deps HeroServerDeps) *HeroServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &HeroServer{
		dispatcher:  deps.Dispatcher,
		actions:     deps.Actions,
		enqueuer:    deps.Enqueuer,
		owners:      NewJobOwners(),
		logger:      logger,
		actionTools: make(map[string]bool),
	}

	mcpSrv := server.NewMCPServer(
		"hero",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Hero exposes each registered action as a tool; call it with the action's params. Use hero.actions to list actions with all versions, hero.enqueue to queue a background task, hero.jobs to inspect the job queue and hero.tasks to list tasks."),
	)

	mcpSrv.AddTools(s.builtinTools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.owners, logger)
	s.SyncActions()
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *HeroServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *HeroServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns the notifier that reports finished jobs to the sessions
// that enqueued them.
func (s *HeroServer) Notifier() *MCPNotifier {
	return s.notifier
}

// SyncActions reconciles the action tools with the registry. Call it after
// actions are loaded or removed.
func (s *HeroServer) SyncActions() {
	if s.actions == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := latestActions(s.actions.List())

	var stale []string
	for name := range s.actionTools {
		if _, ok := latest[name]; !ok || isBuiltin(name) {
			stale = append(stale, name)
			delete(s.actionTools, name)
		}
	}
	if len(stale) > 0 {
		s.mcpServer.DeleteTools(stale...)
	}

	tools := make([]server.ServerTool, 0, len(latest))
	for name, info := range latest {
		if isBuiltin(name) {
			s.logger.Warn("action name shadows a built-in tool, not exposed", slog.String("action", name))
			continue
		}
		tools = append(tools, server.ServerTool{
			Tool:    actionTool(info),
			Handler: s.actionHandler(name),
		})
		s.actionTools[name] = true
	}
	if len(tools) > 0 {
		s.mcpServer.AddTools(tools...)
	}
	s.logger.Debug("mcp action tools synced",
		slog.Int("tools", len(tools)),
		slog.Int("removed", len(stale)),
	)
}

// latestActions keeps the highest version of each action. infos is sorted by
// name then version.
func latestActions(infos []actions.ActionInfo) map[string]actions.ActionInfo {
	out := make(map[string]actions.ActionInfo, len(infos))
	for _, info := range infos {
		out[info.Name] = info
	}
	return out
}
