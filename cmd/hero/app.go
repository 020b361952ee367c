package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hero/internal/actions"
	"github.com/rendis/hero/internal/dispatch"
	"github.com/rendis/hero/internal/expressions"
	"github.com/rendis/hero/internal/loader"
	"github.com/rendis/hero/internal/middleware"
	"github.com/rendis/hero/internal/response"
	"github.com/rendis/hero/internal/store"
	"github.com/rendis/hero/internal/tasks"
	"github.com/rendis/hero/internal/transport"
	"github.com/rendis/hero/internal/validation"
)

// pruneTaskName is the recurrent task that drops finished jobs past retention.
const pruneTaskName = "pruneJobs"

// app is the wired object graph shared by every subcommand.
type app struct {
	cfg    Config
	logger *slog.Logger

	actions    *actions.Registry
	chain      *middleware.Chain
	validator  *validation.ParamValidator
	dispatcher *dispatch.Dispatcher
	tasks      *tasks.Registry
	store      *store.LibSQLQueue
	enqueuer   *tasks.Enqueuer
	loader     *loader.Loader
	ws         *transport.WebSocketHandler
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create cel engine: %w", err)
	}
	vcfg := validation.DefaultConfig()
	vcfg.DisableParamScrubbing = cfg.DisableParamScrubbing
	v, err := validation.NewParamValidator(vcfg, celEngine, expressions.NewExprEngine())
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		actions:   actions.NewRegistry(v),
		chain:     middleware.NewChain(),
		validator: v,
		tasks:     tasks.NewRegistry(),
	}

	if err := actions.RegisterBuiltins(a.actions, actions.ServerInfo{
		ID:        uuid.New().String(),
		Name:      cfg.ServerName,
		Version:   version,
		StartedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("register builtin actions: %w", err)
	}

	builder := response.NewBuilder(response.Config{ServerName: cfg.ServerName, APIVersion: version}, logger)
	a.dispatcher = dispatch.New(a.actions, a.chain, v, builder, dispatch.WithLogger(logger))

	if err := ensureDBDir(cfg.DBPath); err != nil {
		return nil, err
	}
	s, err := store.NewLibSQLQueue(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.store = s
	a.enqueuer = tasks.NewEnqueuer(a.tasks, a.chain, s, a.dispatcher.Reporter(), logger)

	if err := a.tasks.Register(tasks.RunActionTask(a.dispatcher)); err != nil {
		s.Close()
		return nil, err
	}
	if retention, ok := cfg.jobRetention(); ok {
		if err := a.tasks.Register(a.pruneTask(retention)); err != nil {
			s.Close()
			return nil, err
		}
	}

	a.loader = loader.New(a.actions, v.Schemas(), expressions.NewGoJQEngine(), logger)
	a.ws = transport.NewWebSocketHandler(a.dispatcher, transport.WebSocketConfig{}, logger)
	return a, nil
}

// pruneTask deletes finished jobs older than retention.
func (a *app) pruneTask(retention time.Duration) tasks.Task {
	return tasks.New(pruneTaskName, tasks.TaskSchema{
		Description: "I will delete finished jobs past their retention",
		Frequency:   time.Hour,
	}, func(ctx context.Context, _ map[string]any) (any, error) {
		n, err := a.store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			return nil, err
		}
		return map[string]any{"pruned": n}, nil
	})
}

// handler builds the HTTP routes for cfg.
func (a *app) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	transport.NewHTTPHandler(a.dispatcher, transport.HTTPConfig{
		MaxBodyBytes: cfg.MaxBodyBytes,
		ServerName:   cfg.ServerName,
	}, a.logger).Register(mux)
	if cfg.WebSocket {
		mux.Handle("GET /ws", a.ws)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.store.DB().PingContext(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", slog.String("error", err.Error()))
	}
}

func ensureDBDir(dbPath string) error {
	if strings.Contains(dbPath, "://") || strings.HasPrefix(dbPath, "libsql:") {
		return nil
	}
	dir := filepath.Dir(strings.TrimPrefix(dbPath, "file:"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
