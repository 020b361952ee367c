package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/hero/internal/loader"
	"github.com/rendis/hero/internal/logging"
	"github.com/rendis/hero/internal/tasks"
	heromcp "github.com/rendis/hero/pkg/mcp"
)

// runMCP serves the actions as MCP tools over stdio. Logs go to stderr since
// stdout carries the protocol.
func runMCP(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	actionsDir := fs.String("actions-dir", "", "directory of action files to load and watch")
	noRunner := fs.Bool("no-runner", false, "queue jobs without processing them")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	if *actionsDir != "" {
		cfg.ActionsDir = *actionsDir
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serveMCP(ctx, cfg, logger, !*noRunner); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveMCP(ctx context.Context, cfg Config, logger *slog.Logger, runJobs bool) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := heromcp.NewHeroServer(heromcp.HeroServerDeps{
		Dispatcher: a.dispatcher,
		Actions:    a.actions,
		Enqueuer:   a.enqueuer,
		Logger:     logger,
	})

	if cfg.ActionsDir != "" {
		if err := os.MkdirAll(cfg.ActionsDir, 0o755); err != nil {
			return fmt.Errorf("create actions dir: %w", err)
		}
		w := loader.NewWatcher(a.loader, cfg.ActionsDir, 0, logger)
		w.OnReload(func(string, error) { srv.SyncActions() })
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
		srv.SyncActions()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Stdin closing ends the session and everything else with it.
		defer cancel()
		return srv.Serve(gctx)
	})

	if runJobs {
		runner := tasks.NewRunner(a.enqueuer, cfg.runnerConfig(), logger)
		runner.OnFinish(srv.Notifier().JobFinished)
		sched := tasks.NewScheduler(a.enqueuer, 0, logger)

		g.Go(func() error {
			if err := runner.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			return runner.Stop()
		})
		g.Go(func() error {
			if err := sched.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			return sched.Stop()
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
