package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/hero/internal/loader"
	"github.com/rendis/hero/internal/logging"
	"github.com/rendis/hero/internal/tasks"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", "", "TCP listen address (overrides settings)")
	actionsDir := fs.String("actions-dir", "", "directory of action files to load and watch")
	noRunner := fs.Bool("no-runner", false, "serve requests without processing jobs")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *actionsDir != "" {
		cfg.ActionsDir = *actionsDir
	}

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(os.Stderr, level, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, level, logger, !*noRunner); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// serve runs the HTTP server, job runner, scheduler and action watcher until
// ctx is cancelled or one of them fails.
func serve(ctx context.Context, cfg Config, level *slog.LevelVar, logger *slog.Logger, runJobs bool) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := writePID(); err != nil {
		logger.Warn("failed to write pid file", slog.String("error", err.Error()))
	}
	defer os.Remove(pidPath())

	if cfg.ActionsDir != "" {
		if err := os.MkdirAll(cfg.ActionsDir, 0o755); err != nil {
			return fmt.Errorf("create actions dir: %w", err)
		}
		w := loader.NewWatcher(a.loader, cfg.ActionsDir, 0, logger)
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	swapper := newHandlerSwapper(a.handler, cfg)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.ws.Wait()
		return err
	})

	if runJobs {
		runner := tasks.NewRunner(a.enqueuer, cfg.runnerConfig(), logger)
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

	g.Go(func() error {
		watchReload(gctx, cfg, level, swapper, logger)
		return nil
	})

	return g.Wait()
}

// watchReload re-reads the config on SIGHUP and applies what can change live.
func watchReload(ctx context.Context, cfg Config, level *slog.LevelVar, swapper *handlerSwapper, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	current := cfg
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next := loadConfig()
			// Flags given at startup still win.
			next.ListenAddr = current.ListenAddr
			next.ActionsDir = current.ActionsDir

			d := diffConfigs(current, next)
			if d.LogLevelChanged {
				level.Set(logging.ParseLevel(next.LogLevel))
				logger.Info("log level changed", slog.String("level", next.LogLevel))
			}
			if d.WebSocketChanged {
				swapper.Reload(next)
				logger.Info("routes reloaded", slog.Bool("websocket", next.WebSocket))
			}
			if len(d.RestartNeeded) > 0 {
				logger.Warn("config changes need a restart", slog.Any("fields", d.RestartNeeded))
			}
			current = next
		}
	}
}

func writePID() error {
	if err := os.MkdirAll(heroDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}
