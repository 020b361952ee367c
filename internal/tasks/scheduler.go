package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler keeps one queued instance of every recurrent task. It sweeps the
// registry on start and then on a cron.Every(interval) entry; EnqueueRecurrent
// is idempotent so a sweep never double-schedules.
type Scheduler struct {
	enq      *Enqueuer
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
	stop context.CancelFunc
}

// NewScheduler creates a Scheduler. A non-positive interval means 60s; cron
// rounds intervals below one second up to one second.
func NewScheduler(enq *Enqueuer, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{enq: enq, interval: interval, logger: logger}
}

// Start sweeps once and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	runCtx, stop := context.WithCancel(ctx)
	s.stop = stop
	clog := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(func() { s.sweep(runCtx) }))

	s.sweep(runCtx)
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	added, err := s.enq.EnqueueAllRecurrent(ctx)
	if err != nil {
		s.logger.Error("failed to schedule recurrent tasks", slog.String("error", err.Error()))
		return
	}
	if added > 0 {
		s.logger.Info("scheduled recurrent tasks", slog.Int("count", added))
	}
}

// Stop halts the cron runner and waits for a running sweep.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}

	s.stop()
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogger routes robfig/cron logs to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug("cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, slog.String("error", err.Error()))...)
}
