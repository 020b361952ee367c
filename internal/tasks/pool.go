package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PoolMetrics counts jobs that went through the worker pool.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned by Submit once Shutdown has been called.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs job functions on at most Size goroutines at a time.
type WorkerPool struct {
	size int64
	sem  *semaphore.Weighted

	// stop is cancelled by Shutdown to release blocked submitters.
	stop     context.Context
	shutdown context.CancelFunc

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

// NewWorkerPool creates a pool of the given size. Sizes below one mean one.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	stop, shutdown := context.WithCancel(context.Background())
	return &WorkerPool{
		size:     int64(size),
		sem:      semaphore.NewWeighted(int64(size)),
		stop:     stop,
		shutdown: shutdown,
	}
}

func (p *WorkerPool) Size() int { return int(p.size) }

// Free is the number of idle slots. The runner claims at most this many jobs
// per poll.
func (p *WorkerPool) Free() int { return int(p.size - p.active.Load()) }

// Submit runs fn on its own goroutine once a slot is free. It blocks while
// the pool is full and gives up when ctx is done or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unlink := context.AfterFunc(p.stop, cancel)
	defer unlink()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPoolShutdown
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.active.Add(-1)
		p.sem.Release(1)
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Wait blocks until every submitted function has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects further submissions and waits for running work.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.shutdown()
	p.wg.Wait()
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
