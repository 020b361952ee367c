package loader

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors emit for one save.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads action files when they change on disk.
type Watcher struct {
	loader   *Loader
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	cancel  context.CancelFunc
	done    chan struct{}

	reloaded func(path string, err error)
}

// NewWatcher creates a Watcher over dir. A non-positive debounce means DefaultDebounce.
func NewWatcher(loader *Loader, dir string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		loader:   loader,
		dir:      dir,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]*time.Timer),
	}
}

// OnReload sets a callback run after each file is reconciled. Set it before Start.
func (w *Watcher) OnReload(fn func(path string, err error)) {
	w.reloaded = fn
}

// Start loads every file in the directory once and begins watching it.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return fmt.Errorf("watcher already started")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = fw
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	if _, err := w.loader.LoadDir(w.dir); err != nil {
		w.logger.Warn("initial action load incomplete", slog.String("error", err.Error()))
	}

	go w.loop(watchCtx)
	w.logger.Info("action watcher started", slog.String("dir", w.dir))
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !IsActionFile(event.Name) {
				continue
			}
			w.logger.Debug("fsnotify event", slog.String("op", event.Op.String()), slog.String("file", event.Name))
			w.schedule(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", slog.String("error", err.Error()))
		}
	}
}

// schedule reconciles path once events for it have been quiet for the debounce window.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.reconcile(path)
	})
}

// reconcile loads the file if it exists and unregisters its actions otherwise.
func (w *Watcher) reconcile(path string) {
	var err error
	if exists(path) {
		_, err = w.loader.LoadFile(path)
		if err != nil {
			// Keep the last good definitions registered.
			w.logger.Error("failed to reload action file", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
		}
	} else {
		w.loader.RemoveFile(path)
	}

	if w.reloaded != nil {
		w.reloaded(path, err)
	}
}

// Stop ends watching and cancels pending reloads.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return nil
	}
	w.cancel()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
	done := w.done
	fw := w.watcher
	w.cancel = nil
	w.mu.Unlock()

	err := fw.Close()
	<-done

	w.mu.Lock()
	w.done = nil
	w.watcher = nil
	w.mu.Unlock()

	w.logger.Info("action watcher stopped")
	return err
}
