package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultSettle = 300 * time.Millisecond

// Watcher ingests documents dropped into a directory. Editors tend to emit
// several writes per save, so events for one path are settled before the
// file is read.
type Watcher struct {
	ingester *Ingester
	logger   *slog.Logger
	settle   time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

func NewWatcher(ingester *Ingester, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		ingester: ingester,
		logger:   logger,
		settle:   defaultSettle,
		pending:  make(map[string]*time.Timer),
	}
}

// Run ingests the files already in dir, then watches it until ctx ends.
func (w *Watcher) Run(ctx context.Context, dir string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	if n, err := w.ingester.IngestDir(ctx, dir); err != nil {
		w.logger.Warn("initial ingest incomplete", "dir", dir, "chunks", n, "error", err)
	} else {
		w.logger.Info("initial ingest complete", "dir", dir, "chunks", n)
	}

	defer w.wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.ingester.Accepts(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				w.schedule(ctx, event.Name)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.cancel(event.Name)
				w.logger.Info("document removed; indexed chunks are kept", "path", event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "dir", dir, "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok && t.Stop() {
		t.Reset(w.settle)
		return
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.settle, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[path] == t {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if _, err := w.ingester.IngestFile(ctx, path); err != nil {
			w.logger.Warn("ingest failed", "path", path, "error", err)
		}
	})
	w.pending[path] = t
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok && t.Stop() {
		delete(w.pending, path)
		w.wg.Done()
	}
}

// wait stops timers that have not fired and waits for running ingests.
func (w *Watcher) wait() {
	w.mu.Lock()
	for path, t := range w.pending {
		if t.Stop() {
			delete(w.pending, path)
			w.wg.Done()
		}
	}
	w.mu.Unlock()
	w.wg.Wait()
}
