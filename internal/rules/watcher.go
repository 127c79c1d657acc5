package rules

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the rule engine when its pack file changes on disk.
// Editors and config-map mounts replace files rather than write in place,
// so the watch is on the parent directory filtered by name.
type Watcher struct {
	engine   *Engine
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher constructs a watcher for the engine's rule pack.
func NewWatcher(engine *Engine, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{engine: engine, logger: logger, debounce: 250 * time.Millisecond}
}

// Run blocks watching for changes until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := filepath.Dir(w.engine.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(w.engine.path)

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Collapse edit bursts into a single reload.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := w.engine.Reload(); err != nil {
				w.logger.Warn("rule watcher reload failed", slog.Any("error", err))
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rule watcher error", slog.Any("error", err))
		}
	}
}
