package dynamic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 200 * time.Millisecond

// ReloadFunc rebuilds a tool's metadata from its source path after a change
// on disk. Returning an error leaves the currently installed version in
// place.
type ReloadFunc func(ctx context.Context, sourcePath string) (*ToolMetadata, error)

// Watch monitors the source paths of installed tools and hot-reloads a tool
// when its file is rewritten. Rapid successive writes collapse into one
// reload per path. The method blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, reload ReloadFunc) error {
	if reload == nil {
		return fmt.Errorf("reload function is required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Map each watched source path back to its tool id.
	paths := make(map[string]string)
	r.mu.RLock()
	for id, meta := range r.meta {
		if meta.SourcePath == "" {
			continue
		}
		paths[meta.SourcePath] = id
		if err := watcher.Add(meta.SourcePath); err != nil {
			r.logger.Warn("cannot watch tool source",
				zap.String("tool", id),
				zap.String("path", meta.SourcePath),
				zap.Error(err))
		}
	}
	r.mu.RUnlock()

	if len(paths) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	var (
		mu     sync.Mutex
		timers = make(map[string]*time.Timer)
	)

	fire := func(path, id string) {
		mu.Lock()
		delete(timers, path)
		mu.Unlock()
		r.reloadOne(ctx, id, path, reload)
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			for _, t := range timers {
				t.Stop()
			}
			mu.Unlock()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			id, watched := paths[event.Name]
			if !watched {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			// Debounce per path: reset the timer on each event.
			path := event.Name
			mu.Lock()
			if t, pending := timers[path]; pending {
				t.Reset(reloadDebounce)
			} else {
				timers[path] = time.AfterFunc(reloadDebounce, func() { fire(path, id) })
			}
			mu.Unlock()

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("watch error", zap.Error(werr))
		}
	}
}

// reloadOne re-registers one tool from disk. Register replaces the existing
// entry and restarts its health probe, so the old probe never outlives the
// old version.
func (r *Registry) reloadOne(ctx context.Context, id, path string, reload ReloadFunc) {
	r.logger.Info("reloading tool",
		zap.String("tool", id),
		zap.String("path", path))

	meta, err := reload(ctx, path)
	if err != nil {
		r.logger.Warn("reload failed, keeping installed version",
			zap.String("tool", id), zap.Error(err))
		r.record(ToolEvent{ToolID: id, Action: "reloaded", Success: false, Error: err.Error()})
		return
	}
	if meta.ID == "" {
		meta.ID = id
	}
	if meta.SourcePath == "" {
		meta.SourcePath = path
	}

	if _, err := r.Register(meta); err != nil {
		r.logger.Warn("reloaded tool failed validation, keeping installed version",
			zap.String("tool", id), zap.Error(err))
		return
	}

	r.record(ToolEvent{ToolID: meta.ID, Action: "reloaded", Success: true,
		Details: map[string]any{"version": meta.Version}})
}
