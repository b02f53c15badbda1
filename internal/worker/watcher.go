package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch loads every module in the handler directory, then hot-reloads on
// filesystem changes until ctx is cancelled. Dropping a new .wasm file into
// the directory registers it; overwriting recompiles it; deleting it
// unregisters the handler.
func (r *Runtime) Watch(ctx context.Context) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create handler dir: %w", err)
	}
	loaded, err := r.LoadDir(ctx)
	if err != nil {
		return err
	}
	if loaded > 0 {
		r.logger.Info("wasm handlers loaded", "count", loaded, "dir", r.dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch handler dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(ev.Name) != ".wasm" {
					continue
				}
				switch {
				case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
					r.Remove(ctx, ModuleName(ev.Name))
				case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
					// A partial write fails to compile and is retried on the
					// next event for the same file.
					if err := r.Load(ctx, ev.Name); err != nil {
						r.logger.Warn("wasm reload failed", "path", ev.Name, "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("handler watcher error", "error", err)
			}
		}
	}()
	return nil
}
