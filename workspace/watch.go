package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch rescans the registry when directories are created, removed, or
// renamed at the top of the workspace root or one level below it (where
// repositories are usually grouped). Bursts of events within debounce
// collapse into one rescan. Watch blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	root, err := filepath.Abs(r.scanner.Root)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := fw.Add(root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read workspace root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && !r.scanner.skipDir(e.Name()) {
			// best effort; a vanished dir just isn't watched
			_ = fw.Add(filepath.Join(root, e.Name()))
		}
	}

	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if filepath.Dir(ev.Name) == root && ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() && !r.scanner.skipDir(fi.Name()) {
					_ = fw.Add(ev.Name)
				}
			}
			r.logger.Debug("workspace changed", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			timer.Reset(debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("workspace watcher", slog.Any("err", err))
		case <-timer.C:
			if err := r.Rescan(ctx); err != nil {
				r.logger.Error("rescan after change", slog.Any("err", err))
			}
		}
	}
}
