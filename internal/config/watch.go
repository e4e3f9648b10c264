package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid configuration to fn. Invalid
// edits are logged and skipped. It watches the parent directory so editors that replace the file
// are seen. Blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir, name := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			debounce = time.After(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "err", err)
		case <-debounce:
			debounce = nil
			cfg, err := Load(path, false)
			if err != nil {
				logger.Warn("ignoring config change", "path", path, "err", err)
				continue
			}
			logger.Info("config reloaded", "path", path)
			fn(cfg)
		}
	}
}
