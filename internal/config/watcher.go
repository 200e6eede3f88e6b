package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/courierlabs/otlp-courier/internal/logging"
)

// Watcher hot-reloads the config file. Edits are debounced so editor
// write-then-rename sequences trigger one reload, and a file that
// fails to parse keeps the previous config active.
type Watcher struct {
	path     string
	debounce time.Duration
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(path string) *Watcher {
	return &Watcher{
		path:     path,
		debounce: 250 * time.Millisecond,
	}
}

// Watch blocks until ctx is done, invoking onReload with each
// successfully loaded new config.
func (w *Watcher) Watch(ctx context.Context, onReload func(*Config)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory: renames replace the file inode, and
	// watching the path directly would silently detach.
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	logging.Info("config watcher started",
		logging.F("path", w.path),
		logging.F("debounce_ms", w.debounce.Milliseconds()))

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Stop()
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			cfg, err := Load(w.path)
			if err != nil {
				reloadsTotal.WithLabelValues("error").Inc()
				logging.Error("config reload failed, keeping previous config",
					logging.F("path", w.path),
					logging.F("error", err.Error()))
				continue
			}
			reloadsTotal.WithLabelValues("ok").Inc()
			logging.Info("config reloaded", logging.F("path", w.path))
			onReload(cfg)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Warn("config watcher error", logging.F("error", err.Error()))
		}
	}
}
