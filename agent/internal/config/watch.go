package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// reloadOps are the events that may leave new content at the config path.
// Atomic-save editors write a temp file and rename it over the original,
// which the directory watch sees as Create or Rename on the path.
const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename

// Watch reports edits to the config file at path until ctx is cancelled.
// Each edit is reloaded with the same overrides and, when valid, passed to
// onChange. An invalid edit is logged and skipped.
//
// The parent directory is watched rather than the file so that saves which
// replace the file keep being seen. The running agent never applies the
// reloaded value.
func Watch(ctx context.Context, path string, onChange func(*Config), overrides ...Override) error {
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(target), err)
	}
	slog.Info("config: watching for changes", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !touches(ev, target) {
				continue
			}
			cfg, err := Load(target, overrides...)
			if err != nil {
				// A rename away from the path leaves nothing to read until
				// the replacement lands.
				slog.Warn("config: changed file not loadable", "path", target, "op", ev.Op.String(), "err", err)
				continue
			}
			onChange(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// touches reports whether ev may have changed the contents at target.
func touches(ev fsnotify.Event, target string) bool {
	name, err := filepath.Abs(ev.Name)
	if err != nil || filepath.Clean(name) != target {
		return false
	}
	return ev.Op&reloadOps != 0
}
