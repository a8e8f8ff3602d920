package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/amr.controller/internal/monitoring"
)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the controller config whenever the file at path changes and
// passes each successfully validated config to apply. Invalid edits are
// logged and skipped so a typo never replaces a working configuration.
//
// The parent directory is watched rather than the file itself so atomic
// rename-on-save editors keep working. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, apply func(*ControllerConfig)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			monitoring.Logf("config watcher error: %v", err)

		case <-pending:
			pending = nil
			cfg, err := LoadControllerConfig(abs)
			if err != nil {
				monitoring.Logf("ignoring config change in %s: %v", abs, err)
				continue
			}
			monitoring.Logf("reloaded controller config from %s", abs)
			apply(cfg)
		}
	}
}
