package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce window for editors that fire multiple write events per save.
const watchDebounce = 250 * time.Millisecond

// Watch reloads cfg from path whenever the file changes, replacing the data
// fields in place and invoking onReload after each successful reload. The
// parent directory is watched so atomic rename-based saves are caught too.
// Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	base := filepath.Base(path)
	lastHash := cfg.Hash()
	var timer *time.Timer
	var timerC <-chan time.Time

	reload := func() {
		fresh, err := Load(path)
		if err != nil {
			slog.Warn("config: reload failed, keeping previous config", "path", path, "error", err)
			return
		}
		h := fresh.Hash()
		if h == lastHash {
			return
		}
		lastHash = h
		cfg.ReplaceFrom(fresh)
		slog.Info("config: reloaded", "path", path, "bindings", len(fresh.Bindings))
		if onReload != nil {
			onReload(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case <-timerC:
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "error", err)
		}
	}
}
