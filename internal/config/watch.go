package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces the burst of fsnotify events a single logical
// save produces (write+chmod, or the rename/create pair of an atomic save)
// into one reload.
const defaultDebounce = 250 * time.Millisecond

// Watch monitors path and calls onChange with the newly loaded Config once a
// change has settled: events arriving within the debounce window collapse
// into a single reload. Runs until ctx is cancelled.
//
// A reload that fails to parse or validate is logged and dropped — the
// previous config stays active and onChange is not called.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	return watch(ctx, path, defaultDebounce, onChange)
}

func watch(ctx context.Context, path string, debounce time.Duration, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	// Created stopped; relevant events re-arm it so the reload runs once the
	// burst settles.
	settle := time.NewTimer(debounce)
	if !settle.Stop() {
		<-settle.C
	}
	defer settle.Stop()

	slog.Info("config: watching for changes", "path", path, "debounce", debounce)

	generation := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Writes and creates (atomic saves replace the inode) schedule a
			// reload; chmod and rename noise does not.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			settle.Reset(debounce)

		case <-settle.C:
			// Re-add first: an atomic save may have replaced the inode and
			// taken the old watch with it.
			_ = watcher.Add(path)

			cfg, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed — keeping previous config",
					"path", path, "err", err)
				continue
			}

			generation++
			slog.Info("config: reloaded",
				"path", path,
				"generation", generation,
				"rules", len(cfg.Rules),
				"receivers", len(cfg.Receivers),
				"inhibitions", len(cfg.Inhibitions),
			)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
