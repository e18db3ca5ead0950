package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces editors that write a file in several steps.
const reloadDelay = 250 * time.Millisecond

// Watch reloads path whenever it changes and passes every configuration
// that loads and validates to fn. Invalid edits are logged and skipped.
// Watching stops when ctx is done.
func Watch(ctx context.Context, path string, logger zerolog.Logger, fn func(*Config)) error {
	logger = logger.With().Str("component", "config-watcher").Str("path", path).Logger()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// the directory survives editors replacing the file by rename
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()

		var reload <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				reload = time.After(reloadDelay)

			case <-reload:
				reload = nil
				cfg, err := Load(path)
				if err != nil {
					logger.Error().Err(err).Msg("Configuration reload failed")
					continue
				}
				logger.Info().Msg("Configuration reloaded")
				fn(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("Watcher error")
			}
		}
	}()

	return nil
}
