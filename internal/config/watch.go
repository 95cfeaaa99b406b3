package config

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"mqttlog/internal/logging"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	// Path is the config file. Its directory is watched so editors that
	// replace the file by rename are seen.
	Path string

	// Debounce coalesces bursts of events. Zero means 250ms.
	Debounce time.Duration

	// OnChange receives every configuration that loads and validates.
	// Rejected edits are logged and the previous configuration stays active.
	OnChange func(Config)

	Logger *slog.Logger
}

// Run watches until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	logger := logging.Default(w.Logger).With("component", "config-watcher")
	debounce := cmp.Or(w.Debounce, defaultDebounce)

	path, err := filepath.Abs(w.Path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	logger.Info("watching config file", "path", path)

	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("fsnotify error", "error", err)

		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload rejected", "error", err)
				continue
			}
			logger.Info("config reloaded", "topics", len(cfg.Topics))
			if w.OnChange != nil {
				w.OnChange(cfg)
			}
		}
	}
}
