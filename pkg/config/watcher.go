package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/platform"
)

// DefaultReloadDelay debounces bursts of writes to the config file.
const DefaultReloadDelay = 500 * time.Millisecond

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(*Config) error

// Watcher reloads a config file when it changes.
type Watcher struct {
	path   string
	delay  time.Duration
	logger zerolog.Logger
	load   func(string) (*Config, error)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// NewWatcher creates a watcher for the file at path.
func NewWatcher(path string, logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return &Watcher{
		path:   abs,
		delay:  DefaultReloadDelay,
		logger: logger.With().Str("component", "config-watcher").Logger(),
		load:   Load,
	}, nil
}

// SetDelay changes the debounce delay. Call before Watch.
func (w *Watcher) SetDelay(d time.Duration) {
	w.delay = d
}

// Watch starts watching and calls fn after every change until ctx is done
// or Stop is called. The parent directory is watched so that editors that
// replace the file by rename are noticed.
func (w *Watcher) Watch(ctx context.Context, fn ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx, watcher, fn)

	w.logger.Info().Str("path", w.path).Msg("Started watching config")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher, fn ReloadFunc) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("op", event.Op.String()).
				Msg("Config file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.delay, func() {
				if err := w.reload(fn); err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload config")
				}
			})
			w.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(fn ReloadFunc) error {
	cfg, err := w.load(w.path)
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return fmt.Errorf("failed to apply reloaded config: %w", err)
	}
	w.logger.Info().Msg("Config reloaded")
	return nil
}

// Stop stops watching. Pending reloads are cancelled.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}

// PlatformReloader returns a ReloadFunc that re-applies platform toggles
// and ordering to reg.
func PlatformReloader(reg *platform.Registry) ReloadFunc {
	return func(cfg *Config) error {
		return cfg.ApplyPlatforms(reg)
	}
}
