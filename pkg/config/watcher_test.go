package config

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/platform"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "thor.yaml", "width: 300\n")

	w, err := NewWatcher(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.SetDelay(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	if err := w.Watch(ctx, func(cfg *Config) error {
		reloaded <- cfg
		return nil
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("width: 640\ndisabled_platforms: [Linux64]\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Width != 640 {
			t.Errorf("Width = %d, want 640", cfg.Width)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	path := writeConfig(t, "thor.yaml", "width: 300\n")

	w, err := NewWatcher(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.SetDelay(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 1)
	if err := w.Watch(ctx, func(*Config) error {
		reloaded <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Stop()

	sibling := path + ".bak"
	if err := os.WriteFile(sibling, []byte("width: 1\n"), 0644); err != nil {
		t.Fatalf("failed to write sibling: %v", err)
	}

	select {
	case <-reloaded:
		t.Fatal("reloaded on unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherReloadErrors(t *testing.T) {
	path := writeConfig(t, "thor.yaml", "width: 300\n")
	w, err := NewWatcher(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	w.load = func(string) (*Config, error) { return nil, errors.New("broken") }
	if err := w.reload(func(*Config) error { return nil }); err == nil {
		t.Error("reload() error = nil for a failed load")
	}

	w.load = func(string) (*Config, error) { return Default(), nil }
	if err := w.reload(func(*Config) error { return errors.New("rejected") }); err == nil {
		t.Error("reload() error = nil for a rejected config")
	}
}

func TestPlatformReloader(t *testing.T) {
	reg := platform.DefaultRegistry(nil, zerolog.Nop())
	cfg := Default()
	cfg.DisabledPlatforms = []string{platform.NameCloudRendering}

	if err := PlatformReloader(reg)(cfg); err != nil {
		t.Fatalf("reload error = %v", err)
	}
	p, _ := reg.Get(platform.NameCloudRendering)
	if p.Enabled() {
		t.Error("CloudRendering still enabled")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(writeConfig(t, "thor.yaml", "width: 300\n"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Watch(context.Background(), func(*Config) error { return nil }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
