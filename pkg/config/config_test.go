package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/platform"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Width != 300 || cfg.Height != 300 {
		t.Errorf("screen = %dx%d, want 300x300", cfg.Width, cfg.Height)
	}
	if cfg.Quality != "Ultra" {
		t.Errorf("Quality = %q, want Ultra", cfg.Quality)
	}
	if cfg.ActionTimeout != 100*time.Second {
		t.Errorf("ActionTimeout = %v, want 100s", cfg.ActionTimeout)
	}
	if cfg.Telemetry == nil {
		t.Fatal("Telemetry is nil")
	}
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "thor.yaml",
			content: `
width: 600
height: 400
quality: High
commits: [abc123, def456]
action_timeout: 30s
disabled_platforms: [CloudRendering]
initialize:
  renderDepthImage: true
telemetry:
  logging:
    level: debug
`,
		},
		{
			name: "json",
			file: "thor.json",
			content: `{
  "width": 600,
  "height": 400,
  "quality": "High",
  "commits": ["abc123", "def456"],
  "action_timeout": "30s",
  "disabled_platforms": ["CloudRendering"],
  "initialize": {"renderDepthImage": true},
  "telemetry": {"logging": {"level": "debug"}}
}`,
		},
		{
			name: "cue",
			file: "thor.cue",
			content: `
width:   600
height:  400
quality: "High"
commits: ["abc123", "def456"]
action_timeout: "30s"
disabled_platforms: ["CloudRendering"]
initialize: renderDepthImage: true
telemetry: logging: level: "debug"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			if cfg.Width != 600 || cfg.Height != 400 {
				t.Errorf("screen = %dx%d, want 600x400", cfg.Width, cfg.Height)
			}
			if cfg.Quality != "High" {
				t.Errorf("Quality = %q, want High", cfg.Quality)
			}
			if !reflect.DeepEqual(cfg.Commits, []string{"abc123", "def456"}) {
				t.Errorf("Commits = %v", cfg.Commits)
			}
			if cfg.ActionTimeout != 30*time.Second {
				t.Errorf("ActionTimeout = %v, want 30s", cfg.ActionTimeout)
			}
			if !reflect.DeepEqual(cfg.DisabledPlatforms, []string{"CloudRendering"}) {
				t.Errorf("DisabledPlatforms = %v", cfg.DisabledPlatforms)
			}
			if cfg.Initialize["renderDepthImage"] != true {
				t.Errorf("Initialize = %v, want renderDepthImage", cfg.Initialize)
			}
			// Defaults survive a partial file.
			if _, ok := cfg.Initialize["gridSize"]; !ok {
				t.Error("default gridSize was dropped")
			}
			if cfg.StartupTimeout != 100*time.Second {
				t.Errorf("StartupTimeout = %v, want default", cfg.StartupTimeout)
			}
			if cfg.Telemetry.Logging.Level != "debug" {
				t.Errorf("log level = %q, want debug", cfg.Telemetry.Logging.Level)
			}
			if cfg.Telemetry.Logging.Format != "console" {
				t.Errorf("log format = %q, want default console", cfg.Telemetry.Logging.Format)
			}
		})
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{name: "cue unknown field", file: "c.cue", content: `colour: "red"`, wantErr: "config schema"},
		{name: "cue bad quality", file: "c.cue", content: `quality: "Epic"`, wantErr: "config schema"},
		{name: "cue bad duration", file: "c.cue", content: `action_timeout: "soon"`, wantErr: "config schema"},
		{name: "cue syntax", file: "c.cue", content: `width: `, wantErr: "failed to compile"},
		{name: "yaml unknown key", file: "c.yaml", content: "colour: red\n", wantErr: "colour"},
		{name: "yaml bad quality", file: "c.yaml", content: "quality: Epic\n", wantErr: "invalid config"},
		{name: "yaml zero width", file: "c.yaml", content: "width: 0\n", wantErr: "invalid config"},
		{name: "yaml bad platform", file: "c.yaml", content: "platforms: [Windows64]\n", wantErr: "invalid config"},
		{name: "yaml bad duration", file: "c.yaml", content: "action_timeout: soon\n", wantErr: "failed to decode"},
		{name: "commit with path", file: "c.yaml", content: "commit_id: ../x\n", wantErr: "path characters"},
		{name: "unsupported format", file: "c.toml", content: "width = 1\n", wantErr: "unsupported config format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("Load() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestLoadAppliesEnv(t *testing.T) {
	t.Setenv(EnvQuality, "Low")
	t.Setenv(EnvCommitID, "fromenv")

	cfg, err := Load(writeConfig(t, "c.yaml", "quality: High\ncommit_id: fromfile\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Quality != "Low" {
		t.Errorf("Quality = %q, want Low", cfg.Quality)
	}
	if cfg.CommitID != "fromenv" {
		t.Errorf("CommitID = %q, want fromenv", cfg.CommitID)
	}
}

func TestLoadTelemetryProfile(t *testing.T) {
	t.Setenv(EnvTelemetryProfile, "production")

	cfg, err := Load(writeConfig(t, "c.yaml", "telemetry:\n  logging:\n    level: warn\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Telemetry.Logging.Format != "json" || !cfg.Telemetry.Metrics.Enabled {
		t.Errorf("profile not applied: %+v", cfg.Telemetry.Logging)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("Level = %q, want file value warn", cfg.Telemetry.Logging.Level)
	}

	t.Setenv(EnvTelemetryProfile, "loud")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "unknown telemetry profile") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name: "strings",
			env: map[string]string{
				EnvReleasesDir:         "/srv/releases",
				EnvReleasesURL:         "https://builds.example.com",
				EnvLocalExecutablePath: "/opt/thor/engine",
				EnvXDisplay:            "1.0",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.ReleasesDir != "/srv/releases" || cfg.ReleasesURL != "https://builds.example.com" {
					t.Errorf("releases = %q %q", cfg.ReleasesDir, cfg.ReleasesURL)
				}
				if cfg.LocalExecutablePath != "/opt/thor/engine" || cfg.XDisplay != "1.0" {
					t.Errorf("local = %q display = %q", cfg.LocalExecutablePath, cfg.XDisplay)
				}
			},
		},
		{
			name: "platform list",
			env:  map[string]string{EnvPlatform: "CloudRendering, Linux64"},
			check: func(t *testing.T, cfg *Config) {
				want := []string{"CloudRendering", "Linux64"}
				if !reflect.DeepEqual(cfg.Platforms, want) {
					t.Errorf("Platforms = %v, want %v", cfg.Platforms, want)
				}
			},
		},
		{
			name: "cloud rendering",
			env:  map[string]string{EnvCloudRendering: "true"},
			check: func(t *testing.T, cfg *Config) {
				if !cfg.CloudRendering || !cfg.Headless {
					t.Errorf("CloudRendering = %v Headless = %v", cfg.CloudRendering, cfg.Headless)
				}
				if got := cfg.PlatformOrder(); !reflect.DeepEqual(got, []string{"CloudRendering"}) {
					t.Errorf("PlatformOrder() = %v", got)
				}
			},
		},
		{
			name:    "cloud rendering invalid",
			env:     map[string]string{EnvCloudRendering: "maybe"},
			wantErr: true,
		},
		{
			name: "empty values ignored",
			env:  map[string]string{EnvQuality: ""},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Quality != "Ultra" {
					t.Errorf("Quality = %q, want Ultra", cfg.Quality)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			err := cfg.ApplyEnv(func(k string) string { return tt.env[k] })
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestCommitCandidates(t *testing.T) {
	cfg := Default()
	cfg.Commits = []string{"a", "b"}

	commits, explicit := cfg.CommitCandidates()
	if explicit || !reflect.DeepEqual(commits, []string{"a", "b"}) {
		t.Errorf("CommitCandidates() = %v, %v", commits, explicit)
	}

	cfg.CommitID = "pinned"
	commits, explicit = cfg.CommitCandidates()
	if !explicit || !reflect.DeepEqual(commits, []string{"pinned"}) {
		t.Errorf("CommitCandidates() = %v, %v", commits, explicit)
	}
}

func TestApplyPlatforms(t *testing.T) {
	reg := platform.DefaultRegistry(nil, zerolog.Nop())
	req := platform.Request{System: platform.SystemLinux}

	cfg := Default()
	cfg.DisabledPlatforms = []string{platform.NameLinux64}
	cfg.Platforms = []string{platform.NameCloudRendering, platform.NameLinux64}
	if err := cfg.ApplyPlatforms(reg); err != nil {
		t.Fatalf("ApplyPlatforms() error = %v", err)
	}

	linux, _ := reg.Get(platform.NameLinux64)
	if linux.Enabled() {
		t.Error("Linux64 still enabled")
	}
	got := platform.Names(reg.SelectPlatforms(req))
	want := []string{platform.NameCloudRendering, platform.NameLinux64}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SelectPlatforms() = %v, want %v", got, want)
	}

	// Clearing the lists restores the defaults.
	if err := Default().ApplyPlatforms(reg); err != nil {
		t.Fatalf("ApplyPlatforms() error = %v", err)
	}
	if !linux.Enabled() {
		t.Error("Linux64 not re-enabled")
	}
	got = platform.Names(reg.SelectPlatforms(req))
	want = []string{platform.NameLinux64, platform.NameCloudRendering}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SelectPlatforms() = %v, want %v", got, want)
	}
}
