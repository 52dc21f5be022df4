package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/thorctl/thorctl/pkg/channel"
	"github.com/thorctl/thorctl/pkg/platform"
	"github.com/thorctl/thorctl/pkg/telemetry"
)

// Config is the controller configuration.
type Config struct {
	// Width and Height are the engine screen size in pixels.
	Width  int `yaml:"width" json:"width" validate:"gt=0,lte=8192"`
	Height int `yaml:"height" json:"height" validate:"gt=0,lte=8192"`

	// Quality is a named quality level such as "Ultra".
	Quality    string `yaml:"quality" json:"quality" validate:"omitempty,quality"`
	Fullscreen bool   `yaml:"fullscreen" json:"fullscreen"`
	Headless   bool   `yaml:"headless" json:"headless"`

	// XDisplay overrides DISPLAY for the Linux64 platform, e.g. "0.0".
	XDisplay string `yaml:"x_display" json:"x_display"`

	// CommitID pins a build. When empty, Commits are tried in order.
	CommitID string   `yaml:"commit_id" json:"commit_id"`
	Commits  []string `yaml:"commits" json:"commits" validate:"dive,required"`

	// LocalBuild selects a build produced on this machine.
	LocalBuild bool `yaml:"local_build" json:"local_build"`

	// LocalExecutablePath runs this binary and skips resolution entirely.
	LocalExecutablePath string `yaml:"local_executable_path" json:"local_executable_path"`

	// ReleasesDir is where builds are unpacked.
	ReleasesDir string `yaml:"releases_dir" json:"releases_dir" validate:"required"`

	// ReleasesURL is the archive source: http(s), s3, sftp or a directory.
	ReleasesURL string `yaml:"releases_url" json:"releases_url"`

	RequireChecksum bool `yaml:"require_checksum" json:"require_checksum"`

	// Platforms narrows and orders the candidate platforms.
	Platforms []string `yaml:"platforms" json:"platforms" validate:"dive,platform"`

	// DisabledPlatforms are never candidates.
	DisabledPlatforms []string `yaml:"disabled_platforms" json:"disabled_platforms" validate:"dive,platform"`

	// CloudRendering restricts selection to the headless Vulkan platform.
	CloudRendering bool `yaml:"cloud_rendering" json:"cloud_rendering"`

	// Force skips platform validation.
	Force bool `yaml:"force" json:"force"`

	// DownloadOnly stops after the build is available locally.
	DownloadOnly bool `yaml:"download_only" json:"download_only"`

	// Scene is loaded by the initial Reset.
	Scene string `yaml:"scene" json:"scene"`

	// Initialize holds the parameters of the Initialize action.
	Initialize map[string]any `yaml:"initialize" json:"initialize"`

	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout" validate:"gte=0"`
	ActionTimeout  time.Duration `yaml:"action_timeout" json:"action_timeout" validate:"gte=0"`
	CloseGrace     time.Duration `yaml:"close_grace" json:"close_grace" validate:"gte=0"`

	// StorePath is the sqlite index of builds and sessions. Empty disables it.
	StorePath string `yaml:"store_path" json:"store_path"`

	Telemetry *telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	base := defaultBaseDir()
	return &Config{
		Width:          300,
		Height:         300,
		Quality:        channel.DefaultQuality,
		ReleasesDir:    filepath.Join(base, "releases"),
		Scene:          "FloorPlan1",
		Initialize:     map[string]any{"gridSize": 0.25},
		StartupTimeout: 100 * time.Second,
		ActionTimeout:  100 * time.Second,
		CloseGrace:     5 * time.Second,
		StorePath:      filepath.Join(base, "index.db"),
		Telemetry:      telemetry.DefaultConfig(),
	}
}

func defaultBaseDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "thorctl")
	}
	return filepath.Join(os.TempDir(), "thorctl")
}

// CommitCandidates returns the commits to try, in order, and whether the
// user named them explicitly.
func (c *Config) CommitCandidates() ([]string, bool) {
	if c.CommitID != "" {
		return []string{c.CommitID}, true
	}
	return c.Commits, false
}

// PlatformOrder returns the selection override, or nil for the host default.
func (c *Config) PlatformOrder() []string {
	if c.CloudRendering {
		return []string{platform.NameCloudRendering}
	}
	return c.Platforms
}

// ApplyPlatforms installs the selection override and enabled flags on reg.
// Platforms not listed as disabled are enabled again.
func (c *Config) ApplyPlatforms(reg *platform.Registry) error {
	disabled := make(map[string]bool, len(c.DisabledPlatforms))
	for _, name := range c.DisabledPlatforms {
		disabled[name] = true
	}
	for _, p := range reg.All() {
		if err := reg.SetEnabled(p.Name, !disabled[p.Name]); err != nil {
			return err
		}
	}

	if order := c.PlatformOrder(); len(order) > 0 {
		reg.SetSelector(reg.OrderSelector(order))
	} else {
		reg.SetSelector(nil)
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry config: %w", err)
		}
	}
	if c.CommitID != "" && strings.ContainsAny(c.CommitID, `/\ `) {
		return fmt.Errorf("invalid config: commit_id %q contains path characters", c.CommitID)
	}
	return nil
}

var knownPlatforms = map[string]bool{
	platform.NameLinux64:        true,
	platform.NameOSXIntel64:     true,
	platform.NameCloudRendering: true,
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("quality", func(fl validator.FieldLevel) bool {
		return channel.ValidQuality(fl.Field().String())
	})
	_ = v.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
		return knownPlatforms[fl.Field().String()]
	})
	return v
}
