package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment variables that override file settings.
const (
	EnvCommitID            = "THOR_COMMIT_ID"
	EnvReleasesDir         = "THOR_RELEASES_DIR"
	EnvReleasesURL         = "THOR_RELEASES_URL"
	EnvLocalExecutablePath = "THOR_LOCAL_EXECUTABLE_PATH"
	EnvXDisplay            = "THOR_X_DISPLAY"
	EnvQuality             = "THOR_QUALITY"
	EnvPlatform            = "THOR_PLATFORM"
	EnvCloudRendering      = "THOR_CLOUD_RENDERING"

	// EnvTelemetryProfile picks the telemetry preset; read by Load only.
	EnvTelemetryProfile = "THOR_TELEMETRY_PROFILE"
)

// ApplyEnv overrides fields from getenv. Empty values are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	strs := []struct {
		key string
		dst *string
	}{
		{EnvCommitID, &c.CommitID},
		{EnvReleasesDir, &c.ReleasesDir},
		{EnvReleasesURL, &c.ReleasesURL},
		{EnvLocalExecutablePath, &c.LocalExecutablePath},
		{EnvXDisplay, &c.XDisplay},
		{EnvQuality, &c.Quality},
	}
	for _, s := range strs {
		if v := getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	if v := getenv(EnvPlatform); v != "" {
		c.Platforms = splitList(v)
	}

	if v := getenv(EnvCloudRendering); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", EnvCloudRendering, v, err)
		}
		c.CloudRendering = on
		if on {
			c.Headless = true
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
