package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/thorctl/thorctl/pkg/telemetry"
)

// Load reads the file at path on top of Default (with the telemetry preset
// named by THOR_TELEMETRY_PROFILE), applies THOR_* overrides
// from the process environment and validates the result. An empty path
// loads only the defaults and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	// The profile is the base the file's telemetry section decodes onto.
	if profile := os.Getenv(EnvTelemetryProfile); profile != "" {
		tel, err := telemetry.ProfileConfig(profile)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvTelemetryProfile, err)
		}
		cfg.Telemetry = tel
	}
	if path != "" {
		raw, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile returns the file content as a generic map.
func readFile(path string) (map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return parseCUE(path, content)
	case ".yaml", ".yml", ".json":
		raw := map[string]any{}
		// JSON is a subset of YAML.
		if err := yaml.Unmarshal(content, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}
}

// parseCUE compiles content, unifies it with the #Config schema and exports
// the concrete result.
func parseCUE(path string, content []byte) (map[string]any, error) {
	ctx := cuecontext.New()

	schema, err := configSchema(ctx)
	if err != nil {
		return nil, err
	}

	val := ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile %s: %s", path, cueDetails(err))
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%s does not match the config schema: %s", path, cueDetails(err))
	}

	raw := map[string]any{}
	if err := unified.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", path, err)
	}
	return raw, nil
}

func cueDetails(err error) string {
	var lines []string
	for _, e := range cueerrors.Errors(err) {
		lines = append(lines, strings.TrimSpace(cueerrors.Details(e, nil)))
	}
	return strings.Join(lines, "; ")
}

// decode merges raw onto cfg. Keys absent from raw keep their values.
func decode(raw map[string]any, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "yaml",
		Result:      cfg,
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}
