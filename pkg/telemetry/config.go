package telemetry

import (
	"fmt"
	"time"
)

// Config selects how a controller reports what it does.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	// Environment is a free-form label such as development, ci or production.
	Environment string `yaml:"environment" json:"environment"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Events  EventsConfig  `yaml:"events" json:"events"`
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error or fatal.
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // console or json
	// Output is stderr, stdout or a file path.
	Output       string `yaml:"output" json:"output"`
	EnableCaller bool   `yaml:"enable_caller" json:"enable_caller"`

	// With sampling on, SamplingInitial entries per second are written and
	// then every SamplingThereafter-th.
	EnableSampling     bool `yaml:"enable_sampling" json:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" json:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter" json:"sampling_thereafter"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `yaml:"time_format" json:"time_format"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter" json:"exporter"`
	// Endpoint is the OTLP gRPC collector address.
	Endpoint           string            `yaml:"endpoint" json:"endpoint"`
	SamplingRate       float64           `yaml:"sampling_rate" json:"sampling_rate"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size" json:"max_export_batch_size"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" json:"export_timeout"`
	Headers            map[string]string `yaml:"headers" json:"headers"`
	Insecure           bool              `yaml:"insecure" json:"insecure"`
}

// MetricsConfig configures the prometheus collectors and their endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
	Path          string `yaml:"path" json:"path"`
	Namespace     string `yaml:"namespace" json:"namespace"`
	// DefaultHistogramBuckets are the step and download latency buckets, in
	// seconds.
	DefaultHistogramBuckets []float64 `yaml:"buckets" json:"buckets"`
}

// EventsConfig configures the in-process lifecycle event fan-out.
type EventsConfig struct {
	Enabled      bool `yaml:"enabled" json:"enabled"`
	BufferSize   int  `yaml:"buffer_size" json:"buffer_size"`
	MaxBatchSize int  `yaml:"max_batch_size" json:"max_batch_size"`
	// EnableAsync delivers from a background goroutine instead of inside
	// Publish.
	EnableAsync bool `yaml:"enable_async" json:"enable_async"`
}

// Profile names accepted by ProfileConfig.
const (
	ProfileDefault     = "default"
	ProfileDevelopment = "development"
	ProfileProduction  = "production"
)

// DefaultConfig suits an interactive CLI: console logs, synchronous
// events, no tracing and no metrics endpoint.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "thorctl",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "thor",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120,
			},
		},
		Events: EventsConfig{
			Enabled:      true,
			BufferSize:   256,
			MaxBatchSize: 32,
		},
	}
}

// ProductionConfig suits long-running controllers such as training
// workers: sampled JSON logs, OTLP traces at 10% and a metrics endpoint.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	cfg.Metrics.Enabled = true
	cfg.Events.EnableAsync = true
	return cfg
}

// DevelopmentConfig logs at debug with caller information.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	return cfg
}

// ProfileConfig returns the preset named by profile. An empty name is the
// default preset.
func ProfileConfig(profile string) (*Config, error) {
	switch profile {
	case "", ProfileDefault:
		return DefaultConfig(), nil
	case ProfileDevelopment:
		return DevelopmentConfig(), nil
	case ProfileProduction:
		return ProductionConfig(), nil
	default:
		return nil, fmt.Errorf("unknown telemetry profile %q", profile)
	}
}

var (
	validLevels    = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	validExporters = map[string]bool{"otlp": true, "stdout": true, "none": true}
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	case !validLevels[c.Logging.Level]:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case c.Logging.Format != "console" && c.Logging.Format != "json":
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	case c.Tracing.Enabled && !validExporters[c.Tracing.Exporter]:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	case c.Metrics.Enabled && c.Metrics.ListenAddress == "":
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	case c.Events.Enabled && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
