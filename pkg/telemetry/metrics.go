package telemetry

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the controller.
type Metrics struct {
	config MetricsConfig

	// Build metrics
	resolutions      *prometheus.CounterVec
	downloads        *prometheus.CounterVec
	downloadDuration *prometheus.HistogramVec
	downloadBytes    prometheus.Counter

	// Step metrics
	steps          *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	actionFailures *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// Session metrics
	activeSessions prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "build_resolutions_total",
				Help:      "Total number of build resolutions by selected platform and outcome",
			},
			[]string{"platform", "outcome"},
		),
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "build_downloads_total",
				Help:      "Total number of build downloads",
			},
			[]string{"platform", "status"},
		),
		downloadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_download_duration_seconds",
				Help:      "Duration of build downloads in seconds",
				Buckets:   buckets,
			},
			[]string{"platform"},
		),
		downloadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "build_download_bytes_total",
				Help:      "Total bytes of build archives fetched",
			},
		),

		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of actions sent to the engine",
			},
			[]string{"action", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Round-trip time of one action in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		actionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_failures_total",
				Help:      "Total number of actions the engine reported as failed",
			},
			[]string{"action", "error_code"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of controller errors by kind",
			},
			[]string{"kind"},
		),

		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of running engine sessions",
			},
		),
	}

	registry.MustRegister(
		m.resolutions,
		m.downloads,
		m.downloadDuration,
		m.downloadBytes,
		m.steps,
		m.stepDuration,
		m.actionFailures,
		m.errorsByKind,
		m.activeSessions,
	)

	return m, nil
}

// RecordResolution records the outcome of a build resolution.
func (m *Metrics) RecordResolution(platform, outcome string) {
	if m.resolutions == nil {
		return
	}
	m.resolutions.WithLabelValues(platform, outcome).Inc()
}

// RecordDownload records a build download.
func (m *Metrics) RecordDownload(platform, status string, duration time.Duration, bytes int64) {
	if m.downloads == nil {
		return
	}
	m.downloads.WithLabelValues(platform, status).Inc()
	m.downloadDuration.WithLabelValues(platform).Observe(duration.Seconds())
	if bytes > 0 {
		m.downloadBytes.Add(float64(bytes))
	}
}

// RecordStep records one action round trip.
func (m *Metrics) RecordStep(action, status string, duration time.Duration) {
	if m.steps == nil {
		return
	}
	m.steps.WithLabelValues(action, status).Inc()
	m.stepDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordActionFailure records an action the engine rejected.
func (m *Metrics) RecordActionFailure(action, errorCode string) {
	if m.actionFailures == nil {
		return
	}
	m.actionFailures.WithLabelValues(action, errorCode).Inc()
}

// RecordError records a controller error by kind.
func (m *Metrics) RecordError(kind string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	if m.activeSessions == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded() {
	if m.activeSessions == nil {
		return
	}
	m.activeSessions.Dec()
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. The returned
// server is nil when metrics are disabled.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.config.Enabled {
		return nil, nil
	}
	if m.config.ListenAddress == "" {
		return nil, fmt.Errorf("metrics listen address is required")
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()

	return server, nil
}
