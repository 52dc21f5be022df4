package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production", mutate: func(c *Config) { *c = *ProductionConfig() }},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{
			name: "bad exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "zipkin"
			},
			wantErr: "invalid trace exporter",
		},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{
			name: "metrics without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.ListenAddress = ""
			},
			wantErr: "listen address",
		},
		{name: "zero buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "debug"

	logger := NewLoggerWithWriter(cfg, &buf).
		NewComponentLogger("controller").
		WithSessionID("s-1").
		WithBuild("Linux64", "abc")
	logger.Debug("stepping")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	want := map[string]string{
		"component":  "controller",
		"session_id": "s-1",
		"platform":   "Linux64",
		"commit":     "abc",
		"message":    "stepping",
		"level":      "debug",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %s = %v, want %s", k, entry[k], v)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "warn"

	logger := NewLoggerWithWriter(cfg, &buf)
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn not written: %q", buf.String())
	}
}

func TestFromContextDefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("FromContext returned nil")
	}
	logger.Info("discarded")
}

func TestMetricsRecording(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordResolution("Linux64", "selected")
	m.RecordStep("MoveAhead", "success", 10*time.Millisecond)
	m.RecordStep("MoveAhead", "failure", 10*time.Millisecond)
	m.RecordActionFailure("MoveAhead", "InvalidAction")
	m.RecordDownload("Linux64", "success", time.Second, 2048)
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()

	if got := testutil.ToFloat64(m.resolutions.WithLabelValues("Linux64", "selected")); got != 1 {
		t.Errorf("resolutions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.steps.WithLabelValues("MoveAhead", "failure")); got != 1 {
		t.Errorf("failed steps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.downloadBytes); got != 2048 {
		t.Errorf("download bytes = %v, want 2048", got)
	}
	if got := testutil.ToFloat64(m.activeSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordStep("MoveAhead", "success", time.Millisecond)
	m.RecordError("protocol")
	m.SessionStarted()
	if m.Registry() != nil {
		t.Fatal("disabled metrics should have no registry")
	}
	server, err := m.StartMetricsServer()
	if err != nil || server != nil {
		t.Fatalf("StartMetricsServer() = %v, %v; want nil, nil", server, err)
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeActionFailed))

	_ = ep.PublishSessionStarted("s-1", "thor-Linux64-abc")
	_ = ep.PublishActionFailed("s-1", "MoveAhead", "InvalidAction", "blocked")

	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("event missing id or timestamp: %+v", got[0])
	}
	if got[0].Data["error_code"] != "InvalidAction" {
		t.Errorf("error_code = %v", got[0].Data["error_code"])
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, MaxBatchSize: 4, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, FilterBySessionID("s-2"))

	for i := 0; i < 5; i++ {
		if err := ep.PublishSessionStarted("s-2", "b"); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	_ = ep.PublishSessionStarted("other", "b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Fatalf("delivered %d events, want 5", count)
	}
	if err := ep.PublishSessionStarted("s-2", "b"); err == nil {
		t.Fatal("Publish after Shutdown should fail")
	}
}

func TestSessionContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}

	var types []string
	tel.Events.Subscribe(func(e Event) { types = append(types, e.Type) }, nil)

	ctx := tel.WithContext(context.Background())
	ctx = WithSessionContext(ctx, "s-3", "thor-Linux64-abc")
	if got := testutil.ToFloat64(tel.Metrics.activeSessions); got != 1 {
		t.Fatalf("active sessions = %v, want 1", got)
	}
	EndSessionContext(ctx, "s-3", 7, nil)
	if got := testutil.ToFloat64(tel.Metrics.activeSessions); got != 0 {
		t.Fatalf("active sessions = %v, want 0", got)
	}

	want := []string{EventTypeSessionStarted, EventTypeSessionClosed}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", types, want)
	}
}
