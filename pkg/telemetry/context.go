package telemetry

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the logging, tracing, metrics and event bundle a controller
// reports through.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	metricsServer *http.Server
}

type telemetryKey struct{}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	return t, nil
}

// Nop returns a bundle that discards logs and records nothing.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Events.Enabled = false
	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)
	return &Telemetry{
		Logger:  &Logger{zlog: zerolog.Nop()},
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryKey{}, t))
}

// FromTelemetryContext returns the bundle stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// StartMetricsServer serves /metrics when metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	server, err := t.Metrics.StartMetricsServer()
	if err != nil {
		return err
	}
	t.metricsServer = server
	return nil
}

// Shutdown drains events, flushes spans and stops the metrics server. All
// three are attempted; the errors are joined.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	errs := []error{t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx)}
	if t.metricsServer != nil {
		errs = append(errs, t.metricsServer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

type sessionKey struct{}

type sessionState struct {
	span  trace.Span
	timer *Timer
}

// WithSessionContext opens a session span, attaches a session-scoped
// logger, bumps the active session gauge and publishes session.started.
func WithSessionContext(ctx context.Context, sessionID, build string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartSessionSpan(ctx, sessionID)
	spanCtx = tel.Logger.WithSessionID(sessionID).WithField("build", build).WithContext(spanCtx)

	tel.Metrics.SessionStarted()
	_ = tel.Events.PublishSessionStarted(sessionID, build)

	return context.WithValue(spanCtx, sessionKey{}, &sessionState{span: span, timer: NewTimer()})
}

// EndSessionContext closes what WithSessionContext opened.
func EndSessionContext(ctx context.Context, sessionID string, steps int, err error) {
	tel := FromTelemetryContext(ctx)
	state, ok := ctx.Value(sessionKey{}).(*sessionState)
	if tel == nil || !ok {
		return
	}

	if err != nil {
		RecordError(state.span, err)
	} else {
		RecordSuccess(state.span)
	}
	state.span.End()

	tel.Metrics.SessionEnded()
	_ = tel.Events.PublishSessionClosed(sessionID, steps, state.timer.Duration())
}
