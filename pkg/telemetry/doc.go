// Package telemetry provides observability for the engine controller.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and an in-process event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Sessions
//
// A controller wraps the lifetime of one engine process in a session:
//
//	ctx = telemetry.WithSessionContext(ctx, sessionID, build)
//	defer telemetry.EndSessionContext(ctx, sessionID, steps, err)
//
// The session context carries a logger with session_id and build fields,
// a "session" span, and increments the thor_active_sessions gauge.
//
// # Metrics
//
// All metrics live under the configured namespace (default "thor"):
//
//	thor_build_resolutions_total{platform,outcome}
//	thor_build_downloads_total{platform,status}
//	thor_build_download_duration_seconds{platform}
//	thor_build_download_bytes_total
//	thor_steps_total{action,status}
//	thor_step_duration_seconds{action}
//	thor_action_failures_total{action,error_code}
//	thor_errors_total{kind}
//	thor_active_sessions
//
// Recording on a disabled Metrics is a no-op.
//
// # Events
//
// Event types are build.resolved, build.downloaded, session.started,
// session.closed and action.failed. Synchronous publishers deliver before
// Publish returns; asynchronous ones deliver from a background goroutine
// and drain on Shutdown.
package telemetry
