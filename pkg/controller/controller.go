package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/artifact"
	"github.com/thorctl/thorctl/pkg/build"
	"github.com/thorctl/thorctl/pkg/channel"
	"github.com/thorctl/thorctl/pkg/config"
	"github.com/thorctl/thorctl/pkg/platform"
	"github.com/thorctl/thorctl/pkg/protocol"
	"github.com/thorctl/thorctl/pkg/stores"
	"github.com/thorctl/thorctl/pkg/telemetry"
)

// Controller drives one engine process.
type Controller struct {
	cfg       *config.Config
	opts      options
	logger    zerolog.Logger
	tel       *telemetry.Telemetry
	registry  *platform.Registry
	store     build.Store
	ownsStore bool
	resolved  *build.Resolved

	server    Server
	sessionID string
	// sessionCtx carries the session span and logger until Close.
	sessionCtx context.Context

	mu                  sync.Mutex
	localExecutablePath string
	lastEvent           *protocol.Event
	lastAction          protocol.Action
	steps               int
	closed              bool
}

func newController(cfg *config.Config, opts []Option) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{
		logger: zerolog.Nop(),
		getenv: os.Getenv,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{
		cfg:                 cfg,
		opts:                o,
		logger:              o.logger.With().Str("component", "controller").Logger(),
		tel:                 o.telemetry,
		registry:            o.registry,
		store:               o.store,
		localExecutablePath: cfg.LocalExecutablePath,
	}
	if c.tel == nil {
		c.tel = telemetry.Nop()
	}

	// An injected registry is used as is.
	if c.registry == nil {
		c.registry = platform.DefaultRegistry(o.probe, o.logger)
		if err := cfg.ApplyPlatforms(c.registry); err != nil {
			return nil, fmt.Errorf("failed to apply platform settings: %w", err)
		}
	}

	if c.store == nil {
		source := o.source
		if source == nil && cfg.ReleasesURL != "" {
			var err error
			source, err = artifact.NewSource(cfg.ReleasesURL, o.logger)
			if err != nil {
				return nil, err
			}
		}
		storeOpts := []artifact.Option{
			artifact.WithLogger(o.logger),
			artifact.WithTelemetry(c.tel),
			artifact.WithRequireChecksum(cfg.RequireChecksum),
		}
		if o.index != nil {
			storeOpts = append(storeOpts, artifact.WithIndex(o.index))
		}
		c.store = artifact.NewStore(cfg.ReleasesDir, source, storeOpts...)
		c.ownsStore = true
	}

	return c, nil
}

// New resolves, downloads and launches the engine described by cfg, then
// initializes it. Resolution errors are returned unwrapped so callers can
// match them with errors.As. With cfg.DownloadOnly the controller stops
// after the download and Step returns ErrNotRunning. A configured local
// executable path skips resolution and download.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Controller, error) {
	c, err := newController(cfg, opts)
	if err != nil {
		return nil, err
	}

	if c.localExecutablePath == "" {
		if err := c.resolve(ctx); err != nil {
			c.closeStore()
			return nil, err
		}
		if err := c.download(ctx); err != nil {
			c.closeStore()
			return nil, err
		}
	}

	if c.cfg.DownloadOnly {
		return c, nil
	}

	if err := c.start(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	return c, nil
}

// Resolve selects the build cfg would run without downloading it.
func Resolve(ctx context.Context, cfg *config.Config, opts ...Option) (*build.Resolved, error) {
	c, err := newController(cfg, opts)
	if err != nil {
		return nil, err
	}
	defer c.closeStore()

	if err := c.resolve(ctx); err != nil {
		return nil, err
	}
	return c.resolved, nil
}

func (c *Controller) resolve(ctx context.Context) error {
	req := platform.NewRequest(c.cfg.Width, c.cfg.Height, c.cfg.XDisplay)
	req.Headless = c.cfg.Headless
	commits, explicit := c.cfg.CommitCandidates()

	ctx, span := c.tel.Tracer.StartResolveSpan(ctx, req.System, commits)
	defer span.End()

	resolver := build.NewResolver(c.registry, c.store, c.logger)
	resolved, err := resolver.Resolve(ctx, build.Query{
		Request:        req,
		Commits:        commits,
		ExplicitCommit: explicit,
		Local:          c.cfg.LocalBuild,
		Force:          c.cfg.Force,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		c.tel.Metrics.RecordResolution("", resolutionOutcome(err))
		return err
	}

	outcome := "selected"
	if resolved.Forced {
		outcome = "forced"
		c.logger.Warn().
			Str("platform", resolved.Platform.Name).
			Msg("Platform validation skipped; the engine may fail to start")
	}
	telemetry.RecordSuccess(span)
	c.tel.Metrics.RecordResolution(resolved.Platform.Name, outcome)
	_ = c.tel.Events.PublishBuildResolved(resolved.Name(), resolved.Forced)

	c.resolved = resolved
	return nil
}

func resolutionOutcome(err error) string {
	var (
		noBuild  *build.NoBuildFoundError
		invalid  *build.InvalidCommitError
		rejected *build.AllBuildsInvalidError
	)
	switch {
	case errors.As(err, &noBuild):
		return "no_build"
	case errors.As(err, &invalid):
		return "invalid_commit"
	case errors.As(err, &rejected):
		return "all_invalid"
	default:
		return "error"
	}
}

func (c *Controller) download(ctx context.Context) error {
	// Local builds are produced in place.
	if c.resolved.CommitID == build.LocalCommitID {
		return nil
	}
	if err := c.store.Download(ctx, c.resolved.Platform, c.resolved.CommitID); err != nil {
		c.tel.Metrics.RecordError("download")
		return err
	}
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	server := c.opts.server
	if server == nil {
		launcher := c.opts.launcher
		if launcher == nil {
			launcher = &channel.ExecLauncher{Env: c.launchEnv(), Logger: c.logger}
		}
		ps, err := channel.NewServer(channel.Config{
			Launcher:       launcher,
			StartupTimeout: c.cfg.StartupTimeout,
			Timeout:        c.cfg.ActionTimeout,
			CloseGrace:     c.cfg.CloseGrace,
			Logger:         c.logger,
		})
		if err != nil {
			return err
		}
		server = ps
	}

	c.sessionID = uuid.New().String()
	buildName := c.buildName()
	c.logger = c.logger.With().Str("session_id", c.sessionID).Logger()
	// The session outlives the context that created it.
	c.sessionCtx = telemetry.WithSessionContext(
		c.tel.WithContext(context.WithoutCancel(ctx)), c.sessionID, buildName)

	argv := c.LaunchCommand(c.cfg.Width, c.cfg.Height, c.headless())
	c.logger.Info().
		Str("build", buildName).
		Strs("argv", argv).
		Msg("Starting engine")

	if err := server.Start(ctx, argv); err != nil {
		c.tel.Metrics.RecordError("start")
		telemetry.EndSessionContext(c.sessionCtx, c.sessionID, 0, err)
		c.sessionCtx = nil
		return fmt.Errorf("failed to start engine: %w", err)
	}

	c.mu.Lock()
	c.server = server
	c.mu.Unlock()

	c.recordSession(ctx, argv[0], buildName)

	if c.cfg.Scene != "" {
		_, err := c.Reset(ctx, c.cfg.Scene)
		return err
	}
	_, err := c.initialize(ctx)
	return err
}

// headless reports whether the engine runs without a window.
func (c *Controller) headless() bool {
	if c.cfg.Headless {
		return true
	}
	return c.resolved != nil && c.resolved.Platform.Name == platform.NameCloudRendering
}

// launchEnv points the engine at the configured X display.
func (c *Controller) launchEnv() []string {
	display := c.cfg.XDisplay
	if display == "" {
		return nil
	}
	if !strings.Contains(display, ":") {
		display = ":" + display
	}
	return []string{"DISPLAY=" + display}
}

func (c *Controller) buildName() string {
	if c.resolved == nil {
		return "local-executable"
	}
	return c.resolved.Name()
}

func (c *Controller) recordSession(ctx context.Context, executable, buildName string) {
	if c.opts.index == nil {
		return
	}
	session := &stores.Session{
		ID:         c.sessionID,
		Build:      buildName,
		Executable: executable,
		Status:     stores.SessionStatusRunning,
		StartedAt:  time.Now(),
	}
	if c.resolved != nil {
		session.Platform = c.resolved.Platform.Name
		session.CommitID = c.resolved.CommitID
		if err := c.opts.index.TouchBuild(ctx, buildName); err != nil && !errors.Is(err, stores.ErrNotFound) {
			c.logger.Warn().Err(err).Msg("Failed to touch build")
		}
	}
	if err := c.opts.index.CreateSession(ctx, session); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record session")
	}
}

// Step sends action and waits for the engine's event. Initialize actions
// without a visibilityDistance receive THOR_VISIBILITY_DISTANCE when it is
// set. With raiseForFailure, an event reporting failure is returned along
// with an *ActionFailedError; otherwise the caller inspects the event.
func (c *Controller) Step(ctx context.Context, action protocol.Action, raiseForFailure bool) (*protocol.Event, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	server, closed := c.server, c.closed
	c.mu.Unlock()
	if server == nil || closed {
		return nil, ErrNotRunning
	}

	sent := action.Clone()
	if err := applyDefaults(sent, c.opts.getenv); err != nil {
		return nil, err
	}
	name := sent.Name()

	ctx, span := c.tel.Tracer.StartStepSpan(ctx, c.sessionID, name)
	defer span.End()
	timer := telemetry.NewTimer()

	ev, err := roundTrip(ctx, server, sent)
	duration := timer.Duration()
	if err != nil {
		telemetry.RecordError(span, err)
		c.tel.Metrics.RecordStep(name, "error", duration)
		c.tel.Metrics.RecordError(errorKind(err))
		c.logger.Error().Err(err).Str("action", name).Msg("Step failed")
		return nil, err
	}

	c.mu.Lock()
	c.lastAction = sent
	c.lastEvent = ev
	c.steps++
	seq := c.steps
	c.mu.Unlock()

	status := "success"
	if !ev.Success() {
		status = "failure"
		c.tel.Metrics.RecordActionFailure(name, ev.ErrorCode())
		_ = c.tel.Events.PublishActionFailed(c.sessionID, name, ev.ErrorCode(), ev.ErrorMessage())
		c.logger.Debug().
			Str("action", name).
			Str("error_code", ev.ErrorCode()).
			Str("error_message", ev.ErrorMessage()).
			Msg("Action failed")
	}
	span.SetAttributes(
		telemetry.AttrSuccess.Bool(ev.Success()),
		telemetry.AttrErrorCode.String(ev.ErrorCode()),
	)
	c.tel.Metrics.RecordStep(name, status, duration)
	c.recordStep(ctx, seq, sent, ev, duration)

	if raiseForFailure && !ev.Success() {
		failure := &ActionFailedError{
			Action:  name,
			Code:    ev.ErrorCode(),
			Message: ev.ErrorMessage(),
		}
		telemetry.RecordError(span, failure)
		return ev, failure
	}
	telemetry.RecordSuccess(span)
	return ev, nil
}

func roundTrip(ctx context.Context, server Server, action protocol.Action) (*protocol.Event, error) {
	if err := server.Send(ctx, action); err != nil {
		return nil, err
	}
	return server.Receive(ctx)
}

func errorKind(err error) string {
	var (
		timeout  *channel.TimeoutError
		protoErr *channel.ProtocolError
	)
	switch {
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.Is(err, channel.ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "step"
	}
}

func (c *Controller) recordStep(ctx context.Context, seq int, sent protocol.Action, ev *protocol.Event, duration time.Duration) {
	if c.opts.index == nil {
		return
	}
	payload, err := json.Marshal(sent)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"action":%q}`, sent.Name()))
	}
	step := &stores.Step{
		SessionID:  c.sessionID,
		Seq:        seq,
		Action:     sent.Name(),
		Payload:    string(payload),
		Success:    ev.Success(),
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now(),
	}
	if code := ev.ErrorCode(); code != "" {
		step.ErrorCode = &code
	}
	if msg := ev.ErrorMessage(); msg != "" {
		step.ErrorMessage = &msg
	}
	if err := c.opts.index.AppendStep(ctx, step); err != nil {
		c.logger.Warn().Err(err).Int("seq", seq).Msg("Failed to record step")
	}
}

// Reset loads scene and re-sends Initialize with the configured
// initialization parameters.
func (c *Controller) Reset(ctx context.Context, scene string) (*protocol.Event, error) {
	if !ValidScene(scene) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScene, scene)
	}
	reset := protocol.NewAction(protocol.ActionReset, map[string]any{protocol.FieldSceneName: scene})
	if _, err := c.Step(ctx, reset, true); err != nil {
		return nil, fmt.Errorf("failed to reset to %s: %w", scene, err)
	}
	return c.initialize(ctx)
}

func (c *Controller) initialize(ctx context.Context) (*protocol.Event, error) {
	ev, err := c.Step(ctx, protocol.NewAction(protocol.ActionInitialize, c.cfg.Initialize), true)
	if err != nil {
		return ev, fmt.Errorf("failed to initialize engine: %w", err)
	}
	return ev, nil
}

// LastEvent returns the most recent event, or nil before the first step.
func (c *Controller) LastEvent() *protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEvent
}

// LastAction returns a copy of the most recent action as it was sent,
// including injected defaults.
func (c *Controller) LastAction() protocol.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastAction == nil {
		return nil
	}
	return c.lastAction.Clone()
}

// Build returns the resolved build, or nil when a local executable path
// was configured.
func (c *Controller) Build() *build.Resolved {
	return c.resolved
}

// SessionID identifies the running engine session.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// Registry returns the platform registry used for resolution.
func (c *Controller) Registry() *platform.Registry {
	return c.registry
}

// ExecutablePath returns the binary the controller launches.
func (c *Controller) ExecutablePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localExecutablePath != "" {
		return c.localExecutablePath
	}
	if c.resolved != nil {
		return c.resolved.ExecutablePath
	}
	return ""
}

// SetLocalExecutablePath overrides the executable for later launches.
func (c *Controller) SetLocalExecutablePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localExecutablePath = path
}

// LaunchCommand returns the argv used to start the engine.
func (c *Controller) LaunchCommand(width, height int, headless bool) []string {
	return channel.LaunchCommand(c.ExecutablePath(), width, height, headless, channel.Screen{
		Fullscreen: c.cfg.Fullscreen,
		Quality:    c.cfg.Quality,
	})
}

// Close stops the engine and records the end of the session. Close is
// idempotent.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	server := c.server
	steps := c.steps
	c.mu.Unlock()

	var errs []error
	if server != nil {
		err := server.Close(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to stop engine: %w", err))
		}
		telemetry.EndSessionContext(c.sessionCtx, c.sessionID, steps, err)

		if c.opts.index != nil {
			status := stores.SessionStatusClosed
			var msg *string
			if err != nil {
				status = stores.SessionStatusFailed
				s := err.Error()
				msg = &s
			}
			if err := c.opts.index.CloseSession(ctx, c.sessionID, status, msg); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to record session close")
			}
		}
		c.logger.Info().Int("steps", steps).Msg("Engine stopped")
	}

	if err := c.closeStore(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Controller) closeStore() error {
	if !c.ownsStore {
		return nil
	}
	c.ownsStore = false
	if closer, ok := c.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
