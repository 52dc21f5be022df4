package controller

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/thorctl/thorctl/pkg/artifact"
	"github.com/thorctl/thorctl/pkg/build"
	"github.com/thorctl/thorctl/pkg/channel"
	"github.com/thorctl/thorctl/pkg/platform"
	"github.com/thorctl/thorctl/pkg/protocol"
	"github.com/thorctl/thorctl/pkg/stores"
	"github.com/thorctl/thorctl/pkg/telemetry"
)

// Server is the request/response channel to one engine process.
// channel.ProcessServer implements it.
type Server interface {
	Start(ctx context.Context, argv []string) error
	Send(ctx context.Context, action protocol.Action) error
	Receive(ctx context.Context) (*protocol.Event, error)
	Close(ctx context.Context) error
}

// Index persists builds, sessions and steps. stores.SQLiteStore implements it.
type Index interface {
	artifact.Index
	TouchBuild(ctx context.Context, name string) error
	CreateSession(ctx context.Context, session *stores.Session) error
	CloseSession(ctx context.Context, id string, status stores.SessionStatus, errMsg *string) error
	AppendStep(ctx context.Context, step *stores.Step) error
}

type options struct {
	registry  *platform.Registry
	probe     platform.HostProbe
	store     build.Store
	source    artifact.Source
	launcher  channel.Launcher
	server    Server
	index     Index
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	getenv    func(string) string
}

// Option configures a Controller.
type Option func(*options)

// WithRegistry uses reg instead of the built-in platform catalog.
func WithRegistry(reg *platform.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithProbe sets the host probe used by the built-in catalog.
func WithProbe(probe platform.HostProbe) Option {
	return func(o *options) { o.probe = probe }
}

// WithBuildStore replaces the artifact store that builds are looked up in
// and downloaded to.
func WithBuildStore(store build.Store) Option {
	return func(o *options) { o.store = store }
}

// WithSource sets the archive source of the default artifact store,
// overriding the configured releases URL.
func WithSource(source artifact.Source) Option {
	return func(o *options) { o.source = source }
}

// WithLauncher starts engine processes with l.
func WithLauncher(l channel.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithServer attaches an existing channel instead of creating one.
func WithServer(s Server) Option {
	return func(o *options) { o.server = s }
}

// WithIndex records builds, sessions and steps in idx.
func WithIndex(idx Index) Option {
	return func(o *options) { o.index = idx }
}

// WithTelemetry records metrics, spans and events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = tel }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithGetenv replaces os.Getenv for default overrides.
func WithGetenv(getenv func(string) string) Option {
	return func(o *options) { o.getenv = getenv }
}
