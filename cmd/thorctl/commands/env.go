package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/thorctl/thorctl/pkg/config"
	"github.com/thorctl/thorctl/pkg/controller"
	"github.com/thorctl/thorctl/pkg/stores"
	"github.com/thorctl/thorctl/pkg/telemetry"
)

// buildFlags override the build-selection part of the config file.
type buildFlags struct {
	commit      string
	commits     []string
	platforms   []string
	width       int
	height      int
	quality     string
	force       bool
	headless    bool
	cloud       bool
	localBuild  bool
	localExe    string
	releasesDir string
	releasesURL string
}

func (f *buildFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.commit, "commit", "", "pin a build commit")
	cmd.Flags().StringSliceVar(&f.commits, "commits", nil, "candidate commits, newest first")
	cmd.Flags().StringSliceVar(&f.platforms, "platform", nil, "candidate platforms in priority order")
	cmd.Flags().IntVar(&f.width, "width", 0, "screen width")
	cmd.Flags().IntVar(&f.height, "height", 0, "screen height")
	cmd.Flags().StringVar(&f.quality, "quality", "", "quality level, e.g. Ultra")
	cmd.Flags().BoolVar(&f.force, "force", false, "skip platform validation")
	cmd.Flags().BoolVar(&f.headless, "headless", false, "run without a display")
	cmd.Flags().BoolVar(&f.cloud, "cloud-rendering", false, "use the CloudRendering platform")
	cmd.Flags().BoolVar(&f.localBuild, "local-build", false, "use the build produced on this machine")
	cmd.Flags().StringVar(&f.localExe, "local-exe", "", "run this engine binary and skip resolution")
	cmd.Flags().StringVar(&f.releasesDir, "releases-dir", "", "where builds are unpacked")
	cmd.Flags().StringVar(&f.releasesURL, "releases-url", "", "archive source (http, s3, sftp or directory)")
}

func (f *buildFlags) apply(cfg *config.Config) {
	if f.commit != "" {
		cfg.CommitID = f.commit
	}
	if len(f.commits) > 0 {
		cfg.Commits = f.commits
	}
	if len(f.platforms) > 0 {
		cfg.Platforms = f.platforms
	}
	if f.width > 0 {
		cfg.Width = f.width
	}
	if f.height > 0 {
		cfg.Height = f.height
	}
	if f.quality != "" {
		cfg.Quality = f.quality
	}
	if f.localExe != "" {
		cfg.LocalExecutablePath = f.localExe
	}
	if f.releasesDir != "" {
		cfg.ReleasesDir = f.releasesDir
	}
	if f.releasesURL != "" {
		cfg.ReleasesURL = f.releasesURL
	}
	cfg.Force = cfg.Force || f.force
	cfg.Headless = cfg.Headless || f.headless || f.cloud
	cfg.CloudRendering = cfg.CloudRendering || f.cloud
	cfg.LocalBuild = cfg.LocalBuild || f.localBuild
}

// loadConfig reads --config and applies flag overrides.
func loadConfig(flags *buildFlags) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if flags != nil {
		flags.apply(cfg)
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.DefaultConfig()
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session holds what every engine-facing command needs.
type session struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	index  *stores.SQLiteStore
	logger zerolog.Logger
}

func openSession(ctx context.Context, flags *buildFlags) (*session, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	s := &session{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	tel.Events.Subscribe(s.logEvent, nil)

	if cfg.StorePath != "" {
		index, err := openIndex(ctx, cfg.StorePath)
		if err != nil {
			// The index is bookkeeping; sessions run without it.
			s.logger.Warn().Err(err).Str("path", cfg.StorePath).Msg("Build index unavailable")
		} else {
			s.index = index
		}
	}
	return s, nil
}

func openIndex(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	index, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := index.Init(ctx); err != nil {
		return nil, err
	}
	if err := index.Migrate(ctx); err != nil {
		_ = index.Close()
		return nil, err
	}
	return index, nil
}

// logEvent mirrors lifecycle events into the log; warnings stay visible at
// the default level.
func (s *session) logEvent(e telemetry.Event) {
	ev := s.logger.Debug()
	if e.Level != telemetry.EventLevelInfo {
		ev = s.logger.Warn()
	}
	ev.Str("event", e.Type).
		Str("session_id", e.SessionID).
		Str("build", e.Build).
		Msg(e.Message)
}

func (s *session) options() []controller.Option {
	opts := []controller.Option{
		controller.WithTelemetry(s.tel),
		controller.WithLogger(s.logger),
	}
	if s.index != nil {
		opts = append(opts, controller.WithIndex(s.index))
	}
	return opts
}

func (s *session) close(ctx context.Context) {
	if err := s.tel.Shutdown(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Telemetry shutdown failed")
	}
	if s.index != nil {
		_ = s.index.Close()
	}
}

// render writes v as JSON with --json, otherwise calls text with a
// tabwriter.
func render(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}
