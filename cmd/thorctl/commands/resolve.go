package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thorctl/thorctl/pkg/build"
	"github.com/thorctl/thorctl/pkg/controller"
)

type buildReport struct {
	Name           string `json:"name"`
	Platform       string `json:"platform"`
	CommitID       string `json:"commit_id"`
	ExecutablePath string `json:"executable_path"`
	Forced         bool   `json:"forced"`
}

func reportFor(r *build.Resolved) buildReport {
	return buildReport{
		Name:           r.Name(),
		Platform:       r.Platform.Name,
		CommitID:       r.CommitID,
		ExecutablePath: r.ExecutablePath,
		Forced:         r.Forced,
	}
}

func renderBuild(cmd *cobra.Command, r buildReport) error {
	return render(cmd, r, func(w io.Writer) {
		fmt.Fprintf(w, "build:\t%s\n", r.Name)
		fmt.Fprintf(w, "platform:\t%s\n", r.Platform)
		fmt.Fprintf(w, "commit:\t%s\n", r.CommitID)
		fmt.Fprintf(w, "executable:\t%s\n", r.ExecutablePath)
		if r.Forced {
			fmt.Fprintln(w, "forced:\ttrue (platform validation skipped)")
		}
	})
}

// explainSelection logs the per-platform diagnostics of a failed
// selection before the error itself is returned.
func explainSelection(err error) {
	var invalid *build.AllBuildsInvalidError
	if errors.As(err, &invalid) {
		for _, f := range invalid.Failures {
			log.Warn().
				Str("platform", f.Platform).
				Str("commit", f.CommitID).
				Strs("diagnostics", f.Diagnostics).
				Msg("Build rejected")
		}
	}
}

func newResolveCommand() *cobra.Command {
	var flags buildFlags

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Select the build this host would run",
		Long: `Resolve the platform and commit for this host without downloading.

Candidate commits are tried in order against every candidate platform.
The first build that exists and whose platform validates is selected.`,
		Example: `  # Resolve a pinned commit
  thorctl resolve --commit f0825767cd50d69f666c7f282e54abfe58f1e917

  # Try several commits, skip validation
  thorctl resolve --commits abc123,def456 --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, &flags)
			if err != nil {
				return err
			}
			defer s.close(ctx)

			resolved, err := controller.Resolve(ctx, s.cfg, s.options()...)
			if err != nil {
				explainSelection(err)
				return err
			}
			return renderBuild(cmd, reportFor(resolved))
		},
	}

	flags.bind(cmd)
	return cmd
}

func newDownloadCommand() *cobra.Command {
	var flags buildFlags

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Resolve and download a build without starting it",
		Example: `  # Fetch the build for this host from a bucket
  thorctl download --commit abc123 --releases-url s3://thor-builds/releases`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, &flags)
			if err != nil {
				return err
			}
			defer s.close(ctx)

			s.cfg.DownloadOnly = true
			c, err := controller.New(ctx, s.cfg, s.options()...)
			if err != nil {
				explainSelection(err)
				return err
			}
			defer c.Close(ctx)

			if c.Build() == nil {
				return renderBuild(cmd, buildReport{Name: "local-executable", ExecutablePath: c.ExecutablePath()})
			}
			return renderBuild(cmd, reportFor(c.Build()))
		},
	}

	flags.bind(cmd)
	return cmd
}
