package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the config file and THOR_* environment overrides and check them.

YAML and JSON files are checked field by field; CUE files are also
unified with the built-in schema.`,
		Example: `  # Validate a config file
  thorctl validate --config thor.cue

  # Print the effective config
  thorctl validate --config thor.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Debug().Str("config", configPath).Msg("Validating config")

			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			indexStatus := indexHealth(cmd.Context(), cfg.StorePath)

			return render(cmd, cfg, func(w io.Writer) {
				commits, explicit := cfg.CommitCandidates()
				fmt.Fprintln(w, "config is valid")
				fmt.Fprintf(w, "screen:\t%dx%d %s\n", cfg.Width, cfg.Height, cfg.Quality)
				fmt.Fprintf(w, "commits:\t%v (explicit=%t)\n", commits, explicit)
				fmt.Fprintf(w, "platforms:\t%v\n", cfg.PlatformOrder())
				fmt.Fprintf(w, "releases:\t%s\n", cfg.ReleasesDir)
				if cfg.ReleasesURL != "" {
					fmt.Fprintf(w, "source:\t%s\n", cfg.ReleasesURL)
				}
				fmt.Fprintf(w, "scene:\t%s\n", cfg.Scene)
				fmt.Fprintf(w, "index:\t%s\n", indexStatus)
			})
		},
	}

	return cmd
}

// indexHealth opens the build index and pings it. A broken index does not
// fail validation; sessions run without one.
func indexHealth(ctx context.Context, path string) string {
	if path == "" {
		return "disabled"
	}
	index, err := openIndex(ctx, path)
	if err == nil {
		err = index.HealthCheck(ctx)
		_ = index.Close()
	}
	if err != nil {
		return "unavailable: " + err.Error()
	}
	return "ok (" + path + ")"
}
