package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/thorctl/thorctl/pkg/platform"
)

type platformReport struct {
	Name        string   `json:"name"`
	Systems     []string `json:"systems"`
	Enabled     bool     `json:"enabled"`
	Candidate   bool     `json:"candidate"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

func newPlatformsCommand() *cobra.Command {
	var flags buildFlags

	cmd := &cobra.Command{
		Use:   "platforms",
		Short: "Show known platforms and whether this host can run them",
		Long: `List the platform catalog in priority order.

Each platform is checked against this host: a platform is a candidate when
it is enabled, selected by the config, and supports the host system. Any
validator diagnostics (missing X display, missing Vulkan) are shown.`,
		Example: `  # Check the host
  thorctl platforms

  # Check a specific display
  thorctl platforms --config thor.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(&flags)
			if err != nil {
				return err
			}

			reg := platform.DefaultRegistry(nil, zerolog.Nop())
			if err := cfg.ApplyPlatforms(reg); err != nil {
				return err
			}

			req := platform.NewRequest(cfg.Width, cfg.Height, cfg.XDisplay)
			req.Headless = cfg.Headless
			selected := map[string]bool{}
			for _, p := range reg.SelectPlatforms(req) {
				selected[p.Name] = true
			}

			reports := make([]platformReport, 0, len(reg.All()))
			for _, p := range reg.All() {
				reports = append(reports, platformReport{
					Name:        p.Name,
					Systems:     p.Systems,
					Enabled:     p.Enabled(),
					Candidate:   p.Enabled() && selected[p.Name],
					Diagnostics: p.Validate(req),
				})
			}

			return render(cmd, reports, func(w io.Writer) {
				fmt.Fprintf(w, "host: %s/%s\n\n", req.System, req.Arch)
				fmt.Fprintln(w, "PLATFORM\tSYSTEMS\tENABLED\tCANDIDATE\tDIAGNOSTICS")
				for _, r := range reports {
					diag := "ok"
					if len(r.Diagnostics) > 0 {
						diag = strings.Join(r.Diagnostics, "; ")
					}
					fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n",
						r.Name, strings.Join(r.Systems, ","), r.Enabled, r.Candidate, diag)
				}
			})
		},
	}

	flags.bind(cmd)
	return cmd
}
