package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thorctl/thorctl/pkg/config"
	"github.com/thorctl/thorctl/pkg/controller"
	"github.com/thorctl/thorctl/pkg/protocol"
	"github.com/thorctl/thorctl/pkg/script"
)

type stepReport struct {
	Action   string         `json:"action"`
	Success  bool           `json:"success"`
	Metadata map[string]any `json:"metadata"`
}

func newRunCommand() *cobra.Command {
	var (
		flags      buildFlags
		scene      string
		scriptPath string
		actions    []string
		inputs     map[string]string
		raise      bool
		watch      bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and send actions or run a script",
		Long: `Resolve, download and launch the engine, then drive it.

Actions are JSON objects with an "action" field and are sent in order.
A Starlark script gets step(), last_event(), distance(), key_for_point()
and scene_names() as builtins; its top-level variables are printed.`,
		Example: `  # Send two actions
  thorctl run --action '{"action":"MoveAhead"}' --action '{"action":"RotateRight"}'

  # Run a script against a pinned build
  thorctl run --commit abc123 --script walk.star --input steps=4

  # Use a stub engine and fail on the first failed action
  thorctl run --local-exe ./thor-stub --raise --action '{"action":"MoveAhead"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if scriptPath == "" && len(actions) == 0 {
				return fmt.Errorf("nothing to run: pass --script or --action")
			}

			parsed := make([]protocol.Action, 0, len(actions))
			for _, raw := range actions {
				a, err := protocol.ParseAction(json.RawMessage(raw))
				if err != nil {
					return fmt.Errorf("invalid --action %s: %w", raw, err)
				}
				parsed = append(parsed, a)
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, &flags)
			if err != nil {
				return err
			}
			defer s.close(ctx)
			if scene != "" {
				s.cfg.Scene = scene
			}

			if err := s.tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			c, err := controller.New(ctx, s.cfg, s.options()...)
			if err != nil {
				explainSelection(err)
				return err
			}
			defer c.Close(ctx)

			log.Info().
				Str("session", c.SessionID()).
				Str("executable", c.ExecutablePath()).
				Msg("Engine started")

			// Platform toggles apply to later resolutions by this registry.
			if watch && configPath != "" {
				w, err := config.NewWatcher(configPath, s.logger)
				if err != nil {
					return err
				}
				if err := w.Watch(ctx, config.PlatformReloader(c.Registry())); err != nil {
					return err
				}
				defer w.Stop()
			}

			if scriptPath != "" {
				return runScript(cmd, c, scriptPath, inputs, timeout)
			}

			reports := make([]stepReport, 0, len(parsed))
			var stepErr error
			for _, a := range parsed {
				ev, err := c.Step(ctx, a, raise)
				if ev != nil {
					reports = append(reports, stepReport{Action: a.Name(), Success: ev.Success(), Metadata: ev.Metadata})
				}
				if err != nil {
					stepErr = err
					break
				}
			}

			if err := render(cmd, reports, func(w io.Writer) {
				fmt.Fprintln(w, "ACTION\tSUCCESS\tERROR")
				for _, r := range reports {
					msg, _ := r.Metadata[protocol.KeyErrorMessage].(string)
					fmt.Fprintf(w, "%s\t%t\t%s\n", r.Action, r.Success, msg)
				}
			}); err != nil {
				return err
			}
			return stepErr
		},
	}

	flags.bind(cmd)
	cmd.Flags().StringVar(&scene, "scene", "", "scene for the initial reset, e.g. FloorPlan28")
	cmd.Flags().StringVarP(&scriptPath, "script", "s", "", "Starlark script to run")
	cmd.Flags().StringArrayVarP(&actions, "action", "a", nil, "action JSON (repeatable)")
	cmd.Flags().StringToStringVarP(&inputs, "input", "i", nil, "script globals (key=value)")
	cmd.Flags().BoolVar(&raise, "raise", false, "stop at the first failed action")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload platform settings when the config file changes")
	cmd.Flags().DurationVar(&timeout, "timeout", script.DefaultTimeout, "script time limit")

	return cmd
}

func runScript(cmd *cobra.Command, c *controller.Controller, path string, inputs map[string]string, timeout time.Duration) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	input := make(map[string]any, len(inputs))
	for k, v := range inputs {
		input[k] = v
	}

	runner := script.NewRunner(c, timeout, log.Logger)
	result, err := runner.Run(cmd.Context(), path, string(src), input)
	if err != nil {
		return err
	}

	return render(cmd, result, func(w io.Writer) {
		fmt.Fprintf(w, "steps:\t%d\n", result.Steps)
		fmt.Fprintf(w, "time:\t%s\n", result.ExecutionTime.Round(time.Millisecond))
		names := make([]string, 0, len(result.Output))
		for name := range result.Output {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "%s:\t%v\n", name, result.Output[name])
		}
	})
}
