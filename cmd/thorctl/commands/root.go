package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Persistent flags shared by every subcommand.
var (
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute builds the command tree and runs it under ctx.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

const (
	groupBuilds  = "builds"
	groupEngine  = "engine"
	groupHistory = "history"
)

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	root := &cobra.Command{
		Use:   "thorctl",
		Short: "Resolve, fetch and drive prebuilt engine builds",
		Long: `thorctl picks an engine build for this host, unpacks it into the local
release cache and talks to it over the action/event protocol.

Settings come from --config (yaml, json or cue), then THOR_* environment
variables, then flags.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "config file (yaml, json or cue)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	pf.BoolVar(&jsonOutput, "json", false, "print results as JSON")

	root.AddGroup(
		&cobra.Group{ID: groupBuilds, Title: "Build selection:"},
		&cobra.Group{ID: groupEngine, Title: "Engine sessions:"},
		&cobra.Group{ID: groupHistory, Title: "History:"},
	)

	add := func(group string, cmds ...*cobra.Command) {
		for _, c := range cmds {
			c.GroupID = group
			root.AddCommand(c)
		}
	}
	add(groupBuilds, newValidateCommand(), newPlatformsCommand(), newResolveCommand(), newDownloadCommand())
	add(groupEngine, newRunCommand(), newScenesCommand())
	add(groupHistory, newBuildsCommand(), newSessionsCommand())

	return root
}
