package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/thorctl/thorctl/pkg/stores"
)

func newBuildsCommand() *cobra.Command {
	var (
		commit string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "builds",
		Short: "List downloaded builds from the local index",
		Example: `  # List all builds
  thorctl builds

  # Builds of one commit
  thorctl builds --commit abc123 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			if cfg.StorePath == "" {
				return fmt.Errorf("no build index configured (store_path is empty)")
			}
			index, err := openIndex(ctx, cfg.StorePath)
			if err != nil {
				return err
			}
			defer index.Close()

			var filter *string
			if commit != "" {
				filter = &commit
			}
			builds, err := index.ListBuilds(ctx, filter, limit, 0)
			if err != nil {
				return err
			}

			return render(cmd, builds, func(w io.Writer) {
				fmt.Fprintln(w, "BUILD\tSIZE\tDOWNLOADED\tLAST USED\tSOURCE")
				for _, b := range builds {
					used := "never"
					if b.LastUsedAt != nil {
						used = b.LastUsedAt.Local().Format(time.DateTime)
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
						b.Name, b.SizeBytes, b.DownloadedAt.Local().Format(time.DateTime), used, b.Source)
				}
			})
		},
	}

	cmd.Flags().StringVar(&commit, "commit", "", "filter by commit")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of builds")

	cmd.AddCommand(newBuildsRemoveCommand())
	return cmd
}

func newBuildsRemoveCommand() *cobra.Command {
	var keepFiles bool

	cmd := &cobra.Command{
		Use:     "rm BUILD...",
		Aliases: []string{"remove"},
		Short:   "Forget builds and delete their unpacked directories",
		Example: `  thorctl builds rm thor-Linux64-abc123`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			if cfg.StorePath == "" {
				return fmt.Errorf("no build index configured (store_path is empty)")
			}
			index, err := openIndex(ctx, cfg.StorePath)
			if err != nil {
				return err
			}
			defer index.Close()

			var errs []error
			for _, name := range args {
				b, err := index.GetBuild(ctx, name)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if !keepFiles {
					if err := removeBuildDir(cfg.ReleasesDir, b.Path); err != nil {
						errs = append(errs, fmt.Errorf("build %s: %w", name, err))
						continue
					}
				}
				if err := index.DeleteBuild(ctx, name); err != nil {
					errs = append(errs, fmt.Errorf("build %s: %w", name, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", name)
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().BoolVar(&keepFiles, "keep-files", false, "only drop the index entry")
	return cmd
}

// removeBuildDir deletes dir, which must lie inside the releases directory.
func removeBuildDir(releasesDir, dir string) error {
	rel, err := filepath.Rel(releasesDir, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to delete %s: outside %s", dir, releasesDir)
	}
	return os.RemoveAll(dir)
}

func newSessionsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions [session-id]",
		Short: "List recorded sessions, or the steps of one session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}
			if cfg.StorePath == "" {
				return fmt.Errorf("no build index configured (store_path is empty)")
			}
			index, err := openIndex(ctx, cfg.StorePath)
			if err != nil {
				return err
			}
			defer index.Close()

			if len(args) == 1 {
				return renderSteps(cmd, index, args[0], limit)
			}

			sessions, err := index.ListSessions(ctx, limit, 0)
			if err != nil {
				return err
			}
			return render(cmd, sessions, func(w io.Writer) {
				fmt.Fprintln(w, "SESSION\tBUILD\tSTATUS\tSTARTED\tERROR")
				for _, s := range sessions {
					errMsg := ""
					if s.Error != nil {
						errMsg = *s.Error
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						s.ID, s.Build, s.Status, s.StartedAt.Local().Format(time.DateTime), errMsg)
				}
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of rows")
	return cmd
}

func renderSteps(cmd *cobra.Command, index *stores.SQLiteStore, id string, limit int) error {
	ctx := cmd.Context()
	if _, err := index.GetSession(ctx, id); err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	steps, err := index.ListSteps(ctx, id, limit, 0)
	if err != nil {
		return err
	}
	return render(cmd, steps, func(w io.Writer) {
		fmt.Fprintln(w, "SEQ\tACTION\tSUCCESS\tDURATION\tERROR")
		for _, s := range steps {
			errMsg := ""
			if s.ErrorMessage != nil {
				errMsg = *s.ErrorMessage
			}
			fmt.Fprintf(w, "%d\t%s\t%t\t%dms\t%s\n", s.Seq, s.Action, s.Success, s.DurationMS, errMsg)
		}
	})
}
