package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/thorctl/thorctl/pkg/controller"
)

func newScenesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scenes",
		Short: "List the scene names a build ships with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := controller.SceneNames()
			return render(cmd, names, func(w io.Writer) {
				for _, name := range names {
					fmt.Fprintln(w, name)
				}
			})
		},
	}
}
