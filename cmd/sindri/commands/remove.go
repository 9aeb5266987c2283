package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sindri-dev/sindri/pkg/lifecycle"
)

func newRemoveCommand() *cobra.Command {
	var (
		force   bool
		cascade bool
	)

	cmd := &cobra.Command{
		Use:   "remove <extension>",
		Short: "Uninstall an extension",
		Long: `Remove an installed extension: run the backend removal, delete the
payload directory and append the removal events.

Protected extensions refuse removal without --force. Extensions that
other installed extensions depend on refuse removal without --cascade,
which removes the dependents first. Apt packages that another installed
extension declares as kept are never purged.`,
		Example: `  # Remove an extension
  sindri remove python

  # Remove a protected extension
  sindri remove mise-config --force

  # Remove an extension and everything depending on it
  sindri remove sdkman --cascade`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), lifecycle.Options{
				ForceProtected: force,
				Cascade:        cascade,
			})
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.orch.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "remove even if the extension is protected")
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also remove installed dependents")

	return cmd
}
