package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sindri-dev/sindri/pkg/lifecycle"
)

func newRollbackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <extension>",
		Short: "Reinstall the previous version of an extension",
		Long: `Roll an extension back to the newest distinct prior version found in
the ledger history.

The prior version's payload must still be on disk; rollback never
fetches from the network. When the payload is gone the command fails
with the target version named, so it can be installed explicitly.`,
		Example: `  sindri rollback python`,
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), lifecycle.Options{})
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.orch.Rollback(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("rolled back %s\n", args[0])
			return nil
		},
	}

	return cmd
}
