package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sindri-dev/sindri/pkg/lifecycle"
)

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [extension]...",
		Short: "Re-run validation for installed extensions",
		Long: `Re-run the declared validation checks (commands, version patterns,
mise tools) for the named extensions, or for every installed extension
when none are named. Each outcome is appended to the ledger.`,
		Example: `  # Verify everything installed
  sindri verify

  # Verify specific extensions
  sindri verify python nodejs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), lifecycle.Options{})
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.orch.Verify(cmd.Context(), args); err != nil {
				return err
			}
			fmt.Println("verification passed")
			return nil
		},
	}

	return cmd
}
