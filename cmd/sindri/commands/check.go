package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sindri-dev/sindri/pkg/lifecycle"
)

func newCheckCommand() *cobra.Command {
	var prerelease bool

	cmd := &cobra.Command{
		Use:   "check [extension]...",
		Short: "Check installed extensions for available updates",
		Long: `Resolve the highest compatible version of each installed extension
and report the ones with an update available. Detected updates append
an outdated_detected event; resolution failures for individual
extensions are logged and skipped.`,
		Example: `  # Check everything installed
  sindri check

  # Check specific extensions
  sindri check python nodejs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), lifecycle.Options{AllowPrerelease: prerelease})
			if err != nil {
				return err
			}
			defer app.Close()

			updates, err := app.orch.CheckUpdates(cmd.Context(), args)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(updates)
			}
			if len(updates) == 0 {
				fmt.Println("all extensions are up to date")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EXTENSION\tINSTALLED\tLATEST")
			for _, u := range updates {
				fmt.Fprintf(w, "%s\t%s\t%s\n", u.Name, u.CurrentVersion, u.LatestVersion)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&prerelease, "prerelease", false, "consider pre-release versions")

	return cmd
}
