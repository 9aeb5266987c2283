package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sindri-dev/sindri/pkg/lifecycle"
)

func newUpgradeCommand() *cobra.Command {
	var (
		versionSpec string
		prerelease  bool
	)

	cmd := &cobra.Command{
		Use:   "upgrade <extension>",
		Short: "Upgrade an installed extension",
		Long: `Upgrade an installed extension to the target version, or to the
highest compatible version when no target is given.

The upgrade strategy comes from the extension definition: in-place
upgrades hand old and new versions to the backend, everything else is
remove-then-install. The prior payload stays on disk so rollback has a
target.`,
		Example: `  # Upgrade to the highest compatible version
  sindri upgrade python

  # Upgrade to an exact version
  sindri upgrade python --version 1.1.0`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), lifecycle.Options{AllowPrerelease: prerelease})
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.orch.Upgrade(cmd.Context(), args[0], versionSpec); err != nil {
				return err
			}
			fmt.Printf("upgraded %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&versionSpec, "version", "", "exact target version or semver constraint")
	cmd.Flags().BoolVar(&prerelease, "prerelease", false, "allow pre-release versions")

	return cmd
}
