package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sindri-dev/sindri/pkg/lifecycle"
)

func newInstallCommand() *cobra.Command {
	var (
		versionSpec string
		prerelease  bool
	)

	cmd := &cobra.Command{
		Use:   "install <extension>...",
		Short: "Install extensions and their dependencies",
		Long: `Install one or more extensions.

Dependencies are resolved through the registry and installed first, in
topological order. Already-installed dependencies are skipped. The
version spec applies to the named extensions only; dependencies resolve
to their highest compatible version.`,
		Example: `  # Install the latest compatible version
  sindri install python

  # Install a pinned version
  sindri install python --version 1.2.0

  # Install within a constraint, allowing pre-releases
  sindri install python --version "^1.0.0" --prerelease`,
		Args: minimumArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), lifecycle.Options{AllowPrerelease: prerelease})
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.orch.Install(cmd.Context(), args, versionSpec); err != nil {
				return err
			}
			for _, name := range args {
				fmt.Printf("installed %s\n", name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&versionSpec, "version", "", "exact version or semver constraint")
	cmd.Flags().BoolVar(&prerelease, "prerelease", false, "allow pre-release versions")

	return cmd
}
