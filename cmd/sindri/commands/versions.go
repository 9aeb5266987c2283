package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sindri-dev/sindri/pkg/lifecycle"
	"github.com/sindri-dev/sindri/pkg/version"
)

func newVersionsCommand() *cobra.Command {
	var (
		limit      int
		prerelease bool
	)

	cmd := &cobra.Command{
		Use:   "versions <extension>",
		Short: "List published versions of an extension",
		Long: `List the release versions published for an extension, newest first.
Pre-releases are hidden unless --prerelease is given.`,
		Example: `  sindri versions python
  sindri versions python --prerelease --limit 0`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), lifecycle.Options{})
			if err != nil {
				return err
			}
			defer app.Close()
			name := args[0]

			reg, err := app.orch.Registry(cmd.Context())
			if err != nil {
				return err
			}
			entry, err := reg.GetEntry(name)
			if err != nil {
				return err
			}

			tags, err := version.NewGitHubSource().ListTags(cmd.Context(), entry.Repository)
			if err != nil {
				return err
			}

			candidates := parseVersions(tags, name, prerelease)
			if limit > 0 && len(candidates) > limit {
				candidates = candidates[:limit]
			}

			if jsonOutput {
				out := make([]string, 0, len(candidates))
				for _, c := range candidates {
					out = append(out, c.Version.String())
				}
				return json.NewEncoder(os.Stdout).Encode(out)
			}
			for _, c := range candidates {
				fmt.Printf("%s\t(%s)\n", c.Version, c.Tag)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max versions to show (0 = all)")
	cmd.Flags().BoolVar(&prerelease, "prerelease", false, "include pre-release versions")

	return cmd
}

// parseVersions keeps semver-parseable tags, newest first.
func parseVersions(tags []string, name string, prerelease bool) []version.Candidate {
	var out []version.Candidate
	for _, tag := range tags {
		v, ok := version.ParseTag(name, tag)
		if !ok {
			continue
		}
		if v.Prerelease() != "" && !prerelease {
			continue
		}
		out = append(out, version.Candidate{Tag: tag, Version: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Version.GreaterThan(out[j].Version)
	})
	return out
}
