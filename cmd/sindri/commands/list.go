package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sindri-dev/sindri/pkg/ledger"
	"github.com/sindri-dev/sindri/pkg/lifecycle"
	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/registry"
)

func newListCommand() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List extensions available in the registry",
		Example: `  # Everything in the registry
  sindri list

  # One category
  sindri list --category language`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), lifecycle.Options{})
			if err != nil {
				return err
			}
			defer app.Close()

			reg, err := app.orch.Registry(cmd.Context())
			if err != nil {
				return err
			}
			return printEntries(app, reg.List(manifest.Category(category)))
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "filter by category (base, language, dev-tools, ai, infrastructure, utilities)")

	return cmd
}

func newSearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "search <query>",
		Short:   "Search the registry by name or description",
		Example: `  sindri search python`,
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), lifecycle.Options{})
			if err != nil {
				return err
			}
			defer app.Close()

			reg, err := app.orch.Registry(cmd.Context())
			if err != nil {
				return err
			}
			matches := reg.Search(args[0])
			if len(matches) == 0 {
				fmt.Printf("no extensions match %q\n", args[0])
				return nil
			}
			return printEntries(app, matches)
		},
	}

	return cmd
}

func printEntries(app *app, entries []registry.Named) error {
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(entries)
	}

	statuses, err := app.orch.Ledger().LatestStatus()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXTENSION\tCATEGORY\tSTATE\tDESCRIPTION")
	for _, e := range entries {
		state := ledger.StateNotPresent
		if st, ok := statuses[e.Name]; ok {
			state = st.CurrentState
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, e.Category, state, e.Description)
	}
	return w.Flush()
}
