package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sindri-dev/sindri/pkg/ledger"
	"github.com/sindri-dev/sindri/pkg/lifecycle"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [extension]",
		Short: "Show the derived state of extensions",
		Long: `Show the current state of every known extension, derived from the
event ledger. Queries go through the SQLite event index when available
(rebuilt from the ledger if it has fallen behind); the ledger itself is
always the source of truth.`,
		Example: `  # All extensions
  sindri status

  # One extension
  sindri status python`,
		Args: maximumArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), lifecycle.Options{})
			if err != nil {
				return err
			}
			defer app.Close()

			statuses, err := loadStatuses(cmd, app)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				st, ok := statuses[args[0]]
				if !ok {
					st = ledger.Status{ExtensionName: args[0], CurrentState: ledger.StateNotPresent}
				}
				return printStatuses([]ledger.Status{st})
			}

			names := make([]string, 0, len(statuses))
			for name := range statuses {
				names = append(names, name)
			}
			sort.Strings(names)

			out := make([]ledger.Status, 0, len(names))
			for _, name := range names {
				out = append(out, statuses[name])
			}
			return printStatuses(out)
		},
	}

	return cmd
}

// loadStatuses prefers the SQLite projection, falling back to a ledger
// scan when the index is unavailable. Installed extensions whose
// declared checks no longer pass are reported as failed, without
// touching the ledger.
func loadStatuses(cmd *cobra.Command, app *app) (map[string]ledger.Status, error) {
	var statuses map[string]ledger.Status
	var err error
	if syncErr := app.syncIndex(cmd.Context()); syncErr != nil {
		app.logger.WithError(syncErr).Debug("falling back to ledger scan")
		statuses, err = app.orch.Ledger().LatestStatus()
	} else {
		statuses, err = app.index.LatestStates(cmd.Context())
	}
	if err != nil {
		return nil, err
	}
	return app.orch.Recheck(cmd.Context(), statuses), nil
}

func printStatuses(statuses []ledger.Status) error {
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(statuses)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXTENSION\tSTATE\tVERSION\tLAST EVENT")
	for _, st := range statuses {
		last := ""
		if !st.LastEventTime.IsZero() {
			last = st.LastEventTime.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.ExtensionName, st.CurrentState, st.Version, last)
	}
	return w.Flush()
}
