package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sindri-dev/sindri/pkg/ledger"
	"github.com/sindri-dev/sindri/pkg/lifecycle"
	"github.com/sindri-dev/sindri/pkg/logsink"
)

func newLogCommand() *cobra.Command {
	var (
		limit     int
		eventType string
		detail    bool
	)

	cmd := &cobra.Command{
		Use:   "log [extension]",
		Short: "Show the extension event ledger",
		Long: `Show recent ledger events, newest first. With an extension name the
output is restricted to that extension; --detail additionally prints
the latest captured backend output for it.`,
		Example: `  # Last 25 events across all extensions
  sindri log

  # Full history of one extension
  sindri log python --limit 0

  # Only failures
  sindri log --type install_failed

  # Latest backend output of one extension
  sindri log python --detail`,
		Args: maximumArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context(), lifecycle.Options{})
			if err != nil {
				return err
			}
			defer app.Close()

			name := ""
			if len(args) == 1 {
				name = args[0]
			}

			if detail {
				if name == "" {
					return &usageError{err: fmt.Errorf("--detail requires an extension name")}
				}
				return printDetailLog(app, name)
			}

			filter := ledger.Filter{
				ExtensionName: name,
				Limit:         limit,
				Reverse:       true,
			}
			if eventType != "" {
				t := ledger.EventType(eventType)
				if err := t.Validate(); err != nil {
					return &usageError{err: err}
				}
				filter.EventTypes = []ledger.EventType{t}
			}

			events, err := app.orch.Ledger().Query(filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(events)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEXTENSION\tEVENT\tSTATE\tDETAIL")
			for i := range events {
				env := &events[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					env.Timestamp.Format("2006-01-02 15:04:05"),
					env.ExtensionName,
					env.Event.Type,
					env.StateAfter,
					eventDetail(&env.Event),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 25, "max events to show (0 = all)")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().BoolVar(&detail, "detail", false, "print the latest backend output log")

	return cmd
}

// eventDetail summarises the payload fields worth a column.
func eventDetail(event *ledger.Event) string {
	switch event.Type {
	case ledger.EventUpgradeStarted, ledger.EventUpgradeCompleted, ledger.EventUpgradeFailed:
		return fmt.Sprintf("%s -> %s", event.FromVersion, event.ToVersion)
	case ledger.EventOutdatedDetected:
		return fmt.Sprintf("%s -> %s available", event.CurrentVersion, event.LatestVersion)
	case ledger.EventValidationSucceeded, ledger.EventValidationFailed:
		if event.ErrorMessage != "" {
			return fmt.Sprintf("%s: %s", event.ValidationType, event.ErrorMessage)
		}
		return event.ValidationType
	default:
		if event.ErrorMessage != "" {
			return fmt.Sprintf("%s: %s", event.Version, event.ErrorMessage)
		}
		return event.Version
	}
}

func printDetailLog(app *app, name string) error {
	path, ok := app.orch.Logs().FindLatest(name)
	if !ok {
		return fmt.Errorf("no detail logs recorded for %s", name)
	}
	content, err := logsink.Read(path)
	if err != nil {
		return err
	}
	fmt.Print(content)
	return nil
}
