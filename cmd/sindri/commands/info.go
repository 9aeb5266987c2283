package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sindri-dev/sindri/pkg/ledger"
	"github.com/sindri-dev/sindri/pkg/lifecycle"
	"github.com/sindri-dev/sindri/pkg/manifest"
)

// extensionInfo joins the registry entry with the derived local status.
type extensionInfo struct {
	Name         string            `json:"name"`
	Category     manifest.Category `json:"category"`
	Description  string            `json:"description,omitempty"`
	Repository   string            `json:"repository,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Conflicts    []string          `json:"conflicts,omitempty"`
	Protected    bool              `json:"protected,omitempty"`
	State        string            `json:"state"`
	Version      string            `json:"version,omitempty"`
	Compatible   string            `json:"compatible_range,omitempty"`
}

func newInfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <extension>",
		Short: "Show registry and local details of an extension",
		Example: `  sindri info python
  sindri info python --json`,
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
				return fmt.Errorf("%w (try 'sindri search %s')", err, name)
			}

			status, err := app.orch.Ledger().StatusOf(name)
			if err != nil {
				return err
			}

			info := extensionInfo{
				Name:         name,
				Category:     entry.Category,
				Description:  entry.Description,
				Repository:   entry.Repository,
				Dependencies: entry.Dependencies,
				Conflicts:    entry.Conflicts,
				Protected:    entry.Protected,
				State:        string(status.CurrentState),
				Version:      status.Version,
			}
			if rng, err := reg.Matrix().GetCompatibleRange(cliVersion, name); err == nil {
				info.Compatible = rng
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(info)
			}
			printInfo(info, status)
			return nil
		},
	}

	return cmd
}

func printInfo(info extensionInfo, status ledger.Status) {
	fmt.Printf("%s (%s)\n", info.Name, info.Category)
	if info.Description != "" {
		fmt.Printf("  %s\n", info.Description)
	}
	fmt.Printf("  state: %s", info.State)
	if info.Version != "" {
		fmt.Printf(" (version %s)", info.Version)
	}
	fmt.Println()
	if info.Repository != "" {
		fmt.Printf("  repository: %s\n", info.Repository)
	}
	if info.Compatible != "" {
		fmt.Printf("  compatible: %s\n", info.Compatible)
	}
	if len(info.Dependencies) > 0 {
		fmt.Printf("  depends on: %s\n", strings.Join(info.Dependencies, ", "))
	}
	if len(info.Conflicts) > 0 {
		fmt.Printf("  conflicts with: %s\n", strings.Join(info.Conflicts, ", "))
	}
	if info.Protected {
		fmt.Println("  protected: removal requires --force")
	}
	if !status.LastEventTime.IsZero() {
		fmt.Printf("  last event: %s\n", status.LastEventTime.Format("2006-01-02 15:04:05"))
	}
}
