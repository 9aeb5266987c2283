package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sindri-dev/sindri/pkg/restore"
)

func newRestoreCommand() *cobra.Command {
	var (
		mode   string
		dryRun bool
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Restore workspace files from a backup archive",
		Long: `Restore workspace files from a gzip tarball carrying a backup
manifest.

Modes: safe skips files that already exist, merge backs them up to
<path>.bak before overwriting, full overwrites without backups. System
markers are never restored. Before any write a snapshot of the touched
files is taken; a failed restore rolls every change back.`,
		Example: `  # Preview without touching anything
  sindri restore backup.tar.gz --dry-run

  # Restore missing files only
  sindri restore backup.tar.gz

  # Overwrite with backups
  sindri restore backup.tar.gz --mode merge

  # Accept an archive with an unsupported manifest version
  sindri restore backup.tar.gz --force`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			restoreMode, err := parseMode(mode)
			if err != nil {
				return err
			}

			logger, err := newLogger()
			if err != nil {
				return err
			}
			home := homeDir
			if home == "" {
				home, err = os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("resolving home directory: %w", err)
				}
			}

			engine := restore.NewEngine(home, home, logger)
			report, err := engine.Restore(cmd.Context(), args[0], restore.Options{
				Mode:   restoreMode,
				DryRun: dryRun,
				Force:  force,
			})
			if err != nil {
				return err
			}
			return printReport(report)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "safe", "restore mode: safe, merge or full")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan only, write nothing")
	cmd.Flags().BoolVar(&force, "force", false, "accept unsupported manifest versions")

	return cmd
}

func parseMode(s string) (restore.Mode, error) {
	switch restore.Mode(s) {
	case restore.ModeSafe, restore.ModeMerge, restore.ModeFull:
		return restore.Mode(s), nil
	default:
		return "", &usageError{err: fmt.Errorf("invalid restore mode %q", s)}
	}
}

func printReport(report *restore.Report) error {
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	verb := "restored"
	if report.DryRun {
		verb = "would restore"
	}
	fmt.Printf("%s %d created, %d modified (%d skipped, %d excluded) in %s mode\n",
		verb, len(report.Created), len(report.Modified), len(report.Skipped),
		len(report.Excluded), report.Mode)
	for _, a := range report.Created {
		fmt.Printf("  + %s\n", a.Path)
	}
	for _, a := range report.Modified {
		if a.Backup != "" {
			fmt.Printf("  ~ %s (backup %s)\n", a.Path, a.Backup)
		} else {
			fmt.Printf("  ~ %s\n", a.Path)
		}
	}
	if report.SnapshotPath != "" {
		fmt.Printf("snapshot: %s\n", report.SnapshotPath)
	}
	return nil
}
