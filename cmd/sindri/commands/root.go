package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sindri-dev/sindri/pkg/lifecycle"
	"github.com/sindri-dev/sindri/pkg/restore"
	"github.com/sindri-dev/sindri/pkg/stores"
	"github.com/sindri-dev/sindri/pkg/telemetry"
)

// Exit codes of the sindri binary.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitUsage        = 2
	ExitPrecondition = 3
)

// DefaultRegistryURL is the artefact root of the public extension
// registry; overridable with --registry.
const DefaultRegistryURL = "https://raw.githubusercontent.com/sindri-dev/extensions-registry"

var (
	// Global flags
	homeDir        string
	verbose        bool
	jsonOutput     bool
	registryURL    string
	registryBranch string

	// cliVersion is stamped on every ledger event.
	cliVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	cliVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sindri",
		Short: "Sindri - Extension Lifecycle Engine",
		Long: `Sindri manages the lifecycle of workspace extensions: install,
upgrade, rollback, remove, verify and update checks.

Every state transition is appended to an immutable event ledger at
$HOME/.sindri/state/status_ledger.jsonl; all observable state derives
from that event stream.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "override HOME for all state paths")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&registryURL, "registry", DefaultRegistryURL, "registry artefact root URL")
	rootCmd.PersistentFlags().StringVar(&registryBranch, "branch", "main", "registry branch")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	// Add subcommands
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newUpgradeCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newRemoveCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newLogCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newInfoCommand())
	rootCmd.AddCommand(newVersionsCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newSearchCommand())
	rootCmd.AddCommand(newRestoreCommand())

	return rootCmd
}

// usageError marks argument and flag mistakes for exit code 2.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// exactArgs wraps the cobra validator so violations exit with the
// usage code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

func minimumArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

func maximumArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

// ExitCode maps an Execute error onto the documented exit codes.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var usage *usageError
	if errors.As(err, &usage) {
		return ExitUsage
	}

	var pre *restore.PreconditionError
	var incompat *restore.IncompatibleManifestError
	if errors.As(err, &pre) || errors.As(err, &incompat) {
		return ExitPrecondition
	}

	var lerr *lifecycle.LifecycleError
	if errors.As(err, &lerr) {
		switch lerr.Code {
		case lifecycle.ErrCodeBusy,
			lifecycle.ErrCodeProtectedExtension,
			lifecycle.ErrCodeRemoveBlocked,
			lifecycle.ErrCodeVersionNotLocal,
			lifecycle.ErrCodeWorkspaceNotWritable,
			lifecycle.ErrCodeIncompatibleManifest:
			return ExitPrecondition
		}
	}
	return ExitFailure
}

// app bundles the wired components a command operates on.
type app struct {
	logger *telemetry.Logger
	paths  lifecycle.Paths
	orch   *lifecycle.Orchestrator
	index  *stores.EventIndex
}

// newApp materialises paths and wires the orchestrator with the sqlite
// event index attached. The index is best-effort; the ledger remains
// the source of truth.
func newApp(ctx context.Context, opts lifecycle.Options) (*app, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	home := homeDir
	if home == "" {
		home, err = os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
	}

	opts.CLIVersion = cliVersion
	opts.RegistryURL = registryURL
	opts.RegistryBranch = registryBranch

	paths := lifecycle.DefaultPaths(home)
	orch := lifecycle.New(paths, opts, logger)

	a := &app{logger: logger, paths: paths, orch: orch}
	if idx, err := openIndex(ctx, paths.IndexPath()); err != nil {
		logger.WithError(err).Warn("event index unavailable, queries fall back to the ledger")
	} else {
		a.index = idx
		orch.AttachIndex(idx)
	}
	return a, nil
}

func (a *app) Close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.WithError(err).Warn("closing event index")
		}
	}
}

// syncIndex rebuilds the sqlite projection when it has fallen behind
// the ledger (deleted, fresh checkout, crashed mid-write).
func (a *app) syncIndex(ctx context.Context) error {
	if a.index == nil {
		return errors.New("event index unavailable")
	}
	events, err := a.orch.Ledger().ReadAll()
	if err != nil {
		return err
	}
	count, err := a.index.Count(ctx)
	if err != nil {
		return err
	}
	if count == len(events) {
		return nil
	}
	a.logger.WithField("ledger_events", len(events)).
		WithField("indexed", count).
		Info("rebuilding event index from ledger")
	return a.index.Rebuild(ctx, events)
}

func openIndex(ctx context.Context, path string) (*stores.EventIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	idx, err := stores.NewEventIndex(path)
	if err != nil {
		return nil, err
	}
	if err := idx.Init(ctx); err != nil {
		return nil, err
	}
	if err := idx.Migrate(ctx); err != nil {
		idx.Close()
		return nil, err
	}
	return idx, nil
}

func newLogger() (*telemetry.Logger, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	if verbose {
		level = "debug"
	}
	return telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  level,
		Format: "console",
		Output: "stderr",
	})
}
