package restore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sindri-dev/sindri/pkg/telemetry"
)

// Mode selects the policy for archive entries whose destination
// already exists.
type Mode string

const (
	// ModeSafe skips existing files.
	ModeSafe Mode = "safe"
	// ModeMerge backs up the existing file to <path>.bak, then
	// overwrites.
	ModeMerge Mode = "merge"
	// ModeFull overwrites without a backup.
	ModeFull Mode = "full"
)

// neverRestore lists workspace-relative system markers that are never
// restored, matched as prefixes so descendants are excluded too.
var neverRestore = []string{
	".initialized",
	".welcome_shown",
	"workspace/.system/bootstrap.yaml",
	"workspace/.system/installed",
	"workspace/.system/install-status",
}

// Options controls one restore run.
type Options struct {
	Mode   Mode
	DryRun bool
	Force  bool
}

// PlannedAction is one entry of a dry-run or applied report.
type PlannedAction struct {
	Path   string `json:"path"`
	Action string `json:"action"`
	Backup string `json:"backup,omitempty"`
}

// Report summarises what a restore did, or would do under dry-run.
type Report struct {
	Mode         Mode            `json:"mode"`
	DryRun       bool            `json:"dry_run"`
	SnapshotPath string          `json:"snapshot_path,omitempty"`
	Created      []PlannedAction `json:"created,omitempty"`
	Modified     []PlannedAction `json:"modified,omitempty"`
	Skipped      []string        `json:"skipped,omitempty"`
	Excluded     []string        `json:"excluded,omitempty"`
}

// Engine restores backup archives into a workspace.
type Engine struct {
	workspace   string
	snapshotDir string
	logger      *telemetry.Logger
}

// NewEngine creates a restore engine. Snapshots land under
// <home>/.sindri/restore-snapshots.
func NewEngine(home, workspace string, logger *telemetry.Logger) *Engine {
	return &Engine{
		workspace:   workspace,
		snapshotDir: filepath.Join(home, ".sindri", "restore-snapshots"),
		logger:      logger.NewComponentLogger("restore"),
	}
}

// excluded reports whether an archive entry is filtered: the manifest
// itself and the system markers, prefix-matched.
func excluded(rel string) bool {
	if filepath.Base(rel) == ManifestName {
		return true
	}
	for _, marker := range neverRestore {
		if rel == marker || strings.HasPrefix(rel, marker+"/") {
			return true
		}
	}
	return false
}

// Restore applies the archive under the selected mode. On any error
// during application every recorded change is rolled back.
func (e *Engine) Restore(ctx context.Context, archivePath string, opts Options) (*Report, error) {
	if opts.Mode == "" {
		opts.Mode = ModeSafe
	}

	manifest, err := ValidatePreconditions(archivePath, e.workspace, opts.Force)
	if err != nil {
		return nil, err
	}
	e.logger.WithField("backup_type", manifest.BackupType).
		WithField("mode", string(opts.Mode)).
		WithField("dry_run", opts.DryRun).
		Info("restore starting")

	report := &Report{Mode: opts.Mode, DryRun: opts.DryRun}

	if opts.DryRun {
		if err := e.walkArchive(ctx, archivePath, func(rel string, hdr *tar.Header, tr *tar.Reader) error {
			e.plan(report, rel, hdr, nil)
			return nil
		}); err != nil {
			return nil, err
		}
		return report, nil
	}

	tx, err := BeginTransaction(e.workspace, e.snapshotDir, e.logger)
	if err != nil {
		return nil, err
	}
	report.SnapshotPath = tx.SnapshotPath()

	err = e.walkArchive(ctx, archivePath, func(rel string, hdr *tar.Header, tr *tar.Reader) error {
		return e.plan(report, rel, hdr, func(action *PlannedAction) error {
			return e.apply(tx, rel, hdr, tr, action)
		})
	})
	if err != nil {
		e.logger.WithError(err).Warn("restore failed, rolling back")
		tx.Rollback()
		return nil, err
	}

	tx.Commit()
	return report, nil
}

// walkArchive iterates regular entries, rejecting traversal paths.
func (e *Engine) walkArchive(ctx context.Context, archivePath string, fn func(rel string, hdr *tar.Header, tr *tar.Reader) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("decoding archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		rel := filepath.Clean(filepath.FromSlash(hdr.Name))
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("archive entry escapes workspace: %s", hdr.Name)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		if err := fn(filepath.ToSlash(rel), hdr, tr); err != nil {
			return err
		}
	}
}

// plan decides the policy for one entry and, when apply is non-nil,
// executes it.
func (e *Engine) plan(report *Report, rel string, hdr *tar.Header, apply func(*PlannedAction) error) error {
	if excluded(rel) {
		report.Excluded = append(report.Excluded, rel)
		return nil
	}

	dest := filepath.Join(e.workspace, filepath.FromSlash(rel))
	_, statErr := os.Stat(dest)
	exists := statErr == nil

	var action PlannedAction
	switch {
	case !exists:
		action = PlannedAction{Path: rel, Action: "create"}
	case report.Mode == ModeSafe:
		report.Skipped = append(report.Skipped, rel)
		return nil
	case report.Mode == ModeMerge:
		action = PlannedAction{Path: rel, Action: "overwrite", Backup: rel + ".bak"}
	default:
		action = PlannedAction{Path: rel, Action: "overwrite"}
	}

	if apply != nil {
		if err := apply(&action); err != nil {
			return err
		}
	}

	if action.Action == "create" {
		report.Created = append(report.Created, action)
	} else {
		report.Modified = append(report.Modified, action)
	}
	return nil
}

// apply writes one archive entry into the workspace and records the
// effect on the transaction.
func (e *Engine) apply(tx *Transaction, rel string, hdr *tar.Header, tr *tar.Reader, action *PlannedAction) error {
	dest := filepath.Join(e.workspace, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", rel, err)
	}

	if action.Action == "overwrite" && action.Backup != "" {
		backup := filepath.Join(e.workspace, filepath.FromSlash(action.Backup))
		if err := copyFile(dest, backup); err != nil {
			return fmt.Errorf("backing up %s: %w", rel, err)
		}
		tx.Record(Change{Type: FileModified, Path: dest, Backup: backup})
	} else if action.Action == "overwrite" {
		tx.Record(Change{Type: FileModified, Path: dest})
	} else {
		tx.Record(Change{Type: FileCreated, Path: dest})
	}

	mode := os.FileMode(hdr.Mode & 0777)
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	if _, err := io.Copy(out, tr); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return out.Close()
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
