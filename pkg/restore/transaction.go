package restore

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/sindri-dev/sindri/pkg/telemetry"
)

// ChangeType tags one recorded transaction effect.
type ChangeType string

const (
	FileCreated  ChangeType = "file_created"
	FileModified ChangeType = "file_modified"
)

// Change records one applied effect so rollback can undo it.
type Change struct {
	Type   ChangeType
	Path   string
	Backup string
}

// Transaction wraps one restore run. Begin snapshots the workspace;
// Rollback undoes recorded changes in reverse order.
type Transaction struct {
	workspace    string
	snapshotPath string
	changes      []Change
	committed    bool
	logger       *telemetry.Logger
}

// BeginTransaction snapshots the workspace under snapshotDir before
// any mutation.
func BeginTransaction(workspace, snapshotDir string, logger *telemetry.Logger) (*Transaction, error) {
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	snapshot := filepath.Join(snapshotDir, fmt.Sprintf("snapshot-%s.tar.gz", uuid.New()))
	if err := writeSnapshot(workspace, snapshot); err != nil {
		return nil, fmt.Errorf("snapshotting workspace: %w", err)
	}

	return &Transaction{
		workspace:    workspace,
		snapshotPath: snapshot,
		logger:       logger,
	}, nil
}

// SnapshotPath returns where the pre-restore snapshot landed.
func (tx *Transaction) SnapshotPath() string { return tx.snapshotPath }

// Changes returns the recorded effects in application order.
func (tx *Transaction) Changes() []Change { return tx.changes }

// Record notes one applied effect.
func (tx *Transaction) Record(c Change) {
	tx.changes = append(tx.changes, c)
}

// Commit marks the transaction done; the snapshot is retained for the
// configured cleanup window.
func (tx *Transaction) Commit() {
	tx.committed = true
	tx.logger.WithField("snapshot", tx.snapshotPath).
		WithField("changes", len(tx.changes)).
		Debug("restore transaction committed")
}

// Rollback undoes recorded changes newest-first: created files are
// deleted, modified files get their backup renamed over them. Failures
// are logged and rollback continues.
func (tx *Transaction) Rollback() {
	if tx.committed {
		return
	}
	for i := len(tx.changes) - 1; i >= 0; i-- {
		c := tx.changes[i]
		switch c.Type {
		case FileCreated:
			if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
				tx.logger.WithError(err).WithField("path", c.Path).Warn("rollback could not delete created file")
			}
		case FileModified:
			if c.Backup == "" {
				tx.logger.WithField("path", c.Path).Warn("rollback has no backup for modified file")
				continue
			}
			if err := os.Rename(c.Backup, c.Path); err != nil {
				tx.logger.WithError(err).WithField("path", c.Path).Warn("rollback could not restore backup")
			}
		}
	}
}

// writeSnapshot tars the workspace tree into a gzip archive.
func writeSnapshot(workspace, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(workspace, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
