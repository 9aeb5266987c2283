package restore

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PreconditionError reports a restore that cannot start.
type PreconditionError struct {
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("restore precondition failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("restore precondition failed: %s", e.Reason)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// IncompatibleManifestError reports an archive this build does not
// support; force overrides it.
type IncompatibleManifestError struct {
	Version string
}

func (e *IncompatibleManifestError) Error() string {
	return fmt.Sprintf("backup manifest version %q is not supported", e.Version)
}

// ValidatePreconditions proves the archive and workspace are usable
// before any mutation: one full gzip+tar pass over the archive, a
// manifest check, and a write-delete round-trip in the workspace.
func ValidatePreconditions(archivePath, workspace string, force bool) (*BackupManifest, error) {
	manifest, err := scanArchive(archivePath)
	if err != nil {
		return nil, err
	}

	if manifest.Compression != "gzip" {
		return nil, &PreconditionError{Reason: fmt.Sprintf("unsupported compression %q", manifest.Compression)}
	}
	if manifest.Checksum.Algorithm != "sha256" {
		return nil, &PreconditionError{Reason: fmt.Sprintf("unsupported checksum algorithm %q", manifest.Checksum.Algorithm)}
	}
	if !manifest.Compatible() && !force {
		return nil, &IncompatibleManifestError{Version: manifest.Version}
	}

	if err := proveWritable(workspace); err != nil {
		return nil, err
	}
	return manifest, nil
}

// scanArchive walks every entry once, verifying the stream decodes and
// extracting the manifest.
func scanArchive(archivePath string) (*BackupManifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, &PreconditionError{Reason: "archive not readable", Err: err}
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, &PreconditionError{Reason: "archive is not valid gzip", Err: err}
	}
	defer gz.Close()

	var manifest *BackupManifest
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &PreconditionError{Reason: "archive is not valid tar", Err: err}
		}

		if filepath.Base(hdr.Name) == ManifestName && manifest == nil {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, &PreconditionError{Reason: "reading backup manifest", Err: err}
			}
			manifest, err = ParseManifest(data)
			if err != nil {
				return nil, &PreconditionError{Reason: "invalid backup manifest", Err: err}
			}
			continue
		}

		// Drain so the whole stream is decoded.
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return nil, &PreconditionError{Reason: "archive entry is corrupt", Err: err}
		}
	}

	if manifest == nil {
		return nil, &PreconditionError{Reason: "archive has no " + ManifestName}
	}
	return manifest, nil
}

// proveWritable performs a write-delete round-trip in the workspace.
func proveWritable(workspace string) error {
	fi, err := os.Stat(workspace)
	if err != nil {
		return &PreconditionError{Reason: "workspace does not exist", Err: err}
	}
	if !fi.IsDir() {
		return &PreconditionError{Reason: "workspace is not a directory"}
	}

	probe, err := os.CreateTemp(workspace, ".restore-probe-*")
	if err != nil {
		return &PreconditionError{Reason: "workspace is not writable", Err: err}
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		return &PreconditionError{Reason: "workspace probe cleanup failed", Err: err}
	}
	return nil
}
