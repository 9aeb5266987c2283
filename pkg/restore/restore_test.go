package restore

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sindri-dev/sindri/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

const validManifest = `{
  "version": "1.0",
  "backup_type": "workspace",
  "created_at": "2026-08-01T12:00:00Z",
  "created_by": "sindri",
  "compression": "gzip",
  "checksum": {"algorithm": "sha256", "value": "abc123"},
  "statistics": {"file_count": 2, "total_size_bytes": 64}
}`

// buildArchive writes a backup archive with the given entries. The
// manifest is always the first entry.
func buildArchive(t *testing.T, manifest string, entries map[string]string) string {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	write := func(name, content string) {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("Failed to write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Failed to write entry: %v", err)
		}
	}

	if manifest != "" {
		write(ManifestName, manifest)
	}
	for name, content := range entries {
		write(name, content)
	}

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}
	return path
}

func setupEngine(t *testing.T) (*Engine, string, string) {
	t.Helper()
	home := t.TempDir()
	workspace := filepath.Join(home, "workspace")
	if err := os.MkdirAll(workspace, 0755); err != nil {
		t.Fatal(err)
	}
	return NewEngine(home, workspace, testLogger(t)), home, workspace
}

func TestValidatePreconditions(t *testing.T) {
	_, _, workspace := setupEngine(t)
	archive := buildArchive(t, validManifest, map[string]string{"a.txt": "a"})

	manifest, err := ValidatePreconditions(archive, workspace, false)
	if err != nil {
		t.Fatalf("Expected preconditions to pass: %v", err)
	}
	if manifest.BackupType != "workspace" {
		t.Errorf("Unexpected manifest: %+v", manifest)
	}
}

func TestValidatePreconditionsRejectsBadArchives(t *testing.T) {
	_, _, workspace := setupEngine(t)

	t.Run("not gzip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "junk.tar.gz")
		if err := os.WriteFile(path, []byte("plain text"), 0644); err != nil {
			t.Fatal(err)
		}
		var pre *PreconditionError
		if _, err := ValidatePreconditions(path, workspace, false); !errors.As(err, &pre) {
			t.Errorf("Expected PreconditionError, got %v", err)
		}
	})

	t.Run("missing manifest", func(t *testing.T) {
		archive := buildArchive(t, "", map[string]string{"a.txt": "a"})
		var pre *PreconditionError
		if _, err := ValidatePreconditions(archive, workspace, false); !errors.As(err, &pre) {
			t.Errorf("Expected PreconditionError, got %v", err)
		}
	})

	t.Run("wrong compression", func(t *testing.T) {
		bad := strings.Replace(validManifest, `"gzip"`, `"zstd"`, 1)
		archive := buildArchive(t, bad, nil)
		var pre *PreconditionError
		if _, err := ValidatePreconditions(archive, workspace, false); !errors.As(err, &pre) {
			t.Errorf("Expected PreconditionError, got %v", err)
		}
	})

	t.Run("unsupported version needs force", func(t *testing.T) {
		bad := strings.Replace(validManifest, `"1.0"`, `"9.9"`, 1)
		archive := buildArchive(t, bad, nil)

		var incompatible *IncompatibleManifestError
		if _, err := ValidatePreconditions(archive, workspace, false); !errors.As(err, &incompatible) {
			t.Errorf("Expected IncompatibleManifestError, got %v", err)
		}
		if _, err := ValidatePreconditions(archive, workspace, true); err != nil {
			t.Errorf("Expected force to override: %v", err)
		}
	})

	t.Run("missing workspace", func(t *testing.T) {
		archive := buildArchive(t, validManifest, nil)
		var pre *PreconditionError
		if _, err := ValidatePreconditions(archive, filepath.Join(workspace, "ghost"), false); !errors.As(err, &pre) {
			t.Errorf("Expected PreconditionError, got %v", err)
		}
	})
}

func TestRestoreSafeModeSkipsExisting(t *testing.T) {
	engine, _, workspace := setupEngine(t)
	if err := os.WriteFile(filepath.Join(workspace, "config.yaml"), []byte("A"), 0644); err != nil {
		t.Fatal(err)
	}

	archive := buildArchive(t, validManifest, map[string]string{
		"config.yaml":  "B",
		".initialized": "marker",
		"new.txt":      "hello",
	})

	report, err := engine.Restore(context.Background(), archive, Options{Mode: ModeSafe})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(workspace, "config.yaml"))
	if string(data) != "A" {
		t.Errorf("Safe mode must preserve existing content, got %q", data)
	}
	if _, err := os.Stat(filepath.Join(workspace, ".initialized")); !os.IsNotExist(err) {
		t.Error("System marker must never be restored")
	}
	if data, _ := os.ReadFile(filepath.Join(workspace, "new.txt")); string(data) != "hello" {
		t.Errorf("New file should be created, got %q", data)
	}

	if len(report.Modified) != 0 {
		t.Errorf("Safe restore must record zero modifications, got %v", report.Modified)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "config.yaml" {
		t.Errorf("Expected config.yaml skipped, got %v", report.Skipped)
	}
	if report.SnapshotPath == "" {
		t.Error("Expected a workspace snapshot")
	}
	if _, err := os.Stat(report.SnapshotPath); err != nil {
		t.Errorf("Snapshot missing: %v", err)
	}
}

func TestRestoreMergeModeCreatesBackup(t *testing.T) {
	engine, _, workspace := setupEngine(t)
	dest := filepath.Join(workspace, "config.yaml")
	if err := os.WriteFile(dest, []byte("A"), 0644); err != nil {
		t.Fatal(err)
	}

	archive := buildArchive(t, validManifest, map[string]string{"config.yaml": "B"})
	report, err := engine.Restore(context.Background(), archive, Options{Mode: ModeMerge})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if data, _ := os.ReadFile(dest); string(data) != "B" {
		t.Errorf("Merge mode must overwrite, got %q", data)
	}
	if data, _ := os.ReadFile(dest + ".bak"); string(data) != "A" {
		t.Errorf("Backup must hold prior content, got %q", data)
	}
	if len(report.Modified) != 1 || report.Modified[0].Backup != "config.yaml.bak" {
		t.Errorf("Expected recorded modification with backup, got %v", report.Modified)
	}
}

func TestRestoreFullModeOverwritesWithoutBackup(t *testing.T) {
	engine, _, workspace := setupEngine(t)
	dest := filepath.Join(workspace, "config.yaml")
	if err := os.WriteFile(dest, []byte("A"), 0644); err != nil {
		t.Fatal(err)
	}

	archive := buildArchive(t, validManifest, map[string]string{"config.yaml": "B"})
	if _, err := engine.Restore(context.Background(), archive, Options{Mode: ModeFull}); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if data, _ := os.ReadFile(dest); string(data) != "B" {
		t.Errorf("Full mode must overwrite, got %q", data)
	}
	if _, err := os.Stat(dest + ".bak"); !os.IsNotExist(err) {
		t.Error("Full mode must not create a backup")
	}
}

func TestRestoreDryRunMakesNoChanges(t *testing.T) {
	engine, home, workspace := setupEngine(t)
	if err := os.WriteFile(filepath.Join(workspace, "config.yaml"), []byte("A"), 0644); err != nil {
		t.Fatal(err)
	}

	archive := buildArchive(t, validManifest, map[string]string{
		"config.yaml": "B",
		"new.txt":     "hello",
	})
	report, err := engine.Restore(context.Background(), archive, Options{Mode: ModeMerge, DryRun: true})
	if err != nil {
		t.Fatalf("Dry run failed: %v", err)
	}

	if data, _ := os.ReadFile(filepath.Join(workspace, "config.yaml")); string(data) != "A" {
		t.Errorf("Dry run must not mutate, got %q", data)
	}
	if _, err := os.Stat(filepath.Join(workspace, "new.txt")); !os.IsNotExist(err) {
		t.Error("Dry run must not create files")
	}
	if _, err := os.Stat(filepath.Join(home, ".sindri", "restore-snapshots")); !os.IsNotExist(err) {
		t.Error("Dry run must not snapshot")
	}

	if len(report.Created) != 1 || report.Created[0].Path != "new.txt" {
		t.Errorf("Expected planned create, got %v", report.Created)
	}
	if len(report.Modified) != 1 || report.Modified[0].Backup != "config.yaml.bak" {
		t.Errorf("Expected planned overwrite with backup, got %v", report.Modified)
	}
}

func TestRestoreRejectsTraversalEntries(t *testing.T) {
	engine, _, workspace := setupEngine(t)
	archive := buildArchive(t, validManifest, map[string]string{"../escape.txt": "evil"})

	if _, err := engine.Restore(context.Background(), archive, Options{}); err == nil {
		t.Fatal("Expected traversal entry to fail the restore")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(workspace), "escape.txt")); !os.IsNotExist(err) {
		t.Error("Traversal entry must not be written")
	}
}

func TestTransactionRollback(t *testing.T) {
	_, _, workspace := setupEngine(t)
	logger := testLogger(t)

	created := filepath.Join(workspace, "created.txt")
	modified := filepath.Join(workspace, "modified.txt")
	backup := modified + ".bak"
	if err := os.WriteFile(modified, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	tx, err := BeginTransaction(workspace, t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err := os.Rename(modified, backup); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(modified, []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}
	tx.Record(Change{Type: FileModified, Path: modified, Backup: backup})

	if err := os.WriteFile(created, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	tx.Record(Change{Type: FileCreated, Path: created})

	tx.Rollback()

	if _, err := os.Stat(created); !os.IsNotExist(err) {
		t.Error("Created file must be deleted on rollback")
	}
	if data, _ := os.ReadFile(modified); string(data) != "old" {
		t.Errorf("Modified file must be restored from backup, got %q", data)
	}
}

func TestTransactionCommitPreventsRollback(t *testing.T) {
	_, _, workspace := setupEngine(t)

	created := filepath.Join(workspace, "kept.txt")
	if err := os.WriteFile(created, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	tx, err := BeginTransaction(workspace, t.TempDir(), testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	tx.Record(Change{Type: FileCreated, Path: created})
	tx.Commit()
	tx.Rollback()

	if _, err := os.Stat(created); err != nil {
		t.Error("Committed changes must survive rollback calls")
	}
}

func TestExcludedMarkers(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{".initialized", true},
		{".welcome_shown", true},
		{"workspace/.system/bootstrap.yaml", true},
		{"workspace/.system/installed", true},
		{"workspace/.system/install-status", true},
		{"workspace/.system/install-status/part", true},
		{ManifestName, true},
		{"config.yaml", false},
		{"workspace/project/main.go", false},
		{".initialized-other", false},
	}
	for _, tt := range tests {
		if got := excluded(tt.path); got != tt.want {
			t.Errorf("excluded(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
