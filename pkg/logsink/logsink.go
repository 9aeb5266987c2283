// Package logsink manages per-extension detail logs. Each lifecycle
// operation writes one timestamped log file whose path is embedded in
// the corresponding ledger event.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sindri-dev/sindri/pkg/telemetry"
)

// timestampLayout produces filenames that sort chronologically.
const timestampLayout = "20060102T150405Z"

// Entry is the captured output of one lifecycle operation.
type Entry struct {
	Method string
	Status string
	Stdout []string
	Stderr []string
}

// Writer writes and manages detail logs under a root directory,
// normally $HOME/.sindri/logs.
type Writer struct {
	dir    string
	logger *telemetry.Logger
}

// NewWriter creates a writer rooted at dir.
func NewWriter(dir string, logger *telemetry.Logger) *Writer {
	return &Writer{
		dir:    dir,
		logger: logger.NewComponentLogger("logsink"),
	}
}

// Write stores a detail log for the extension and returns its path.
func (w *Writer) Write(name string, timestamp time.Time, entry Entry) (string, error) {
	extDir := filepath.Join(w.dir, name)
	if err := os.MkdirAll(extDir, 0755); err != nil {
		return "", fmt.Errorf("creating log directory %s: %w", extDir, err)
	}

	path := filepath.Join(extDir, timestamp.UTC().Format(timestampLayout)+".log")

	var b strings.Builder
	fmt.Fprintf(&b, "# Extension: %s\n", name)
	fmt.Fprintf(&b, "# Timestamp: %s\n", timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&b, "# Method: %s\n", entry.Method)
	fmt.Fprintf(&b, "# Status: %s\n", entry.Status)
	b.WriteString("# --- stdout ---\n")
	for _, line := range entry.Stdout {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("# --- stderr ---\n")
	for _, line := range entry.Stderr {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("writing log file %s: %w", path, err)
	}

	w.logger.WithExtension(name).WithField("path", path).Debug("wrote detail log")
	return path, nil
}

// FindLatest returns the path of the most recent log for an extension.
// Timestamped filenames sort chronologically, so the lexicographic
// maximum wins.
func (w *Writer) FindLatest(name string) (string, bool) {
	extDir := filepath.Join(w.dir, name)
	entries, err := os.ReadDir(extDir)
	if err != nil {
		return "", false
	}

	var latest string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		if e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return "", false
	}
	return filepath.Join(extDir, latest), true
}

// Read returns the contents of a log file.
func Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading log file %s: %w", path, err)
	}
	return string(data), nil
}

// Cleanup removes logs older than the retention window and prunes
// now-empty extension directories. Individual failures are logged, not
// fatal. Returns the number of files removed.
func (w *Writer) Cleanup(retentionDays int) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading log directory: %w", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	removed := 0

	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		extDir := filepath.Join(w.dir, dirEntry.Name())

		logs, err := os.ReadDir(extDir)
		if err != nil {
			w.logger.WithError(err).WithField("dir", extDir).
				Warn("failed to read extension log directory")
			continue
		}

		for _, log := range logs {
			if log.IsDir() {
				continue
			}
			ts, ok := parseTimestamp(log.Name())
			if !ok {
				continue
			}
			if ts.Before(cutoff) {
				path := filepath.Join(extDir, log.Name())
				if err := os.Remove(path); err != nil {
					w.logger.WithError(err).WithField("path", path).
						Warn("failed to remove old log")
					continue
				}
				removed++
			}
		}

		if remaining, err := os.ReadDir(extDir); err == nil && len(remaining) == 0 {
			_ = os.Remove(extDir)
		}
	}

	return removed, nil
}

// parseTimestamp extracts the timestamp from a log filename like
// "20260213T143022Z.log".
func parseTimestamp(filename string) (time.Time, bool) {
	stem := strings.TrimSuffix(filename, ".log")
	if stem == filename {
		return time.Time{}, false
	}
	ts, err := time.Parse(timestampLayout, stem)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
