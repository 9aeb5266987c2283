// Package restore applies workspace backup archives with skip, merge
// and overwrite policies, under a transactional snapshot so a failed
// restore can be rolled back.
package restore

import (
	"encoding/json"
	"fmt"
)

// ManifestName is the manifest entry inside every backup archive.
const ManifestName = ".backup-manifest.json"

// supportedManifestVersions lists the backup formats this build reads.
var supportedManifestVersions = map[string]bool{
	"1.0": true,
	"1.1": true,
}

// Checksum identifies the archive payload digest.
type Checksum struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// Statistics summarises the backed-up tree.
type Statistics struct {
	FileCount      int   `json:"file_count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
}

// BackupManifest is the first entry of a backup archive.
type BackupManifest struct {
	Version     string     `json:"version"`
	BackupType  string     `json:"backup_type"`
	CreatedAt   string     `json:"created_at"`
	CreatedBy   string     `json:"created_by"`
	Source      string     `json:"source,omitempty"`
	Profile     string     `json:"profile,omitempty"`
	Compression string     `json:"compression"`
	Checksum    Checksum   `json:"checksum"`
	Statistics  Statistics `json:"statistics"`
	Extensions  []string   `json:"extensions,omitempty"`
}

// ParseManifest decodes and structurally checks a backup manifest.
func ParseManifest(data []byte) (*BackupManifest, error) {
	var m BackupManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing backup manifest: %w", err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("backup manifest has no version")
	}
	return &m, nil
}

// Compatible reports whether this build can restore the manifest's
// format without forcing.
func (m *BackupManifest) Compatible() bool {
	return supportedManifestVersions[m.Version]
}
