package lifecycle

import "path/filepath"

// Paths locates every on-disk artefact the orchestrator touches.
type Paths struct {
	Home          string
	Workspace     string
	StateDir      string
	ExtensionsDir string
	CacheDir      string
	LogsDir       string
}

// DefaultPaths lays out the standard tree under home.
func DefaultPaths(home string) Paths {
	root := filepath.Join(home, ".sindri")
	return Paths{
		Home:          home,
		Workspace:     filepath.Join(home, "workspace"),
		StateDir:      filepath.Join(root, "state"),
		ExtensionsDir: filepath.Join(root, "extensions"),
		CacheDir:      filepath.Join(root, "cache"),
		LogsDir:       filepath.Join(root, "logs"),
	}
}

// LedgerPath is the JSONL status ledger file.
func (p Paths) LedgerPath() string {
	return filepath.Join(p.StateDir, "status_ledger.jsonl")
}

// IndexPath is the SQLite event index mirrored from the ledger.
func (p Paths) IndexPath() string {
	return filepath.Join(p.StateDir, "events.db")
}

// PayloadDir is the versioned payload directory of one extension.
func (p Paths) PayloadDir(name, version string) string {
	return filepath.Join(p.ExtensionsDir, name, version)
}
