// Package registry fetches and caches the remote extension index and
// compatibility matrix, exposing them as immutable snapshots.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sindri-dev/sindri/pkg/manifest"
)

// Entry describes one extension in the registry index. Versions are
// discovered dynamically from the release source, not enumerated here.
type Entry struct {
	Category     manifest.Category `yaml:"category"`
	Description  string            `yaml:"description"`
	Repository   string            `yaml:"repository,omitempty"`
	Dependencies []string          `yaml:"dependencies,omitempty"`
	Conflicts    []string          `yaml:"conflicts,omitempty"`
	Protected    bool              `yaml:"protected,omitempty"`
}

// Index is the parsed registry index document.
type Index struct {
	Version    string           `yaml:"version"`
	Extensions map[string]Entry `yaml:"extensions"`
}

// ParseIndex decodes an index document. Unknown fields are ignored.
func ParseIndex(data []byte) (*Index, error) {
	var idx Index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing registry index: %w", err)
	}
	if idx.Extensions == nil {
		idx.Extensions = make(map[string]Entry)
	}
	return &idx, nil
}

// EntryMissingError reports a lookup against a loaded registry that has
// no entry for the name.
type EntryMissingError struct {
	Name string
}

func (e *EntryMissingError) Error() string {
	return fmt.Sprintf("extension %q not found in registry", e.Name)
}

// Registry is an immutable snapshot of the index plus matrix, consumed
// read-only by resolvers.
type Registry struct {
	index  *Index
	matrix *Matrix

	// Stale is set when the snapshot was served from an expired cache
	// because the network fetch failed.
	Stale bool
}

// NewRegistry builds a snapshot from parsed documents.
func NewRegistry(index *Index, matrix *Matrix) *Registry {
	return &Registry{index: index, matrix: matrix}
}

// HasExtension reports whether the index knows the extension.
func (r *Registry) HasExtension(name string) bool {
	_, ok := r.index.Extensions[name]
	return ok
}

// GetEntry returns the registry entry for an extension.
func (r *Registry) GetEntry(name string) (Entry, error) {
	entry, ok := r.index.Extensions[name]
	if !ok {
		return Entry{}, &EntryMissingError{Name: name}
	}
	return entry, nil
}

// GetDependencies returns the declared direct dependencies.
func (r *Registry) GetDependencies(name string) ([]string, error) {
	entry, err := r.GetEntry(name)
	if err != nil {
		return nil, err
	}
	return entry.Dependencies, nil
}

// GetConflicts returns the declared conflicts.
func (r *Registry) GetConflicts(name string) ([]string, error) {
	entry, err := r.GetEntry(name)
	if err != nil {
		return nil, err
	}
	return entry.Conflicts, nil
}

// IsProtected reports whether the extension refuses removal.
func (r *Registry) IsProtected(name string) bool {
	entry, ok := r.index.Extensions[name]
	return ok && entry.Protected
}

// Named pairs an entry with its name for listings.
type Named struct {
	Name string
	Entry
}

// List returns entries sorted by name, optionally filtered by category.
func (r *Registry) List(category manifest.Category) []Named {
	var out []Named
	for name, entry := range r.index.Extensions {
		if category != "" && entry.Category != category {
			continue
		}
		out = append(out, Named{Name: name, Entry: entry})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Search returns entries whose name or description contains the query,
// case-insensitively, sorted by name.
func (r *Registry) Search(query string) []Named {
	q := strings.ToLower(query)
	var out []Named
	for name, entry := range r.index.Extensions {
		if strings.Contains(strings.ToLower(name), q) ||
			strings.Contains(strings.ToLower(entry.Description), q) {
			out = append(out, Named{Name: name, Entry: entry})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Matrix returns the compatibility matrix of this snapshot.
func (r *Registry) Matrix() *Matrix {
	return r.matrix
}

// IndexVersion returns the index document version.
func (r *Registry) IndexVersion() string {
	return r.index.Version
}
