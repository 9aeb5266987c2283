package registry

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Matrix maps CLI version patterns to compatible extension version
// ranges plus breaking-change notes.
type Matrix struct {
	SchemaVersion string                      `yaml:"schema_version"`
	CLIVersions   map[string]CLIVersionCompat `yaml:"cli_versions"`
}

// CLIVersionCompat is the compatibility record for one CLI version line.
type CLIVersionCompat struct {
	ExtensionSchema      string            `yaml:"extension_schema"`
	CompatibleExtensions map[string]string `yaml:"compatible_extensions"`
	BreakingChanges      []string          `yaml:"breaking_changes,omitempty"`
}

// ParseMatrix decodes a compatibility matrix document.
func ParseMatrix(data []byte) (*Matrix, error) {
	var m Matrix
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing compatibility matrix: %w", err)
	}
	if m.CLIVersions == nil {
		m.CLIVersions = make(map[string]CLIVersionCompat)
	}
	return &m, nil
}

// VersionPattern reduces a CLI version to its matrix key form "M.m.x".
func VersionPattern(cliVersion string) (string, error) {
	v, err := semver.StrictNewVersion(cliVersion)
	if err != nil {
		return "", fmt.Errorf("invalid cli version %q: %w", cliVersion, err)
	}
	return fmt.Sprintf("%d.%d.x", v.Major(), v.Minor()), nil
}

// GetCompatibleRange returns the semver range of extension versions
// compatible with the given CLI version.
func (m *Matrix) GetCompatibleRange(cliVersion, name string) (string, error) {
	pattern, err := VersionPattern(cliVersion)
	if err != nil {
		return "", err
	}
	compat, ok := m.CLIVersions[pattern]
	if !ok {
		return "", fmt.Errorf("no compatibility entry for cli version line %s", pattern)
	}
	rng, ok := compat.CompatibleExtensions[name]
	if !ok {
		return "", fmt.Errorf("extension %s has no compatible range for cli %s", name, pattern)
	}
	return rng, nil
}

// BreakingChangesFor returns breaking-change notes for a CLI version line.
func (m *Matrix) BreakingChangesFor(cliVersion string) []string {
	pattern, err := VersionPattern(cliVersion)
	if err != nil {
		return nil
	}
	return m.CLIVersions[pattern].BreakingChanges
}
