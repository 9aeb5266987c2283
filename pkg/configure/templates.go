package configure

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/telemetry"
)

// TemplateAction reports what Apply did with a template.
type TemplateAction string

const (
	ActionCreated     TemplateAction = "created"
	ActionOverwritten TemplateAction = "overwritten"
	ActionSkipped     TemplateAction = "skipped"
	ActionMerged      TemplateAction = "merged"
)

// TemplateResult is the outcome of materialising one template.
type TemplateResult struct {
	Action     TemplateAction
	Dest       string
	BackupPath string
}

// Materializer applies template specs for one extension payload.
type Materializer struct {
	resolver *PathResolver
	logger   *telemetry.Logger
}

// NewMaterializer creates a materializer using the given path resolver.
func NewMaterializer(resolver *PathResolver, logger *telemetry.Logger) *Materializer {
	return &Materializer{
		resolver: resolver,
		logger:   logger.NewComponentLogger("configure"),
	}
}

// Apply materialises one template according to its mode. The source
// must resolve inside the payload directory and the destination inside
// the allow-listed tree; violations reject with no side effects.
func (m *Materializer) Apply(spec manifest.TemplateSpec) (TemplateResult, error) {
	source, err := m.resolver.ResolveSource(spec.Source)
	if err != nil {
		return TemplateResult{}, err
	}
	dest, err := m.resolver.ResolveDestination(spec.Dest)
	if err != nil {
		return TemplateResult{}, err
	}

	content, err := os.ReadFile(source)
	if err != nil {
		return TemplateResult{}, fmt.Errorf("reading template source %s: %w", source, err)
	}

	existing, err := os.ReadFile(dest)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return TemplateResult{}, fmt.Errorf("reading destination %s: %w", dest, err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return TemplateResult{}, fmt.Errorf("creating destination directory: %w", err)
	}

	mode := spec.Mode
	if mode == "" {
		mode = manifest.ModeOverwrite
	}

	if !exists {
		if err := os.WriteFile(dest, content, 0644); err != nil {
			return TemplateResult{}, fmt.Errorf("writing %s: %w", dest, err)
		}
		return TemplateResult{Action: ActionCreated, Dest: dest}, nil
	}

	switch mode {
	case manifest.ModeSkip:
		m.logger.WithField("dest", dest).Debug("destination exists, skipping template")
		return TemplateResult{Action: ActionSkipped, Dest: dest}, nil

	case manifest.ModeBackup:
		backup := dest + ".bak"
		if err := os.WriteFile(backup, existing, 0644); err != nil {
			return TemplateResult{}, fmt.Errorf("backing up %s: %w", dest, err)
		}
		if err := os.WriteFile(dest, content, 0644); err != nil {
			return TemplateResult{}, fmt.Errorf("writing %s: %w", dest, err)
		}
		return TemplateResult{Action: ActionOverwritten, Dest: dest, BackupPath: backup}, nil

	case manifest.ModeMerge:
		if spec.MergeStrategy == "" {
			return TemplateResult{}, &MergeConflictError{Dest: dest}
		}
		merged, err := mergeContent(existing, content, spec.MergeStrategy)
		if err != nil {
			return TemplateResult{}, err
		}
		if err := os.WriteFile(dest, merged, 0644); err != nil {
			return TemplateResult{}, fmt.Errorf("writing %s: %w", dest, err)
		}
		return TemplateResult{Action: ActionMerged, Dest: dest}, nil

	case manifest.ModeOverwrite:
		if err := os.WriteFile(dest, content, 0644); err != nil {
			return TemplateResult{}, fmt.Errorf("writing %s: %w", dest, err)
		}
		return TemplateResult{Action: ActionOverwritten, Dest: dest}, nil

	default:
		return TemplateResult{}, fmt.Errorf("unknown template mode %q", mode)
	}
}

// MergeConflictError reports a merge-mode template without a strategy.
type MergeConflictError struct {
	Dest string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("destination %s exists and merge mode has no strategy", e.Dest)
}

func mergeContent(existing, incoming []byte, strategy manifest.MergeStrategy) ([]byte, error) {
	switch strategy {
	case manifest.MergeAppend:
		return appendWithNewline(existing, incoming), nil
	case manifest.MergePrepend:
		return appendWithNewline(incoming, existing), nil
	case manifest.MergeJSON:
		return mergeJSON(existing, incoming)
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}
}

func appendWithNewline(first, second []byte) []byte {
	out := append([]byte{}, first...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return append(out, second...)
}

// mergeJSON deep-merges two JSON objects, incoming keys winning.
func mergeJSON(existing, incoming []byte) ([]byte, error) {
	var base, overlay map[string]interface{}
	if err := json.Unmarshal(existing, &base); err != nil {
		return nil, fmt.Errorf("merge target is not a JSON object: %w", err)
	}
	if err := json.Unmarshal(incoming, &overlay); err != nil {
		return nil, fmt.Errorf("template is not a JSON object: %w", err)
	}

	merged := deepMerge(base, overlay)
	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func deepMerge(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if baseMap, ok := out[k].(map[string]interface{}); ok {
			if overlayMap, ok := v.(map[string]interface{}); ok {
				out[k] = deepMerge(baseMap, overlayMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}
