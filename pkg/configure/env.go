package configure

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sindri-dev/sindri/pkg/manifest"
)

// EnvProcessor persists environment variables in shell startup files or
// the current process, per the declared scope.
type EnvProcessor struct {
	home string
}

// NewEnvProcessor creates a processor writing under the given home.
func NewEnvProcessor(home string) *EnvProcessor {
	return &EnvProcessor{home: home}
}

// Set applies one env spec. File scopes are idempotent: an existing
// export line for the same key is replaced in place, exactly once.
func (p *EnvProcessor) Set(spec manifest.EnvSpec) error {
	switch spec.Scope {
	case manifest.ScopeBashrc:
		return p.setInFile(filepath.Join(p.home, ".bashrc"), spec.Key, spec.Value)

	case manifest.ScopeProfile:
		return p.setInFile(p.profileFile(), spec.Key, spec.Value)

	case manifest.ScopeSession:
		return os.Setenv(spec.Key, spec.Value)

	default:
		return fmt.Errorf("unknown env scope %q", spec.Scope)
	}
}

// profileFile prefers .bash_profile when it exists, else .profile.
func (p *EnvProcessor) profileFile() string {
	bashProfile := filepath.Join(p.home, ".bash_profile")
	if _, err := os.Stat(bashProfile); err == nil {
		return bashProfile
	}
	return filepath.Join(p.home, ".profile")
}

func (p *EnvProcessor) setInFile(path, key, value string) error {
	exportLine := fmt.Sprintf("export %s=%q", key, value)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	prefix := fmt.Sprintf("export %s=", key)
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), prefix) && !replaced {
			lines[i] = exportLine
			replaced = true
		}
	}

	var content string
	if replaced {
		content = strings.Join(lines, "\n")
	} else {
		content = string(data)
		if len(content) > 0 && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += exportLine + "\n"
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
