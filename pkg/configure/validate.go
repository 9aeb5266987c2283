package configure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/telemetry"
)

// defaultValidationPaths are prepended to PATH, relative to home unless
// prefixed with "workspace/", so tools installed by any backend are
// discoverable during validation.
var defaultValidationPaths = []string{
	".local/share/mise/shims",
	".local/bin",
	"workspace/bin",
	"go/bin",
	".cargo/bin",
	".fly/bin",
	".npm-global/bin",
}

// ExtraPathsEnv names the colon-separated override of additional
// validation paths.
const ExtraPathsEnv = "SINDRI_VALIDATION_EXTRA_PATHS"

// defaultCommandTimeout bounds a single validation command.
const defaultCommandTimeout = 60 * time.Second

// CommandRunner executes a command and returns its combined stdout.
// The env slice fully replaces the inherited environment.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, env []string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, env []string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Env = env
	out, err := cmd.Output()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command %s timed out", name)
	}
	return string(out), err
}

// ValidationFailure describes one failed check with a human-readable
// reason, recorded on validation_failed events.
type ValidationFailure struct {
	Check  string
	Reason string
}

func (f *ValidationFailure) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", f.Check, f.Reason)
}

// Validator runs post-install checks with an assembled PATH.
type Validator struct {
	home      string
	workspace string
	runner    CommandRunner
	logger    *telemetry.Logger
	lookupEnv func(string) (string, bool)
}

// NewValidator creates a validator for the given home and workspace.
func NewValidator(home, workspace string, logger *telemetry.Logger) *Validator {
	return &Validator{
		home:      home,
		workspace: workspace,
		runner:    execRunner{},
		logger:    logger.NewComponentLogger("validate"),
		lookupEnv: os.LookupEnv,
	}
}

// WithRunner overrides subprocess execution, mainly for tests.
func (v *Validator) WithRunner(r CommandRunner) *Validator {
	v.runner = r
	return v
}

// WithEnvLookup overrides environment lookup, mainly for tests.
func (v *Validator) WithEnvLookup(lookup func(string) (string, bool)) *Validator {
	v.lookupEnv = lookup
	return v
}

// BuildPath assembles the validation PATH: default directories that
// exist and are not already present, then configured extras, then the
// current PATH.
func (v *Validator) BuildPath() string {
	current := ""
	if cur, ok := v.lookupEnv("PATH"); ok {
		current = cur
	}

	candidates := append([]string{}, defaultValidationPaths...)
	if extra, ok := v.lookupEnv(ExtraPathsEnv); ok && extra != "" {
		candidates = append(candidates, strings.Split(extra, ":")...)
	}

	var prepend []string
	for _, c := range candidates {
		resolved := v.resolvePath(c)
		if !dirExists(resolved) || pathInList(resolved, current) {
			continue
		}
		prepend = append(prepend, resolved)
	}

	if len(prepend) == 0 {
		return current
	}
	return strings.Join(prepend, ":") + ":" + current
}

func (v *Validator) resolvePath(p string) string {
	switch {
	case strings.HasPrefix(p, "workspace/"):
		return filepath.Join(v.workspace, strings.TrimPrefix(p, "workspace/"))
	case filepath.IsAbs(p):
		return p
	default:
		return filepath.Join(v.home, p)
	}
}

func dirExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func pathInList(p, pathVar string) bool {
	for _, entry := range strings.Split(pathVar, ":") {
		if entry == p {
			return true
		}
	}
	return false
}

// validationEnv builds the subprocess environment with the assembled
// PATH substituted in.
func (v *Validator) validationEnv() []string {
	path := v.BuildPath()
	env := os.Environ()
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "PATH="+path)
}

// Run executes every declared check. The first failure is returned as a
// ValidationFailure.
func (v *Validator) Run(ctx context.Context, spec manifest.ValidateSpec) error {
	env := v.validationEnv()

	for _, cmd := range spec.Commands {
		if err := v.runCommand(ctx, cmd, env); err != nil {
			return err
		}
	}
	for _, tool := range spec.MiseTools {
		if err := v.checkMiseTool(ctx, tool, env); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) runCommand(ctx context.Context, cmd manifest.ValidationCommand, env []string) error {
	var args []string
	if cmd.VersionFlag != "" {
		args = append(args, cmd.VersionFlag)
	}

	out, err := v.runner.Run(ctx, cmd.Command, args, env)
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return &ValidationFailure{
				Check:  cmd.Command,
				Reason: fmt.Sprintf("command not found: %v", err),
			}
		}
		return &ValidationFailure{
			Check:  cmd.Command,
			Reason: fmt.Sprintf("command failed: %v", err),
		}
	}

	if cmd.ExpectedPattern != "" {
		re, err := regexp.Compile(cmd.ExpectedPattern)
		if err != nil {
			return &ValidationFailure{
				Check:  cmd.Command,
				Reason: fmt.Sprintf("invalid expected_pattern: %v", err),
			}
		}
		if !re.MatchString(out) {
			return &ValidationFailure{
				Check:  cmd.Command,
				Reason: fmt.Sprintf("output did not match %q", cmd.ExpectedPattern),
			}
		}
	}

	v.logger.WithField("command", cmd.Command).Debug("validation command succeeded")
	return nil
}

// checkMiseTool verifies a "tool@spec" resolves through mise. For a
// pinned spec the resolved version must satisfy it as a semver range.
func (v *Validator) checkMiseTool(ctx context.Context, tool string, env []string) error {
	name := tool
	spec := "latest"
	if idx := strings.IndexByte(tool, '@'); idx >= 0 {
		name = tool[:idx]
		spec = tool[idx+1:]
	}

	if _, err := v.runner.Run(ctx, "mise", []string{"which", name}, env); err != nil {
		return &ValidationFailure{
			Check:  "mise:" + name,
			Reason: fmt.Sprintf("mise cannot resolve tool: %v", err),
		}
	}

	if spec == "latest" || spec == "" {
		return nil
	}

	out, err := v.runner.Run(ctx, "mise", []string{"current", name}, env)
	if err != nil {
		return &ValidationFailure{
			Check:  "mise:" + name,
			Reason: fmt.Sprintf("mise current failed: %v", err),
		}
	}

	resolved := strings.TrimSpace(out)
	ver, err := semver.NewVersion(resolved)
	if err != nil {
		return &ValidationFailure{
			Check:  "mise:" + name,
			Reason: fmt.Sprintf("resolved version %q is not semver", resolved),
		}
	}
	req, err := semver.NewConstraint(spec)
	if err != nil {
		return &ValidationFailure{
			Check:  "mise:" + name,
			Reason: fmt.Sprintf("invalid tool spec %q", spec),
		}
	}
	if !req.Check(ver) {
		return &ValidationFailure{
			Check:  "mise:" + name,
			Reason: fmt.Sprintf("resolved version %s does not satisfy %s", resolved, spec),
		}
	}
	return nil
}
