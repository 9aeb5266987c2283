// Package backends implements the pluggable installers that place
// extension tooling on the machine: script, mise, apt, binary, npm and
// the hybrid combinator.
package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/telemetry"
)

// DefaultOperationTimeout bounds a single backend operation when the
// manifest does not declare its own.
const DefaultOperationTimeout = 300 * time.Second

// Request carries everything a backend needs for one operation.
type Request struct {
	Extension  *manifest.Extension
	PayloadDir string
	Home       string

	// Env fully replaces the subprocess environment. The dispatcher
	// seeds it with HOME and SINDRI_EXTENSION_DIR.
	Env []string

	// KeepPackages are apt packages other installed extensions declare
	// they need; Remove must not purge them.
	KeepPackages map[string]bool
}

// InstallOutput captures what a backend ran and what it printed.
type InstallOutput struct {
	Method     manifest.InstallMethod
	Stdout     []string
	Stderr     []string
	ExitStatus int
}

// CombinedStdout joins captured stdout lines for logging.
func (o *InstallOutput) CombinedStdout() string {
	return strings.Join(o.Stdout, "\n")
}

// CombinedStderr joins captured stderr lines for logging.
func (o *InstallOutput) CombinedStderr() string {
	return strings.Join(o.Stderr, "\n")
}

func (o *InstallOutput) appendResult(res Result) {
	o.Stdout = append(o.Stdout, res.Stdout...)
	o.Stderr = append(o.Stderr, res.Stderr...)
	o.ExitStatus = res.ExitCode
}

// Backend is the capability set every installer implements.
type Backend interface {
	Name() manifest.InstallMethod
	Install(ctx context.Context, req Request) (*InstallOutput, error)
	Remove(ctx context.Context, req Request) error
	Upgrade(ctx context.Context, req Request, oldVersion, newVersion string) error
}

// Command describes one subprocess invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Result is the captured outcome of a subprocess. A non-zero exit is
// reported through ExitCode, not through an error.
type Result struct {
	Stdout   []string
	Stderr   []string
	ExitCode int
}

// Runner executes subprocesses. Tests substitute a scripted fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{
		Stdout: splitLines(stdout.String()),
		Stderr: splitLines(stderr.String()),
	}

	// A deadline kill also surfaces as *exec.ExitError, so the context
	// is consulted before classifying exit errors.
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return res, &AttemptTimeoutError{Command: cmd.Name, Err: ctx.Err()}
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("starting %s: %w", cmd.Name, err)
	}
	return res, nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// ScriptNotFoundError reports a missing or non-regular install script.
type ScriptNotFoundError struct {
	Path string
}

func (e *ScriptNotFoundError) Error() string {
	return fmt.Sprintf("install script not found: %s", e.Path)
}

// NonZeroExitError reports a subprocess that ran but failed.
type NonZeroExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
}

// ChecksumMismatchError reports a downloaded artefact that failed
// verification. The target path is guaranteed untouched.
type ChecksumMismatchError struct {
	URL      string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.URL, e.Expected, e.Actual)
}

// AttemptTimeoutError reports a backend operation that exceeded its
// deadline or was cancelled.
type AttemptTimeoutError struct {
	Command string
	Err     error
}

func (e *AttemptTimeoutError) Error() string {
	return fmt.Sprintf("backend operation %s did not finish: %v", e.Command, e.Err)
}

func (e *AttemptTimeoutError) Unwrap() error { return e.Err }

// UnknownMethodError reports a manifest install method with no backend.
type UnknownMethodError struct {
	Method manifest.InstallMethod
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("no install backend for method %q", e.Method)
}

// Registry dispatches install methods to backends.
type Registry struct {
	backends map[manifest.InstallMethod]Backend
}

// NewRegistry wires the standard backends over a shared runner.
func NewRegistry(runner Runner, logger *telemetry.Logger) *Registry {
	r := &Registry{backends: make(map[manifest.InstallMethod]Backend)}
	r.register(NewScriptBackend(runner, logger))
	r.register(NewMiseBackend(runner, logger))
	r.register(NewAptBackend(runner, logger))
	r.register(NewBinaryBackend(logger))
	r.register(NewNpmBackend(runner, logger))
	r.register(NewHybridBackend(r, logger))
	return r
}

func (r *Registry) register(b Backend) {
	r.backends[b.Name()] = b
}

// For returns the backend for an install method.
func (r *Registry) For(method manifest.InstallMethod) (Backend, error) {
	b, ok := r.backends[method]
	if !ok {
		return nil, &UnknownMethodError{Method: method}
	}
	return b, nil
}
