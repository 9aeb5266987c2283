package backends

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/telemetry"
)

// ScriptBackend runs an extension-supplied script inside the payload
// directory. A non-zero exit is a hard failure.
type ScriptBackend struct {
	runner Runner
	logger *telemetry.Logger
}

func NewScriptBackend(runner Runner, logger *telemetry.Logger) *ScriptBackend {
	return &ScriptBackend{
		runner: runner,
		logger: logger.NewComponentLogger("backend.script"),
	}
}

func (b *ScriptBackend) Name() manifest.InstallMethod { return manifest.MethodScript }

func (b *ScriptBackend) Install(ctx context.Context, req Request) (*InstallOutput, error) {
	spec := req.Extension.Install.Script
	if spec == nil {
		return nil, fmt.Errorf("extension %s has no script configuration", req.Extension.Name)
	}
	return b.runScript(ctx, req, spec)
}

func (b *ScriptBackend) runScript(ctx context.Context, req Request, spec *manifest.ScriptInstall) (*InstallOutput, error) {
	script := filepath.Join(req.PayloadDir, spec.Path)
	fi, err := os.Stat(script)
	if err != nil || !fi.Mode().IsRegular() {
		return nil, &ScriptNotFoundError{Path: script}
	}

	timeout := time.Duration(spec.EffectiveTimeout(int(DefaultOperationTimeout.Seconds()))) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{script}, spec.Args...)
	res, err := b.runner.Run(runCtx, Command{
		Name: "bash",
		Args: args,
		Dir:  req.PayloadDir,
		Env:  req.Env,
	})

	out := &InstallOutput{Method: manifest.MethodScript}
	out.appendResult(res)
	if err != nil {
		return out, err
	}
	if res.ExitCode != 0 {
		return out, &NonZeroExitError{
			Command:  spec.Path,
			ExitCode: res.ExitCode,
			Stderr:   out.CombinedStderr(),
		}
	}

	b.logger.WithExtension(req.Extension.Name).WithField("script", spec.Path).Debug("install script succeeded")
	return out, nil
}

// Remove runs the manifest's remove script when declared; otherwise a
// script install has nothing to undo beyond its payload directory.
func (b *ScriptBackend) Remove(ctx context.Context, req Request) error {
	if req.Extension.Remove == nil || req.Extension.Remove.Script == nil {
		return nil
	}
	_, err := b.runScript(ctx, req, req.Extension.Remove.Script)
	return err
}

// Upgrade reruns the install script against the new payload.
func (b *ScriptBackend) Upgrade(ctx context.Context, req Request, _, _ string) error {
	_, err := b.Install(ctx, req)
	return err
}
