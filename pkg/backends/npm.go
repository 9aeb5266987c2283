package backends

import (
	"context"
	"fmt"

	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/telemetry"
)

// NpmBackend installs npm packages, globally or under a prefix.
type NpmBackend struct {
	runner Runner
	logger *telemetry.Logger
}

func NewNpmBackend(runner Runner, logger *telemetry.Logger) *NpmBackend {
	return &NpmBackend{
		runner: runner,
		logger: logger.NewComponentLogger("backend.npm"),
	}
}

func (b *NpmBackend) Name() manifest.InstallMethod { return manifest.MethodNpm }

func (b *NpmBackend) npmArgs(spec *manifest.NpmInstall, verb string) []string {
	args := []string{verb}
	if spec.Global {
		args = append(args, "-g")
	}
	if spec.Prefix != "" {
		args = append(args, "--prefix", spec.Prefix)
	}
	return append(args, spec.Packages...)
}

func (b *NpmBackend) run(ctx context.Context, req Request, out *InstallOutput, args []string) error {
	runCtx, cancel := context.WithTimeout(ctx, DefaultOperationTimeout)
	defer cancel()

	res, err := b.runner.Run(runCtx, Command{Name: "npm", Args: args, Dir: req.Home, Env: req.Env})
	out.appendResult(res)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &NonZeroExitError{
			Command:  "npm " + args[0],
			ExitCode: res.ExitCode,
			Stderr:   out.CombinedStderr(),
		}
	}
	return nil
}

func (b *NpmBackend) Install(ctx context.Context, req Request) (*InstallOutput, error) {
	spec := req.Extension.Install.Npm
	if spec == nil {
		return nil, fmt.Errorf("extension %s has no npm configuration", req.Extension.Name)
	}

	out := &InstallOutput{Method: manifest.MethodNpm}
	if err := b.run(ctx, req, out, b.npmArgs(spec, "install")); err != nil {
		return out, err
	}

	b.logger.WithExtension(req.Extension.Name).
		WithField("packages", spec.Packages).
		Debug("npm packages installed")
	return out, nil
}

func (b *NpmBackend) Remove(ctx context.Context, req Request) error {
	spec := req.Extension.Install.Npm
	if spec == nil {
		return nil
	}
	out := &InstallOutput{Method: manifest.MethodNpm}
	return b.run(ctx, req, out, b.npmArgs(spec, "uninstall"))
}

func (b *NpmBackend) Upgrade(ctx context.Context, req Request, _, _ string) error {
	spec := req.Extension.Install.Npm
	if spec == nil {
		return fmt.Errorf("extension %s has no npm configuration", req.Extension.Name)
	}
	out := &InstallOutput{Method: manifest.MethodNpm}
	return b.run(ctx, req, out, b.npmArgs(spec, "update"))
}
