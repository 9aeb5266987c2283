package backends

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/telemetry"
)

const miseInstallRetries = 3

// MiseBackend merges a TOML config fragment into mise's conf.d tree and
// asks mise to install the declared tools.
type MiseBackend struct {
	runner Runner
	logger *telemetry.Logger
}

func NewMiseBackend(runner Runner, logger *telemetry.Logger) *MiseBackend {
	return &MiseBackend{
		runner: runner,
		logger: logger.NewComponentLogger("backend.mise"),
	}
}

func (b *MiseBackend) Name() manifest.InstallMethod { return manifest.MethodMise }

// fragmentPath is where the extension's mise config lands.
func fragmentPath(home, name string) string {
	return filepath.Join(home, ".config", "mise", "conf.d", name+".toml")
}

func (b *MiseBackend) Install(ctx context.Context, req Request) (*InstallOutput, error) {
	spec := req.Extension.Install.Mise
	if spec == nil {
		return nil, fmt.Errorf("extension %s has no mise configuration", req.Extension.Name)
	}

	out := &InstallOutput{Method: manifest.MethodMise}

	fragment, err := b.mergeFragment(req, spec)
	if err != nil {
		return out, err
	}

	if err := b.runMise(ctx, req, out, "install"); err != nil {
		return out, err
	}
	if spec.Reshim {
		if err := b.runMise(ctx, req, out, "reshim"); err != nil {
			return out, err
		}
	}

	b.logger.WithExtension(req.Extension.Name).WithField("fragment", fragment).Debug("mise install finished")
	return out, nil
}

// mergeFragment deep-merges the extension's TOML into the existing
// conf.d fragment. An identical fragment is left untouched so repeat
// installs stay idempotent.
func (b *MiseBackend) mergeFragment(req Request, spec *manifest.MiseInstall) (string, error) {
	source := filepath.Join(req.PayloadDir, spec.ConfigFile)
	incoming, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("reading mise config %s: %w", source, err)
	}

	var overlay map[string]interface{}
	if err := toml.Unmarshal(incoming, &overlay); err != nil {
		return "", fmt.Errorf("parsing mise config %s: %w", source, err)
	}

	dest := fragmentPath(req.Home, req.Extension.Name)
	merged := overlay
	if existing, err := os.ReadFile(dest); err == nil {
		var base map[string]interface{}
		if err := toml.Unmarshal(existing, &base); err != nil {
			return "", fmt.Errorf("existing fragment %s is not valid TOML: %w", dest, err)
		}
		merged = mergeTOML(base, overlay)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading fragment %s: %w", dest, err)
	}

	rendered, err := toml.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("rendering merged fragment: %w", err)
	}

	if existing, err := os.ReadFile(dest); err == nil && contentHash(existing) == contentHash(rendered) {
		b.logger.WithField("fragment", dest).Debug("fragment unchanged, skipping write")
		return dest, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("creating conf.d directory: %w", err)
	}
	if err := os.WriteFile(dest, rendered, 0644); err != nil {
		return "", fmt.Errorf("writing fragment %s: %w", dest, err)
	}
	return dest, nil
}

// runMise invokes a mise subcommand, retrying transient failures with
// exponential backoff.
func (b *MiseBackend) runMise(ctx context.Context, req Request, out *InstallOutput, args ...string) error {
	var lastErr error
	for attempt := 0; attempt < miseInstallRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return &AttemptTimeoutError{Command: "mise " + args[0], Err: ctx.Err()}
			}
		}

		runCtx, cancel := context.WithTimeout(ctx, DefaultOperationTimeout)
		res, err := b.runner.Run(runCtx, Command{
			Name: "mise",
			Args: args,
			Dir:  req.Home,
			Env:  req.Env,
		})
		cancel()

		out.appendResult(res)
		if err != nil {
			lastErr = err
			continue
		}
		if res.ExitCode != 0 {
			lastErr = &NonZeroExitError{
				Command:  "mise " + args[0],
				ExitCode: res.ExitCode,
				Stderr:   out.CombinedStderr(),
			}
			continue
		}
		return nil
	}
	return lastErr
}

// Remove deletes the conf.d fragment and reshims so stale shims drop.
func (b *MiseBackend) Remove(ctx context.Context, req Request) error {
	dest := fragmentPath(req.Home, req.Extension.Name)
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing fragment %s: %w", dest, err)
	}
	out := &InstallOutput{Method: manifest.MethodMise}
	return b.runMise(ctx, req, out, "reshim")
}

// Upgrade re-merges the new payload's fragment and upgrades the tools.
func (b *MiseBackend) Upgrade(ctx context.Context, req Request, _, _ string) error {
	spec := req.Extension.Install.Mise
	if spec == nil {
		return fmt.Errorf("extension %s has no mise configuration", req.Extension.Name)
	}
	if _, err := b.mergeFragment(req, spec); err != nil {
		return err
	}
	out := &InstallOutput{Method: manifest.MethodMise}
	if err := b.runMise(ctx, req, out, "upgrade"); err != nil {
		return err
	}
	if spec.Reshim {
		return b.runMise(ctx, req, out, "reshim")
	}
	return nil
}

func mergeTOML(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if baseMap, ok := out[k].(map[string]interface{}); ok {
			if overlayMap, ok := v.(map[string]interface{}); ok {
				out[k] = mergeTOML(baseMap, overlayMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
