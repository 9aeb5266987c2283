package backends

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/telemetry"
)

const (
	aptSourcesDir  = "/etc/apt/sources.list.d"
	aptKeyringsDir = "/etc/apt/keyrings"
)

// AptBackend installs distribution packages, registering extension
// repositories and signing keys first.
type AptBackend struct {
	runner Runner
	client *http.Client
	logger *telemetry.Logger

	// sourcesDir and keyringsDir are overridable for tests.
	sourcesDir  string
	keyringsDir string
}

func NewAptBackend(runner Runner, logger *telemetry.Logger) *AptBackend {
	return &AptBackend{
		runner:      runner,
		client:      http.DefaultClient,
		logger:      logger.NewComponentLogger("backend.apt"),
		sourcesDir:  aptSourcesDir,
		keyringsDir: aptKeyringsDir,
	}
}

// WithDirs overrides the apt config locations, mainly for tests.
func (b *AptBackend) WithDirs(sources, keyrings string) *AptBackend {
	b.sourcesDir = sources
	b.keyringsDir = keyrings
	return b
}

// WithClient overrides the HTTP client used for key downloads.
func (b *AptBackend) WithClient(c *http.Client) *AptBackend {
	b.client = c
	return b
}

func (b *AptBackend) Name() manifest.InstallMethod { return manifest.MethodApt }

func (b *AptBackend) Install(ctx context.Context, req Request) (*InstallOutput, error) {
	spec := req.Extension.Install.Apt
	if spec == nil {
		return nil, fmt.Errorf("extension %s has no apt configuration", req.Extension.Name)
	}

	out := &InstallOutput{Method: manifest.MethodApt}

	updated := false
	for _, repo := range spec.Repos {
		changed, err := b.registerRepo(ctx, repo)
		if err != nil {
			return out, err
		}
		updated = updated || changed
	}
	if updated {
		if err := b.aptGet(ctx, req, out, "update"); err != nil {
			return out, err
		}
	}

	args := append([]string{"install", "-y", "--no-install-recommends"}, spec.Packages...)
	if err := b.aptGet(ctx, req, out, args...); err != nil {
		return out, err
	}

	b.logger.WithExtension(req.Extension.Name).
		WithField("packages", spec.Packages).
		Debug("apt packages installed")
	return out, nil
}

// registerRepo writes the source entry and signing key. Writes are
// skipped when the on-disk content already matches, so repeat installs
// do not trigger apt-get update.
func (b *AptBackend) registerRepo(ctx context.Context, repo manifest.AptRepo) (bool, error) {
	changed := false

	if repo.KeyURL != "" {
		keyPath := filepath.Join(b.keyringsDir, repo.Name+".asc")
		key, err := b.fetchKey(ctx, repo.KeyURL)
		if err != nil {
			return false, err
		}
		wrote, err := writeIfChanged(keyPath, key, 0644)
		if err != nil {
			return false, fmt.Errorf("writing apt key %s: %w", keyPath, err)
		}
		changed = changed || wrote
	}

	listPath := filepath.Join(b.sourcesDir, repo.Name+".list")
	wrote, err := writeIfChanged(listPath, []byte(repo.Line+"\n"), 0644)
	if err != nil {
		return false, fmt.Errorf("writing apt source %s: %w", listPath, err)
	}
	return changed || wrote, nil
}

func (b *AptBackend) fetchKey(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetching apt key %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching apt key %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (b *AptBackend) aptGet(ctx context.Context, req Request, out *InstallOutput, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, DefaultOperationTimeout)
	defer cancel()

	// Appended so it wins over any DEBIAN_FRONTEND in the seeded env.
	env := append(append([]string{}, req.Env...), "DEBIAN_FRONTEND=noninteractive")
	res, err := b.runner.Run(runCtx, Command{Name: "apt-get", Args: args, Env: env})
	out.appendResult(res)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &NonZeroExitError{
			Command:  "apt-get " + args[0],
			ExitCode: res.ExitCode,
			Stderr:   out.CombinedStderr(),
		}
	}
	return nil
}

// Remove purges the extension's packages, keeping any a surviving
// extension declared it needs.
func (b *AptBackend) Remove(ctx context.Context, req Request) error {
	spec := req.Extension.Install.Apt
	if spec == nil {
		return nil
	}

	var purge []string
	for _, pkg := range spec.Packages {
		if req.KeepPackages[pkg] {
			b.logger.WithField("package", pkg).Debug("package kept by another extension")
			continue
		}
		purge = append(purge, pkg)
	}
	if len(purge) == 0 {
		return nil
	}

	out := &InstallOutput{Method: manifest.MethodApt}
	return b.aptGet(ctx, req, out, append([]string{"purge", "-y"}, purge...)...)
}

// Upgrade upgrades only the declared packages.
func (b *AptBackend) Upgrade(ctx context.Context, req Request, _, _ string) error {
	spec := req.Extension.Install.Apt
	if spec == nil {
		return fmt.Errorf("extension %s has no apt configuration", req.Extension.Name)
	}
	out := &InstallOutput{Method: manifest.MethodApt}
	args := append([]string{"install", "-y", "--only-upgrade"}, spec.Packages...)
	return b.aptGet(ctx, req, out, args...)
}

func writeIfChanged(path string, content []byte, perm os.FileMode) (bool, error) {
	if existing, err := os.ReadFile(path); err == nil && string(existing) == string(content) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, err
	}
	return true, nil
}
