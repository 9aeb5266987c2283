package backends

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/telemetry"
)

// BinaryBackend downloads a single artefact, verifies it and moves it
// to its target path. Verification happens against a temporary file so
// a mismatch never leaves anything at the target.
type BinaryBackend struct {
	client *http.Client
	logger *telemetry.Logger
}

func NewBinaryBackend(logger *telemetry.Logger) *BinaryBackend {
	return &BinaryBackend{
		client: http.DefaultClient,
		logger: logger.NewComponentLogger("backend.binary"),
	}
}

// WithClient overrides the HTTP client, mainly for tests.
func (b *BinaryBackend) WithClient(c *http.Client) *BinaryBackend {
	b.client = c
	return b
}

func (b *BinaryBackend) Name() manifest.InstallMethod { return manifest.MethodBinary }

func (b *BinaryBackend) Install(ctx context.Context, req Request) (*InstallOutput, error) {
	spec := req.Extension.Install.Binary
	if spec == nil {
		return nil, fmt.Errorf("extension %s has no binary configuration", req.Extension.Name)
	}

	out := &InstallOutput{Method: manifest.MethodBinary}
	target := b.resolveTarget(req, spec.TargetPath)

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return out, fmt.Errorf("creating target directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".sindri-download-*")
	if err != nil {
		return out, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	sum, err := b.download(ctx, spec.URL, tmp)
	closeErr := tmp.Close()
	if err != nil {
		return out, err
	}
	if closeErr != nil {
		return out, fmt.Errorf("closing download: %w", closeErr)
	}

	if spec.Checksum != "" && !strings.EqualFold(sum, spec.Checksum) {
		return out, &ChecksumMismatchError{URL: spec.URL, Expected: spec.Checksum, Actual: sum}
	}

	mode := os.FileMode(spec.Mode)
	if mode == 0 {
		mode = 0755
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return out, fmt.Errorf("setting mode on %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return out, fmt.Errorf("moving artefact to %s: %w", target, err)
	}

	out.Stdout = append(out.Stdout, fmt.Sprintf("installed %s (sha256 %s)", target, sum))
	b.logger.WithExtension(req.Extension.Name).WithField("target", target).Debug("binary installed")
	return out, nil
}

func (b *BinaryBackend) resolveTarget(req Request, target string) string {
	if strings.HasPrefix(target, "~/") {
		return filepath.Join(req.Home, target[2:])
	}
	if !filepath.IsAbs(target) {
		return filepath.Join(req.Home, target)
	}
	return target
}

// download streams the artefact into w, hashing as it copies.
func (b *BinaryBackend) download(ctx context.Context, url string, w io.Writer) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, hasher), resp.Body); err != nil {
		return "", fmt.Errorf("downloading %s: %w", url, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Remove deletes the installed artefact.
func (b *BinaryBackend) Remove(_ context.Context, req Request) error {
	spec := req.Extension.Install.Binary
	if spec == nil {
		return nil
	}
	target := b.resolveTarget(req, spec.TargetPath)
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", target, err)
	}
	return nil
}

// Upgrade replaces the artefact with the new payload's version.
func (b *BinaryBackend) Upgrade(ctx context.Context, req Request, _, _ string) error {
	_, err := b.Install(ctx, req)
	return err
}
