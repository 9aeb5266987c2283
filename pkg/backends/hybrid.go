package backends

import (
	"context"
	"fmt"
	"sort"

	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/telemetry"
)

// hybridOrder ranks the hybrid steps: system packages first so later
// steps can rely on them, arbitrary scripts last for post-processing.
var hybridOrder = map[manifest.InstallMethod]int{
	manifest.MethodApt:    0,
	manifest.MethodMise:   1,
	manifest.MethodNpm:    2,
	manifest.MethodBinary: 3,
	manifest.MethodScript: 4,
}

// HybridBackend runs every declared step through its delegate backend
// in canonical order. All steps must succeed.
type HybridBackend struct {
	registry *Registry
	logger   *telemetry.Logger
}

func NewHybridBackend(registry *Registry, logger *telemetry.Logger) *HybridBackend {
	return &HybridBackend{
		registry: registry,
		logger:   logger.NewComponentLogger("backend.hybrid"),
	}
}

func (b *HybridBackend) Name() manifest.InstallMethod { return manifest.MethodHybrid }

// orderedSpecs returns the hybrid steps in canonical order, stable
// within equal ranks.
func orderedSpecs(specs []manifest.InstallSpec) []manifest.InstallSpec {
	out := append([]manifest.InstallSpec{}, specs...)
	sort.SliceStable(out, func(i, j int) bool {
		return hybridOrder[out[i].Method] < hybridOrder[out[j].Method]
	})
	return out
}

// subRequest rewrites the request so the delegate backend sees the
// step's spec as the extension's install configuration.
func subRequest(req Request, spec manifest.InstallSpec) Request {
	ext := *req.Extension
	ext.Install = spec
	req.Extension = &ext
	return req
}

func (b *HybridBackend) Install(ctx context.Context, req Request) (*InstallOutput, error) {
	specs := req.Extension.Install.Hybrid
	if len(specs) == 0 {
		return nil, fmt.Errorf("extension %s has no hybrid steps", req.Extension.Name)
	}

	out := &InstallOutput{Method: manifest.MethodHybrid}

	for _, spec := range orderedSpecs(specs) {
		delegate, err := b.registry.For(spec.Method)
		if err != nil {
			return out, err
		}

		subOut, err := delegate.Install(ctx, subRequest(req, spec))
		if subOut != nil {
			out.Stdout = append(out.Stdout, subOut.Stdout...)
			out.Stderr = append(out.Stderr, subOut.Stderr...)
			out.ExitStatus = subOut.ExitStatus
		}
		if err != nil {
			return out, fmt.Errorf("hybrid step %s: %w", spec.Method, err)
		}

		b.logger.WithExtension(req.Extension.Name).
			WithField("method", string(spec.Method)).
			Debug("hybrid step succeeded")
	}

	return out, nil
}

// Remove undoes every step that has something to undo; the first
// failure is returned after all steps ran.
func (b *HybridBackend) Remove(ctx context.Context, req Request) error {
	var firstErr error
	for _, spec := range orderedSpecs(req.Extension.Install.Hybrid) {
		delegate, err := b.registry.For(spec.Method)
		if err != nil {
			continue
		}
		if err := delegate.Remove(ctx, subRequest(req, spec)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Upgrade runs every step's upgrade in canonical order, stopping on
// the first failure.
func (b *HybridBackend) Upgrade(ctx context.Context, req Request, oldVersion, newVersion string) error {
	for _, spec := range orderedSpecs(req.Extension.Install.Hybrid) {
		delegate, err := b.registry.For(spec.Method)
		if err != nil {
			return err
		}
		if err := delegate.Upgrade(ctx, subRequest(req, spec), oldVersion, newVersion); err != nil {
			return fmt.Errorf("hybrid step %s: %w", spec.Method, err)
		}
	}
	return nil
}
