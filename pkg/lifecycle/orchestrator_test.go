package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sindri-dev/sindri/pkg/backends"
	"github.com/sindri-dev/sindri/pkg/configure"
	"github.com/sindri-dev/sindri/pkg/ledger"
	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/registry"
	"github.com/sindri-dev/sindri/pkg/telemetry"
	"github.com/sindri-dev/sindri/pkg/version"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

// fakeBackend records lifecycle calls and optionally fails them.
type fakeBackend struct {
	method     manifest.InstallMethod
	installs   []string
	removes    []string
	upgrades   []string
	installErr error
}

func (b *fakeBackend) Name() manifest.InstallMethod { return b.method }

func (b *fakeBackend) Install(_ context.Context, req backends.Request) (*backends.InstallOutput, error) {
	b.installs = append(b.installs, req.Extension.Name)
	out := &backends.InstallOutput{Method: b.method, Stdout: []string{"installed " + req.Extension.Name}}
	if b.installErr != nil {
		return out, b.installErr
	}
	return out, nil
}

func (b *fakeBackend) Remove(_ context.Context, req backends.Request) error {
	b.removes = append(b.removes, req.Extension.Name)
	return nil
}

func (b *fakeBackend) Upgrade(_ context.Context, req backends.Request, oldVersion, newVersion string) error {
	b.upgrades = append(b.upgrades, fmt.Sprintf("%s %s->%s", req.Extension.Name, oldVersion, newVersion))
	return nil
}

type fakeInstallers struct {
	backend *fakeBackend
}

func (f *fakeInstallers) For(manifest.InstallMethod) (backends.Backend, error) {
	return f.backend, nil
}

type staticRegLoader struct {
	reg *registry.Registry
	err error
}

func (l staticRegLoader) Load(context.Context, string) (*registry.Registry, error) {
	return l.reg, l.err
}

// harness wires an orchestrator with faked network and subprocess
// seams over real ledger, logsink and configure components.
type harness struct {
	o       *Orchestrator
	backend *fakeBackend
}

func newHarness(t *testing.T, index *registry.Index, tags map[string][]string) *harness {
	t.Helper()

	home := t.TempDir()
	paths := DefaultPaths(home)
	opts := Options{CLIVersion: "3.0.0"}

	matrix := &registry.Matrix{
		SchemaVersion: "1.0",
		CLIVersions:   map[string]registry.CLIVersionCompat{},
	}

	h := &harness{backend: &fakeBackend{method: manifest.MethodScript}}

	o := New(paths, opts, testLogger(t))
	o.regLoader = staticRegLoader{reg: registry.NewRegistry(index, matrix)}
	o.installers = &fakeInstallers{backend: h.backend}
	o.listTags = func(_ context.Context, repo string) ([]string, error) {
		list, ok := tags[repo]
		if !ok {
			return nil, fmt.Errorf("unknown repository %s", repo)
		}
		return list, nil
	}
	o.fetchPayload = func(_ context.Context, entry registry.Entry, name string, c version.Candidate, dest string) error {
		return writePayload(dest, name, c.Version.String(), entry.Dependencies)
	}
	o.runHook = func(context.Context, string, []string) error { return nil }

	h.o = o
	return h
}

// writePayload fabricates a minimal script-install payload on disk.
func writePayload(dest, name, ver string, dependencies []string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	def := fmt.Sprintf("name: %s\nversion: %s\ncategory: dev-tools\n", name, ver)
	if len(dependencies) > 0 {
		def += "dependencies:\n"
		for _, dep := range dependencies {
			def += "  - " + dep + "\n"
		}
	}
	def += "install:\n  method: script\n  script:\n    path: install.sh\n"
	if err := os.WriteFile(filepath.Join(dest, "extension.yaml"), []byte(def), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, "install.sh"), []byte("#!/bin/bash\n"), 0755)
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	events, err := h.o.ledger.ReadAll()
	if err != nil {
		t.Fatalf("Failed to read ledger: %v", err)
	}
	out := make([]string, 0, len(events))
	for i := range events {
		out = append(out, events[i].ExtensionName+"."+string(events[i].Event.Type))
	}
	return out
}

func chainIndex() *registry.Index {
	return &registry.Index{
		Version: "1.0",
		Extensions: map[string]registry.Entry{
			"mise-config": {Category: manifest.CategoryBase, Repository: "sindri-dev/extensions"},
			"sdkman":      {Category: manifest.CategoryDevTools, Repository: "sindri-dev/extensions"},
			"jvm": {
				Category:     manifest.CategoryLanguage,
				Repository:   "sindri-dev/extensions",
				Dependencies: []string{"mise-config", "sdkman"},
			},
		},
	}
}

func chainTags() map[string][]string {
	return map[string][]string{
		"sindri-dev/extensions": {"v1.0.0"},
	}
}

func TestInstallDependencyChainOrdering(t *testing.T) {
	h := newHarness(t, chainIndex(), chainTags())

	if err := h.o.Install(context.Background(), []string{"jvm"}, ""); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	want := []string{
		"mise-config.install_started",
		"mise-config.install_completed",
		"sdkman.install_started",
		"sdkman.install_completed",
		"jvm.install_started",
		"jvm.install_completed",
	}
	got := h.eventTypes(t)
	if len(got) != len(want) {
		t.Fatalf("Expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	statuses, err := h.o.ledger.LatestStatus()
	if err != nil {
		t.Fatal(err)
	}
	if statuses["jvm"].CurrentState != ledger.StateInstalled {
		t.Errorf("Expected jvm installed, got %s", statuses["jvm"].CurrentState)
	}
}

func TestInstallResumeSkipsCompletedDependencies(t *testing.T) {
	h := newHarness(t, chainIndex(), chainTags())
	ctx := context.Background()

	// Simulate a prior run that finished the dependencies but died
	// before starting jvm.
	if err := h.o.Install(ctx, []string{"mise-config", "sdkman"}, ""); err != nil {
		t.Fatalf("Seeding install failed: %v", err)
	}
	h.backend.installs = nil
	before := len(h.eventTypes(t))

	if err := h.o.Install(ctx, []string{"jvm"}, ""); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	if len(h.backend.installs) != 1 || h.backend.installs[0] != "jvm" {
		t.Errorf("Expected only jvm to run, got %v", h.backend.installs)
	}
	got := h.eventTypes(t)[before:]
	if len(got) != 2 || got[0] != "jvm.install_started" || got[1] != "jvm.install_completed" {
		t.Errorf("Expected only jvm events, got %v", got)
	}
}

func TestInstallMissingEntryAppendsNoEvents(t *testing.T) {
	h := newHarness(t, chainIndex(), chainTags())

	var lerr *LifecycleError
	err := h.o.Install(context.Background(), []string{"ghost"}, "")
	if !errors.As(err, &lerr) || lerr.Code != ErrCodeEntryMissing {
		t.Fatalf("Expected ENTRY_MISSING, got %v", err)
	}
	if got := h.eventTypes(t); len(got) != 0 {
		t.Errorf("Resolution errors must not append events, got %v", got)
	}
}

func TestInstallCycleAppendsNoEvents(t *testing.T) {
	index := &registry.Index{
		Version: "1.0",
		Extensions: map[string]registry.Entry{
			"a": {Repository: "r", Dependencies: []string{"b"}},
			"b": {Repository: "r", Dependencies: []string{"a"}},
		},
	}
	h := newHarness(t, index, map[string][]string{"r": {"v1.0.0"}})

	var lerr *LifecycleError
	err := h.o.Install(context.Background(), []string{"a"}, "")
	if !errors.As(err, &lerr) || lerr.Code != ErrCodeCircularDependency {
		t.Fatalf("Expected CIRCULAR_DEPENDENCY, got %v", err)
	}
	if got := h.eventTypes(t); len(got) != 0 {
		t.Errorf("Cycle detection must not append events, got %v", got)
	}
}

func TestInstallBackendFailureRecordsFailedEvent(t *testing.T) {
	index := &registry.Index{
		Version:    "1.0",
		Extensions: map[string]registry.Entry{"tool": {Repository: "r"}},
	}
	h := newHarness(t, index, map[string][]string{"r": {"v1.0.0"}})
	h.backend.installErr = &backends.NonZeroExitError{Command: "install.sh", ExitCode: 2}

	err := h.o.Install(context.Background(), []string{"tool"}, "")
	var lerr *LifecycleError
	if !errors.As(err, &lerr) || lerr.Code != ErrCodeSubprocessFailed {
		t.Fatalf("Expected SUBPROCESS_FAILED, got %v", err)
	}

	got := h.eventTypes(t)
	if len(got) != 2 || got[1] != "tool.install_failed" {
		t.Fatalf("Expected started then failed, got %v", got)
	}

	status, err := h.o.ledger.StatusOf("tool")
	if err != nil {
		t.Fatal(err)
	}
	if status.CurrentState != ledger.StateFailed {
		t.Errorf("Expected failed state, got %s", status.CurrentState)
	}
}

func TestStateTransitionsFormValidPaths(t *testing.T) {
	h := newHarness(t, chainIndex(), chainTags())
	if err := h.o.Install(context.Background(), []string{"jvm"}, ""); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	events, err := h.o.ledger.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	for i := range events {
		env := &events[i]
		if env.StateBefore == nil {
			t.Errorf("Event %s has no state_before", env.Event.Type)
			continue
		}
		if *env.StateBefore == env.StateAfter &&
			env.Event.Type != ledger.EventValidationSucceeded &&
			env.Event.Type != ledger.EventOutdatedDetected {
			t.Errorf("Event %s has identical before/after state %s", env.Event.Type, env.StateAfter)
		}
	}
}

func TestUpgradeThenRollback(t *testing.T) {
	index := &registry.Index{
		Version:    "1.0",
		Extensions: map[string]registry.Entry{"python": {Repository: "r"}},
	}
	tags := map[string][]string{"r": {"v1.0.0"}}
	h := newHarness(t, index, tags)
	ctx := context.Background()

	if err := h.o.Install(ctx, []string{"python"}, "1.0.0"); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	tags["r"] = []string{"v1.0.0", "v1.1.0"}
	if err := h.o.Upgrade(ctx, "python", "1.1.0"); err != nil {
		t.Fatalf("Upgrade failed: %v", err)
	}

	status, _ := h.o.ledger.StatusOf("python")
	if status.Version != "1.1.0" || status.CurrentState != ledger.StateInstalled {
		t.Fatalf("Expected 1.1.0 installed, got %+v", status)
	}

	if err := h.o.Rollback(ctx, "python"); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	status, _ = h.o.ledger.StatusOf("python")
	if status.Version != "1.0.0" || status.CurrentState != ledger.StateInstalled {
		t.Fatalf("Expected rollback to 1.0.0, got %+v", status)
	}

	got := h.eventTypes(t)
	want := []string{
		"python.install_started",
		"python.install_completed",
		"python.upgrade_started",
		"python.upgrade_completed",
		"python.install_started",
		"python.install_completed",
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestRollbackWithoutLocalPayload(t *testing.T) {
	index := &registry.Index{
		Version:    "1.0",
		Extensions: map[string]registry.Entry{"python": {Repository: "r"}},
	}
	tags := map[string][]string{"r": {"v1.0.0"}}
	h := newHarness(t, index, tags)
	ctx := context.Background()

	if err := h.o.Install(ctx, []string{"python"}, "1.0.0"); err != nil {
		t.Fatal(err)
	}
	tags["r"] = []string{"v1.0.0", "v1.1.0"}
	if err := h.o.Upgrade(ctx, "python", "1.1.0"); err != nil {
		t.Fatal(err)
	}

	// The prior payload is gone from disk.
	if err := os.RemoveAll(h.o.paths.PayloadDir("python", "1.0.0")); err != nil {
		t.Fatal(err)
	}

	var lerr *LifecycleError
	err := h.o.Rollback(ctx, "python")
	if !errors.As(err, &lerr) || lerr.Code != ErrCodeVersionNotLocal {
		t.Fatalf("Expected VERSION_NOT_LOCALLY_AVAILABLE, got %v", err)
	}
}

func TestRemoveLifecycle(t *testing.T) {
	index := &registry.Index{
		Version:    "1.0",
		Extensions: map[string]registry.Entry{"tool": {Repository: "r"}},
	}
	h := newHarness(t, index, map[string][]string{"r": {"v1.0.0"}})
	ctx := context.Background()

	if err := h.o.Install(ctx, []string{"tool"}, ""); err != nil {
		t.Fatal(err)
	}
	if err := h.o.Remove(ctx, "tool"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	status, _ := h.o.ledger.StatusOf("tool")
	if status.CurrentState != ledger.StateNotPresent {
		t.Errorf("Expected not_present, got %s", status.CurrentState)
	}
	if len(h.backend.removes) != 1 {
		t.Errorf("Expected backend remove call, got %v", h.backend.removes)
	}
	if _, err := os.Stat(h.o.paths.PayloadDir("tool", "1.0.0")); !os.IsNotExist(err) {
		t.Error("Payload dir must be deleted on remove")
	}
}

func TestRecheckDowngradesRegressedValidation(t *testing.T) {
	index := &registry.Index{
		Version:    "1.0",
		Extensions: map[string]registry.Entry{"tool": {Repository: "r"}},
	}
	h := newHarness(t, index, map[string][]string{"r": {"v1.0.0"}})
	ctx := context.Background()

	// Payload declares a validation command.
	h.o.fetchPayload = func(_ context.Context, _ registry.Entry, name string, c version.Candidate, dest string) error {
		if err := os.MkdirAll(dest, 0755); err != nil {
			return err
		}
		def := fmt.Sprintf("name: %s\nversion: %s\ncategory: dev-tools\n", name, c.Version.String()) +
			"install:\n  method: script\n  script:\n    path: install.sh\n" +
			"validate:\n  commands:\n    - command: tool\n      version_flag: --version\n"
		if err := os.WriteFile(filepath.Join(dest, "extension.yaml"), []byte(def), 0644); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dest, "install.sh"), []byte("#!/bin/bash\n"), 0755)
	}
	h.o.runChecks = func(context.Context, *manifest.Extension) error { return nil }

	if err := h.o.Install(ctx, []string{"tool"}, ""); err != nil {
		t.Fatal(err)
	}
	before := len(h.eventTypes(t))

	// The tool later breaks.
	h.o.runChecks = func(context.Context, *manifest.Extension) error {
		return &configure.ValidationFailure{Check: "tool --version", Reason: "exit status 1"}
	}

	statuses, err := h.o.ledger.LatestStatus()
	if err != nil {
		t.Fatal(err)
	}
	rechecked := h.o.Recheck(ctx, statuses)
	if rechecked["tool"].CurrentState != ledger.StateFailed {
		t.Errorf("Expected failed after regressed checks, got %s", rechecked["tool"].CurrentState)
	}
	if got := len(h.eventTypes(t)); got != before {
		t.Errorf("Recheck must not append events, had %d now %d", before, got)
	}

	// Passing checks leave the reported state alone.
	h.o.runChecks = func(context.Context, *manifest.Extension) error { return nil }
	rechecked = h.o.Recheck(ctx, statuses)
	if rechecked["tool"].CurrentState != ledger.StateInstalled {
		t.Errorf("Expected installed when checks pass, got %s", rechecked["tool"].CurrentState)
	}
}

// configuredPayload returns a fetchPayload override whose manifest
// materialises tool.conf to dest.
func configuredPayload(dest string) func(context.Context, registry.Entry, string, version.Candidate, string) error {
	return func(_ context.Context, _ registry.Entry, name string, c version.Candidate, payloadDir string) error {
		if err := os.MkdirAll(payloadDir, 0755); err != nil {
			return err
		}
		def := fmt.Sprintf("name: %s\nversion: %s\ncategory: dev-tools\n", name, c.Version.String()) +
			"install:\n  method: script\n  script:\n    path: install.sh\n" +
			"configure:\n  - template:\n      source: tool.conf\n      dest: " + dest + "\n"
		if err := os.WriteFile(filepath.Join(payloadDir, "extension.yaml"), []byte(def), 0644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(payloadDir, "tool.conf"), []byte("k=v\n"), 0644); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(payloadDir, "install.sh"), []byte("#!/bin/bash\n"), 0755)
	}
}

func TestConfigureDestinationsOutsideAllowListRejected(t *testing.T) {
	index := &registry.Index{
		Version:    "1.0",
		Extensions: map[string]registry.Entry{"tool": {Repository: "r"}},
	}
	h := newHarness(t, index, map[string][]string{"r": {"v1.0.0"}})
	h.o.fetchPayload = configuredPayload("~/stray.conf")

	var lerr *LifecycleError
	err := h.o.Install(context.Background(), []string{"tool"}, "")
	if !errors.As(err, &lerr) || lerr.Code != ErrCodeProtectedPath {
		t.Fatalf("Expected PROTECTED_PATH for a home-level destination, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(h.o.paths.Home, "stray.conf")); !os.IsNotExist(statErr) {
		t.Error("Template must not be written outside the allowed prefixes")
	}
}

func TestConfigureDestinationsUnderConfigAllowed(t *testing.T) {
	index := &registry.Index{
		Version:    "1.0",
		Extensions: map[string]registry.Entry{"tool": {Repository: "r"}},
	}
	h := newHarness(t, index, map[string][]string{"r": {"v1.0.0"}})
	h.o.fetchPayload = configuredPayload("~/.config/tool/tool.conf")

	if err := h.o.Install(context.Background(), []string{"tool"}, ""); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.o.paths.Home, ".config", "tool", "tool.conf")); err != nil {
		t.Errorf("Expected template under ~/.config: %v", err)
	}
}

func TestIndexMirrorsEveryLedgerEvent(t *testing.T) {
	index := &registry.Index{
		Version:    "1.0",
		Extensions: map[string]registry.Entry{"tool": {Repository: "r"}},
	}
	h := newHarness(t, index, map[string][]string{"r": {"v1.0.0"}})
	ctx := context.Background()

	var mirrored []string
	h.o.indexEvent = func(_ context.Context, env *ledger.Envelope) {
		mirrored = append(mirrored, env.ExtensionName+"."+string(env.Event.Type))
	}

	if err := h.o.Install(ctx, []string{"tool"}, ""); err != nil {
		t.Fatal(err)
	}
	if err := h.o.Remove(ctx, "tool"); err != nil {
		t.Fatal(err)
	}

	// Started events must reach the index too, or readers fall back to
	// a full rebuild on every query.
	want := h.eventTypes(t)
	if len(mirrored) != len(want) {
		t.Fatalf("Expected %d mirrored events, got %v", len(want), mirrored)
	}
	for i := range want {
		if mirrored[i] != want[i] {
			t.Errorf("Mirrored event %d: expected %s, got %s", i, want[i], mirrored[i])
		}
	}
}

func TestRemoveProtectedNeedsOverride(t *testing.T) {
	index := &registry.Index{
		Version:    "1.0",
		Extensions: map[string]registry.Entry{"base": {Repository: "r", Protected: true}},
	}
	h := newHarness(t, index, map[string][]string{"r": {"v1.0.0"}})
	ctx := context.Background()

	if err := h.o.Install(ctx, []string{"base"}, ""); err != nil {
		t.Fatal(err)
	}

	var lerr *LifecycleError
	err := h.o.Remove(ctx, "base")
	if !errors.As(err, &lerr) || lerr.Code != ErrCodeProtectedExtension {
		t.Fatalf("Expected PROTECTED_EXTENSION, got %v", err)
	}

	h.o.opts.ForceProtected = true
	if err := h.o.Remove(ctx, "base"); err != nil {
		t.Fatalf("Expected override to permit removal: %v", err)
	}
}

func TestRemoveBlockedByDependents(t *testing.T) {
	h := newHarness(t, chainIndex(), chainTags())
	ctx := context.Background()

	if err := h.o.Install(ctx, []string{"jvm"}, ""); err != nil {
		t.Fatal(err)
	}

	var lerr *LifecycleError
	err := h.o.Remove(ctx, "sdkman")
	if !errors.As(err, &lerr) || lerr.Code != ErrCodeRemoveBlocked {
		t.Fatalf("Expected REMOVE_BLOCKED_BY_DEPENDENTS, got %v", err)
	}

	h.o.opts.Cascade = true
	if err := h.o.Remove(ctx, "sdkman"); err != nil {
		t.Fatalf("Expected cascade removal: %v", err)
	}
	status, _ := h.o.ledger.StatusOf("jvm")
	if status.CurrentState != ledger.StateNotPresent {
		t.Errorf("Cascade must remove dependents first, jvm is %s", status.CurrentState)
	}
}

func TestCheckUpdatesAppendsOutdatedDetected(t *testing.T) {
	index := &registry.Index{
		Version:    "1.0",
		Extensions: map[string]registry.Entry{"python": {Repository: "r"}},
	}
	tags := map[string][]string{"r": {"v1.0.0"}}
	h := newHarness(t, index, tags)
	ctx := context.Background()

	if err := h.o.Install(ctx, []string{"python"}, "1.0.0"); err != nil {
		t.Fatal(err)
	}

	tags["r"] = []string{"v1.0.0", "v1.2.0"}
	updates, err := h.o.CheckUpdates(ctx, nil)
	if err != nil {
		t.Fatalf("CheckUpdates failed: %v", err)
	}
	if len(updates) != 1 || updates[0].LatestVersion != "1.2.0" {
		t.Fatalf("Expected one update to 1.2.0, got %v", updates)
	}

	status, _ := h.o.ledger.StatusOf("python")
	if status.CurrentState != ledger.StateOutdated {
		t.Errorf("Expected outdated state, got %s", status.CurrentState)
	}

	// A second check with no newer version appends nothing.
	before := len(h.eventTypes(t))
	updates, err = h.o.CheckUpdates(ctx, []string{"python"})
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 0 {
		t.Errorf("Outdated extension must not be re-reported, got %v", updates)
	}
	if got := len(h.eventTypes(t)); got != before {
		t.Errorf("Expected no new events, got %d extra", got-before)
	}
}

func TestEveryStartedEventHasOneTerminalEvent(t *testing.T) {
	index := &registry.Index{
		Version:    "1.0",
		Extensions: map[string]registry.Entry{"python": {Repository: "r"}},
	}
	tags := map[string][]string{"r": {"v1.0.0"}}
	h := newHarness(t, index, tags)
	ctx := context.Background()

	if err := h.o.Install(ctx, []string{"python"}, "1.0.0"); err != nil {
		t.Fatal(err)
	}
	tags["r"] = []string{"v1.0.0", "v1.1.0"}
	if err := h.o.Upgrade(ctx, "python", "1.1.0"); err != nil {
		t.Fatal(err)
	}
	if err := h.o.Rollback(ctx, "python"); err != nil {
		t.Fatal(err)
	}
	if err := h.o.Remove(ctx, "python"); err != nil {
		t.Fatal(err)
	}

	events, err := h.o.ledger.ReadAll()
	if err != nil {
		t.Fatal(err)
	}

	open := 0
	for i := range events {
		typ := events[i].Event.Type
		switch {
		case typ.IsStarted():
			if open != 0 {
				t.Fatalf("Event %s started while a prior operation was still open", typ)
			}
			open++
		case typ == ledger.EventInstallCompleted, typ == ledger.EventUpgradeCompleted,
			typ == ledger.EventRemoveCompleted, typ.IsFailure():
			if open != 1 {
				t.Fatalf("Terminal event %s without a matching started event", typ)
			}
			open--
		}
	}
	if open != 0 {
		t.Errorf("%d started events never reached a terminal event", open)
	}
}

func TestPreInstallHookFailureAborts(t *testing.T) {
	index := &registry.Index{
		Version:    "1.0",
		Extensions: map[string]registry.Entry{"tool": {Repository: "r"}},
	}
	h := newHarness(t, index, map[string][]string{"r": {"v1.0.0"}})

	h.o.fetchPayload = func(_ context.Context, _ registry.Entry, name string, c version.Candidate, dest string) error {
		if err := writePayload(dest, name, c.Version.String(), nil); err != nil {
			return err
		}
		def := fmt.Sprintf(`name: %s
version: %s
category: dev-tools
install:
  method: script
  script:
    path: install.sh
capabilities:
  hooks:
    pre_install: "exit 1"
`, name, c.Version.String())
		return os.WriteFile(filepath.Join(dest, "extension.yaml"), []byte(def), 0644)
	}
	h.o.runHook = func(_ context.Context, command string, _ []string) error {
		return fmt.Errorf("hook failed: %s", command)
	}

	err := h.o.Install(context.Background(), []string{"tool"}, "")
	if err == nil {
		t.Fatal("Expected pre_install failure to abort")
	}
	if len(h.backend.installs) != 0 {
		t.Errorf("Backend must not run after hook failure, got %v", h.backend.installs)
	}
	got := h.eventTypes(t)
	if len(got) != 2 || got[1] != "tool.install_failed" {
		t.Errorf("Expected install_failed event, got %v", got)
	}
}

func TestPostInstallHookFailureIsAdvisory(t *testing.T) {
	index := &registry.Index{
		Version:    "1.0",
		Extensions: map[string]registry.Entry{"tool": {Repository: "r"}},
	}
	h := newHarness(t, index, map[string][]string{"r": {"v1.0.0"}})

	h.o.fetchPayload = func(_ context.Context, _ registry.Entry, name string, c version.Candidate, dest string) error {
		if err := writePayload(dest, name, c.Version.String(), nil); err != nil {
			return err
		}
		def := fmt.Sprintf(`name: %s
version: %s
category: dev-tools
install:
  method: script
  script:
    path: install.sh
capabilities:
  hooks:
    post_install: "exit 1"
`, name, c.Version.String())
		return os.WriteFile(filepath.Join(dest, "extension.yaml"), []byte(def), 0644)
	}
	h.o.runHook = func(_ context.Context, command string, _ []string) error {
		return fmt.Errorf("hook failed: %s", command)
	}

	if err := h.o.Install(context.Background(), []string{"tool"}, ""); err != nil {
		t.Fatalf("Post hook failure must not fail the install: %v", err)
	}
	got := h.eventTypes(t)
	if len(got) != 2 || got[1] != "tool.install_completed" {
		t.Errorf("Expected install_completed, got %v", got)
	}
}
