package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/sindri-dev/sindri/pkg/backends"
	"github.com/sindri-dev/sindri/pkg/configure"
	"github.com/sindri-dev/sindri/pkg/deps"
	"github.com/sindri-dev/sindri/pkg/ledger"
	"github.com/sindri-dev/sindri/pkg/logsink"
	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/registry"
	"github.com/sindri-dev/sindri/pkg/telemetry"
	"github.com/sindri-dev/sindri/pkg/version"
)

// manifestFile is the extension definition inside every payload.
const manifestFile = "extension.yaml"

// Options tunes one orchestrator invocation.
type Options struct {
	CLIVersion      string
	RegistryURL     string
	RegistryBranch  string
	AllowPrerelease bool

	// ForceProtected permits removing protected extensions.
	ForceProtected bool

	// Cascade removes installed dependents before their dependency.
	Cascade bool
}

// Installers dispatches install methods to backends.
type Installers interface {
	For(method manifest.InstallMethod) (backends.Backend, error)
}

// RegistryLoader produces a registry snapshot.
type RegistryLoader interface {
	Load(ctx context.Context, branch string) (*registry.Registry, error)
}

// Orchestrator drives extension lifecycle operations, appending one
// ledger event per state transition.
type Orchestrator struct {
	paths  Paths
	opts   Options
	logger *telemetry.Logger

	ledger     *ledger.Ledger
	logs       *logsink.Writer
	installers Installers
	regLoader  RegistryLoader

	// listTags and fetchPayload are the network seams, overridable in
	// tests.
	listTags     func(ctx context.Context, repo string) ([]string, error)
	fetchPayload func(ctx context.Context, entry registry.Entry, name string, c version.Candidate, dest string) error

	// indexEvent mirrors an appended envelope into the SQLite index;
	// nil when the index is disabled. Mirror failures are non-fatal.
	indexEvent func(ctx context.Context, env *ledger.Envelope)

	// runHook executes a capability hook shell command.
	runHook func(ctx context.Context, command string, env []string) error

	// runChecks executes an extension's declared validation checks.
	runChecks func(ctx context.Context, ext *manifest.Extension) error
}

// New wires an orchestrator over the real components.
func New(paths Paths, opts Options, logger *telemetry.Logger) *Orchestrator {
	componentLogger := logger.NewComponentLogger("lifecycle")
	ghSource := version.NewGitHubSource()

	o := &Orchestrator{
		paths:      paths,
		opts:       opts,
		logger:     componentLogger,
		ledger:     ledger.New(paths.LedgerPath(), opts.CLIVersion, logger),
		logs:       logsink.NewWriter(paths.LogsDir, logger),
		installers: backends.NewRegistry(backends.ExecRunner{}, logger),
		regLoader:  registry.NewLoader(paths.CacheDir, opts.RegistryURL, logger),
		listTags:   ghSource.ListTags,
	}
	o.fetchPayload = o.downloadPayload
	o.runHook = o.execHook
	o.runChecks = o.execChecks
	return o
}

// EventIndexer mirrors appended envelopes into a derived store.
type EventIndexer interface {
	Index(ctx context.Context, env *ledger.Envelope) error
}

// AttachIndex mirrors every appended envelope into idx. The ledger
// stays the source of truth; mirror failures are logged, never fatal.
func (o *Orchestrator) AttachIndex(idx EventIndexer) {
	o.indexEvent = func(ctx context.Context, env *ledger.Envelope) {
		if err := idx.Index(ctx, env); err != nil {
			o.logger.WithError(err).Warn("event index mirror failed")
		}
	}
}

// Ledger exposes the status ledger for read-side commands.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// Logs exposes the log sink for read-side commands.
func (o *Orchestrator) Logs() *logsink.Writer { return o.logs }

// Registry loads the current registry snapshot.
func (o *Orchestrator) Registry(ctx context.Context) (*registry.Registry, error) {
	reg, err := o.regLoader.Load(ctx, o.opts.RegistryBranch)
	if err != nil {
		if errors.Is(err, registry.ErrRegistryUnavailable) {
			return nil, NewTransientError("registry unavailable", err).
				WithCode(ErrCodeRegistryUnavailable)
		}
		return nil, NewPermanentError("loading registry", err).
			WithCode(ErrCodeMatrixParse)
	}
	return reg, nil
}

// registrySource adapts a registry snapshot to the dependency resolver.
type registrySource struct {
	reg *registry.Registry
}

func (s registrySource) Dependencies(name string) ([]string, bool) {
	if !s.reg.HasExtension(name) {
		return nil, false
	}
	depsList, err := s.reg.GetDependencies(name)
	if err != nil {
		return nil, false
	}
	return depsList, true
}

func (s registrySource) Conflicts(name string) []string {
	conflicts, err := s.reg.GetConflicts(name)
	if err != nil {
		return nil
	}
	return conflicts
}

// Install installs the named extensions and their dependencies,
// dependencies first. versionSpec applies to the named roots only.
func (o *Orchestrator) Install(ctx context.Context, names []string, versionSpec string) error {
	reg, err := o.Registry(ctx)
	if err != nil {
		return err
	}

	plan, err := o.planInstall(reg, names)
	if err != nil {
		return err
	}

	statuses, err := o.ledger.LatestStatus()
	if err != nil {
		return wrapLedgerError(err)
	}

	roots := make(map[string]bool, len(names))
	for _, n := range names {
		roots[n] = true
	}

	for _, name := range plan.Ordered {
		if st, ok := statuses[name]; ok && st.CurrentState == ledger.StateInstalled && !roots[name] {
			o.logger.WithExtension(name).Debug("dependency already installed, skipping")
			continue
		}
		if st, ok := statuses[name]; ok && st.CurrentState == ledger.StateInstalled && roots[name] && versionSpec == "" {
			o.logger.WithExtension(name).Info("already installed")
			continue
		}

		spec := ""
		if roots[name] {
			spec = versionSpec
		}
		if err := o.installOne(ctx, reg, name, spec); err != nil {
			return err
		}
	}
	return nil
}

// planInstall resolves ordering, missing entries and conflicts before
// any state changes.
func (o *Orchestrator) planInstall(reg *registry.Registry, names []string) (*deps.Plan, error) {
	for _, name := range names {
		if !reg.HasExtension(name) {
			return nil, NewPermanentError(fmt.Sprintf("extension %s not in registry", name), nil).
				WithExtension(name).
				WithCode(ErrCodeEntryMissing)
		}
	}

	resolver := deps.NewResolver(registrySource{reg: reg})
	plan, err := resolver.Resolve(names...)
	if err != nil {
		var cycle *deps.CycleError
		if errors.As(err, &cycle) {
			return nil, NewPermanentError("dependency cycle detected", err).
				WithCode(ErrCodeCircularDependency).
				WithDetail("cycle", strings.Join(cycle.Path, " -> "))
		}
		return nil, NewPermanentError("resolving dependencies", err)
	}

	if len(plan.Missing) > 0 {
		return nil, NewPermanentError("registry entries missing", nil).
			WithCode(ErrCodeEntryMissing).
			WithDetail("missing", plan.Missing)
	}
	if len(plan.Conflicts) > 0 {
		c := plan.Conflicts[0]
		return nil, NewConflictError(fmt.Sprintf("extensions %s and %s conflict", c.A, c.B), nil).
			WithCode(ErrCodeExtensionConflict).
			WithDetail("conflicts", plan.Conflicts)
	}
	return plan, nil
}

// strategyFor builds the version strategy: an explicit user spec wins,
// then the compatibility matrix range, then latest stable.
func (o *Orchestrator) strategyFor(reg *registry.Registry, name, spec string) (version.Strategy, error) {
	if spec != "" {
		if _, err := semver.StrictNewVersion(spec); err == nil {
			return version.Explicit{Tag: spec}, nil
		}
		if _, err := semver.NewConstraint(spec); err != nil {
			return nil, NewPermanentError(fmt.Sprintf("invalid version spec %q", spec), err).
				WithExtension(name).
				WithCode(ErrCodeInvalidSemver)
		}
		return version.Semver{Constraint: spec}, nil
	}

	if rng, err := reg.Matrix().GetCompatibleRange(o.opts.CLIVersion, name); err == nil && rng != "" {
		return version.Semver{Constraint: rng}, nil
	}
	return version.LatestStable{}, nil
}

// resolveVersion picks the install candidate for one extension.
func (o *Orchestrator) resolveVersion(ctx context.Context, reg *registry.Registry, name, spec string) (registry.Entry, version.Candidate, error) {
	entry, err := reg.GetEntry(name)
	if err != nil {
		return registry.Entry{}, version.Candidate{}, NewPermanentError("registry entry missing", err).
			WithExtension(name).
			WithCode(ErrCodeEntryMissing)
	}

	strat, err := o.strategyFor(reg, name, spec)
	if err != nil {
		return registry.Entry{}, version.Candidate{}, err
	}

	tags, err := o.listTags(ctx, entry.Repository)
	if err != nil {
		return registry.Entry{}, version.Candidate{}, NewTransientError("listing release tags", err).
			WithExtension(name).
			WithCode(ErrCodeFetchFailed)
	}

	candidate, err := version.Resolve(tags, name, strat, o.opts.AllowPrerelease)
	if err != nil {
		return registry.Entry{}, version.Candidate{}, NewPermanentError("no matching version", err).
			WithExtension(name).
			WithCode(ErrCodeNoMatchingVersion).
			WithDetail("spec", spec)
	}
	return entry, candidate, nil
}

// installOne runs the full install pipeline for one extension.
func (o *Orchestrator) installOne(ctx context.Context, reg *registry.Registry, name, spec string) error {
	entry, candidate, err := o.resolveVersion(ctx, reg, name, spec)
	if err != nil {
		return err
	}
	ver := candidate.Version.String()
	return o.installPayload(ctx, entry, name, ver, func(dest string) error {
		return o.fetchPayload(ctx, entry, name, candidate, dest)
	})
}

// installPayload is the shared pipeline for install and rollback: the
// fetch callback is nil when the payload is already on disk.
func (o *Orchestrator) installPayload(ctx context.Context, entry registry.Entry, name, ver string, fetch func(dest string) error) error {
	start := time.Now()
	before, err := o.stateOf(name)
	if err != nil {
		return err
	}

	startEvent := ledger.NewInstallStarted(name, ver, "registry", "")
	startEnv, err := o.ledger.AppendEvent(ctx, &before, ledger.StateInstalling, startEvent)
	if err != nil {
		return wrapLedgerError(err)
	}
	o.mirror(ctx, &startEnv)

	failed := func(cause error, logFile string) error {
		failEvent := ledger.NewInstallFailed(name, ver, cause.Error(), time.Since(start).Seconds(), 0, logFile)
		installing := ledger.StateInstalling
		if env, appendErr := o.ledger.AppendEvent(ctx, &installing, ledger.StateFailed, failEvent); appendErr != nil {
			o.logger.WithError(appendErr).Error("could not record install failure")
		} else {
			o.mirror(ctx, &env)
		}
		return cause
	}

	payloadDir := o.paths.PayloadDir(name, ver)
	if _, statErr := os.Stat(payloadDir); statErr != nil {
		if fetch == nil {
			return failed(NewPermanentError(fmt.Sprintf("version %s of %s is not on disk", ver, name), nil).
				WithExtension(name).
				WithCode(ErrCodeVersionNotLocal), "")
		}
		if err := fetch(payloadDir); err != nil {
			return failed(NewTransientError("fetching payload", err).
				WithExtension(name).
				WithCode(ErrCodeFetchFailed), "")
		}
	}

	ext, err := manifest.Load(fmt.Sprintf("%s/%s", payloadDir, manifestFile), true)
	if err != nil {
		return failed(NewPermanentError("invalid extension definition", err).
			WithExtension(name).
			WithCode(ErrCodeMissingField), "")
	}

	if hook := preInstallHook(ext); hook != "" {
		if err := o.runHook(ctx, hook, o.subprocessEnv(payloadDir)); err != nil {
			return failed(NewPermanentError("pre_install hook failed", err).
				WithExtension(name).
				WithCode(ErrCodeSubprocessFailed), "")
		}
	}

	backend, err := o.installers.For(ext.Install.Method)
	if err != nil {
		return failed(NewPermanentError("unknown install method", err).
			WithExtension(name).
			WithCode(ErrCodeUnknownProvider), "")
	}

	req := backends.Request{
		Extension:  ext,
		PayloadDir: payloadDir,
		Home:       o.paths.Home,
		Env:        o.subprocessEnv(payloadDir),
	}
	output, installErr := backend.Install(ctx, req)
	logFile := o.writeLog(name, start, ext.Install.Method, output, installErr)
	if installErr != nil {
		if ctx.Err() != nil {
			return failed(NewPermanentError("install cancelled", installErr).
				WithExtension(name).
				WithCode(ErrCodeCancelled), logFile)
		}
		return failed(classifyBackendError(installErr).WithExtension(name), logFile)
	}

	if err := o.configureExtension(ext, payloadDir); err != nil {
		return failed(err, logFile)
	}

	if err := o.validateExtension(ctx, name, ext); err != nil {
		// validateExtension appended validation_failed already.
		return err
	}

	// Post hooks are advisory: the install already succeeded.
	if hook := postInstallHook(ext); hook != "" {
		if err := o.runHook(ctx, hook, o.subprocessEnv(payloadDir)); err != nil {
			o.logger.WithExtension(name).WithError(err).Warn("post_install hook failed")
		}
	}

	doneEvent := ledger.NewInstallCompleted(name, ver, string(ext.Install.Method), time.Since(start).Seconds(), nil, logFile)
	installing := ledger.StateInstalling
	env, err := o.ledger.AppendEvent(ctx, &installing, ledger.StateInstalled, doneEvent)
	if err != nil {
		return wrapLedgerError(err)
	}
	o.mirror(ctx, &env)

	o.logger.WithExtension(name).WithVersion(ver).Info("extension installed")
	return nil
}

// configureAllowedPrefixes bounds where templates may materialise.
var configureAllowedPrefixes = []string{
	"$HOME/.config",
	"$HOME/workspace",
	"$HOME/.local",
}

// configureExtension applies the manifest's configure steps.
func (o *Orchestrator) configureExtension(ext *manifest.Extension, payloadDir string) error {
	if len(ext.Configure) == 0 {
		return nil
	}

	resolver := configure.NewPathResolver(o.paths.Home, payloadDir).
		WithAllowedPrefixes(configureAllowedPrefixes...)
	materializer := configure.NewMaterializer(resolver, o.logger)
	envProc := configure.NewEnvProcessor(o.paths.Home)

	for _, step := range ext.Configure {
		switch {
		case step.Template != nil:
			if _, err := materializer.Apply(*step.Template); err != nil {
				return classifyConfigureError(err).WithExtension(ext.Name)
			}
		case step.Env != nil:
			if err := envProc.Set(*step.Env); err != nil {
				return NewPermanentError("persisting environment variable", err).
					WithExtension(ext.Name).
					WithCode(ErrCodeTemplateRender)
			}
		}
	}
	return nil
}

// validateExtension runs declared checks, appending the validation
// outcome event.
func (o *Orchestrator) validateExtension(ctx context.Context, name string, ext *manifest.Extension) error {
	if len(ext.Validate.Commands) == 0 && len(ext.Validate.MiseTools) == 0 {
		return nil
	}

	if err := o.runChecks(ctx, ext); err != nil {
		var failure *configure.ValidationFailure
		reason := err.Error()
		check := "validate"
		if errors.As(err, &failure) {
			reason = failure.Reason
			check = failure.Check
		}

		installing := ledger.StateInstalling
		failEvent := ledger.NewValidationFailed(name, check, reason)
		if env, appendErr := o.ledger.AppendEvent(ctx, &installing, ledger.StateFailed, failEvent); appendErr != nil {
			o.logger.WithError(appendErr).Error("could not record validation failure")
		} else {
			o.mirror(ctx, &env)
		}

		return NewPermanentError("validation failed", err).
			WithExtension(name).
			WithCode(ErrCodePatternMismatch)
	}
	return nil
}

// execChecks runs the declared validation checks with a real validator.
func (o *Orchestrator) execChecks(ctx context.Context, ext *manifest.Extension) error {
	validator := configure.NewValidator(o.paths.Home, o.paths.Workspace, o.logger)
	return validator.Run(ctx, ext.Validate)
}

// writeLog persists captured backend output, returning the log path.
func (o *Orchestrator) writeLog(name string, start time.Time, method manifest.InstallMethod, output *backends.InstallOutput, opErr error) string {
	entry := logsink.Entry{Method: string(method), Status: "success"}
	if opErr != nil {
		entry.Status = "failure"
	}
	if output != nil {
		entry.Stdout = output.Stdout
		entry.Stderr = output.Stderr
	}

	path, err := o.logs.Write(name, start, entry)
	if err != nil {
		o.logger.WithError(err).Warn("could not write operation log")
		return ""
	}
	return path
}

// subprocessEnv is the environment handed to backends and hooks.
func (o *Orchestrator) subprocessEnv(payloadDir string) []string {
	return append(os.Environ(),
		"HOME="+o.paths.Home,
		"SINDRI_EXTENSION_DIR="+payloadDir,
	)
}

// stateOf reads the current ledger state, defaulting to not_present.
func (o *Orchestrator) stateOf(name string) (ledger.ExtensionState, error) {
	status, err := o.ledger.StatusOf(name)
	if err != nil {
		return "", wrapLedgerError(err)
	}
	return status.CurrentState, nil
}

// mirror best-effort indexes an appended envelope.
func (o *Orchestrator) mirror(ctx context.Context, env *ledger.Envelope) {
	if o.indexEvent == nil {
		return
	}
	o.indexEvent(ctx, env)
}

// downloadPayload fetches and unpacks a release artefact into dest.
func (o *Orchestrator) downloadPayload(ctx context.Context, entry registry.Entry, name string, c version.Candidate, dest string) error {
	url := version.DownloadURL(entry.Repository, name, c.Version.String())
	return version.FetchArchive(ctx, url, dest)
}

func preInstallHook(ext *manifest.Extension) string {
	if ext.Capabilities == nil || ext.Capabilities.Hooks == nil {
		return ""
	}
	return ext.Capabilities.Hooks.PreInstall
}

func postInstallHook(ext *manifest.Extension) string {
	if ext.Capabilities == nil || ext.Capabilities.Hooks == nil {
		return ""
	}
	return ext.Capabilities.Hooks.PostInstall
}

// wrapLedgerError maps ledger failures onto the taxonomy. Busy is
// throttled; everything else is fatal.
func wrapLedgerError(err error) *LifecycleError {
	switch {
	case errors.Is(err, ledger.ErrBusy):
		return NewThrottledError("another orchestrator holds the ledger lock", err).
			WithCode(ErrCodeBusy)
	default:
		var corrupt *ledger.CorruptLineError
		if errors.As(err, &corrupt) {
			return NewPermanentError("status ledger is corrupted", err).
				WithCode(ErrCodeCorruptLedger)
		}
		return NewPermanentError("status ledger write failed", err).
			WithCode(ErrCodeLedgerWrite)
	}
}

// classifyBackendError maps backend failures onto the taxonomy.
func classifyBackendError(err error) *LifecycleError {
	var (
		notFound *backends.ScriptNotFoundError
		exit     *backends.NonZeroExitError
		checksum *backends.ChecksumMismatchError
		timeout  *backends.AttemptTimeoutError
		unknown  *backends.UnknownMethodError
	)
	switch {
	case errors.As(err, &notFound):
		return NewPermanentError("install script not found", err).WithCode(ErrCodeScriptNotFound)
	case errors.As(err, &exit):
		return NewPermanentError("install subprocess failed", err).
			WithCode(ErrCodeSubprocessFailed).
			WithDetail("exit_code", exit.ExitCode)
	case errors.As(err, &checksum):
		return NewPermanentError("artefact checksum mismatch", err).WithCode(ErrCodeChecksumMismatch)
	case errors.As(err, &timeout):
		return NewTransientError("backend operation timed out", err).WithCode(ErrCodeAttemptTimeout)
	case errors.As(err, &unknown):
		return NewPermanentError("unknown install method", err).WithCode(ErrCodeUnknownProvider)
	default:
		return NewTransientError("backend install failed", err).WithCode(ErrCodeFetchFailed)
	}
}

// classifyConfigureError maps configure failures onto the taxonomy.
func classifyConfigureError(err error) *LifecycleError {
	var (
		traversal *configure.TraversalError
		protected *configure.ProtectedPathError
		merge     *configure.MergeConflictError
	)
	switch {
	case errors.As(err, &traversal):
		return NewPermanentError("template path traversal rejected", err).WithCode(ErrCodePathTraversal)
	case errors.As(err, &protected):
		return NewPermanentError("template destination rejected", err).WithCode(ErrCodeProtectedPath)
	case errors.As(err, &merge):
		return NewConflictError("template merge has no strategy", err).WithCode(ErrCodeMergeConflict)
	default:
		return NewPermanentError("template materialisation failed", err).WithCode(ErrCodeTemplateRender)
	}
}
