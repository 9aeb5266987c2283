package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sindri-dev/sindri/pkg/backends"
	"github.com/sindri-dev/sindri/pkg/configure"
	"github.com/sindri-dev/sindri/pkg/ledger"
	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/registry"
	"github.com/sindri-dev/sindri/pkg/version"
)

// Upgrade moves an installed extension to the target version, or the
// highest compatible one when target is empty.
func (o *Orchestrator) Upgrade(ctx context.Context, name, target string) error {
	status, err := o.ledger.StatusOf(name)
	if err != nil {
		return wrapLedgerError(err)
	}
	if status.CurrentState != ledger.StateInstalled && status.CurrentState != ledger.StateOutdated {
		return NewPermanentError(fmt.Sprintf("%s is %s, not installed", name, status.CurrentState), nil).
			WithExtension(name).
			WithOperation("upgrade")
	}
	fromVersion := status.Version

	reg, err := o.Registry(ctx)
	if err != nil {
		return err
	}
	entry, candidate, err := o.resolveVersion(ctx, reg, name, target)
	if err != nil {
		return err
	}
	toVersion := candidate.Version.String()
	if toVersion == fromVersion {
		o.logger.WithExtension(name).WithVersion(fromVersion).Info("already at target version")
		return nil
	}

	start := time.Now()
	before := status.CurrentState
	startEvent := ledger.NewUpgradeStarted(name, fromVersion, toVersion)
	startEnv, err := o.ledger.AppendEvent(ctx, &before, ledger.StateUpgrading, startEvent)
	if err != nil {
		return wrapLedgerError(err)
	}
	o.mirror(ctx, &startEnv)

	failed := func(cause error) error {
		upgrading := ledger.StateUpgrading
		failEvent := ledger.NewUpgradeFailed(name, fromVersion, toVersion, cause.Error(), time.Since(start).Seconds())
		if env, appendErr := o.ledger.AppendEvent(ctx, &upgrading, ledger.StateFailed, failEvent); appendErr != nil {
			o.logger.WithError(appendErr).Error("could not record upgrade failure")
		} else {
			o.mirror(ctx, &env)
		}
		return cause
	}

	if err := o.performUpgrade(ctx, entry, name, fromVersion, toVersion); err != nil {
		return failed(err)
	}

	upgrading := ledger.StateUpgrading
	doneEvent := ledger.NewUpgradeCompleted(name, fromVersion, toVersion, time.Since(start).Seconds(), "")
	env, err := o.ledger.AppendEvent(ctx, &upgrading, ledger.StateInstalled, doneEvent)
	if err != nil {
		return wrapLedgerError(err)
	}
	o.mirror(ctx, &env)

	o.logger.WithExtension(name).
		WithField("from", fromVersion).
		WithField("to", toVersion).
		Info("extension upgraded")
	return nil
}

// performUpgrade runs the backend work of an upgrade without touching
// the ledger; the surrounding upgrade events are the only transitions
// recorded for the whole session.
func (o *Orchestrator) performUpgrade(ctx context.Context, entry registry.Entry, name, fromVersion, toVersion string) error {
	newPayload := o.paths.PayloadDir(name, toVersion)
	if _, err := os.Stat(newPayload); err != nil {
		candidate, err := o.candidateFor(ctx, entry, name, toVersion)
		if err != nil {
			return err
		}
		if err := o.fetchPayload(ctx, entry, name, candidate, newPayload); err != nil {
			return NewTransientError("fetching payload", err).
				WithExtension(name).
				WithCode(ErrCodeFetchFailed)
		}
	}

	ext, err := manifest.Load(fmt.Sprintf("%s/%s", newPayload, manifestFile), true)
	if err != nil {
		return NewPermanentError("invalid extension definition", err).
			WithExtension(name).
			WithCode(ErrCodeMissingField)
	}

	backend, err := o.installers.For(ext.Install.Method)
	if err != nil {
		return NewPermanentError("unknown install method", err).
			WithExtension(name).
			WithCode(ErrCodeUnknownProvider)
	}

	req := backends.Request{
		Extension:  ext,
		PayloadDir: newPayload,
		Home:       o.paths.Home,
		Env:        o.subprocessEnv(newPayload),
	}

	if ext.Upgrade != nil && ext.Upgrade.Strategy == manifest.UpgradeInPlace {
		if err := backend.Upgrade(ctx, req, fromVersion, toVersion); err != nil {
			return classifyBackendError(err).WithExtension(name).WithOperation("upgrade")
		}
	} else {
		// Remove-then-install. The old payload dir is retained on
		// disk so rollback still has a target.
		oldReq := req
		if oldPayload := o.paths.PayloadDir(name, fromVersion); fromVersion != "" {
			if oldExt, loadErr := manifest.Load(fmt.Sprintf("%s/%s", oldPayload, manifestFile), true); loadErr == nil {
				oldReq.Extension = oldExt
				oldReq.PayloadDir = oldPayload
				oldBackend, backendErr := o.installers.For(oldExt.Install.Method)
				if backendErr == nil {
					if err := oldBackend.Remove(ctx, oldReq); err != nil {
						o.logger.WithError(err).WithExtension(name).Warn("removing previous version failed, continuing")
					}
				}
			}
		}
		if _, err := backend.Install(ctx, req); err != nil {
			return classifyBackendError(err).WithExtension(name).WithOperation("upgrade")
		}
	}

	if err := o.configureExtension(ext, newPayload); err != nil {
		return err
	}
	return nil
}

// candidateFor resolves the explicit version into a download candidate.
func (o *Orchestrator) candidateFor(ctx context.Context, entry registry.Entry, name, ver string) (version.Candidate, error) {
	tags, err := o.listTags(ctx, entry.Repository)
	if err != nil {
		return version.Candidate{}, NewTransientError("listing release tags", err).
			WithExtension(name).
			WithCode(ErrCodeFetchFailed)
	}
	c, err := version.Resolve(tags, name, version.Explicit{Tag: ver}, o.opts.AllowPrerelease)
	if err != nil {
		return version.Candidate{}, NewPermanentError("no matching version", err).
			WithExtension(name).
			WithCode(ErrCodeNoMatchingVersion)
	}
	return c, nil
}

// Rollback re-installs the newest distinct prior version whose payload
// is still on disk.
func (o *Orchestrator) Rollback(ctx context.Context, name string) error {
	status, err := o.ledger.StatusOf(name)
	if err != nil {
		return wrapLedgerError(err)
	}
	current := status.Version

	history, err := o.ledger.History(name, nil)
	if err != nil {
		return wrapLedgerError(err)
	}

	target := ""
	for i := len(history) - 1; i >= 0; i-- {
		env := &history[i]
		if env.Event.Type != ledger.EventInstallCompleted && env.Event.Type != ledger.EventUpgradeCompleted {
			continue
		}
		ver := env.InstalledVersion()
		if ver == "" || ver == current || ver == target {
			continue
		}
		target = ver
		break
	}

	if target == "" {
		return NewPermanentError(fmt.Sprintf("no prior version of %s in the ledger", name), nil).
			WithExtension(name).
			WithOperation("rollback").
			WithCode(ErrCodeVersionNotLocal)
	}

	payloadDir := o.paths.PayloadDir(name, target)
	if _, err := os.Stat(payloadDir); err != nil {
		return NewPermanentError(
			fmt.Sprintf("version %s of %s is not on disk; install it explicitly", target, name), nil).
			WithExtension(name).
			WithOperation("rollback").
			WithCode(ErrCodeVersionNotLocal).
			WithDetail("target_version", target)
	}

	o.logger.WithExtension(name).
		WithField("from", current).
		WithField("to", target).
		Info("rolling back to prior version")

	// Re-run the install pipeline against the retained payload, no
	// fetch.
	return o.installPayload(ctx, registry.Entry{}, name, target, nil)
}

// Remove uninstalls an extension. Protected extensions need the
// override flag; installed dependents block removal unless cascade.
func (o *Orchestrator) Remove(ctx context.Context, name string) error {
	status, err := o.ledger.StatusOf(name)
	if err != nil {
		return wrapLedgerError(err)
	}
	if status.CurrentState == ledger.StateNotPresent {
		o.logger.WithExtension(name).Info("not installed, nothing to remove")
		return nil
	}
	ver := status.Version

	payloadDir := o.paths.PayloadDir(name, ver)
	ext, loadErr := manifest.Load(fmt.Sprintf("%s/%s", payloadDir, manifestFile), true)

	if err := o.checkRemovable(ctx, name, ext); err != nil {
		return err
	}

	start := time.Now()
	before := status.CurrentState
	startEvent := ledger.NewRemoveStarted(name, ver)
	startEnv, err := o.ledger.AppendEvent(ctx, &before, ledger.StateRemoving, startEvent)
	if err != nil {
		return wrapLedgerError(err)
	}
	o.mirror(ctx, &startEnv)

	failed := func(cause error) error {
		removing := ledger.StateRemoving
		failEvent := ledger.NewRemoveFailed(name, ver, cause.Error(), time.Since(start).Seconds())
		if env, appendErr := o.ledger.AppendEvent(ctx, &removing, ledger.StateFailed, failEvent); appendErr != nil {
			o.logger.WithError(appendErr).Error("could not record remove failure")
		} else {
			o.mirror(ctx, &env)
		}
		return cause
	}

	if loadErr == nil {
		backend, err := o.installers.For(ext.Install.Method)
		if err != nil {
			return failed(NewPermanentError("unknown install method", err).
				WithExtension(name).
				WithCode(ErrCodeUnknownProvider))
		}
		keep, err := o.keepPackages(name)
		if err != nil {
			return failed(err)
		}
		req := backends.Request{
			Extension:    ext,
			PayloadDir:   payloadDir,
			Home:         o.paths.Home,
			Env:          o.subprocessEnv(payloadDir),
			KeepPackages: keep,
		}
		if err := backend.Remove(ctx, req); err != nil {
			return failed(classifyBackendError(err).WithExtension(name).WithOperation("remove"))
		}
	} else {
		o.logger.WithExtension(name).Warn("payload manifest missing, skipping backend removal")
	}

	if err := os.RemoveAll(payloadDir); err != nil {
		return failed(NewPermanentError("deleting payload directory", err).WithExtension(name))
	}

	removing := ledger.StateRemoving
	doneEvent := ledger.NewRemoveCompleted(name, ver, time.Since(start).Seconds())
	env, err := o.ledger.AppendEvent(ctx, &removing, ledger.StateNotPresent, doneEvent)
	if err != nil {
		return wrapLedgerError(err)
	}
	o.mirror(ctx, &env)

	o.logger.WithExtension(name).WithVersion(ver).Info("extension removed")
	return nil
}

// checkRemovable enforces the protected flag and dependent blocking.
func (o *Orchestrator) checkRemovable(ctx context.Context, name string, ext *manifest.Extension) error {
	protected := ext != nil && ext.Protected
	if !protected {
		if reg, err := o.Registry(ctx); err == nil {
			protected = reg.IsProtected(name)
		}
	}
	if protected && !o.opts.ForceProtected {
		return NewPermanentError(fmt.Sprintf("%s is protected; pass the override flag to remove it", name), nil).
			WithExtension(name).
			WithOperation("remove").
			WithCode(ErrCodeProtectedExtension)
	}

	dependents, err := o.installedDependents(name)
	if err != nil {
		return err
	}
	if len(dependents) > 0 && !o.opts.Cascade {
		return NewConflictError(fmt.Sprintf("%s is required by installed extensions", name), nil).
			WithExtension(name).
			WithOperation("remove").
			WithCode(ErrCodeRemoveBlocked).
			WithDetail("dependents", dependents)
	}
	if len(dependents) > 0 {
		for _, dep := range dependents {
			if err := o.Remove(ctx, dep); err != nil {
				return err
			}
		}
	}
	return nil
}

// installedDependents scans installed extensions' manifests for ones
// depending on name.
func (o *Orchestrator) installedDependents(name string) ([]string, error) {
	statuses, err := o.ledger.LatestStatus()
	if err != nil {
		return nil, wrapLedgerError(err)
	}

	var out []string
	for other, st := range statuses {
		if other == name || st.CurrentState != ledger.StateInstalled {
			continue
		}
		ext, err := manifest.Load(fmt.Sprintf("%s/%s", o.paths.PayloadDir(other, st.Version), manifestFile), true)
		if err != nil {
			continue
		}
		for _, dep := range ext.Dependencies {
			if dep == name {
				out = append(out, other)
				break
			}
		}
	}
	return out, nil
}

// keepPackages collects apt packages other installed extensions
// declared they need.
func (o *Orchestrator) keepPackages(removing string) (map[string]bool, error) {
	statuses, err := o.ledger.LatestStatus()
	if err != nil {
		return nil, wrapLedgerError(err)
	}

	keep := make(map[string]bool)
	for other, st := range statuses {
		if other == removing || st.CurrentState != ledger.StateInstalled {
			continue
		}
		ext, err := manifest.Load(fmt.Sprintf("%s/%s", o.paths.PayloadDir(other, st.Version), manifestFile), true)
		if err != nil || ext.Capabilities == nil {
			continue
		}
		for _, pkg := range ext.Capabilities.KeepPackages {
			keep[pkg] = true
		}
	}
	return keep, nil
}

// Verify re-runs validation for the named extensions, or every
// installed one when names is empty.
func (o *Orchestrator) Verify(ctx context.Context, names []string) error {
	statuses, err := o.ledger.LatestStatus()
	if err != nil {
		return wrapLedgerError(err)
	}

	if len(names) == 0 {
		for name, st := range statuses {
			if st.CurrentState == ledger.StateInstalled {
				names = append(names, name)
			}
		}
	}

	var firstErr error
	for _, name := range names {
		st, ok := statuses[name]
		if !ok || st.CurrentState != ledger.StateInstalled {
			o.logger.WithExtension(name).Warn("not installed, skipping verification")
			continue
		}

		ext, err := manifest.Load(fmt.Sprintf("%s/%s", o.paths.PayloadDir(name, st.Version), manifestFile), true)
		if err != nil {
			if firstErr == nil {
				firstErr = NewPermanentError("payload manifest missing", err).WithExtension(name)
			}
			continue
		}

		if err := o.verifyOne(ctx, name, ext); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// verifyOne runs one extension's checks, recording the outcome.
func (o *Orchestrator) verifyOne(ctx context.Context, name string, ext *manifest.Extension) error {
	installed := ledger.StateInstalled

	if err := o.runChecks(ctx, ext); err != nil {
		var failure *configure.ValidationFailure
		reason := err.Error()
		check := "validate"
		if errors.As(err, &failure) {
			reason = failure.Reason
			check = failure.Check
		}

		failEvent := ledger.NewValidationFailed(name, check, reason)
		if env, appendErr := o.ledger.AppendEvent(ctx, &installed, ledger.StateFailed, failEvent); appendErr != nil {
			o.logger.WithError(appendErr).Error("could not record validation failure")
		} else {
			o.mirror(ctx, &env)
		}
		return NewPermanentError("validation failed", err).
			WithExtension(name).
			WithOperation("verify")
	}

	okEvent := ledger.NewValidationSucceeded(name, "manual")
	env, err := o.ledger.AppendEvent(ctx, &installed, ledger.StateInstalled, okEvent)
	if err != nil {
		return wrapLedgerError(err)
	}
	o.mirror(ctx, &env)
	return nil
}

// Recheck re-runs the declared checks of every ledger-reported
// Installed extension and downgrades failures to Failed in the
// returned map. The downgrade is in-memory only; no event is appended.
func (o *Orchestrator) Recheck(ctx context.Context, statuses map[string]ledger.Status) map[string]ledger.Status {
	out := make(map[string]ledger.Status, len(statuses))
	for name, st := range statuses {
		if st.CurrentState == ledger.StateInstalled {
			ext, err := manifest.Load(fmt.Sprintf("%s/%s", o.paths.PayloadDir(name, st.Version), manifestFile), true)
			switch {
			case err != nil:
				o.logger.WithExtension(name).WithError(err).Debug("payload manifest unreadable, skipping recheck")
			case len(ext.Validate.Commands) > 0 || len(ext.Validate.MiseTools) > 0:
				if err := o.runChecks(ctx, ext); err != nil {
					o.logger.WithExtension(name).WithError(err).Warn("declared checks no longer pass")
					st.CurrentState = ledger.StateFailed
				}
			}
		}
		out[name] = st
	}
	return out
}
