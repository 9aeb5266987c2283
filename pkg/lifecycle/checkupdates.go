package lifecycle

import (
	"context"
	"sort"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sindri-dev/sindri/pkg/ledger"
)

const (
	// checkUpdatesWorkers caps concurrent registry lookups.
	checkUpdatesWorkers = 4

	// checkUpdatesRate throttles tag listing requests.
	checkUpdatesRate  = rate.Limit(2)
	checkUpdatesBurst = 4
)

// Update describes one available upgrade.
type Update struct {
	Name           string `json:"name"`
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
}

// CheckUpdates resolves the highest compatible version of each
// installed extension concurrently, then appends outdated_detected
// events sequentially so ledger ordering stays deterministic.
func (o *Orchestrator) CheckUpdates(ctx context.Context, names []string) ([]Update, error) {
	reg, err := o.Registry(ctx)
	if err != nil {
		return nil, err
	}

	statuses, err := o.ledger.LatestStatus()
	if err != nil {
		return nil, wrapLedgerError(err)
	}

	if len(names) == 0 {
		for name, st := range statuses {
			if st.CurrentState == ledger.StateInstalled {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)

	limiter := rate.NewLimiter(checkUpdatesRate, checkUpdatesBurst)
	results := make([]*Update, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkUpdatesWorkers)
	for i, name := range names {
		st, ok := statuses[name]
		if !ok || st.CurrentState != ledger.StateInstalled {
			continue
		}

		i, name := i, name
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}

			_, candidate, err := o.resolveVersion(gctx, reg, name, "")
			if err != nil {
				o.logger.WithExtension(name).WithError(err).Warn("update check failed")
				return nil
			}

			current, err := semver.NewVersion(st.Version)
			if err != nil {
				o.logger.WithExtension(name).WithField("version", st.Version).Warn("installed version is not semver")
				return nil
			}
			if candidate.Version.GreaterThan(current) {
				results[i] = &Update{
					Name:           name,
					CurrentVersion: st.Version,
					LatestVersion:  candidate.Version.String(),
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, NewPermanentError("update check cancelled", err).WithCode(ErrCodeCancelled)
	}

	var updates []Update
	for _, u := range results {
		if u == nil {
			continue
		}

		installed := ledger.StateInstalled
		event := ledger.NewOutdatedDetected(u.Name, u.CurrentVersion, u.LatestVersion)
		env, err := o.ledger.AppendEvent(ctx, &installed, ledger.StateOutdated, event)
		if err != nil {
			return updates, wrapLedgerError(err)
		}
		o.mirror(ctx, &env)
		updates = append(updates, *u)
	}
	return updates, nil
}
