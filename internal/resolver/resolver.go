// Package resolver is the RS component (spec §4.3): for each installed app
// it builds the applicable-Checker set, probes them with bounded
// parallelism, and reconciles the results into at most one UpdateCandidate,
// persisting it and the per-source bindings through the store.
//
// The bounded-parallel probing is grounded on the teacher's
// versions.Resolver.refreshChunksParallel shape, reimplemented with
// golang.org/x/sync/errgroup and golang.org/x/sync/semaphore instead of a
// hand-rolled sync.WaitGroup/mutex pair. Per-Checker failure isolation
// mirrors core.go's logger.Debug-and-continue style: one Checker erroring
// never aborts its siblings or the overall check.
package resolver

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/smallsimplesuper/macplus/internal/checker"
	"github.com/smallsimplesuper/macplus/internal/logger"
	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/store"
	"github.com/smallsimplesuper/macplus/internal/versioncmp"
)

// Outcome pairs a Checker's SourceType with its raw ProbeResult, for
// callers (e.g. a "why no update" diagnostic view) that want the full
// per-source picture rather than just the reconciled winner.
type Outcome struct {
	SourceType models.SourceType
	Result     checker.ProbeResult
}

// Resolver owns the Checker set and the bounded-parallel probing/
// reconciliation over it.
type Resolver struct {
	Checkers    []checker.Checker
	Store       *store.Store
	Concurrency int64 // probe fan-out bound per app, per spec §5
}

// New builds a Resolver with the given Checker set. concurrency <= 0 falls
// back to a sane per-app probe bound.
func New(checkers []checker.Checker, st *store.Store, concurrency int64) *Resolver {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Resolver{Checkers: checkers, Store: st, Concurrency: concurrency}
}

// Resolve runs every applicable Checker for app with bounded parallelism and
// reconciles their ProbeResults into at most one winning candidate, without
// touching the store. CheckApp/CheckAll persist the result.
func (r *Resolver) Resolve(ctx context.Context, app models.InstalledApp) (*models.UpdateCandidate, []Outcome, error) {
	applicable := make([]checker.Checker, 0, len(r.Checkers))
	for _, c := range r.Checkers {
		if c.Applicable(app) {
			applicable = append(applicable, c)
		}
	}
	if len(applicable) == 0 {
		return nil, nil, nil
	}

	outcomes := make([]Outcome, len(applicable))
	sem := semaphore.NewWeighted(r.Concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i, c := range applicable {
		i, c := i, c
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				// context cancellation, not a Checker failure — record and move on.
				outcomes[i] = Outcome{SourceType: c.SourceType(), Result: checker.ProbeResult{Status: checker.ErrorResult, Err: err}}
				return nil
			}
			defer sem.Release(1)

			defer func() {
				if rec := recover(); rec != nil {
					logger.Warn("checker %s panicked probing %s: %v", c.SourceType(), app.BundleID, rec)
					outcomes[i] = Outcome{SourceType: c.SourceType()}
				}
			}()
			result := c.Probe(gctx, app)
			if result.Status == checker.ErrorResult {
				logger.Debug("checker %s: %s: %v", c.SourceType(), app.BundleID, result.Err)
			}
			outcomes[i] = Outcome{SourceType: c.SourceType(), Result: result}
			return nil
		})
	}
	// g.Wait's error is always nil here (no Checker error is ever returned
	// from the goroutine), kept only so a future context-cancellation signal
	// still has somewhere to surface.
	_ = g.Wait()

	return reconcile(app, outcomes), outcomes, nil
}

// reconcile applies spec §4.3's precedence rule: highest version wins,
// ties broken by SourceType.PrecedenceRank(); a candidate with
// available <= installed is discarded.
func reconcile(app models.InstalledApp, outcomes []Outcome) *models.UpdateCandidate {
	var winner *Outcome
	for i := range outcomes {
		o := &outcomes[i]
		if o.Result.Status != checker.Found {
			continue
		}
		if !versioncmp.IsNewer(o.Result.Version, app.InstalledVersion) {
			continue
		}
		switch {
		case winner == nil:
			winner = o
		default:
			cmp := versioncmp.Compare(o.Result.Version, winner.Result.Version)
			if cmp > 0 || (cmp == 0 && o.SourceType.PrecedenceRank() < winner.SourceType.PrecedenceRank()) {
				winner = o
			}
		}
	}
	if winner == nil {
		return nil
	}
	return &models.UpdateCandidate{
		BundleID:         app.BundleID,
		AvailableVersion: winner.Result.Version,
		SourceType:       winner.SourceType,
		DownloadURL:      winner.Result.DownloadURL,
		ReleaseNotes:     winner.Result.ReleaseNotes,
		ReleaseNotesURL:  winner.Result.ReleaseNotesURL,
		IsPaidUpgrade:    winner.Result.IsPaidUpgrade,
		DetectedAt:       time.Now(),
	}
}

// CheckApp is the check(bundle_id) operation of spec §4.3: resolve, persist
// the winning candidate (or clear a stale one) and the source bindings.
func (r *Resolver) CheckApp(ctx context.Context, app models.InstalledApp) (*models.UpdateCandidate, error) {
	candidate, outcomes, err := r.Resolve(ctx, app)
	if err != nil {
		return nil, err
	}

	if err := r.Store.PutCandidate(ctx, app.BundleID, candidate); err != nil {
		return nil, err
	}

	now := time.Now()
	for _, o := range outcomes {
		isPrimary := candidate != nil && o.SourceType == candidate.SourceType
		if err := r.Store.UpsertSourceBinding(ctx, models.UpdateSourceBinding{
			BundleID:      app.BundleID,
			SourceType:    o.SourceType,
			IsPrimary:     isPrimary,
			LastCheckedAt: now,
		}); err != nil {
			logger.Warn("persist source binding %s/%s: %v", app.BundleID, o.SourceType, err)
		}
	}
	return candidate, nil
}

// CheckAll is the check_all() operation: every known app is checked with
// per-app failure isolation (one app's Checker outage never aborts the
// rest) and bounded parallelism at the app level too, reusing Concurrency
// as the app-level fan-out bound.
func (r *Resolver) CheckAll(ctx context.Context) (int, error) {
	apps, err := r.Store.ListApps(ctx)
	if err != nil {
		return 0, err
	}

	var found atomic.Int32
	sem := semaphore.NewWeighted(r.Concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for _, app := range apps {
		app := app
		if app.IsIgnored {
			continue
		}
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			candidate, err := r.CheckApp(gctx, app)
			if err != nil {
				logger.Warn("check_all: %s: %v", app.BundleID, err)
				return nil
			}
			if candidate != nil {
				found.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(found.Load()), nil
}
