// Package orchestrator is OR: the public command surface of spec.md §4.5,
// wiring the scanner, resolver, executors, and persistence layer behind the
// coalescing rules (at most one scan, one check-all, one execution per
// bundle) and the periodic check-all schedule.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/smallsimplesuper/macplus/internal/checker"
	"github.com/smallsimplesuper/macplus/internal/config"
	"github.com/smallsimplesuper/macplus/internal/errs"
	"github.com/smallsimplesuper/macplus/internal/events"
	"github.com/smallsimplesuper/macplus/internal/executors"
	"github.com/smallsimplesuper/macplus/internal/logger"
	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/platform"
	"github.com/smallsimplesuper/macplus/internal/resolver"
	"github.com/smallsimplesuper/macplus/internal/runner"
	"github.com/smallsimplesuper/macplus/internal/scanner"
	"github.com/smallsimplesuper/macplus/internal/selfupdate"
	"github.com/smallsimplesuper/macplus/internal/store"
)

// ErrSelfUpdateInProgress is returned by ExecuteSelfUpdate when a staging
// run is already underway, mirroring executors.ErrAlreadyExecuting since
// there is exactly one binary to replace.
var ErrSelfUpdateInProgress = errors.New("a self-update is already in progress")

// Deps are the collaborators Orchestrator wires together; every field is
// built by cmd/macplusd's setup and handed in, so tests can substitute
// fakes for Runner/Fetcher-backed collaborators without touching the real
// filesystem or network.
type Deps struct {
	Store             *store.Store
	Checkers          []checker.Checker
	Executors         map[executors.Kind]executors.Executor
	Runner            runner.CommandRunner
	AskpassPath       string
	IconCacheDir      string
	HasMAS            func(ctx context.Context) bool
	ConnectivityProbe func(ctx context.Context) bool
	SelfUpdate        *selfupdate.Manager // nil disables check_self_update/execute_self_update
	RelaunchSelfFunc  func(ctx context.Context) error
}

// Orchestrator is OR.
type Orchestrator struct {
	store             *store.Store
	resolver          *resolver.Resolver
	execs             map[executors.Kind]executors.Executor
	locks             *executors.BundleLocks
	bulk              *executors.BulkQueue
	bus               *events.Bus
	runner            runner.CommandRunner
	askpassPath       string
	iconCacheDir      string
	hasMAS            func(ctx context.Context) bool
	connectivityProbe func(ctx context.Context) bool
	selfUpdate        *selfupdate.Manager
	relaunchSelfFunc  func(ctx context.Context) error

	selfUpdateInflight inflight
	scanInflight       inflight
	checkAllInflight   inflight

	cron      *cron.Cron
	cronEntry cron.EntryID
}

// New builds an Orchestrator. Call Start to begin periodic scheduling.
func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		store:        deps.Store,
		resolver:     resolver.New(deps.Checkers, deps.Store, config.DefaultResolverConcurrency),
		execs:        deps.Executors,
		locks:        executors.NewBundleLocks(),
		bus:          events.NewBus(),
		runner:       deps.Runner,
		askpassPath:  deps.AskpassPath,
		iconCacheDir: deps.IconCacheDir,
		hasMAS:       deps.HasMAS,
		connectivityProbe: deps.ConnectivityProbe,
		selfUpdate:       deps.SelfUpdate,
		relaunchSelfFunc: deps.RelaunchSelfFunc,
	}
	if o.connectivityProbe == nil {
		o.connectivityProbe = defaultConnectivityProbe
	}
	o.bulk = executors.NewBulkQueue(o.locks, config.DefaultBulkExecutionParallelism)
	return o
}

// Events returns the bus commands publish to and the GUI host subscribes
// from.
func (o *Orchestrator) Events() *events.Bus { return o.bus }

// Start begins the periodic check-all schedule derived from the persisted
// Settings.CheckIntervalMin, and performs the launch-time scan rule: a
// scan-on-launch is conditional on auto_check_on_launch except when the
// catalog is empty, which forces one regardless (spec.md §4.5).
func (o *Orchestrator) Start(ctx context.Context) error {
	settings, err := o.GetSettings(ctx)
	if err != nil {
		return err
	}

	o.cron = cron.New()
	if _, err := o.reschedule(settings.CheckIntervalMin); err != nil {
		return err
	}
	o.cron.Start()

	apps, err := o.store.ListApps(ctx)
	if err != nil {
		return err
	}
	if len(apps) == 0 || settings.AutoCheckOnLaunch {
		o.TriggerFullScan(ctx)
	}
	return nil
}

// Stop halts the periodic schedule.
func (o *Orchestrator) Stop() {
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
}

func (o *Orchestrator) reschedule(intervalMin int) (cron.EntryID, error) {
	if intervalMin <= 0 {
		intervalMin = config.DefaultSettings().CheckIntervalMin
	}
	if o.cronEntry != 0 {
		o.cron.Remove(o.cronEntry)
	}
	spec := fmt.Sprintf("@every %dm", intervalMin)
	id, err := o.cron.AddFunc(spec, func() {
		o.CheckAllUpdates(context.Background())
	})
	if err != nil {
		return 0, errs.Wrap(errs.Internal, fmt.Errorf("schedule check-all every %dm: %w", intervalMin, err))
	}
	o.cronEntry = id
	return id, nil
}

// TriggerFullScan starts a scan if none is in flight, returning the run id
// either way (spec.md §4.5: "additional trigger_full_scan returns the
// in-flight id").
func (o *Orchestrator) TriggerFullScan(ctx context.Context) string {
	id, _ := o.scanInflight.start(uuid.NewString(), func() {
		o.runScan(ctx)
	})
	return id
}

func (o *Orchestrator) runScan(ctx context.Context) {
	settings, err := o.GetSettings(ctx)
	if err != nil {
		logger.Warn("scan: read settings: %v", err)
		return
	}

	var discovered int
	opts := scanner.Options{
		Roots: settings.ScanRoots,
		Depth: settings.ScanDepth,
		OnProgress: func(app models.InstalledApp) {
			discovered++
			o.bus.Publish(events.Event{Kind: events.ScanProgress, Payload: events.ScanProgressPayload{
				BundleID: app.BundleID, DisplayName: app.DisplayName, AppsFound: discovered,
			}})
		},
		IconCacheDir: o.iconCacheDir,
		Runner:       o.runner,
	}

	prior, _ := o.store.ListApps(ctx)
	res, err := scanner.Scan(ctx, opts)
	if err != nil {
		o.bus.Publish(events.Event{Kind: events.ScanComplete, Payload: events.ScanCompletePayload{
			Success: false, Message: err.Error(),
		}})
		return
	}

	now := time.Now().UTC()
	for i := range res.Apps {
		if res.Apps[i].FirstSeenAt.IsZero() {
			res.Apps[i].FirstSeenAt = now
		}
		res.Apps[i].LastSeenAt = now
		if err := o.store.UpsertApp(ctx, res.Apps[i]); err != nil {
			logger.Warn("scan: upsert %s: %v", res.Apps[i].BundleID, err)
		}
	}
	for _, stale := range scanner.Reconcile(prior, res.Apps) {
		if err := o.store.UpsertApp(ctx, stale); err != nil {
			logger.Warn("scan: reconcile %s: %v", stale.BundleID, err)
		}
	}

	o.bus.Publish(events.Event{Kind: events.ScanComplete, Payload: events.ScanCompletePayload{
		Success: true, AppsFound: len(res.Apps), Warnings: len(res.Warnings),
	}})
}

// CheckAllUpdates starts a check-all if none is in flight, returning the
// run id either way.
func (o *Orchestrator) CheckAllUpdates(ctx context.Context) string {
	id, _ := o.checkAllInflight.start(uuid.NewString(), func() {
		o.bus.Publish(events.Event{Kind: events.UpdateCheckProgress, Payload: events.UpdateCheckProgressPayload{Phase: "started"}})
		found, err := o.resolver.CheckAll(ctx)
		if err != nil {
			o.bus.Publish(events.Event{Kind: events.UpdateCheckComplete, Payload: events.UpdateCheckCompletePayload{Success: false, Message: err.Error()}})
			return
		}
		o.bus.Publish(events.Event{Kind: events.UpdateCheckComplete, Payload: events.UpdateCheckCompletePayload{Success: true, UpdatesFound: found}})
	})
	return id
}

// CheckSingleUpdate runs the resolver for one app immediately, independent
// of the check-all aggregate (spec.md §4.5: "per-bundle checks ... always
// run independently").
func (o *Orchestrator) CheckSingleUpdate(ctx context.Context, bundleID string) (*models.UpdateCandidate, error) {
	app, ok, err := o.store.GetApp(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.NotFound, "app %s not found", bundleID)
	}
	candidate, err := o.resolver.CheckApp(ctx, app)
	if err != nil {
		return nil, err
	}
	if candidate != nil {
		o.bus.Publish(events.Event{Kind: events.UpdateFound, Payload: events.UpdateFoundPayload{
			BundleID: bundleID, AvailableVersion: candidate.AvailableVersion, SourceType: string(candidate.SourceType),
		}})
	}
	return candidate, nil
}

// DebugUpdateCheck runs a single app's resolver pass and returns every
// Checker's raw outcome alongside the winning candidate, for diagnostics.
func (o *Orchestrator) DebugUpdateCheck(ctx context.Context, bundleID string) (*models.UpdateCandidate, []resolver.Outcome, error) {
	app, ok, err := o.store.GetApp(ctx, bundleID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errs.New(errs.NotFound, "app %s not found", bundleID)
	}
	return o.resolver.Resolve(ctx, app)
}

// ExecuteUpdate runs bundleID's current candidate through the routed
// Executor, recording a history row and publishing progress/complete
// events. A bundle already executing returns ErrAlreadyExecuting.
func (o *Orchestrator) ExecuteUpdate(ctx context.Context, bundleID string) error {
	app, ok, err := o.store.GetApp(ctx, bundleID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.NotFound, "app %s not found", bundleID)
	}
	candidate, err := o.store.GetCandidate(ctx, bundleID)
	if err != nil {
		return err
	}
	if candidate == nil {
		return errs.New(errs.NotFound, "no update candidate for %s", bundleID)
	}

	if !o.locks.TryLock(bundleID) {
		return &executors.ErrAlreadyExecuting{BundleID: bundleID}
	}
	defer o.locks.Unlock(bundleID)

	return o.execute(ctx, *candidate, app)
}

// execute assumes the caller already holds bundleID's lock.
func (o *Orchestrator) execute(ctx context.Context, candidate models.UpdateCandidate, app models.InstalledApp) error {
	kind := executors.Route(candidate, app)
	exec, ok := o.execs[kind]
	if !ok {
		return errs.New(errs.Unsupported, "no executor wired for routed kind %v", kind)
	}

	historyID, err := o.store.BeginHistory(ctx, app.BundleID, app.DisplayName, app.IconCachePath,
		app.InstalledVersion, candidate.AvailableVersion, candidate.SourceType)
	if err != nil {
		logger.Warn("execute %s: begin history: %v", app.BundleID, err)
	}

	progress := func(p events.ExecuteProgressPayload) {
		o.bus.Publish(events.Event{Kind: events.UpdateExecuteProgress, Payload: p})
	}
	result, err := exec.Execute(ctx, candidate, app, progress)
	switch {
	case ctx.Err() != nil && (err != nil || !result.Success):
		// never retried, always reported as "cancelled", per spec §7.
		result = events.ExecuteCompletePayload{BundleID: app.BundleID, DisplayName: app.DisplayName, Success: false, Message: errs.CancelledErr().Message}
	case err != nil:
		result = events.ExecuteCompletePayload{BundleID: app.BundleID, DisplayName: app.DisplayName, Success: false, Message: err.Error()}
	}
	o.bus.Publish(events.Event{Kind: events.UpdateExecuteComplete, Payload: result})

	status := models.HistoryFailed
	switch {
	case result.Delegated:
		status = models.HistoryDelegated
	case result.Success:
		status = models.HistoryCompleted
	}
	if historyID != "" {
		if ferr := o.store.FinishHistory(ctx, historyID, status, result.Message); ferr != nil {
			logger.Warn("execute %s: finish history: %v", app.BundleID, ferr)
		}
	}
	if result.Success && !result.Delegated {
		app.InstalledVersion = candidate.AvailableVersion
		app.LastSeenAt = time.Now().UTC()
		if uerr := o.store.UpsertApp(ctx, app); uerr != nil {
			logger.Warn("execute %s: upsert installed version: %v", app.BundleID, uerr)
		}
		if perr := o.store.PutCandidate(ctx, app.BundleID, nil); perr != nil {
			logger.Warn("execute %s: clear candidate: %v", app.BundleID, perr)
		}
	}
	if !result.Success {
		if result.Message == errs.CancelledErr().Message {
			return errs.CancelledErr()
		}
		return errs.ExecutorFailure(result.Message, errors.New(result.Message))
	}
	return nil
}

// ExecuteBulkUpdate drains bundleIDs through the bounded bulk queue,
// skipping (not queuing behind) any bundle already executing.
func (o *Orchestrator) ExecuteBulkUpdate(ctx context.Context, bundleIDs []string) {
	o.bulk.Run(ctx, bundleIDs,
		func(ctx context.Context, bundleID string) {
			app, ok, err := o.store.GetApp(ctx, bundleID)
			if err != nil || !ok {
				return
			}
			candidate, err := o.store.GetCandidate(ctx, bundleID)
			if err != nil || candidate == nil {
				return
			}
			if err := o.execute(ctx, *candidate, app); err != nil {
				logger.Warn("bulk execute %s: %v", bundleID, err)
			}
		},
		func(bundleID string) {
			logger.Warn("bulk execute %s: already executing, skipped", bundleID)
		},
	)
}

// SetAppIgnored toggles whether bundleID is excluded from check-all and
// the update-count surface.
func (o *Orchestrator) SetAppIgnored(ctx context.Context, bundleID string, ignored bool) error {
	app, ok, err := o.store.GetApp(ctx, bundleID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.NotFound, "app %s not found", bundleID)
	}
	app.IsIgnored = ignored
	return o.store.UpsertApp(ctx, app)
}

// GetAllApps returns the full catalog.
func (o *Orchestrator) GetAllApps(ctx context.Context) ([]models.InstalledApp, error) {
	return o.store.ListApps(ctx)
}

// AppDetail bundles one app's full known state: its catalog row, its
// current candidate (if any), and the Checker bindings contributing to it.
type AppDetail struct {
	App        models.InstalledApp
	Candidate  *models.UpdateCandidate
	Bindings   []models.UpdateSourceBinding
}

// GetAppDetail returns bundleID's full known state.
func (o *Orchestrator) GetAppDetail(ctx context.Context, bundleID string) (AppDetail, error) {
	app, ok, err := o.store.GetApp(ctx, bundleID)
	if err != nil {
		return AppDetail{}, err
	}
	if !ok {
		return AppDetail{}, errs.New(errs.NotFound, "app %s not found", bundleID)
	}
	candidate, err := o.store.GetCandidate(ctx, bundleID)
	if err != nil {
		return AppDetail{}, err
	}
	bindings, err := o.store.ListSourceBindings(ctx, bundleID)
	if err != nil {
		return AppDetail{}, err
	}
	return AppDetail{App: app, Candidate: candidate, Bindings: bindings}, nil
}

// GetUpdateCount returns the number of non-ignored apps with a pending
// candidate, the figure a GUI host badges its icon with.
func (o *Orchestrator) GetUpdateCount(ctx context.Context) (int, error) {
	apps, err := o.store.ListApps(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, app := range apps {
		if app.IsIgnored {
			continue
		}
		c, err := o.store.GetCandidate(ctx, app.BundleID)
		if err != nil {
			return 0, err
		}
		if c != nil {
			count++
		}
	}
	return count, nil
}

// GetUpdateHistory returns the most recent limit history rows.
func (o *Orchestrator) GetUpdateHistory(ctx context.Context, limit int) ([]models.UpdateHistoryEntry, error) {
	return o.store.ListHistory(ctx, limit)
}

// GetSettings returns the persisted settings, or the defaults if none have
// been written yet.
func (o *Orchestrator) GetSettings(ctx context.Context) (models.Settings, error) {
	s, ok, err := o.store.GetSettings(ctx)
	if err != nil {
		return models.Settings{}, err
	}
	if !ok {
		return config.DefaultSettings(), nil
	}
	return config.WithDefaults(s), nil
}

// UpdateSettings persists new settings and reschedules the periodic
// check-all if the interval changed.
func (o *Orchestrator) UpdateSettings(ctx context.Context, s models.Settings) error {
	if err := o.store.PutSettings(ctx, s); err != nil {
		return err
	}
	if o.cron != nil {
		if _, err := o.reschedule(s.CheckIntervalMin); err != nil {
			return err
		}
	}
	return nil
}

// CheckSetupStatus reports the external tooling EX depends on.
func (o *Orchestrator) CheckSetupStatus(ctx context.Context) platform.SetupStatus {
	return platform.Setup(ctx, o.runner, o.askpassPath)
}

// CheckConnectivity reports whether the outbound network path HF's
// Checkers depend on is reachable.
func (o *Orchestrator) CheckConnectivity(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return o.connectivityProbe(probeCtx)
}

// defaultConnectivityProbe dials a well-known HTTPS endpoint with a short
// timeout; a successful TCP handshake is enough signal that outbound
// network access (what every Checker depends on) is present, without
// needing a full HTTP round trip.
func defaultConnectivityProbe(ctx context.Context) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", "www.apple.com:443")
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// RelaunchApp quits (if running) and reopens bundleID at appPath, the
// post-update relaunch spec.md names as a distinct, explicit user action.
func (o *Orchestrator) RelaunchApp(ctx context.Context, bundleID, appPath string) error {
	if platform.IsRunning(ctx, o.runner, bundleID) {
		if err := platform.QuitApp(ctx, o.runner, bundleID); err != nil {
			return err
		}
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) && platform.IsRunning(ctx, o.runner, bundleID) {
			time.Sleep(200 * time.Millisecond)
		}
	}
	return platform.OpenApp(ctx, o.runner, appPath)
}

// CheckSelfUpdate reports whether a newer engine build is published, without
// staging or applying anything. Returns errs.Unsupported when no
// selfupdate.Manager was wired (e.g. a build with no manifest URL configured).
func (o *Orchestrator) CheckSelfUpdate(ctx context.Context) (*selfupdate.Manifest, bool, error) {
	if o.selfUpdate == nil {
		return nil, false, errs.New(errs.Unsupported, "self-update is not configured")
	}
	man, newer, err := o.selfUpdate.Check(ctx)
	if err != nil {
		return nil, false, err
	}
	if newer {
		o.bus.Publish(events.Event{Kind: events.SelfUpdateAvailable, Payload: events.SelfUpdateAvailablePayload{Version: man.Version}})
	}
	return man, newer, nil
}

// ExecuteSelfUpdate stages, verifies, and installs the engine's own binary
// in place. It never relaunches the process itself — relaunch_self is a
// separate, explicit command (spec.md §4.5) so a GUI host can warn the user
// first. Since there is exactly one binary to replace, a call made while a
// self-update is already running is rejected with ErrSelfUpdateInProgress
// rather than coalesced.
func (o *Orchestrator) ExecuteSelfUpdate(ctx context.Context) error {
	if o.selfUpdate == nil {
		return errs.New(errs.Unsupported, "self-update is not configured")
	}
	if _, busy := o.selfUpdateInflight.active(); busy {
		return ErrSelfUpdateInProgress
	}

	man, newer, err := o.selfUpdate.Check(ctx)
	if err != nil {
		return err
	}
	if !newer {
		return errs.New(errs.NotFound, "no newer self-update version is available")
	}

	o.selfUpdateInflight.mu.Lock()
	if o.selfUpdateInflight.busy {
		o.selfUpdateInflight.mu.Unlock()
		return ErrSelfUpdateInProgress
	}
	o.selfUpdateInflight.busy = true
	o.selfUpdateInflight.id = man.Version
	o.selfUpdateInflight.mu.Unlock()
	defer func() {
		o.selfUpdateInflight.mu.Lock()
		o.selfUpdateInflight.busy = false
		o.selfUpdateInflight.mu.Unlock()
	}()

	progress := func(phase string, percent int) {
		o.bus.Publish(events.Event{Kind: events.SelfUpdateProgress, Payload: events.SelfUpdateProgressPayload{Phase: phase, Percent: percent}})
	}
	err = o.selfUpdate.StageAndApply(ctx, man, progress)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	o.bus.Publish(events.Event{Kind: events.SelfUpdateComplete, Payload: events.SelfUpdateCompletePayload{
		Success: err == nil, Message: msg, NeedsRelaunch: err == nil,
	}})
	return err
}

// RelaunchSelf restarts the engine process after a completed self-update,
// delegating to the host-supplied RelaunchSelfFunc (the engine cannot
// meaningfully exec a replacement for itself without host cooperation, e.g.
// launchd/launchctl kickstart).
func (o *Orchestrator) RelaunchSelf(ctx context.Context) error {
	if o.relaunchSelfFunc == nil {
		return errs.New(errs.Unsupported, "relaunch_self is not supported by this host")
	}
	return o.relaunchSelfFunc(ctx)
}

// UninstallApp removes bundleID's bundle (and, when cleanupAssociated is
// set, its Application Support/Caches/Preferences siblings) and deletes its
// catalog row. The policy for a bundle already missing on disk is to treat
// it as already-uninstalled rather than an error, matching the scanner's
// own "missing means stale, not broken" stance (spec.md §4.2's reconcile
// note).
func (o *Orchestrator) UninstallApp(ctx context.Context, bundleID string, cleanupAssociated bool) error {
	app, ok, err := o.store.GetApp(ctx, bundleID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.NotFound, "app %s not found", bundleID)
	}
	if err := uninstallBundle(ctx, o.runner, app, cleanupAssociated); err != nil {
		return err
	}
	return o.store.DeleteApp(ctx, bundleID)
}
