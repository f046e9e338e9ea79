package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/smallsimplesuper/macplus/internal/checker"
	"github.com/smallsimplesuper/macplus/internal/events"
	"github.com/smallsimplesuper/macplus/internal/executors"
	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/runner"
	"github.com/smallsimplesuper/macplus/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testApp(bundleID, installedVersion string) models.InstalledApp {
	now := time.Now().UTC()
	return models.InstalledApp{
		BundleID:         bundleID,
		DisplayName:      bundleID,
		AppPath:          "/Applications/" + bundleID + ".app",
		InstalledVersion: installedVersion,
		InstallSource:    models.InstallSourceDirect,
		FirstSeenAt:      now,
		LastSeenAt:       now,
	}
}

// blockingExecutor lets a test hold an execution open until release is
// closed, so a second concurrent call can observe the bundle lock.
type blockingExecutor struct {
	release chan struct{}
	calls   int32
	mu      sync.Mutex
}

func (e *blockingExecutor) Execute(ctx context.Context, candidate models.UpdateCandidate, app models.InstalledApp, progress executors.ProgressFunc) (events.ExecuteCompletePayload, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.release != nil {
		<-e.release
	}
	return events.ExecuteCompletePayload{BundleID: app.BundleID, Success: true}, nil
}

// instantExecutor completes immediately with a scripted result.
type instantExecutor struct {
	success bool
	message string
}

func (e *instantExecutor) Execute(ctx context.Context, candidate models.UpdateCandidate, app models.InstalledApp, progress executors.ProgressFunc) (events.ExecuteCompletePayload, error) {
	progress(events.ExecuteProgressPayload{BundleID: app.BundleID, Phase: "Download", Percent: 50})
	return events.ExecuteCompletePayload{BundleID: app.BundleID, Success: e.success, Message: e.message}, nil
}

func newOrchestrator(t *testing.T, execs map[executors.Kind]executors.Executor) *Orchestrator {
	t.Helper()
	st := openTestStore(t)
	return New(Deps{
		Store:     st,
		Checkers:  []checker.Checker{},
		Executors: execs,
		Runner:    runner.NewMockRunner(),
	})
}

func TestExecuteUpdate_ClearsCandidateAndRecordsHistoryOnSuccess(t *testing.T) {
	o := newOrchestrator(t, map[executors.Kind]executors.Executor{
		executors.KindDelegated: &instantExecutor{success: true},
	})
	ctx := context.Background()

	app := testApp("com.example.widget", "1.0")
	if err := o.store.UpsertApp(ctx, app); err != nil {
		t.Fatalf("UpsertApp: %v", err)
	}
	candidate := &models.UpdateCandidate{BundleID: app.BundleID, AvailableVersion: "2.0", SourceType: models.SourceMozilla}
	if err := o.store.PutCandidate(ctx, app.BundleID, candidate); err != nil {
		t.Fatalf("PutCandidate: %v", err)
	}

	if err := o.ExecuteUpdate(ctx, app.BundleID); err != nil {
		t.Fatalf("ExecuteUpdate: %v", err)
	}

	got, ok, err := o.store.GetApp(ctx, app.BundleID)
	if err != nil || !ok {
		t.Fatalf("GetApp: ok=%v err=%v", ok, err)
	}
	if got.InstalledVersion != "2.0" {
		t.Fatalf("InstalledVersion = %q, want 2.0", got.InstalledVersion)
	}

	remaining, err := o.store.GetCandidate(ctx, app.BundleID)
	if err != nil {
		t.Fatalf("GetCandidate: %v", err)
	}
	if remaining != nil {
		t.Fatalf("candidate = %+v, want cleared after success", remaining)
	}

	hist, err := o.store.ListHistory(ctx, 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].Status != models.HistoryCompleted {
		t.Fatalf("history = %+v, want one completed entry", hist)
	}
}

func TestExecuteUpdate_FailureLeavesCandidateAndRecordsFailure(t *testing.T) {
	o := newOrchestrator(t, map[executors.Kind]executors.Executor{
		executors.KindDelegated: &instantExecutor{success: false, message: "network down"},
	})
	ctx := context.Background()

	app := testApp("com.example.widget", "1.0")
	_ = o.store.UpsertApp(ctx, app)
	candidate := &models.UpdateCandidate{BundleID: app.BundleID, AvailableVersion: "2.0", SourceType: models.SourceMozilla}
	_ = o.store.PutCandidate(ctx, app.BundleID, candidate)

	if err := o.ExecuteUpdate(ctx, app.BundleID); err == nil {
		t.Fatal("expected an error from a failed execution")
	}

	remaining, err := o.store.GetCandidate(ctx, app.BundleID)
	if err != nil {
		t.Fatalf("GetCandidate: %v", err)
	}
	if remaining == nil {
		t.Fatal("candidate should survive a failed execution")
	}

	hist, _ := o.store.ListHistory(ctx, 10)
	if len(hist) != 1 || hist[0].Status != models.HistoryFailed {
		t.Fatalf("history = %+v, want one failed entry", hist)
	}
}

func TestExecuteUpdate_SecondCallWhileLockedIsRejected(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	o := newOrchestrator(t, map[executors.Kind]executors.Executor{
		executors.KindDelegated: exec,
	})
	ctx := context.Background()

	app := testApp("com.example.widget", "1.0")
	_ = o.store.UpsertApp(ctx, app)
	candidate := &models.UpdateCandidate{BundleID: app.BundleID, AvailableVersion: "2.0", SourceType: models.SourceMozilla}
	_ = o.store.PutCandidate(ctx, app.BundleID, candidate)

	errCh := make(chan error, 1)
	go func() { errCh <- o.ExecuteUpdate(ctx, app.BundleID) }()
	time.Sleep(50 * time.Millisecond) // let the goroutine acquire the lock first

	if err := o.ExecuteUpdate(ctx, app.BundleID); err == nil {
		t.Fatal("expected ErrAlreadyExecuting for a concurrent execute on the same bundle")
	}

	close(exec.release)
	if err := <-errCh; err != nil {
		t.Fatalf("first ExecuteUpdate: %v", err)
	}
}

func TestExecuteBulkUpdate_SkipsAlreadyLockedBundle(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	o := newOrchestrator(t, map[executors.Kind]executors.Executor{
		executors.KindDelegated: exec,
	})
	ctx := context.Background()

	app := testApp("com.example.widget", "1.0")
	_ = o.store.UpsertApp(ctx, app)
	candidate := &models.UpdateCandidate{BundleID: app.BundleID, AvailableVersion: "2.0", SourceType: models.SourceMozilla}
	_ = o.store.PutCandidate(ctx, app.BundleID, candidate)

	if !o.locks.TryLock(app.BundleID) {
		t.Fatal("could not pre-lock bundle for test setup")
	}

	o.ExecuteBulkUpdate(ctx, []string{app.BundleID})
	time.Sleep(100 * time.Millisecond)

	exec.mu.Lock()
	calls := exec.calls
	exec.mu.Unlock()
	if calls != 0 {
		t.Fatalf("executor should not have run against an already-locked bundle, calls=%d", calls)
	}
	o.locks.Unlock(app.BundleID)
}

func TestCheckAllUpdates_CoalescesConcurrentCalls(t *testing.T) {
	o := newOrchestrator(t, nil)
	ctx := context.Background()

	ch, unsub := o.Events().Subscribe(8)
	defer unsub()

	id1 := o.CheckAllUpdates(ctx)
	id2 := o.CheckAllUpdates(ctx)
	if id1 != id2 {
		t.Fatalf("concurrent check-all calls should share one run id, got %q and %q", id1, id2)
	}

	select {
	case ev := <-ch:
		if ev.Kind != events.UpdateCheckProgress && ev.Kind != events.UpdateCheckComplete {
			t.Fatalf("unexpected event kind %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for check-all event")
	}
}

func TestTriggerFullScan_CoalescesConcurrentCalls(t *testing.T) {
	o := newOrchestrator(t, nil)
	ctx := context.Background()

	id1 := o.TriggerFullScan(ctx)
	id2 := o.TriggerFullScan(ctx)
	if id1 != id2 {
		t.Fatalf("concurrent scan calls should share one run id, got %q and %q", id1, id2)
	}
}

func TestUninstallApp_RemovesCatalogRowButKeepsHistory(t *testing.T) {
	o := newOrchestrator(t, map[executors.Kind]executors.Executor{
		executors.KindDelegated: &instantExecutor{success: true},
	})
	ctx := context.Background()

	dir := t.TempDir()
	app := testApp("com.example.widget", "1.0")
	app.AppPath = filepath.Join(dir, "Widget.app")
	if err := os.MkdirAll(app.AppPath, 0o755); err != nil {
		t.Fatalf("seed bundle dir: %v", err)
	}
	_ = o.store.UpsertApp(ctx, app)

	candidate := &models.UpdateCandidate{BundleID: app.BundleID, AvailableVersion: "2.0", SourceType: models.SourceMozilla}
	_ = o.store.PutCandidate(ctx, app.BundleID, candidate)
	_ = o.ExecuteUpdate(ctx, app.BundleID)

	if err := o.UninstallApp(ctx, app.BundleID, false); err != nil {
		t.Fatalf("UninstallApp: %v", err)
	}

	if _, ok, _ := o.store.GetApp(ctx, app.BundleID); ok {
		t.Fatal("app row should be gone after uninstall")
	}
	hist, err := o.store.ListHistory(ctx, 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("history = %+v, want it preserved across uninstall", hist)
	}
}

func TestGetSettings_FallsBackToDefaults(t *testing.T) {
	o := newOrchestrator(t, nil)
	ctx := context.Background()

	settings, err := o.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings.ScanDepth == 0 {
		t.Fatal("expected a non-zero default ScanDepth")
	}

	settings.CheckIntervalMin = 42
	if err := o.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	got, err := o.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.CheckIntervalMin != 42 {
		t.Fatalf("CheckIntervalMin = %d, want 42", got.CheckIntervalMin)
	}
}

func TestGetUpdateCount_CountsOnlyNonIgnoredWithCandidate(t *testing.T) {
	o := newOrchestrator(t, nil)
	ctx := context.Background()

	a := testApp("com.example.a", "1.0")
	b := testApp("com.example.b", "1.0")
	b.IsIgnored = true
	c := testApp("com.example.c", "1.0")
	_ = o.store.UpsertApp(ctx, a)
	_ = o.store.UpsertApp(ctx, b)
	_ = o.store.UpsertApp(ctx, c)

	_ = o.store.PutCandidate(ctx, a.BundleID, &models.UpdateCandidate{BundleID: a.BundleID, AvailableVersion: "2.0"})
	_ = o.store.PutCandidate(ctx, b.BundleID, &models.UpdateCandidate{BundleID: b.BundleID, AvailableVersion: "2.0"})

	count, err := o.GetUpdateCount(ctx)
	if err != nil {
		t.Fatalf("GetUpdateCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1 (b is ignored, c has no candidate)", count)
	}
}

func TestCheckSelfUpdate_UnsupportedWhenNotConfigured(t *testing.T) {
	o := newOrchestrator(t, nil)
	if _, _, err := o.CheckSelfUpdate(context.Background()); err == nil {
		t.Fatal("expected an error when no selfupdate.Manager is configured")
	}
}

func TestRelaunchSelf_UnsupportedWithoutHostFunc(t *testing.T) {
	o := newOrchestrator(t, nil)
	if err := o.RelaunchSelf(context.Background()); err == nil {
		t.Fatal("expected an error when no RelaunchSelfFunc is configured")
	}
}
