package executors

import (
	"context"

	"github.com/smallsimplesuper/macplus/internal/events"
	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/platform"
	"github.com/smallsimplesuper/macplus/internal/runner"
)

// DelegatedExecutor opens the target app and reports immediate success
// without version reconciliation — a subsequent scan-and-check is the
// signal that the update actually landed, per spec §4.4.
type DelegatedExecutor struct {
	Runner runner.CommandRunner
}

func NewDelegatedExecutor(r runner.CommandRunner) *DelegatedExecutor {
	return &DelegatedExecutor{Runner: r}
}

func (e *DelegatedExecutor) Execute(ctx context.Context, candidate models.UpdateCandidate, app models.InstalledApp, progress ProgressFunc) (events.ExecuteCompletePayload, error) {
	emit(progress, app.BundleID, "Delegate", 0, 0, 0)

	if app.AppPath == "" {
		return events.ExecuteCompletePayload{
			BundleID: app.BundleID, DisplayName: app.DisplayName,
			Success: false, Message: "no bundle path to open", Delegated: true,
		}, nil
	}

	if err := platform.OpenApp(ctx, e.Runner, app.AppPath); err != nil {
		return events.ExecuteCompletePayload{
			BundleID: app.BundleID, DisplayName: app.DisplayName,
			Success: false, Message: err.Error(), Delegated: true,
		}, nil
	}

	emit(progress, app.BundleID, "Delegate", 100, 0, 0)
	return events.ExecuteCompletePayload{
		BundleID: app.BundleID, DisplayName: app.DisplayName,
		Success: true, NeedsRelaunch: false, AppPath: app.AppPath, Delegated: true,
	}, nil
}
