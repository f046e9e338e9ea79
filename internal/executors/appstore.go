package executors

import (
	"context"
	"time"

	"github.com/smallsimplesuper/macplus/internal/events"
	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/runner"
)

// AppStoreExecutor invokes the mas CLI — the scriptable front-end to the
// platform's native App Store update mechanism (there is no documented API
// for triggering a single app's update directly) — and degrades to a
// DelegatedExecutor when the helper is absent, per spec §4.4.
type AppStoreExecutor struct {
	Runner     runner.CommandRunner
	Delegated  *DelegatedExecutor
	HasMAS     func(ctx context.Context) bool
}

func NewAppStoreExecutor(r runner.CommandRunner, delegated *DelegatedExecutor, hasMAS func(ctx context.Context) bool) *AppStoreExecutor {
	return &AppStoreExecutor{Runner: r, Delegated: delegated, HasMAS: hasMAS}
}

func (e *AppStoreExecutor) Execute(ctx context.Context, candidate models.UpdateCandidate, app models.InstalledApp, progress ProgressFunc) (events.ExecuteCompletePayload, error) {
	if e.HasMAS == nil || !e.HasMAS(ctx) {
		return e.Delegated.Execute(ctx, candidate, app, progress)
	}

	emit(progress, app.BundleID, "Installing", 10, 0, 0)
	out, err := e.Runner.Run(ctx, 5*time.Minute, runner.Capture, "mas", "upgrade", app.BundleID)
	if err != nil {
		return events.ExecuteCompletePayload{
			BundleID: app.BundleID, DisplayName: app.DisplayName,
			Success: false, Message: string(out),
		}, nil
	}

	emit(progress, app.BundleID, "Finalize", 100, 0, 0)
	return events.ExecuteCompletePayload{
		BundleID: app.BundleID, DisplayName: app.DisplayName,
		Success: true, NeedsRelaunch: true, AppPath: app.AppPath,
	}, nil
}
