// Package executors is EX (spec.md §4.4): the two-phase routing table plus
// one strategy per Kind. Every Executor shares the Execute(ctx, candidate,
// app, emit) shape so the orchestrator can dispatch without a type switch
// beyond Route itself.
package executors

import (
	"context"

	"github.com/smallsimplesuper/macplus/internal/events"
	"github.com/smallsimplesuper/macplus/internal/models"
)

// Kind names the five Executor strategies of spec §4.4.
type Kind string

const (
	KindDirect          Kind = "direct"
	KindHomebrew        Kind = "homebrew"
	KindHomebrewFormula Kind = "homebrew_formula"
	KindAppStore        Kind = "app_store"
	KindDelegated       Kind = "delegated"
)

// Route reproduces spec.md §4.4's two-phase routing decision exactly:
// phase 1 keys off the candidate's source_type, phase 2 (reached when
// phase 1 falls through) keys off the app's install_source.
func Route(candidate models.UpdateCandidate, app models.InstalledApp) Kind {
	switch candidate.SourceType {
	case models.SourceAdobeCC:
		return KindDelegated
	case models.SourceMAS:
		return KindAppStore
	case models.SourceSparkle:
		return KindDirect
	case models.SourceHomebrewCask, models.SourceGitHub, models.SourceHomebrewAPI:
		if app.HomebrewCaskToken != "" {
			return KindHomebrew
		}
		// fall through to phase 2
	}

	switch {
	case app.InstallSource == models.InstallSourceHomebrewFormula && app.HomebrewFormulaName != "":
		return KindHomebrewFormula
	case app.InstallSource == models.InstallSourceHomebrew && app.HomebrewCaskToken != "":
		return KindHomebrew
	case app.InstallSource == models.InstallSourceMacAppStore:
		return KindAppStore
	default:
		return KindDelegated
	}
}

// ProgressFunc reports one phase transition or byte-progress tick, per
// spec §4.4's update-execute-progress event shape.
type ProgressFunc func(events.ExecuteProgressPayload)

// Executor performs one update, reporting progress via progress and
// returning the terminal update-execute-complete payload. It never returns
// a bare error for an execution failure — a failed execution is still a
// "complete" event with Success=false, per spec §4.4; only a programming/
// precondition violation (nil candidate, context cancellation before any
// phase starts) returns a non-nil error.
type Executor interface {
	Execute(ctx context.Context, candidate models.UpdateCandidate, app models.InstalledApp, progress ProgressFunc) (events.ExecuteCompletePayload, error)
}

func emit(progress ProgressFunc, bundleID, phase string, percent int, downloaded, total int64) {
	if progress == nil {
		return
	}
	progress(events.ExecuteProgressPayload{
		BundleID:        bundleID,
		Phase:           phase,
		Percent:         percent,
		DownloadedBytes: downloaded,
		TotalBytes:      total,
	})
}
