package executors

import (
	"context"
	"strings"
	"time"

	"github.com/smallsimplesuper/macplus/internal/events"
	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/runner"
)

// milestones maps known `brew upgrade` stdout lines to a coarse phase name
// and percent, grounded on the teacher's core.Base output parsing (which
// watches for brew's own fixed set of progress lines rather than trying to
// compute real byte progress through the CLI).
var milestones = []struct {
	contains string
	phase    string
	percent  int
}{
	{"Downloading", "Download", 30},
	{"Verifying", "Verify", 55},
	{"Installing", "Install", 75},
	{"Moving", "Finalize", 90},
	{"has been installed", "Finalize", 100},
}

func milestoneFor(line string) (phase string, percent int, ok bool) {
	for _, m := range milestones {
		if strings.Contains(line, m.contains) {
			return m.phase, m.percent, true
		}
	}
	return "", 0, false
}

// runBrewUpgrade runs argv via Runner in runner.Capture mode and, once the
// command has exited, translates known milestones in its combined output
// into progress events; no progress is reported while brew is still
// running. It returns the captured output and the exit error unmodified so
// the caller decides how to report them, per spec §4.4's "non-zero exit
// becomes ExecutorFailed{stderr_tail}".
func runBrewUpgrade(ctx context.Context, r runner.CommandRunner, bundleID string, progress ProgressFunc, argv ...string) ([]byte, error) {
	emit(progress, bundleID, "Preflight", 5, 0, 0)
	out, err := r.Run(ctx, 10*time.Minute, runner.Capture, argv[0], argv[1:]...)
	for _, line := range strings.Split(string(out), "\n") {
		if phase, percent, ok := milestoneFor(line); ok {
			emit(progress, bundleID, phase, percent, 0, 0)
		}
	}
	return out, err
}

func stderrTail(out []byte, n int) string {
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// HomebrewExecutor delegates to `brew upgrade --cask <token>`, per spec
// §4.4, grounded on the teacher's internal/upgrade.Manager's brew-CLI-
// delegating shape (core.Base embedding, one verb per file).
type HomebrewExecutor struct {
	Runner runner.CommandRunner
}

func NewHomebrewExecutor(r runner.CommandRunner) *HomebrewExecutor {
	return &HomebrewExecutor{Runner: r}
}

func (e *HomebrewExecutor) Execute(ctx context.Context, candidate models.UpdateCandidate, app models.InstalledApp, progress ProgressFunc) (events.ExecuteCompletePayload, error) {
	if app.HomebrewCaskToken == "" {
		return events.ExecuteCompletePayload{BundleID: app.BundleID, DisplayName: app.DisplayName, Success: false, Message: "no homebrew cask token"}, nil
	}

	out, err := runBrewUpgrade(ctx, e.Runner, app.BundleID, progress, "brew", "upgrade", "--cask", app.HomebrewCaskToken)
	if err != nil {
		return events.ExecuteCompletePayload{
			BundleID: app.BundleID, DisplayName: app.DisplayName,
			Success: false, Message: stderrTail(out, 10),
		}, nil
	}
	return events.ExecuteCompletePayload{
		BundleID: app.BundleID, DisplayName: app.DisplayName,
		Success: true, NeedsRelaunch: true, AppPath: app.AppPath,
	}, nil
}

// HomebrewFormulaExecutor delegates to `brew upgrade <formula>`.
type HomebrewFormulaExecutor struct {
	Runner runner.CommandRunner
}

func NewHomebrewFormulaExecutor(r runner.CommandRunner) *HomebrewFormulaExecutor {
	return &HomebrewFormulaExecutor{Runner: r}
}

func (e *HomebrewFormulaExecutor) Execute(ctx context.Context, candidate models.UpdateCandidate, app models.InstalledApp, progress ProgressFunc) (events.ExecuteCompletePayload, error) {
	if app.HomebrewFormulaName == "" {
		return events.ExecuteCompletePayload{BundleID: app.BundleID, DisplayName: app.DisplayName, Success: false, Message: "no homebrew formula name"}, nil
	}

	out, err := runBrewUpgrade(ctx, e.Runner, app.BundleID, progress, "brew", "upgrade", app.HomebrewFormulaName)
	if err != nil {
		return events.ExecuteCompletePayload{
			BundleID: app.BundleID, DisplayName: app.DisplayName,
			Success: false, Message: stderrTail(out, 10),
		}, nil
	}
	return events.ExecuteCompletePayload{
		BundleID: app.BundleID, DisplayName: app.DisplayName,
		Success: true, NeedsRelaunch: false,
	}, nil
}
