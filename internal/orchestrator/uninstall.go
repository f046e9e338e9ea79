package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smallsimplesuper/macplus/internal/errs"
	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/platform"
	"github.com/smallsimplesuper/macplus/internal/runner"
)

// associatedDirs lists the per-user directories a macOS app typically
// leaves behind, keyed by bundle id, that cleanup_associated also removes.
func associatedDirs(bundleID string) []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, "Library", "Application Support", bundleID),
		filepath.Join(home, "Library", "Caches", bundleID),
		filepath.Join(home, "Library", "Preferences", bundleID+".plist"),
		filepath.Join(home, "Library", "Saved Application State", bundleID+".savedState"),
	}
}

// uninstallBundle removes app's bundle (quitting it first if running) and,
// when cleanupAssociated is set, its per-user support/cache/preferences
// siblings. A bundle already missing on disk is treated as already-
// uninstalled rather than an error, the same "missing means stale, not
// broken" stance the scanner's Reconcile takes for a vanished .app.
func uninstallBundle(ctx context.Context, r runner.CommandRunner, app models.InstalledApp, cleanupAssociated bool) error {
	if app.IsSynthetic() {
		// package-manager-only row: no filesystem bundle to remove directly.
		return nil
	}

	if platform.IsRunning(ctx, r, app.BundleID) {
		_ = platform.QuitApp(ctx, r, app.BundleID)
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) && platform.IsRunning(ctx, r, app.BundleID) {
			time.Sleep(200 * time.Millisecond)
		}
	}

	if err := os.RemoveAll(app.AppPath); err != nil && !strings.Contains(err.Error(), "no such file") {
		return errs.Wrap(errs.Internal, err)
	}

	if cleanupAssociated {
		for _, dir := range associatedDirs(app.BundleID) {
			_ = os.RemoveAll(dir)
		}
	}
	return nil
}
