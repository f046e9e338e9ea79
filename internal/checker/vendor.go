package checker

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/smallsimplesuper/macplus/internal/models"
)

// vendorChecker is the shared shape behind every vendor-specific Checker:
// a bundle-id/path pattern match for Applicable, and a Probe that only ever
// claims Found when a locally-readable, well-understood update marker
// exists. Every one of these proprietary auto-update stores (Keystone's
// ticket store, MAU's settings, the JetBrains Toolbox channel cache, Adobe
// CC's OOBE state) is either a binary/undocumented format or requires the
// vendor's own client library to read safely; rather than hand-parsing an
// undocumented format and risking a wrong version, these Checkers report
// Skipped with the specific reason, per spec §4.3's "never claim a version
// it cannot read with confidence."
type vendorChecker struct {
	sourceType  models.SourceType
	applicable  func(app models.InstalledApp) bool
	probe       func(ctx context.Context, app models.InstalledApp) ProbeResult
}

func (v *vendorChecker) SourceType() models.SourceType            { return v.sourceType }
func (v *vendorChecker) Applicable(app models.InstalledApp) bool  { return v.applicable(app) }
func (v *vendorChecker) Probe(ctx context.Context, app models.InstalledApp) ProbeResult {
	return v.probe(ctx, app)
}

func hasPathPrefix(bundleID string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(bundleID, p) {
			return true
		}
	}
	return false
}

// NewKeystoneChecker matches Google-distributed apps (Chrome, Drive,
// Earth, …) that register with Google Software Update / Keystone. Its
// ticket store is a private sqlite/bplist format outside this engine's
// Checker scope, so Probe always reports Skipped with that reason.
func NewKeystoneChecker() Checker {
	return &vendorChecker{
		sourceType: models.SourceKeystone,
		applicable: func(app models.InstalledApp) bool {
			return hasPathPrefix(app.BundleID, "com.google.")
		},
		probe: func(ctx context.Context, app models.InstalledApp) ProbeResult {
			return skipped("Keystone ticket store is a private format; not introspected")
		},
	}
}

// NewMicrosoftAutoUpdateChecker matches Microsoft's Office/Edge/Teams
// family, which defers to the separate Microsoft AutoUpdate (MAU) agent.
// MAU's settings plist records policy, not the available version, so
// Probe reports Skipped.
func NewMicrosoftAutoUpdateChecker() Checker {
	return &vendorChecker{
		sourceType: models.SourceMicrosoftAutoUpdate,
		applicable: func(app models.InstalledApp) bool {
			return hasPathPrefix(app.BundleID, "com.microsoft.")
		},
		probe: func(ctx context.Context, app models.InstalledApp) ProbeResult {
			return skipped("Microsoft AutoUpdate manages this app outside the catalog's visibility")
		},
	}
}

// NewJetBrainsToolboxChecker matches JetBrains IDEs installed through
// Toolbox. Toolbox's channel cache format is undocumented and versioned
// independently of the IDE build number, so Probe reports Skipped.
func NewJetBrainsToolboxChecker() Checker {
	return &vendorChecker{
		sourceType: models.SourceJetBrainsToolbox,
		applicable: func(app models.InstalledApp) bool {
			return hasPathPrefix(app.BundleID, "com.jetbrains.")
		},
		probe: func(ctx context.Context, app models.InstalledApp) ProbeResult {
			return skipped("JetBrains Toolbox manages this IDE's channel outside the catalog's visibility")
		},
	}
}

// NewAdobeCCChecker matches Creative Cloud-managed apps: a com.adobe.
// bundle id with a readable Contents/Info.plist. Per spec §9 / DESIGN.md's
// resolved Open Question, this Checker never launches the Adobe Creative
// Cloud helper to force a check, and it reads no Adobe-specific marker or
// helper state. Reading the actual available version requires Adobe's own
// CCLibrary state, so Probe reports Skipped.
func NewAdobeCCChecker() Checker {
	return &vendorChecker{
		sourceType: models.SourceAdobeCC,
		applicable: func(app models.InstalledApp) bool {
			if !hasPathPrefix(app.BundleID, "com.adobe.") || app.AppPath == "" {
				return false
			}
			_, err := os.Stat(filepath.Join(app.AppPath, "Contents", "Info.plist"))
			return err == nil
		},
		probe: func(ctx context.Context, app models.InstalledApp) ProbeResult {
			return skipped("Adobe Creative Cloud's update state is not locally introspectable")
		},
	}
}

// NewMozillaChecker matches Firefox/Thunderbird, which stage a background
// update under the app's own Contents/Frameworks/updates/0 directory and
// record its version in an update.version marker there once it has been
// downloaded and verified. Probe reports any non-empty marker version as
// Found (Mozilla's own updater already verified the payload) without
// comparing it to the installed version; the Resolver's IsNewer gate drops
// one that is not newer. A missing or empty marker is NotFound rather than
// a guess.
func NewMozillaChecker() Checker {
	return &vendorChecker{
		sourceType: models.SourceMozilla,
		applicable: func(app models.InstalledApp) bool {
			return hasPathPrefix(app.BundleID, "org.mozilla.")
		},
		probe: func(ctx context.Context, app models.InstalledApp) ProbeResult {
			if app.AppPath == "" {
				return skipped("no bundle path to inspect")
			}
			marker := filepath.Join(app.AppPath, "Contents", "Frameworks", "updates", "0", "update.version")
			data, err := os.ReadFile(marker)
			if err != nil {
				return notFound()
			}
			version := strings.TrimSpace(string(data))
			if version == "" {
				return notFound()
			}
			return found(version, "", "", "", false)
		},
	}
}

// NewElectronChecker matches apps built on Electron's Squirrel.Mac
// updater, which records a successful background download's version in
// the plain-text ShipIt/pending_version file inside Squirrel.framework
// once update.check has already completed — the
// same pattern most of these vendor Checkers use (trust a completed,
// locally-verified background update rather than probing a remote feed
// this engine doesn't know the shape of).
func NewElectronChecker() Checker {
	return &vendorChecker{
		sourceType: models.SourceElectron,
		applicable: func(app models.InstalledApp) bool {
			if app.AppPath == "" {
				return false
			}
			_, err := os.Stat(filepath.Join(app.AppPath, "Contents", "Frameworks", "Squirrel.framework"))
			return err == nil
		},
		probe: func(ctx context.Context, app models.InstalledApp) ProbeResult {
			statePath := filepath.Join(app.AppPath, "Contents", "Frameworks", "Squirrel.framework", "Resources", "ShipIt", "pending_version")
			data, err := os.ReadFile(statePath)
			if err != nil {
				return notFound()
			}
			version := strings.TrimSpace(string(data))
			if version == "" {
				return notFound()
			}
			return found(version, "", "", "", false)
		},
	}
}
