// Package scanner is SC: a depth-bounded walk of the configured scan roots
// that discovers .app bundles and cross-references the Homebrew Cellar and
// Caskroom for package-manager-only installs, grounded on the DataDog macOS
// collector's applicationsCollector/homebrewCollector split
// (filepath.WalkDir-style traversal that stops descent once a bundle is
// found, per-root warning-not-failure) and the teacher's internal/brew
// synthetic package-to-entry mapping for the cross-reference half.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/platform"
	"github.com/smallsimplesuper/macplus/internal/runner"
)

// Warning is a non-fatal scan problem: an unreadable root, a broken bundle,
// a Cellar entry that could not be read. Scanning never fails outright for
// these; they are returned to the caller in the scan result instead (the
// orchestrator reports their count in its scan-complete event).
type Warning struct {
	Path    string
	Message string
}

func warnf(path, format string, a ...any) Warning {
	return Warning{Path: path, Message: fmt.Sprintf(format, a...)}
}

// ProgressFunc is invoked once per discovered InstalledApp, letting the
// caller forward a scan-progress event without scanner depending on the
// events package.
type ProgressFunc func(app models.InstalledApp)

// Options controls one Scan call.
type Options struct {
	Roots      []string
	Depth      int // 1, 2, or 3, per spec §4.2
	OnProgress ProgressFunc

	// HomebrewCaskTokens, when non-nil, is consulted so a filesystem bundle
	// installed by a known cask is classified "homebrew" instead of
	// "direct". Left nil, every filesystem bundle without a MAS receipt is
	// classified "direct".
	HomebrewCaskTokens map[string]bool

	// HomebrewPrefixes lists Cellar/Caskroom roots to cross-reference for
	// synthetic entries (formulas and casks with no .app of their own).
	// Defaults to the standard Apple Silicon and Intel prefixes when nil.
	HomebrewPrefixes []string

	// IconCacheDir and Runner, when both set, have each bundle's icon
	// extracted via internal/platform.ExtractIcon and its architecture set
	// probed via `lipo -archs`. Left unset, IconCachePath stays empty and
	// Architectures is nil — both shell out, so tests that don't supply a
	// runner.CommandRunner skip them rather than touching the real `sips`/
	// `lipo` binaries.
	IconCacheDir string
	Runner       runner.CommandRunner
}

// Result is what one Scan call produces.
type Result struct {
	Apps       []models.InstalledApp
	Warnings   []Warning
	StartedAt  time.Time
	FinishedAt time.Time
}

// Scan walks opts.Roots up to opts.Depth, detects .app bundles, and
// cross-references Homebrew's Cellar/Caskroom for package-manager-only
// installs that have no filesystem bundle of their own. It never returns an
// error for a single bad root or bundle — those become Warnings — only when
// the context is cancelled mid-walk.
func Scan(ctx context.Context, opts Options) (Result, error) {
	res := Result{StartedAt: time.Now().UTC()}
	seenBundleIDs := make(map[string]bool)
	seenCaskTokens := make(map[string]bool)

	depth := opts.Depth
	if depth < 1 {
		depth = 1
	} else if depth > 3 {
		depth = 3
	}

	for _, root := range opts.Roots {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		apps, warnings := scanRoot(ctx, root, depth, opts, seenBundleIDs)
		res.Apps = append(res.Apps, apps...)
		res.Warnings = append(res.Warnings, warnings...)
		for _, a := range apps {
			seenBundleIDs[strings.ToLower(a.BundleID)] = true
			seenCaskTokens[caskTokenGuess(a.AppPath)] = true
			if opts.OnProgress != nil {
				opts.OnProgress(a)
			}
		}
	}

	prefixes := opts.HomebrewPrefixes
	if prefixes == nil {
		prefixes = defaultHomebrewPrefixes()
	}
	brewApps, brewWarnings := scanHomebrew(prefixes, seenCaskTokens)
	for _, a := range brewApps {
		res.Apps = append(res.Apps, a)
		if opts.OnProgress != nil {
			opts.OnProgress(a)
		}
	}
	res.Warnings = append(res.Warnings, brewWarnings...)

	res.FinishedAt = time.Now().UTC()
	return res, nil
}

// scanRoot enumerates root up to maxDepth. Depth 1 means root's immediate
// entries; depth 2 adds one level of subfolders; depth 3 adds one more, per
// spec §4.2. A directory named *.app is a bundle: it is parsed and descent
// stops there even if depth budget remains.
func scanRoot(ctx context.Context, root string, maxDepth int, opts Options, seen map[string]bool) ([]models.InstalledApp, []Warning) {
	var apps []models.InstalledApp
	var warnings []Warning

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		warnings = append(warnings, warnf(root, "scan root unreadable or unmounted: %v", err))
		return apps, warnings
	}

	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			warnings = append(warnings, warnf(dir, "cannot read directory: %v", err))
			return
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if strings.HasSuffix(e.Name(), ".app") {
				app, warn, ok := parseBundleEntry(ctx, path, opts)
				if warn != nil {
					warnings = append(warnings, *warn)
				}
				if ok {
					apps = append(apps, app)
				}
				continue // bundles are never recursed into
			}
			if depth < maxDepth {
				walk(path, depth+1)
			}
		}
	}
	walk(root, 1)
	return apps, warnings
}

func parseBundleEntry(ctx context.Context, path string, opts Options) (models.InstalledApp, *Warning, bool) {
	meta, err := platform.ParseBundle(path)
	if err != nil {
		w := warnf(path, "not a valid bundle: %v", err)
		return models.InstalledApp{}, &w, false
	}
	if meta.BundleID == "" {
		w := warnf(path, "missing CFBundleIdentifier")
		return models.InstalledApp{}, &w, false
	}

	now := time.Now().UTC()
	token := caskTokenGuess(path)
	app := models.InstalledApp{
		BundleID:         meta.BundleID,
		DisplayName:      meta.DisplayName,
		AppPath:          path,
		InstalledVersion: meta.ShortVersion,
		BundleVersion:    meta.BundleVersion,
		InstallSource:    platform.ClassifySource(path, opts.HomebrewCaskTokens, token),
		FirstSeenAt:      now,
		LastSeenAt:       now,
	}
	if app.InstallSource == models.InstallSourceHomebrew {
		app.HomebrewCaskToken = token
	}
	if opts.Runner != nil {
		app.Architectures = detectArchitectures(ctx, opts.Runner, path, meta.Executable)
		if opts.IconCacheDir != "" {
			if icon, err := platform.ExtractIcon(ctx, opts.Runner, path, app.BundleID, opts.IconCacheDir); err == nil {
				app.IconCachePath = icon
			}
		}
	}
	return app, nil, true
}

// detectArchitectures runs `lipo -archs` against the bundle's main
// executable, the standard macOS way to enumerate a Mach-O binary's slices.
// Failures (a non-Mach-O helper, a missing executable) leave the set empty
// rather than failing the scan.
func detectArchitectures(ctx context.Context, r runner.CommandRunner, bundlePath, executable string) []models.Arch {
	if executable == "" {
		return nil
	}
	binPath := filepath.Join(bundlePath, "Contents", "MacOS", executable)
	out, err := r.Run(ctx, 10*time.Second, runner.Capture, "lipo", "-archs", binPath)
	if err != nil {
		return nil
	}
	var archs []models.Arch
	for _, tok := range strings.Fields(string(out)) {
		switch tok {
		case "arm64":
			archs = append(archs, models.ArchARM64)
		case "x86_64":
			archs = append(archs, models.ArchX86_64)
		}
	}
	return archs
}

// caskTokenGuess derives a plausible Homebrew cask token from a bundle's
// directory name (lowercase, spaces replaced by hyphens) so ClassifySource has
// something to cross-reference against HomebrewCaskTokens. The Resolver's
// UpdateSourceBinding is the authority once a cask check has run; this is
// only the scanner's first-pass guess.
func caskTokenGuess(appPath string) string {
	name := strings.TrimSuffix(filepath.Base(appPath), ".app")
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	return name
}

func defaultHomebrewPrefixes() []string {
	return []string{
		"/opt/homebrew", // Apple Silicon
		"/usr/local",    // Intel
	}
}

// scanHomebrew cross-references Homebrew's Cellar (formulas) and Caskroom
// (casks) for anything not already discovered as a filesystem bundle,
// synthesizing an InstalledApp per spec §4.2/§3's synthetic id convention
// (homebrew.cask.<token> / homebrew.formula.<name>). Grounded directly on
// the DataDog homebrewCollector's Cellar/Caskroom directory-walk shape,
// generalized to skip anything already seen as a real bundle instead of
// checking for a same-named /Applications entry. seenCaskTokens is keyed by
// caskTokenGuess, not by bundle id — a cask token like "rectangle" and its
// bundle id "com.knollsoft.rectangle" live in different namespaces.
func scanHomebrew(prefixes []string, seenCaskTokens map[string]bool) ([]models.InstalledApp, []Warning) {
	var apps []models.InstalledApp
	var warnings []Warning
	seenSynthetic := make(map[string]bool)

	for _, prefix := range prefixes {
		cellar := filepath.Join(prefix, "Cellar")
		if formulas, err := os.ReadDir(cellar); err == nil {
			for _, f := range formulas {
				if !f.IsDir() {
					continue
				}
				app, ok := synthesizeFormula(cellar, f.Name())
				if ok && !seenSynthetic[app.BundleID] {
					seenSynthetic[app.BundleID] = true
					apps = append(apps, app)
				}
			}
		} else if !os.IsNotExist(err) {
			warnings = append(warnings, warnf(cellar, "cannot read Cellar: %v", err))
		}

		caskroom := filepath.Join(prefix, "Caskroom")
		if casks, err := os.ReadDir(caskroom); err == nil {
			for _, c := range casks {
				if !c.IsDir() {
					continue
				}
				token := c.Name()
				if seenCaskTokens[token] {
					continue // a scanned .app already claims this token via caskTokenGuess
				}
				app, ok := synthesizeCask(caskroom, token)
				if ok && !seenSynthetic[app.BundleID] {
					seenSynthetic[app.BundleID] = true
					apps = append(apps, app)
				}
			}
		} else if !os.IsNotExist(err) {
			warnings = append(warnings, warnf(caskroom, "cannot read Caskroom: %v", err))
		}
	}

	return apps, warnings
}

func synthesizeFormula(cellar, name string) (models.InstalledApp, bool) {
	version := latestVersionDir(filepath.Join(cellar, name))
	if version == "" {
		return models.InstalledApp{}, false
	}
	now := time.Now().UTC()
	return models.InstalledApp{
		BundleID:            "homebrew.formula." + name,
		DisplayName:         name,
		InstalledVersion:    version,
		InstallSource:       models.InstallSourceHomebrewFormula,
		HomebrewFormulaName: name,
		FirstSeenAt:         now,
		LastSeenAt:          now,
	}, true
}

func synthesizeCask(caskroom, token string) (models.InstalledApp, bool) {
	version := latestVersionDir(filepath.Join(caskroom, token))
	if version == "" {
		return models.InstalledApp{}, false
	}
	now := time.Now().UTC()
	return models.InstalledApp{
		BundleID:          "homebrew.cask." + token,
		DisplayName:       token,
		InstalledVersion:  version,
		InstallSource:     models.InstallSourceHomebrew,
		HomebrewCaskToken: token,
		FirstSeenAt:       now,
		LastSeenAt:        now,
	}, true
}

// latestVersionDir returns the lexicographically-last version subdirectory
// name under pkgDir (Cellar/Caskroom lay out exactly one directory per
// installed version), which is good enough given Homebrew removes
// superseded versions on upgrade in the common case; ties are broken in
// favor of whichever sorts last.
func latestVersionDir(pkgDir string) string {
	entries, err := os.ReadDir(pkgDir)
	if err != nil {
		return ""
	}
	var latest string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() > latest {
			latest = e.Name()
		}
	}
	return latest
}

// Reconcile applies spec §9's resolution for a previously-catalogued app
// whose .app no longer exists at app_path: the row persists but its
// installed_version is cleared, rather than being deleted, so update
// history remains attributable. prior is the last-known catalog state;
// current is this scan's result. Reconcile returns the rows that need
// this treatment; it does not write to the store itself.
func Reconcile(prior []models.InstalledApp, current []models.InstalledApp) []models.InstalledApp {
	currentByID := make(map[string]bool, len(current))
	for _, a := range current {
		currentByID[a.BundleID] = true
	}

	var stale []models.InstalledApp
	for _, p := range prior {
		if p.IsSynthetic() || currentByID[p.BundleID] {
			continue
		}
		if _, err := os.Stat(p.AppPath); err == nil {
			continue // still there, just missed by this particular scan (e.g. root removed from Settings)
		}
		p.InstalledVersion = ""
		stale = append(stale, p)
	}
	return stale
}
