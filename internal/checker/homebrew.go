package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/runner"
	"github.com/smallsimplesuper/macplus/internal/service"
)

// HomebrewCaskChecker implements the homebrew_cask source_type via the
// `brew` CLI itself (`brew outdated --cask --json=v2`), grounded on the
// teacher's internal/brew.UnifiedCache.fetchOutdatedPackages JSON-lines
// parsing. It only claims an app whose HomebrewCaskToken is set.
type HomebrewCaskChecker struct {
	Runner runner.CommandRunner
}

func NewHomebrewCaskChecker(r runner.CommandRunner) *HomebrewCaskChecker {
	return &HomebrewCaskChecker{Runner: r}
}

func (c *HomebrewCaskChecker) SourceType() models.SourceType { return models.SourceHomebrewCask }

func (c *HomebrewCaskChecker) Applicable(app models.InstalledApp) bool {
	return app.HomebrewCaskToken != ""
}

type brewOutdatedCaskJSON struct {
	Casks []struct {
		Name              string   `json:"name"`
		InstalledVersions []string `json:"installed_versions"`
		CurrentVersion    string   `json:"current_version"`
	} `json:"casks"`
}

func (c *HomebrewCaskChecker) Probe(ctx context.Context, app models.InstalledApp) ProbeResult {
	if app.HomebrewCaskToken == "" {
		return skipped("no homebrew cask token")
	}
	return withRetry(ctx, func() ProbeResult { return c.probeOnce(ctx, app) })
}

func (c *HomebrewCaskChecker) probeOnce(ctx context.Context, app models.InstalledApp) ProbeResult {
	out, err := c.Runner.Run(ctx, 2*time.Minute, runner.Capture, "brew", "outdated", "--cask", "--json=v2", app.HomebrewCaskToken)
	if err != nil {
		return errored(fmt.Errorf("brew outdated --cask %s: %w", app.HomebrewCaskToken, err))
	}

	idx := strings.IndexByte(string(out), '{')
	if idx < 0 {
		return notFound() // not outdated: brew prints nothing to stdout
	}
	var parsed brewOutdatedCaskJSON
	if err := json.Unmarshal(out[idx:], &parsed); err != nil {
		return errored(fmt.Errorf("decode brew outdated output: %w", err))
	}
	for _, cask := range parsed.Casks {
		if cask.Name == app.HomebrewCaskToken && cask.CurrentVersion != "" {
			return found(cask.CurrentVersion, "", "", "", false)
		}
	}
	return notFound()
}

// HomebrewAPIChecker implements the homebrew_api source_type by reading
// formulae.brew.sh's public JSON API directly, grounded on the teacher's
// internal/index.BuildLightIndex streaming-decode shape (here simplified to
// one object per app rather than the bulk catalog, since the resolver
// checks one app at a time).
type HomebrewAPIChecker struct {
	Fetcher *service.Fetcher
}

func NewHomebrewAPIChecker(f *service.Fetcher) *HomebrewAPIChecker {
	return &HomebrewAPIChecker{Fetcher: f}
}

func (c *HomebrewAPIChecker) SourceType() models.SourceType { return models.SourceHomebrewAPI }

func (c *HomebrewAPIChecker) Applicable(app models.InstalledApp) bool {
	return app.HomebrewCaskToken != "" || app.HomebrewFormulaName != ""
}

type brewAPIItem struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

func (c *HomebrewAPIChecker) Probe(ctx context.Context, app models.InstalledApp) ProbeResult {
	var url string
	switch {
	case app.HomebrewCaskToken != "":
		url = fmt.Sprintf("https://formulae.brew.sh/api/cask/%s.json", app.HomebrewCaskToken)
	case app.HomebrewFormulaName != "":
		url = fmt.Sprintf("https://formulae.brew.sh/api/formula/%s.json", app.HomebrewFormulaName)
	default:
		return skipped("no homebrew token or formula name")
	}
	return withRetry(ctx, func() ProbeResult { return c.probeOnce(ctx, url) })
}

func (c *HomebrewAPIChecker) probeOnce(ctx context.Context, url string) ProbeResult {
	resp, err := c.Fetcher.Get(ctx, url)
	if err != nil {
		return errored(fmt.Errorf("fetch %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return notFound()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errored(fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url))
	}

	var raw struct {
		Version string `json:"version"`
		Versions struct {
			Stable string `json:"stable"`
		} `json:"versions"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return errored(fmt.Errorf("decode %s: %w", url, err))
	}
	version := raw.Version
	if version == "" {
		version = raw.Versions.Stable
	}
	if version == "" {
		return notFound()
	}
	return found(version, raw.URL, "", "", false)
}
