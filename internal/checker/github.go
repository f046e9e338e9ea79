package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/service"
)

// githubRelease mirrors the teacher's GitHubRelease struct, extended with
// the asset list the teacher's own-repo check never needed (keg's own
// releases follow a fixed naming scheme; an arbitrary app's do not).
type githubRelease struct {
	TagName    string        `json:"tag_name"`
	Name       string        `json:"name"`
	Draft      bool          `json:"draft"`
	Prerelease bool          `json:"prerelease"`
	Body       string        `json:"body"`
	HTMLURL    string        `json:"html_url"`
	Assets     []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// GitHubChecker implements the github source_type: read the configured
// owner/repo's latest release, strip a leading "v" from the tag, and prefer
// a universal or architecture-matching asset, per spec §4.3. Grounded
// directly on the teacher's internal/checker/checker.go checkUpdate/
// convertReleaseToVersionInfo, generalized from "keg's own repository" to
// "whichever repo this app's binding names".
type GitHubChecker struct {
	Fetcher      *service.Fetcher
	RepoByBundle map[string]string // bundle_id -> "owner/repo"
}

func NewGitHubChecker(f *service.Fetcher, repoByBundle map[string]string) *GitHubChecker {
	return &GitHubChecker{Fetcher: f, RepoByBundle: repoByBundle}
}

func (c *GitHubChecker) SourceType() models.SourceType { return models.SourceGitHub }

func (c *GitHubChecker) Applicable(app models.InstalledApp) bool {
	_, ok := c.RepoByBundle[app.BundleID]
	return ok
}

func (c *GitHubChecker) Probe(ctx context.Context, app models.InstalledApp) ProbeResult {
	repo, ok := c.RepoByBundle[app.BundleID]
	if !ok {
		return skipped("no configured github repo for this app")
	}
	return withRetry(ctx, func() ProbeResult { return c.probeOnce(ctx, repo) })
}

func (c *GitHubChecker) probeOnce(ctx context.Context, repo string) ProbeResult {
	url := fmt.Sprintf("https://api.github.com/repos/%s/releases/latest", repo)
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

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return errored(fmt.Errorf("decode release: %w", err))
	}
	if release.Draft || release.Prerelease {
		return notFound()
	}

	version := strings.TrimPrefix(release.TagName, "v")
	asset := pickAsset(release.Assets)
	return found(version, asset, release.Body, release.HTMLURL, false)
}

// pickAsset prefers an asset whose name mentions "universal", then one
// matching the running architecture, per spec §4.3's "universal or
// arch-matching asset" rule.
func pickAsset(assets []githubAsset) string {
	arch := runtime.GOARCH
	var archMatch string
	for _, a := range assets {
		lower := strings.ToLower(a.Name)
		if strings.Contains(lower, "universal") {
			return a.BrowserDownloadURL
		}
		if archMatch == "" && (strings.Contains(lower, arch) || (arch == "arm64" && strings.Contains(lower, "aarch64"))) {
			archMatch = a.BrowserDownloadURL
		}
	}
	if archMatch != "" {
		return archMatch
	}
	if len(assets) > 0 {
		return assets[0].BrowserDownloadURL
	}
	return ""
}
