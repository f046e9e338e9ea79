package checker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/service"
)

// masLookupResponse mirrors the subset of iTunes Search API's lookup
// response this checker needs.
type masLookupResponse struct {
	ResultCount int `json:"resultCount"`
	Results     []struct {
		Version            string `json:"version"`
		ReleaseNotes       string `json:"releaseNotes"`
		TrackViewURL       string `json:"trackViewUrl"`
		Price              float64 `json:"price"`
		FormattedPrice     string `json:"formattedPrice"`
	} `json:"results"`
}

// MASChecker implements the mas source_type, querying the platform's app
// lookup endpoint with the bundle id, per spec §4.3.
type MASChecker struct {
	Fetcher *service.Fetcher
}

func NewMASChecker(f *service.Fetcher) *MASChecker {
	return &MASChecker{Fetcher: f}
}

func (c *MASChecker) SourceType() models.SourceType { return models.SourceMAS }

func (c *MASChecker) Applicable(app models.InstalledApp) bool {
	return app.InstallSource == models.InstallSourceMacAppStore
}

func (c *MASChecker) Probe(ctx context.Context, app models.InstalledApp) ProbeResult {
	if app.BundleID == "" {
		return skipped("no bundle id to look up")
	}
	return withRetry(ctx, func() ProbeResult { return c.probeOnce(ctx, app) })
}

func (c *MASChecker) probeOnce(ctx context.Context, app models.InstalledApp) ProbeResult {
	url := fmt.Sprintf("https://itunes.apple.com/lookup?bundleId=%s", app.BundleID)
	resp, err := c.Fetcher.Get(ctx, url)
	if err != nil {
		return errored(fmt.Errorf("fetch %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errored(fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url))
	}

	var parsed masLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return errored(fmt.Errorf("decode lookup response: %w", err))
	}
	if parsed.ResultCount == 0 {
		return notFound()
	}

	r := parsed.Results[0]
	// A non-zero price on a lookup response for an app the catalog already
	// marks installed signals a paid major-version upgrade rather than a
	// free point release — report it honestly rather than silently hiding
	// the cost, per spec §4.3.
	isPaidUpgrade := r.Price > 0
	return found(r.Version, r.TrackViewURL, r.ReleaseNotes, r.TrackViewURL, isPaidUpgrade)
}
