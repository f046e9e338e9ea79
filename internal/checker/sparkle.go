package checker

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/platform"
	"github.com/smallsimplesuper/macplus/internal/service"
	"github.com/smallsimplesuper/macplus/internal/versioncmp"
)

// sparkleFeed mirrors the subset of a Sparkle appcast this checker needs.
type sparkleFeed struct {
	XMLName xml.Name       `xml:"rss"`
	Channel sparkleChannel `xml:"channel"`
}

type sparkleChannel struct {
	Items []sparkleItem `xml:"item"`
}

type sparkleItem struct {
	Title       string            `xml:"title"`
	Description string            `xml:"description"`
	Enclosure   sparkleEnclosure  `xml:"enclosure"`
	MinSystem   string            `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle minimumSystemVersion"`
	Version     string            `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle version"`
	ShortVers   string            `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle shortVersionString"`
	ReleaseNotesLink string       `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle releaseNotesLink"`
}

type sparkleEnclosure struct {
	URL     string `xml:"url,attr"`
	Version string `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle version,attr"`
}

// SparkleChecker implements the sparkle source_type: parse SUFeedURL from
// the bundle's Info.plist, fetch the appcast, and walk <item>/<enclosure>
// elements for the newest entry whose minimumSystemVersion the running OS
// satisfies, per spec §4.3.
type SparkleChecker struct {
	Fetcher *service.Fetcher
}

func NewSparkleChecker(f *service.Fetcher) *SparkleChecker {
	return &SparkleChecker{Fetcher: f}
}

func (c *SparkleChecker) SourceType() models.SourceType { return models.SourceSparkle }

func (c *SparkleChecker) Applicable(app models.InstalledApp) bool {
	if app.IsSynthetic() {
		return false
	}
	meta, err := platform.ParseBundle(app.AppPath)
	return err == nil && meta.FeedURL != ""
}

func (c *SparkleChecker) Probe(ctx context.Context, app models.InstalledApp) ProbeResult {
	meta, err := platform.ParseBundle(app.AppPath)
	if err != nil {
		return errored(fmt.Errorf("parse bundle: %w", err))
	}
	if meta.FeedURL == "" {
		return skipped("no SUFeedURL in Info.plist")
	}
	return withRetry(ctx, func() ProbeResult { return c.probeOnce(ctx, meta.FeedURL) })
}

func (c *SparkleChecker) probeOnce(ctx context.Context, feedURL string) ProbeResult {
	resp, err := c.Fetcher.Get(ctx, feedURL)
	if err != nil {
		return errored(fmt.Errorf("fetch appcast %s: %w", feedURL, err))
	}
	defer resp.Body.Close()

	var feed sparkleFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return errored(fmt.Errorf("decode appcast: %w", err))
	}

	osVersion := runningMacOSVersion()
	var best sparkleItem
	var bestVersion string
	for _, item := range feed.Channel.Items {
		v := item.ShortVers
		if v == "" {
			v = item.Enclosure.Version
		}
		if v == "" {
			continue
		}
		if item.MinSystem != "" && osVersion != "" && versioncmp.Compare(osVersion, item.MinSystem) < 0 {
			continue // this machine doesn't satisfy the item's minimum OS requirement
		}
		if bestVersion == "" || versioncmp.Compare(v, bestVersion) > 0 {
			bestVersion, best = v, item
		}
	}
	if bestVersion == "" {
		return notFound()
	}

	notesURL := best.ReleaseNotesLink
	return found(bestVersion, best.Enclosure.URL, best.Description, notesURL, false)
}

// runningMacOSVersion reads kern.osrelease (the Darwin kernel build, e.g.
// "23.5.0" for macOS Sonoma 14.5) via unix.Sysctl, the same call the
// kolide-launcher macOS table uses for OS build identification. It is a
// proxy for the marketing macOS version, close enough to gate a Sparkle
// item's minimumSystemVersion since both climb together across releases.
func runningMacOSVersion() string {
	release, err := unix.Sysctl("kern.osrelease")
	if err != nil {
		return ""
	}
	major := strings.SplitN(release, ".", 2)[0]
	if _, err := strconv.Atoi(major); err != nil {
		return ""
	}
	return release
}
