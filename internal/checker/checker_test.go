package checker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/runner"
	"github.com/smallsimplesuper/macplus/internal/service"
)

// fakeHTTPClient routes requests by exact URL to a canned response body and
// status, letting every Checker's Probe be tested without a real network
// call — the same substitution point the teacher's own CheckerController
// tests use via service.HTTPClient.
type fakeHTTPClient struct {
	byURL map[string]fakeResponse
}

type fakeResponse struct {
	status int
	body   string
}

func (f *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	resp, ok := f.byURL[req.URL.String()]
	if !ok {
		return &http.Response{StatusCode: 404, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	return &http.Response{
		StatusCode: resp.status,
		Body:       io.NopCloser(bytes.NewBufferString(resp.body)),
	}, nil
}

func newTestFetcher(byURL map[string]fakeResponse) *service.Fetcher {
	return service.NewFetcher(&fakeHTTPClient{byURL: byURL}, 8, 4, 0)
}

func TestGitHubChecker(t *testing.T) {
	const url = "https://api.github.com/repos/example/widget/releases/latest"
	f := newTestFetcher(map[string]fakeResponse{
		url: {status: 200, body: `{"tag_name":"v2.1.0","draft":false,"prerelease":false,"body":"notes","html_url":"https://github.com/example/widget/releases/v2.1.0","assets":[{"name":"widget-universal.dmg","browser_download_url":"https://dl.example.com/widget-universal.dmg"}]}`},
	})
	c := NewGitHubChecker(f, map[string]string{"com.example.widget": "example/widget"})

	app := models.InstalledApp{BundleID: "com.example.widget"}
	if !c.Applicable(app) {
		t.Fatal("want applicable")
	}
	if c.Applicable(models.InstalledApp{BundleID: "com.other.app"}) {
		t.Fatal("want not applicable for unconfigured app")
	}

	result := c.Probe(context.Background(), app)
	if result.Status != Found || result.Version != "2.1.0" {
		t.Fatalf("Probe = %+v", result)
	}
	if result.DownloadURL != "https://dl.example.com/widget-universal.dmg" {
		t.Errorf("DownloadURL = %q", result.DownloadURL)
	}
}

func TestGitHubChecker_DraftIsNotFound(t *testing.T) {
	const url = "https://api.github.com/repos/example/widget/releases/latest"
	f := newTestFetcher(map[string]fakeResponse{
		url: {status: 200, body: `{"tag_name":"v3.0.0","draft":true}`},
	})
	c := NewGitHubChecker(f, map[string]string{"com.example.widget": "example/widget"})
	result := c.Probe(context.Background(), models.InstalledApp{BundleID: "com.example.widget"})
	if result.Status != NotFound {
		t.Fatalf("Probe = %+v, want NotFound for a draft release", result)
	}
}

func TestHomebrewAPIChecker(t *testing.T) {
	const url = "https://formulae.brew.sh/api/cask/bitwarden.json"
	f := newTestFetcher(map[string]fakeResponse{
		url: {status: 200, body: `{"version":"2024.10.3","url":"https://dl.example.com/bitwarden.zip"}`},
	})
	c := NewHomebrewAPIChecker(f)
	app := models.InstalledApp{BundleID: "com.bitwarden.desktop", HomebrewCaskToken: "bitwarden"}

	if !c.Applicable(app) {
		t.Fatal("want applicable")
	}
	result := c.Probe(context.Background(), app)
	if result.Status != Found || result.Version != "2024.10.3" {
		t.Fatalf("Probe = %+v", result)
	}
}

func TestHomebrewCaskChecker(t *testing.T) {
	r := runner.NewMockRunner()
	r.AddResponse("brew|outdated|--cask|--json=v2|bitwarden",
		[]byte(`{"formulae":[],"casks":[{"name":"bitwarden","installed_versions":["2024.9.0"],"current_version":"2024.10.3"}]}`), nil)

	c := NewHomebrewCaskChecker(r)
	app := models.InstalledApp{HomebrewCaskToken: "bitwarden"}
	result := c.Probe(context.Background(), app)
	if result.Status != Found || result.Version != "2024.10.3" {
		t.Fatalf("Probe = %+v", result)
	}
}

func TestHomebrewCaskChecker_NoOutputMeansNotFound(t *testing.T) {
	r := runner.NewMockRunner()
	r.AddResponse("brew|outdated|--cask|--json=v2|stable-app", []byte(""), nil)
	c := NewHomebrewCaskChecker(r)
	result := c.Probe(context.Background(), models.InstalledApp{HomebrewCaskToken: "stable-app"})
	if result.Status != NotFound {
		t.Fatalf("Probe = %+v", result)
	}
}

func TestMASChecker(t *testing.T) {
	const url = "https://itunes.apple.com/lookup?bundleId=com.example.paidapp"
	f := newTestFetcher(map[string]fakeResponse{
		url: {status: 200, body: `{"resultCount":1,"results":[{"version":"4.0","releaseNotes":"big release","trackViewUrl":"https://apps.apple.com/app/id123","price":9.99}]}`},
	})
	c := NewMASChecker(f)
	app := models.InstalledApp{BundleID: "com.example.paidapp", InstallSource: models.InstallSourceMacAppStore}

	if !c.Applicable(app) {
		t.Fatal("want applicable")
	}
	result := c.Probe(context.Background(), app)
	if result.Status != Found || result.Version != "4.0" || !result.IsPaidUpgrade {
		t.Fatalf("Probe = %+v", result)
	}
}

func TestMASChecker_NotApplicableWithoutMASInstallSource(t *testing.T) {
	c := NewMASChecker(newTestFetcher(nil))
	if c.Applicable(models.InstalledApp{InstallSource: models.InstallSourceDirect}) {
		t.Fatal("want not applicable")
	}
}

const sparkleAppcast = `<?xml version="1.0"?>
<rss xmlns:sparkle="http://www.andymatuschak.org/xml-namespaces/sparkle" version="2.0">
<channel>
<item>
<title>2.0</title>
<description>notes</description>
<sparkle:shortVersionString>2.0</sparkle:shortVersionString>
<enclosure url="https://dl.example.com/app-2.0.zip" sparkle:version="2.0"/>
</item>
<item>
<title>1.5</title>
<sparkle:shortVersionString>1.5</sparkle:shortVersionString>
<enclosure url="https://dl.example.com/app-1.5.zip" sparkle:version="1.5"/>
</item>
</channel>
</rss>`

func writeSparkleBundle(t *testing.T, feedURL string) string {
	t.Helper()
	dir := t.TempDir()
	appPath := filepath.Join(dir, "Widget.app")
	contents := filepath.Join(appPath, "Contents")
	os.MkdirAll(contents, 0o755)
	plist := `<?xml version="1.0"?><plist version="1.0"><dict>` +
		`<key>CFBundleIdentifier</key><string>com.example.widget</string>` +
		`<key>SUFeedURL</key><string>` + feedURL + `</string>` +
		`</dict></plist>`
	os.WriteFile(filepath.Join(contents, "Info.plist"), []byte(plist), 0o644)
	return appPath
}

func TestSparkleChecker(t *testing.T) {
	const feedURL = "https://example.com/appcast.xml"
	appPath := writeSparkleBundle(t, feedURL)
	f := newTestFetcher(map[string]fakeResponse{
		feedURL: {status: 200, body: sparkleAppcast},
	})
	c := NewSparkleChecker(f)
	app := models.InstalledApp{BundleID: "com.example.widget", AppPath: appPath}

	if !c.Applicable(app) {
		t.Fatal("want applicable")
	}
	result := c.Probe(context.Background(), app)
	if result.Status != Found || result.Version != "2.0" {
		t.Fatalf("Probe = %+v, want newest item 2.0", result)
	}
	if result.DownloadURL != "https://dl.example.com/app-2.0.zip" {
		t.Errorf("DownloadURL = %q", result.DownloadURL)
	}
}

func TestSparkleChecker_NotApplicableWithoutFeedURL(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "NoFeed.app")
	os.MkdirAll(filepath.Join(appPath, "Contents"), 0o755)
	os.WriteFile(filepath.Join(appPath, "Contents", "Info.plist"),
		[]byte(`<plist version="1.0"><dict><key>CFBundleIdentifier</key><string>com.example.nofeed</string></dict></plist>`), 0o644)

	c := NewSparkleChecker(newTestFetcher(nil))
	if c.Applicable(models.InstalledApp{AppPath: appPath}) {
		t.Fatal("want not applicable without SUFeedURL")
	}
}

func TestVendorCheckers_Applicable(t *testing.T) {
	cases := []struct {
		name    string
		checker Checker
		app     models.InstalledApp
		want    bool
	}{
		{"keystone matches google bundle", NewKeystoneChecker(), models.InstalledApp{BundleID: "com.google.Chrome"}, true},
		{"keystone rejects other vendor", NewKeystoneChecker(), models.InstalledApp{BundleID: "com.example.app"}, false},
		{"microsoft autoupdate matches", NewMicrosoftAutoUpdateChecker(), models.InstalledApp{BundleID: "com.microsoft.Word"}, true},
		{"jetbrains toolbox matches", NewJetBrainsToolboxChecker(), models.InstalledApp{BundleID: "com.jetbrains.intellij"}, true},
		{"mozilla matches", NewMozillaChecker(), models.InstalledApp{BundleID: "org.mozilla.firefox"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.checker.Applicable(tc.app); got != tc.want {
				t.Errorf("Applicable(%+v) = %v, want %v", tc.app, got, tc.want)
			}
		})
	}
}

func TestVendorCheckers_ProbeNeverFabricatesAVersion(t *testing.T) {
	app := models.InstalledApp{BundleID: "com.google.Chrome", AppPath: t.TempDir()}
	for _, c := range []Checker{NewKeystoneChecker(), NewMicrosoftAutoUpdateChecker(), NewJetBrainsToolboxChecker(), NewAdobeCCChecker()} {
		result := c.Probe(context.Background(), app)
		if result.Status == Found {
			t.Fatalf("%s: Probe must never claim Found without a locally-verifiable marker, got %+v", c.SourceType(), result)
		}
	}
}

func TestElectronChecker_FindsPendingVersionMarker(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "Electron.app")
	shipIt := filepath.Join(appPath, "Contents", "Frameworks", "Squirrel.framework", "Resources", "ShipIt")
	os.MkdirAll(shipIt, 0o755)
	os.WriteFile(filepath.Join(shipIt, "pending_version"), []byte("1.4.0\n"), 0o644)

	app := models.InstalledApp{AppPath: appPath}
	c := NewElectronChecker()
	if !c.Applicable(app) {
		t.Fatal("want applicable: Squirrel.framework present")
	}
	result := c.Probe(context.Background(), app)
	if result.Status != Found || result.Version != "1.4.0" {
		t.Fatalf("Probe = %+v", result)
	}
}

func TestMozillaChecker_NotFoundWithoutMarker(t *testing.T) {
	app := models.InstalledApp{BundleID: "org.mozilla.firefox", AppPath: t.TempDir()}
	c := NewMozillaChecker()
	result := c.Probe(context.Background(), app)
	if result.Status != NotFound {
		t.Fatalf("Probe = %+v, want NotFound without a staged update marker", result)
	}
}
