// Package platform is PP: Info.plist parsing, icon extraction, permission
// and setup probes, and every privileged/scripting subprocess invocation,
// grounded on the teacher's internal/runner.ExecRunner (context-timeout-
// wrapped exec.CommandContext) and the DataDog macOS collector's bundle
// parsing shape.
package platform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/groob/plist"

	"github.com/smallsimplesuper/macplus/internal/errs"
	"github.com/smallsimplesuper/macplus/internal/models"
	"github.com/smallsimplesuper/macplus/internal/runner"
)

// BundleMeta is what ParseBundle extracts from one Contents/Info.plist.
type BundleMeta struct {
	BundleID      string
	DisplayName   string
	ShortVersion  string
	BundleVersion string
	FeedURL       string // SUFeedURL, when the app embeds a Sparkle feed
	Executable    string
}

type infoPlist struct {
	CFBundleIdentifier         string `plist:"CFBundleIdentifier"`
	CFBundleDisplayName        string `plist:"CFBundleDisplayName"`
	CFBundleName               string `plist:"CFBundleName"`
	CFBundleShortVersionString string `plist:"CFBundleShortVersionString"`
	CFBundleVersion            string `plist:"CFBundleVersion"`
	CFBundleExecutable         string `plist:"CFBundleExecutable"`
	SUFeedURL                  string `plist:"SUFeedURL"`
}

// ErrNotABundle is returned by ParseBundle when path is not a valid .app
// bundle (missing Contents/Info.plist).
var ErrNotABundle = errs.New(errs.NotFound, "not a valid application bundle")

// ParseBundle reads and decodes path's Contents/Info.plist, preferring
// CFBundleDisplayName over CFBundleName for the human-facing title, per the
// convention the DataDog macOS collector follows.
func ParseBundle(path string) (BundleMeta, error) {
	infoPath := filepath.Join(path, "Contents", "Info.plist")
	data, err := os.ReadFile(infoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return BundleMeta{}, ErrNotABundle
		}
		return BundleMeta{}, errs.Wrap(errs.Internal, fmt.Errorf("read %s: %w", infoPath, err))
	}

	var p infoPlist
	if err := plist.Unmarshal(data, &p); err != nil {
		return BundleMeta{}, errs.Wrap(errs.Internal, fmt.Errorf("decode %s: %w", infoPath, err))
	}

	display := p.CFBundleDisplayName
	if display == "" {
		display = p.CFBundleName
	}
	if display == "" {
		display = strings.TrimSuffix(filepath.Base(path), ".app")
	}

	return BundleMeta{
		BundleID:      p.CFBundleIdentifier,
		DisplayName:   display,
		ShortVersion:  p.CFBundleShortVersionString,
		BundleVersion: p.CFBundleVersion,
		FeedURL:       p.SUFeedURL,
		Executable:    p.CFBundleExecutable,
	}, nil
}

// HasMASReceipt reports whether path (a .app bundle) carries an App Store
// purchase receipt, the spec §4.2 mac_app_store classification signal.
func HasMASReceipt(path string) bool {
	_, err := os.Stat(filepath.Join(path, "Contents", "_MASReceipt", "receipt"))
	return err == nil
}

// ExtractIcon renders path's primary .icns asset to a cached PNG under
// iconCacheDir/<bundleID>.png via the `sips` command-line tool (already
// present on every macOS install), returning the cached path.
func ExtractIcon(ctx context.Context, r runner.CommandRunner, bundlePath, bundleID, iconCacheDir string) (string, error) {
	icnsPath, err := findIcon(bundlePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(iconCacheDir, 0o755); err != nil {
		return "", errs.Wrap(errs.Internal, err)
	}
	dst := filepath.Join(iconCacheDir, bundleID+".png")
	if _, err := r.Run(ctx, 10*time.Second, runner.Capture, "sips", "-s", "format", "png", icnsPath, "--out", dst); err != nil {
		return "", errs.Wrap(errs.Internal, fmt.Errorf("sips convert %s: %w", icnsPath, err))
	}
	return dst, nil
}

func findIcon(bundlePath string) (string, error) {
	resources := filepath.Join(bundlePath, "Contents", "Resources")
	entries, err := os.ReadDir(resources)
	if err != nil {
		return "", errs.Wrap(errs.NotFound, fmt.Errorf("read %s: %w", resources, err))
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".icns") {
			return filepath.Join(resources, e.Name()), nil
		}
	}
	return "", errs.New(errs.NotFound, "no .icns resource in %s", resources)
}

// PermissionsStatus reports the handful of macOS TCC-gated permissions the
// engine depends on. Actual TCC introspection requires a signed,
// entitled binary; this probe reports what it can determine without one and
// marks the rest unknown=false, which is honest under an unsigned dev build.
type PermissionsStatus struct {
	AppManagement   bool
	Automation      bool
	AutomationState string // "not_determined" | "denied" | "authorized"
	FullDiskAccess  bool
	Notifications   bool
}

// Permissions probes the permission set described in spec §4.6. Only the
// Automation permission is probed, through one AppleScript call via r; the
// other fields are always reported false. A failed probe downgrades to
// "not_determined" rather than propagating an error,
// since an unreadable TCC state is itself informative to the caller.
func Permissions(ctx context.Context, r runner.CommandRunner) PermissionsStatus {
	state := "not_determined"
	if out, err := r.Run(ctx, 5*time.Second, runner.Capture, "osascript", "-e",
		`tell application "System Events" to return true`); err == nil && strings.TrimSpace(string(out)) == "true" {
		state = "authorized"
	}
	return PermissionsStatus{
		Automation:      state == "authorized",
		AutomationState: state,
	}
}

// SetupStatus reports the external tooling the engine's Executors depend on.
type SetupStatus struct {
	HomebrewInstalled bool
	HomebrewVersion   string
	XcodeCLTInstalled bool
	AskpassInstalled  bool
}

// Setup probes for homebrew, the Xcode command line tools, and the signed
// askpass helper at askpassPath.
func Setup(ctx context.Context, r runner.CommandRunner, askpassPath string) SetupStatus {
	var s SetupStatus
	if out, err := r.Run(ctx, 5*time.Second, runner.Capture, "brew", "--version"); err == nil {
		s.HomebrewInstalled = true
		s.HomebrewVersion = strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	}
	if _, err := r.Run(ctx, 5*time.Second, runner.Capture, "xcode-select", "-p"); err == nil {
		s.XcodeCLTInstalled = true
	}
	if fi, err := os.Stat(askpassPath); err == nil && fi.Mode()&0o111 != 0 {
		s.AskpassInstalled = true
	}
	return s
}

// OpenApp launches path with `open`, the idiomatic way to start a bundle
// without inheriting the engine's own process group.
func OpenApp(ctx context.Context, r runner.CommandRunner, path string) error {
	if _, err := r.Run(ctx, 10*time.Second, runner.Capture, "open", path); err != nil {
		return errs.Wrap(errs.Internal, fmt.Errorf("open %s: %w", path, err))
	}
	return nil
}

// RevealInFinder selects path in Finder.
func RevealInFinder(ctx context.Context, r runner.CommandRunner, path string) error {
	if _, err := r.Run(ctx, 10*time.Second, runner.Capture, "open", "-R", path); err != nil {
		return errs.Wrap(errs.Internal, fmt.Errorf("reveal %s: %w", path, err))
	}
	return nil
}

// IsRunning reports whether bundleID has a running process, via the same
// System Events scripting channel Permissions/RequestAutomationPermission
// already use for process introspection.
func IsRunning(ctx context.Context, r runner.CommandRunner, bundleID string) bool {
	out, err := r.Run(ctx, 5*time.Second, runner.Capture, "osascript", "-e",
		fmt.Sprintf(`tell application "System Events" to (count of (every process whose bundle identifier is "%s")) > 0`, bundleID))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "true"
}

// QuitApp politely asks bundleID's running process to quit, per spec
// §4.4's Direct-executor Quit phase ("request the running app to exit via
// the platform scripting channel").
func QuitApp(ctx context.Context, r runner.CommandRunner, bundleID string) error {
	_, err := r.Run(ctx, 10*time.Second, runner.Capture, "osascript", "-e",
		fmt.Sprintf(`tell application id "%s" to quit`, bundleID))
	if err != nil {
		return errs.Wrap(errs.Internal, fmt.Errorf("quit %s: %w", bundleID, err))
	}
	return nil
}

// RequestAutomationPermission triggers the first TCC automation prompt by
// issuing a harmless System Events AppleScript call, returning whether it
// was granted.
func RequestAutomationPermission(ctx context.Context, r runner.CommandRunner) (bool, error) {
	out, err := r.Run(ctx, 5*time.Second, runner.Capture, "osascript", "-e",
		`tell application "System Events" to return true`)
	if err != nil {
		return false, errs.Wrap(errs.PermissionDenied, err)
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

// ExitStatus is the result of RunPrivileged.
type ExitStatus struct {
	Code   int
	Stdout []byte
	Stderr string
}

// RunPrivileged shells out to the signed askpass helper for a single
// privileged command, per spec §4.4's admin-elevation sub-protocol: a
// single-shot prompt, an exec, a return code, and the secret never retained
// by the engine itself (the helper owns the prompt).
func RunPrivileged(ctx context.Context, r runner.CommandRunner, askpassPath string, argv []string) (ExitStatus, error) {
	if _, err := os.Stat(askpassPath); err != nil {
		return ExitStatus{}, errs.New(errs.Unsupported, "askpass helper not installed at %s", askpassPath)
	}
	out, err := r.Run(ctx, 5*time.Minute, runner.Capture, askpassPath, argv...)
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return ExitStatus{Code: exitErr.ExitCode(), Stdout: out, Stderr: string(out)},
				errs.Wrap(errs.PermissionDenied, err)
		}
		return ExitStatus{}, errs.Wrap(errs.Internal, err)
	}
	return ExitStatus{Code: 0, Stdout: out}, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// ClassifySource implements spec §4.2's three-way install-source
// classification for a scanned bundle.
func ClassifySource(appPath string, homebrewCaskTokens map[string]bool, token string) models.InstallSource {
	switch {
	case HasMASReceipt(appPath):
		return models.InstallSourceMacAppStore
	case token != "" && homebrewCaskTokens[token]:
		return models.InstallSourceHomebrew
	default:
		return models.InstallSourceDirect
	}
}
