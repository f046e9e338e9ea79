// Package selfupdate is the engine's own update path named in spec.md
// §4.4 ("self-update path"): check a manifest, stage and verify a new
// engine binary, and apply it on the user's explicit say-so, never as a
// side effect of a regular app-update cycle.
//
// Grounded on the printmaster self-update manager
// (other_examples/3b9b5e18_mstrhakr-printmaster__server-selfupdate-manager.go.go):
// the staging/backups/apply directory triad, a parsed semver current
// version, and a RuntimeSkipCheck-style escape hatch, generalized here into
// "never relaunch without an explicit execute_self_update call" rather than
// printmaster's background-ticker auto-apply.
package selfupdate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/crypto/ed25519"

	"github.com/smallsimplesuper/macplus/internal/errs"
	"github.com/smallsimplesuper/macplus/internal/service"
)

const (
	stagingDirName = "staging"
	backupsDirName = "backups"
	applyDirName   = "apply"
)

// Manifest is the small JSON document published alongside a release: the
// new version, where to fetch it, and the detached signature over its
// bytes.
type Manifest struct {
	Version   string `json:"version"`
	URL       string `json:"url"`
	SHA256    string `json:"sha256"`
	Signature string `json:"signature"` // hex-encoded ed25519 signature over the downloaded artifact
	Platform  string `json:"platform"`  // "darwin"
	Arch      string `json:"arch"`      // "arm64" | "amd64"
}

// Manager is the self-update half of OR, one level below the orchestrator
// command surface.
type Manager struct {
	Fetcher        *service.Fetcher
	ManifestURL    string
	CurrentVersion string
	PublicKey      ed25519.PublicKey
	StateDir       string // <data-dir>/selfupdate
	BinaryPath     string
}

// NewManager prepares the staging/backups/apply subdirectories under
// stateDir and returns a ready Manager.
func NewManager(fetcher *service.Fetcher, manifestURL, currentVersion string, pub ed25519.PublicKey, stateDir, binaryPath string) (*Manager, error) {
	for _, sub := range []string{stagingDirName, backupsDirName, applyDirName} {
		if err := os.MkdirAll(filepath.Join(stateDir, sub), 0o755); err != nil {
			return nil, errs.Wrap(errs.Internal, fmt.Errorf("prepare selfupdate dir %s: %w", sub, err))
		}
	}
	return &Manager{
		Fetcher: fetcher, ManifestURL: manifestURL, CurrentVersion: currentVersion,
		PublicKey: pub, StateDir: stateDir, BinaryPath: binaryPath,
	}, nil
}

// Check fetches the manifest and reports whether it names a version newer
// than CurrentVersion for this platform/arch. A manifest for a different
// platform/arch is treated as "no update available" rather than an error.
func (m *Manager) Check(ctx context.Context) (*Manifest, bool, error) {
	resp, err := m.Fetcher.Get(ctx, m.ManifestURL)
	if err != nil {
		return nil, false, errs.NetworkErr(true, err)
	}
	defer resp.Body.Close()

	var man Manifest
	if err := json.NewDecoder(resp.Body).Decode(&man); err != nil {
		return nil, false, errs.Wrap(errs.Internal, fmt.Errorf("decode self-update manifest: %w", err))
	}

	if man.Platform != "" && man.Platform != runtime.GOOS {
		return &man, false, nil
	}
	if man.Arch != "" && man.Arch != runtime.GOARCH {
		return &man, false, nil
	}

	current, err := semver.NewVersion(m.CurrentVersion)
	if err != nil {
		return &man, false, nil // unparsable current version: treat as "no known baseline", never force an update
	}
	candidate, err := semver.NewVersion(man.Version)
	if err != nil {
		return &man, false, errs.New(errs.Internal, "self-update manifest has unparsable version %q", man.Version)
	}
	return &man, candidate.GreaterThan(current), nil
}

// ProgressFunc reports staging percent, matching the Phase/Percent shape
// events.SelfUpdateProgressPayload exposes to the orchestrator.
type ProgressFunc func(phase string, percent int)

// StageAndApply downloads man's artifact, verifies its sha256 digest and
// ed25519 signature, backs up the current binary, and replaces it with the
// new one at BinaryPath via a rename (atomic on the same filesystem, same
// discipline the Direct executor's Install phase uses for app bundles).
// It does not restart the process — that is relaunch_self's job, a
// separate, explicit command per spec.md §4.5.
func (m *Manager) StageAndApply(ctx context.Context, man *Manifest, progress ProgressFunc) error {
	emit := func(phase string, pct int) {
		if progress != nil {
			progress(phase, pct)
		}
	}

	emit("Download", 10)
	stagePath := filepath.Join(m.StateDir, stagingDirName, "macplusd-"+man.Version)
	if err := m.Fetcher.DownloadToFile(ctx, man.URL, stagePath, 0, func(copied, total int64) {
		pct := 10
		if total > 0 {
			pct = 10 + int(float64(copied)/float64(total)*50)
		}
		emit("Download", pct)
	}); err != nil {
		return errs.Wrap(errs.Internal, fmt.Errorf("download self-update artifact: %w", err))
	}

	emit("Verify", 65)
	if err := verifySHA256(stagePath, man.SHA256); err != nil {
		os.Remove(stagePath)
		return err
	}
	if err := verifySignature(stagePath, man.Signature, m.PublicKey); err != nil {
		os.Remove(stagePath)
		return err
	}

	emit("Stage", 80)
	if err := os.Chmod(stagePath, 0o755); err != nil {
		return errs.Wrap(errs.Internal, err)
	}

	backupPath := filepath.Join(m.StateDir, backupsDirName, "macplusd-"+m.CurrentVersion)
	if err := copyFile(m.BinaryPath, backupPath); err != nil {
		return errs.Wrap(errs.Internal, fmt.Errorf("backup current binary: %w", err))
	}

	emit("Install", 90)
	if err := os.Rename(stagePath, m.BinaryPath); err != nil {
		return errs.Wrap(errs.Internal, fmt.Errorf("install new binary: %w", err))
	}

	emit("Finalize", 100)
	return nil
}

func verifySHA256(path, expectedHex string) error {
	if expectedHex == "" {
		return errs.New(errs.IntegrityFailed, "self-update manifest carries no sha256 digest")
	}
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.IntegrityFailed, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return errs.Wrap(errs.IntegrityFailed, err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expectedHex {
		return errs.New(errs.IntegrityFailed, "self-update checksum mismatch: expected %s, got %s", expectedHex, actual)
	}
	return nil
}

func verifySignature(path, signatureHex string, pub ed25519.PublicKey) error {
	if len(pub) == 0 {
		return errs.New(errs.IntegrityFailed, "no self-update public key configured")
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return errs.New(errs.IntegrityFailed, "self-update manifest signature is not valid hex")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(errs.IntegrityFailed, err)
	}
	if !ed25519.Verify(pub, data, sig) {
		return errs.New(errs.IntegrityFailed, "self-update artifact signature verification failed")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
