package selfupdate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ed25519"

	"github.com/smallsimplesuper/macplus/internal/service"
)

type fakeClient struct {
	manifest []byte
	artifact []byte
}

func (c *fakeClient) Do(req *http.Request) (*http.Response, error) {
	if req.URL.Path == "/manifest.json" {
		return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(c.manifest)), ContentLength: int64(len(c.manifest))}, nil
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(c.artifact)), ContentLength: int64(len(c.artifact))}, nil
}

func newTestManager(t *testing.T, artifact []byte, pub ed25519.PublicKey, priv ed25519.PrivateKey, currentVersion string) (*Manager, []byte) {
	t.Helper()
	sum := sha256.Sum256(artifact)
	sig := ed25519.Sign(priv, artifact)

	man := Manifest{
		Version:   "2.0.0",
		URL:       "https://updates.example.com/macplusd-2.0.0",
		SHA256:    hex.EncodeToString(sum[:]),
		Signature: hex.EncodeToString(sig),
		Platform:  "",
		Arch:      "",
	}
	manifestBytes, err := json.Marshal(man)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}

	client := &fakeClient{manifest: manifestBytes, artifact: artifact}
	fetcher := service.NewFetcher(client, 4, 2, 0)

	dir := t.TempDir()
	binaryPath := filepath.Join(dir, "macplusd")
	if err := os.WriteFile(binaryPath, []byte("old binary"), 0o755); err != nil {
		t.Fatalf("seed binary: %v", err)
	}

	m, err := NewManager(fetcher, "https://updates.example.com/manifest.json", currentVersion, pub, filepath.Join(dir, "selfupdate"), binaryPath)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, manifestBytes
}

func TestCheck_ReportsNewerVersionAvailable(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	m, _ := newTestManager(t, []byte("new binary contents"), pub, priv, "1.0.0")

	man, newer, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !newer {
		t.Fatal("expected a newer version to be reported")
	}
	if man.Version != "2.0.0" {
		t.Fatalf("Version = %q", man.Version)
	}
}

func TestCheck_SameVersionReportsNoUpdate(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	m, _ := newTestManager(t, []byte("new binary contents"), pub, priv, "2.0.0")

	_, newer, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if newer {
		t.Fatal("expected no update when current == manifest version")
	}
}

func TestStageAndApply_VerifiesAndInstalls(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	artifact := []byte("new binary contents")
	m, _ := newTestManager(t, artifact, pub, priv, "1.0.0")

	man, _, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	var phases []string
	if err := m.StageAndApply(context.Background(), man, func(phase string, percent int) {
		phases = append(phases, phase)
	}); err != nil {
		t.Fatalf("StageAndApply: %v", err)
	}
	if len(phases) == 0 {
		t.Fatal("expected progress callbacks")
	}

	got, err := os.ReadFile(m.BinaryPath)
	if err != nil {
		t.Fatalf("read installed binary: %v", err)
	}
	if string(got) != string(artifact) {
		t.Fatalf("installed binary = %q, want %q", got, artifact)
	}

	backups, err := os.ReadDir(filepath.Join(m.StateDir, backupsDirName))
	if err != nil || len(backups) != 1 {
		t.Fatalf("expected exactly one backup, got %v (err=%v)", backups, err)
	}
}

func TestStageAndApply_RejectsTamperedArtifact(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	artifact := []byte("new binary contents")
	m, _ := newTestManager(t, artifact, pub, priv, "1.0.0")

	man, _, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	man.SHA256 = "0000000000000000000000000000000000000000000000000000000000000000"

	if err := m.StageAndApply(context.Background(), man, nil); err == nil {
		t.Fatal("expected a checksum mismatch error")
	}

	got, _ := os.ReadFile(m.BinaryPath)
	if string(got) != "old binary" {
		t.Fatal("binary must not be replaced when verification fails")
	}
}
