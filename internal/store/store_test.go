package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallsimplesuper/macplus/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir() + "/catalog.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertApp_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	app := models.InstalledApp{
		BundleID:         "com.bitwarden.desktop",
		DisplayName:      "Bitwarden",
		AppPath:          "/Applications/Bitwarden.app",
		InstalledVersion: "2024.9.0",
		BundleVersion:    "2024.9.0",
		Architectures:    []models.Arch{models.ArchARM64, models.ArchX86_64},
		InstallSource:    models.InstallSourceHomebrew,
		HomebrewCaskToken: "bitwarden",
		FirstSeenAt:      now,
		LastSeenAt:       now,
	}
	require.NoError(t, s.UpsertApp(ctx, app))

	got, ok, err := s.GetApp(ctx, app.BundleID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, app.DisplayName, got.DisplayName)
	assert.Equal(t, app.AppPath, got.AppPath)
	assert.Equal(t, app.InstalledVersion, got.InstalledVersion)
	assert.Equal(t, app.Architectures, got.Architectures)
	assert.Equal(t, app.HomebrewCaskToken, got.HomebrewCaskToken)
	assert.False(t, got.IsSynthetic())
}

func TestUpsertApp_PreservesFirstSeenAcrossUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Second)
	app := models.InstalledApp{BundleID: "com.example.app", DisplayName: "Example", FirstSeenAt: first, LastSeenAt: first}
	require.NoError(t, s.UpsertApp(ctx, app))

	second := time.Now().UTC().Truncate(time.Second)
	app.LastSeenAt = second
	app.DisplayName = "Example Renamed"
	require.NoError(t, s.UpsertApp(ctx, app))

	got, ok, err := s.GetApp(ctx, app.BundleID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Example Renamed", got.DisplayName)
	assert.Equal(t, first.Unix(), got.FirstSeenAt.Unix())
	assert.Equal(t, second.Unix(), got.LastSeenAt.Unix())
}

func TestSyntheticApp_HasNoAppPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	app := models.InstalledApp{
		BundleID:            "homebrew.formula.wget",
		DisplayName:         "wget",
		InstallSource:       models.InstallSourceHomebrewFormula,
		HomebrewFormulaName: "wget",
		FirstSeenAt:         time.Now(),
		LastSeenAt:          time.Now(),
	}
	require.NoError(t, s.UpsertApp(ctx, app))

	got, ok, err := s.GetApp(ctx, app.BundleID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.IsSynthetic())
	assert.Empty(t, got.AppPath)
}

func TestPutCandidate_OverwriteAndClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertApp(ctx, models.InstalledApp{
		BundleID: "com.bitwarden.desktop", DisplayName: "Bitwarden",
		InstalledVersion: "2024.9.0", FirstSeenAt: time.Now(), LastSeenAt: time.Now(),
	}))

	c := &models.UpdateCandidate{
		BundleID:         "com.bitwarden.desktop",
		AvailableVersion: "2024.10.3",
		SourceType:       models.SourceHomebrewAPI,
		DetectedAt:       time.Now(),
	}
	require.NoError(t, s.PutCandidate(ctx, c.BundleID, c))

	got, err := s.GetCandidate(ctx, c.BundleID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2024.10.3", got.AvailableVersion)

	// overwrite
	c.AvailableVersion = "2024.10.4"
	require.NoError(t, s.PutCandidate(ctx, c.BundleID, c))
	got, err = s.GetCandidate(ctx, c.BundleID)
	require.NoError(t, err)
	assert.Equal(t, "2024.10.4", got.AvailableVersion)

	// clear
	require.NoError(t, s.PutCandidate(ctx, c.BundleID, nil))
	got, err = s.GetCandidate(ctx, c.BundleID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHistory_ExactlyOneTerminalTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.BeginHistory(ctx, "com.bitwarden.desktop", "Bitwarden", "", "2024.9.0", "2024.10.3", models.SourceHomebrewAPI)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, s.FinishHistory(ctx, id, models.HistoryCompleted, ""))

	// a second terminal transition on the same id must fail
	err = s.FinishHistory(ctx, id, models.HistoryFailed, "boom")
	assert.Error(t, err)

	rows, err := s.ListHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.HistoryCompleted, rows[0].Status)
	require.NotNil(t, rows[0].CompletedAt)
	assert.True(t, !rows[0].StartedAt.After(*rows[0].CompletedAt))
}

func TestSettings_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	want := models.Settings{
		ScanRoots:        []string{"/Applications", "/Users/me/Applications"},
		ScanDepth:        2,
		CheckIntervalMin: 360,
		AutoCheckOnLaunch: true,
		Notifications:    models.NotificationPrefs{UpdatesFound: true, Errors: true},
		Theme:            "dark",
		IgnoredBundleIDs: []string{"com.adobe.acc"},
	}
	require.NoError(t, s.PutSettings(ctx, want))

	got, ok, err := s.GetSettings(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestMarkScanComplete_BumpsOnlySeenIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, s.UpsertApp(ctx, models.InstalledApp{BundleID: "a", DisplayName: "A", FirstSeenAt: old, LastSeenAt: old}))
	require.NoError(t, s.UpsertApp(ctx, models.InstalledApp{BundleID: "b", DisplayName: "B", FirstSeenAt: old, LastSeenAt: old}))

	finished := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.MarkScanComplete(ctx, []string{"/Applications"}, old, finished, []string{"a"}))

	gotA, _, _ := s.GetApp(ctx, "a")
	gotB, _, _ := s.GetApp(ctx, "b")
	assert.Equal(t, finished.Unix(), gotA.LastSeenAt.Unix())
	assert.Equal(t, old.Unix(), gotB.LastSeenAt.Unix())
}
