// Package config resolves the engine's data directory and supplies default
// Settings, following the teacher's config/globalconfig split: constants
// and timeouts live here, directory resolution honors the documented
// environment overrides.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/smallsimplesuper/macplus/internal/models"
)

const (
	productID = "com.macplus.app"

	envDataDir     = "MACPLUS_DATA_DIR"
	envHTTPTimeout = "MACPLUS_HTTP_TIMEOUT_MS"

	// Default timeouts (spec §5). Only the HTTP read-idle timeout is
	// overridable, via MACPLUS_HTTP_TIMEOUT_MS (see HTTPTimeout).
	DefaultHTTPConnectTimeout = 5 * time.Second
	DefaultHTTPReadIdle       = 30 * time.Second
	DefaultProbeTimeout       = 20 * time.Second
	DefaultScanRootTimeout    = 60 * time.Second
	DefaultExecutionTimeout   = 10 * time.Minute
	DefaultSubprocessTimeout  = 5 * time.Minute

	// Bounded concurrency defaults (spec §4.6, §4.5).
	DefaultGlobalHTTPConcurrency = 8
	DefaultPerHostHTTPConcurrency = 4
	DefaultBulkExecutionParallelism = 2
	DefaultResolverConcurrency = 4

	DefaultScanDepth = 2

	logMaxSizeMB   = 10
	logMaxBackups  = 5
)

// LogRotation describes the §6 log rotation policy (10 MB x 5).
type LogRotation struct {
	MaxSizeMB  int
	MaxBackups int
}

// DefaultLogRotation returns the policy named in spec §6.
func DefaultLogRotation() LogRotation {
	return LogRotation{MaxSizeMB: logMaxSizeMB, MaxBackups: logMaxBackups}
}

// DataDir resolves the per-user application-support directory for
// product id com.macplus.app, honoring MACPLUS_DATA_DIR (spec §6).
func DataDir() (string, error) {
	if dir := os.Getenv(envDataDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "Application Support", productID), nil
}

// EnsureDataDirs creates the data directory and its documented subdirectories
// (icons/, downloads/, quarantine/, logs/) if they do not exist.
func EnsureDataDirs() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	for _, sub := range []string{"", "icons", "downloads", "quarantine", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", err
		}
	}
	return dir, nil
}

// HTTPTimeout returns the configured HTTP read-idle timeout, honoring
// MACPLUS_HTTP_TIMEOUT_MS.
func HTTPTimeout() time.Duration {
	if ms := os.Getenv(envHTTPTimeout); ms != "" {
		if d, err := time.ParseDuration(ms + "ms"); err == nil && d > 0 {
			return d
		}
	}
	return DefaultHTTPReadIdle
}

// DefaultSettings returns the Settings row used when none is persisted yet,
// mirroring the teacher's layered baseConfig()/DefaultXConfig() pattern.
func DefaultSettings() models.Settings {
	home, _ := os.UserHomeDir()
	roots := []string{"/Applications"}
	if home != "" {
		roots = append(roots, filepath.Join(home, "Applications"))
	}
	return models.Settings{
		ScanRoots:         roots,
		ScanDepth:         DefaultScanDepth,
		CheckIntervalMin:  360,
		AutoCheckOnLaunch: true,
		LaunchAtLogin:     false,
		Notifications: models.NotificationPrefs{
			UpdatesFound:     true,
			UpdatesCompleted: true,
			Errors:           true,
		},
		Theme:           "system",
		IgnoredBundleIDs: nil,
	}
}

// WithDefaults fills zero-valued fields of a persisted Settings row with
// defaults, so a row written by an older schema version still round-trips
// sensibly (spec §6, "schema migrated forward-only").
func WithDefaults(s models.Settings) models.Settings {
	d := DefaultSettings()
	if len(s.ScanRoots) == 0 {
		s.ScanRoots = d.ScanRoots
	}
	if s.ScanDepth == 0 {
		s.ScanDepth = d.ScanDepth
	}
	if s.CheckIntervalMin == 0 {
		s.CheckIntervalMin = d.CheckIntervalMin
	}
	if s.Theme == "" {
		s.Theme = d.Theme
	}
	return s
}
