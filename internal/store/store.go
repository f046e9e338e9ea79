// Package store is the persistence layer (PS): a single embedded sqlite
// database holding the app catalog, update candidates, source bindings,
// history, and the settings row, written through a serialized single-writer
// handle, grounded on the teacher's internal/store.FS (single struct owning
// the handle, every write wrapped and reported with %w, ReadMeta/WriteMeta
// shape generalized to GetSettings/PutSettings).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/smallsimplesuper/macplus/internal/errs"
	"github.com/smallsimplesuper/macplus/internal/logger"
	"github.com/smallsimplesuper/macplus/internal/models"
)

// Store is PS: one *sql.DB with SetMaxOpenConns(1), emulating the teacher's
// single-writer discipline without a separate writer goroutine — sqlite's
// own locking makes a second concurrent writer block rather than corrupt,
// but serializing at the pool level avoids SQLITE_BUSY under load.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog database at path and runs
// every pending migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure catalog db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog db: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL PRIMARY KEY);`,

	`CREATE TABLE apps (
		bundle_id             TEXT PRIMARY KEY,
		display_name          TEXT NOT NULL,
		app_path              TEXT,
		installed_version     TEXT,
		bundle_version        TEXT,
		architectures         TEXT NOT NULL DEFAULT '',
		icon_cache_path       TEXT,
		install_source        TEXT NOT NULL,
		homebrew_cask_token   TEXT,
		homebrew_formula_name TEXT,
		is_ignored            INTEGER NOT NULL DEFAULT 0,
		first_seen_at         TEXT NOT NULL,
		last_seen_at          TEXT NOT NULL
	);
	CREATE UNIQUE INDEX apps_app_path_idx ON apps(app_path) WHERE app_path IS NOT NULL;

	CREATE TABLE candidates (
		bundle_id          TEXT PRIMARY KEY REFERENCES apps(bundle_id) ON DELETE CASCADE,
		available_version  TEXT NOT NULL,
		source_type        TEXT NOT NULL,
		download_url       TEXT,
		release_notes      TEXT,
		release_notes_url  TEXT,
		is_paid_upgrade    INTEGER NOT NULL DEFAULT 0,
		detected_at        TEXT NOT NULL,
		notes              TEXT
	);

	CREATE TABLE source_bindings (
		bundle_id       TEXT NOT NULL REFERENCES apps(bundle_id) ON DELETE CASCADE,
		source_type     TEXT NOT NULL,
		is_primary      INTEGER NOT NULL DEFAULT 0,
		last_checked_at TEXT,
		PRIMARY KEY (bundle_id, source_type)
	);

	CREATE TABLE history (
		id              TEXT PRIMARY KEY,
		bundle_id       TEXT NOT NULL,
		display_name    TEXT NOT NULL,
		icon_cache_path TEXT,
		from_version    TEXT,
		to_version      TEXT NOT NULL,
		source_type     TEXT NOT NULL,
		status          TEXT NOT NULL,
		error_message   TEXT,
		started_at      TEXT NOT NULL,
		completed_at    TEXT
	);
	CREATE INDEX history_bundle_id_idx ON history(bundle_id);

	CREATE TABLE settings (
		id      INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL DEFAULT 1,
		data    TEXT NOT NULL
	);`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrations[0]); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for i := 1; i < len(migrations); i++ {
		if applied[i] {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES (?)`, i); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		logger.Debug("store: applied migration %d", i)
	}
	return nil
}

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// UpsertApp creates or updates one app row. first_seen_at is preserved across
// updates; last_seen_at is always bumped to the provided value.
func (s *Store) UpsertApp(ctx context.Context, app models.InstalledApp) error {
	archs := make([]string, len(app.Architectures))
	for i, a := range app.Architectures {
		archs[i] = string(a)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apps (bundle_id, display_name, app_path, installed_version, bundle_version,
			architectures, icon_cache_path, install_source, homebrew_cask_token,
			homebrew_formula_name, is_ignored, first_seen_at, last_seen_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(bundle_id) DO UPDATE SET
			display_name=excluded.display_name,
			app_path=excluded.app_path,
			installed_version=excluded.installed_version,
			bundle_version=excluded.bundle_version,
			architectures=excluded.architectures,
			icon_cache_path=excluded.icon_cache_path,
			install_source=excluded.install_source,
			homebrew_cask_token=excluded.homebrew_cask_token,
			homebrew_formula_name=excluded.homebrew_formula_name,
			last_seen_at=excluded.last_seen_at`,
		app.BundleID, app.DisplayName, nullable(app.AppPath), nullable(app.InstalledVersion),
		nullable(app.BundleVersion), strings.Join(archs, ","), nullable(app.IconCachePath),
		string(app.InstallSource), nullable(app.HomebrewCaskToken), nullable(app.HomebrewFormulaName),
		boolToInt(app.IsIgnored), formatTime(app.FirstSeenAt), formatTime(app.LastSeenAt),
	)
	if err != nil {
		return errs.Wrap(errs.Internal, fmt.Errorf("upsert_app(%s): %w", app.BundleID, err))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MarkScanComplete bumps last_seen_at for every id in seenIDs, representing
// one completed scan pass over roots between startedAt and finishedAt.
func (s *Store) MarkScanComplete(ctx context.Context, roots []string, startedAt, finishedAt time.Time, seenIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE apps SET last_seen_at=? WHERE bundle_id=?`)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	defer stmt.Close()

	for _, id := range seenIDs {
		if _, err := stmt.ExecContext(ctx, formatTime(finishedAt), id); err != nil {
			return errs.Wrap(errs.Internal, fmt.Errorf("mark_scan_complete(%s): %w", id, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	logger.Debug("store: scan complete over %d root(s), %d app(s) seen, took %s",
		len(roots), len(seenIDs), finishedAt.Sub(startedAt).Truncate(time.Millisecond))
	return nil
}

// PutCandidate overwrites the candidate row for bundleID, or deletes it when
// c is nil (spec §4.1: "candidates are overwritten on each check").
func (s *Store) PutCandidate(ctx context.Context, bundleID string, c *models.UpdateCandidate) error {
	if c == nil {
		_, err := s.db.ExecContext(ctx, `DELETE FROM candidates WHERE bundle_id=?`, bundleID)
		if err != nil {
			return errs.Wrap(errs.Internal, fmt.Errorf("put_candidate(%s, none): %w", bundleID, err))
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candidates (bundle_id, available_version, source_type, download_url,
			release_notes, release_notes_url, is_paid_upgrade, detected_at, notes)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(bundle_id) DO UPDATE SET
			available_version=excluded.available_version,
			source_type=excluded.source_type,
			download_url=excluded.download_url,
			release_notes=excluded.release_notes,
			release_notes_url=excluded.release_notes_url,
			is_paid_upgrade=excluded.is_paid_upgrade,
			detected_at=excluded.detected_at,
			notes=excluded.notes`,
		bundleID, c.AvailableVersion, string(c.SourceType), nullable(c.DownloadURL),
		nullable(c.ReleaseNotes), nullable(c.ReleaseNotesURL), boolToInt(c.IsPaidUpgrade),
		formatTime(c.DetectedAt), nullable(c.Notes),
	)
	if err != nil {
		return errs.Wrap(errs.Internal, fmt.Errorf("put_candidate(%s): %w", bundleID, err))
	}
	return nil
}

// BeginHistory inserts a "started" history row and returns its id.
func (s *Store) BeginHistory(ctx context.Context, bundleID, displayName, iconPath, from, to string, source models.SourceType) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (id, bundle_id, display_name, icon_cache_path, from_version,
			to_version, source_type, status, started_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		id, bundleID, displayName, nullable(iconPath), nullable(from), to, string(source),
		string(models.HistoryStarted), formatTime(time.Now()),
	)
	if err != nil {
		return "", errs.Wrap(errs.Internal, fmt.Errorf("begin_history(%s): %w", bundleID, err))
	}
	return id, nil
}

// FinishHistory transitions historyID to a terminal status. A history row is
// never mutated again after this (spec §3 invariant: exactly one terminal
// transition).
func (s *Store) FinishHistory(ctx context.Context, historyID string, status models.HistoryStatus, errMessage string) error {
	if !status.IsTerminal() {
		return errs.New(errs.Internal, "finish_history(%s): status %q is not terminal", historyID, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE history SET status=?, error_message=?, completed_at=?
		WHERE id=? AND completed_at IS NULL`,
		string(status), nullable(errMessage), formatTime(time.Now()), historyID)
	if err != nil {
		return errs.Wrap(errs.Internal, fmt.Errorf("finish_history(%s): %w", historyID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "history entry %s not found or already terminal", historyID)
	}
	return nil
}

// GetSettings reads the single settings row, returning ok=false when none
// has been written yet.
func (s *Store) GetSettings(ctx context.Context) (models.Settings, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM settings WHERE id=1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return models.Settings{}, false, nil
	}
	if err != nil {
		return models.Settings{}, false, errs.Wrap(errs.Internal, fmt.Errorf("get_settings: %w", err))
	}
	var set models.Settings
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return models.Settings{}, false, errs.Wrap(errs.Internal, fmt.Errorf("get_settings: decode: %w", err))
	}
	return set, true, nil
}

// PutSettings replaces the single settings row.
func (s *Store) PutSettings(ctx context.Context, set models.Settings) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return errs.Wrap(errs.Internal, fmt.Errorf("put_settings: encode: %w", err))
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, version, data) VALUES (1, 1, ?)
		ON CONFLICT(id) DO UPDATE SET version=settings.version+1, data=excluded.data`,
		string(raw))
	if err != nil {
		return errs.Wrap(errs.Internal, fmt.Errorf("put_settings: %w", err))
	}
	return nil
}

// GetApp reads one app row; ok is false when bundleID is unknown.
func (s *Store) GetApp(ctx context.Context, bundleID string) (models.InstalledApp, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bundle_id, display_name, app_path, installed_version, bundle_version,
			architectures, icon_cache_path, install_source, homebrew_cask_token,
			homebrew_formula_name, is_ignored, first_seen_at, last_seen_at
		FROM apps WHERE bundle_id=?`, bundleID)
	app, err := scanApp(row)
	if err == sql.ErrNoRows {
		return models.InstalledApp{}, false, nil
	}
	if err != nil {
		return models.InstalledApp{}, false, errs.Wrap(errs.Internal, fmt.Errorf("get_app(%s): %w", bundleID, err))
	}
	return app, true, nil
}

// ListApps returns every app row, ordered by display name.
func (s *Store) ListApps(ctx context.Context) ([]models.InstalledApp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bundle_id, display_name, app_path, installed_version, bundle_version,
			architectures, icon_cache_path, install_source, homebrew_cask_token,
			homebrew_formula_name, is_ignored, first_seen_at, last_seen_at
		FROM apps ORDER BY display_name`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, fmt.Errorf("list_apps: %w", err))
	}
	defer rows.Close()

	var out []models.InstalledApp
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, fmt.Errorf("list_apps: scan: %w", err))
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

// DeleteApp removes bundleID's row along with its cascaded candidate and
// source-binding rows (history is intentionally preserved — spec.md §3
// treats history as append-only and attributable even after an app is
// uninstalled).
func (s *Store) DeleteApp(ctx context.Context, bundleID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM apps WHERE bundle_id=?`, bundleID)
	if err != nil {
		return errs.Wrap(errs.Internal, fmt.Errorf("delete_app(%s): %w", bundleID, err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApp(row rowScanner) (models.InstalledApp, error) {
	var a models.InstalledApp
	var appPath, installedVersion, bundleVersion, archs, iconPath, caskToken, formulaName sql.NullString
	var firstSeen, lastSeen string
	var ignored int
	var installSource string

	err := row.Scan(&a.BundleID, &a.DisplayName, &appPath, &installedVersion, &bundleVersion,
		&archs, &iconPath, &installSource, &caskToken, &formulaName, &ignored, &firstSeen, &lastSeen)
	if err != nil {
		return models.InstalledApp{}, err
	}

	a.AppPath = appPath.String
	a.InstalledVersion = installedVersion.String
	a.BundleVersion = bundleVersion.String
	a.IconCachePath = iconPath.String
	a.InstallSource = models.InstallSource(installSource)
	a.HomebrewCaskToken = caskToken.String
	a.HomebrewFormulaName = formulaName.String
	a.IsIgnored = ignored != 0
	a.FirstSeenAt = parseTime(firstSeen)
	a.LastSeenAt = parseTime(lastSeen)
	if archs.String != "" {
		for _, s := range strings.Split(archs.String, ",") {
			a.Architectures = append(a.Architectures, models.Arch(s))
		}
	}
	return a, nil
}

// GetCandidate reads the candidate row for bundleID, if any.
func (s *Store) GetCandidate(ctx context.Context, bundleID string) (*models.UpdateCandidate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bundle_id, available_version, source_type, download_url, release_notes,
			release_notes_url, is_paid_upgrade, detected_at, notes
		FROM candidates WHERE bundle_id=?`, bundleID)

	var c models.UpdateCandidate
	var downloadURL, notes, releaseNotes, releaseNotesURL sql.NullString
	var sourceType string
	var paid int
	var detectedAt string
	err := row.Scan(&c.BundleID, &c.AvailableVersion, &sourceType, &downloadURL, &releaseNotes,
		&releaseNotesURL, &paid, &detectedAt, &notes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, fmt.Errorf("get_candidate(%s): %w", bundleID, err))
	}
	c.SourceType = models.SourceType(sourceType)
	c.DownloadURL = downloadURL.String
	c.ReleaseNotes = releaseNotes.String
	c.ReleaseNotesURL = releaseNotesURL.String
	c.IsPaidUpgrade = paid != 0
	c.DetectedAt = parseTime(detectedAt)
	c.Notes = notes.String
	return &c, nil
}

// UpsertSourceBinding records (or updates) one Checker's applicability state
// for an app.
func (s *Store) UpsertSourceBinding(ctx context.Context, b models.UpdateSourceBinding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_bindings (bundle_id, source_type, is_primary, last_checked_at)
		VALUES (?,?,?,?)
		ON CONFLICT(bundle_id, source_type) DO UPDATE SET
			is_primary=excluded.is_primary,
			last_checked_at=excluded.last_checked_at`,
		b.BundleID, string(b.SourceType), boolToInt(b.IsPrimary), formatTime(b.LastCheckedAt))
	if err != nil {
		return errs.Wrap(errs.Internal, fmt.Errorf("upsert_source_binding(%s,%s): %w", b.BundleID, b.SourceType, err))
	}
	return nil
}

// ListSourceBindings returns every binding recorded for bundleID.
func (s *Store) ListSourceBindings(ctx context.Context, bundleID string) ([]models.UpdateSourceBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bundle_id, source_type, is_primary, last_checked_at
		FROM source_bindings WHERE bundle_id=?`, bundleID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, fmt.Errorf("list_source_bindings(%s): %w", bundleID, err))
	}
	defer rows.Close()

	var out []models.UpdateSourceBinding
	for rows.Next() {
		var b models.UpdateSourceBinding
		var sourceType, lastChecked string
		var primary int
		if err := rows.Scan(&b.BundleID, &sourceType, &primary, &lastChecked); err != nil {
			return nil, err
		}
		b.SourceType = models.SourceType(sourceType)
		b.IsPrimary = primary != 0
		b.LastCheckedAt = parseTime(lastChecked)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListHistory returns the most recent limit history rows, newest first. A
// limit ≤ 0 returns every row.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]models.UpdateHistoryEntry, error) {
	query := `SELECT id, bundle_id, display_name, icon_cache_path, from_version, to_version,
		source_type, status, error_message, started_at, completed_at
		FROM history ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, fmt.Errorf("list_history: %w", err))
	}
	defer rows.Close()

	var out []models.UpdateHistoryEntry
	for rows.Next() {
		var h models.UpdateHistoryEntry
		var iconPath, from, errMsg, completedAt sql.NullString
		var sourceType, status, startedAt string
		if err := rows.Scan(&h.ID, &h.BundleID, &h.DisplayName, &iconPath, &from, &h.ToVersion,
			&sourceType, &status, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		h.IconCachePath = iconPath.String
		h.FromVersion = from.String
		h.SourceType = models.SourceType(sourceType)
		h.Status = models.HistoryStatus(status)
		h.ErrorMessage = errMsg.String
		h.StartedAt = parseTime(startedAt)
		if completedAt.Valid && completedAt.String != "" {
			t := parseTime(completedAt.String)
			h.CompletedAt = &t
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
