// SPDX-License-Identifier: MIT

// Package store is the durable, transactional store for jobs, upload
// sessions, quota overrides, storage accounting and dispatch leases. It is
// the single writer for jobs.db within a process.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tommy2202/dubd/internal/persistence/sqlite"
)

const schemaVersion = 1

// Store implements the durable job store over SQLite.
type Store struct {
	DB *sql.DB

	// now is swappable for tests.
	now func() time.Time
}

// Open initializes the job store at dbPath and applies migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &Store{DB: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("job store: migration failed: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		video_path TEXT NOT NULL,
		duration_s REAL NOT NULL DEFAULT 0,
		mode TEXT NOT NULL,
		device TEXT NOT NULL,
		src_lang TEXT NOT NULL,
		tgt_lang TEXT NOT NULL,
		series_title TEXT NOT NULL,
		series_slug TEXT NOT NULL,
		season_number INTEGER NOT NULL,
		episode_number INTEGER NOT NULL,
		visibility TEXT NOT NULL,
		state TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		output_mkv TEXT NOT NULL DEFAULT '',
		output_srt TEXT NOT NULL DEFAULT '',
		work_dir TEXT NOT NULL DEFAULT '',
		log_path TEXT NOT NULL DEFAULT '',
		runtime_json TEXT NOT NULL DEFAULT '{}',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_owner_state ON jobs(owner_id, state);
	CREATE INDEX IF NOT EXISTS idx_jobs_library ON jobs(series_slug, season_number, episode_number, updated_at_ms);
	CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at_ms);

	CREATE TABLE IF NOT EXISTS job_storage (
		job_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		bytes INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_storage_user ON job_storage(user_id);

	CREATE TABLE IF NOT EXISTS upload_sessions (
		upload_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		total_bytes INTEGER NOT NULL,
		chunk_bytes INTEGER NOT NULL,
		received_bytes INTEGER NOT NULL DEFAULT 0,
		sha256_partial TEXT NOT NULL DEFAULT '',
		chunks_json TEXT NOT NULL DEFAULT '[]',
		finalized INTEGER NOT NULL DEFAULT 0,
		dead INTEGER NOT NULL DEFAULT 0,
		video_path TEXT NOT NULL DEFAULT '',
		sidecar_path TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_uploads_owner ON upload_sessions(owner_id);

	CREATE TABLE IF NOT EXISTS quota_overrides (
		user_id TEXT PRIMARY KEY,
		max_upload_bytes INTEGER,
		max_storage_bytes INTEGER,
		jobs_per_day INTEGER,
		max_concurrent_jobs INTEGER,
		max_queued_jobs INTEGER,
		max_processing_minutes_day INTEGER
	);

	CREATE TABLE IF NOT EXISTS processing_usage (
		user_id TEXT NOT NULL,
		day TEXT NOT NULL,
		seconds INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, day)
	);

	CREATE TABLE IF NOT EXISTS presets (
		preset_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		device TEXT NOT NULL DEFAULT '',
		src_lang TEXT NOT NULL DEFAULT '',
		tgt_lang TEXT NOT NULL DEFAULT '',
		series_title TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		UNIQUE (owner_id, name)
	);

	CREATE TABLE IF NOT EXISTS leases (
		key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at_ms INTEGER NOT NULL
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// nextUpdatedAt returns a timestamp strictly after prev so updated_at always
// advances even under coarse clocks.
func (s *Store) nextUpdatedAt(prev time.Time) time.Time {
	now := s.now()
	if !now.After(prev) {
		return prev.Add(time.Millisecond)
	}
	return now
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
