package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced by the store
var (
	ErrNotFound        = errors.New("storage: not found")
	ErrActiveJobExists = errors.New("storage: active job already exists for file")
	ErrVersionConflict = errors.New("storage: version conflict")
)

// DB handles SQLite database operations for jobs, transcripts and
// speaker identity records
type DB struct {
	db *sql.DB
}

// NewDB opens the database and creates the schema if needed
func NewDB(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// Single writer: modernc/sqlite returns SQLITE_BUSY under
	// concurrent connections, so serialize through one
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to create schema: %v", err)
	}

	return &DB{db: db}, nil
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS media_files (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		name        TEXT NOT NULL,
		path        TEXT NOT NULL,
		source_type TEXT NOT NULL,
		duration    REAL NOT NULL DEFAULT 0,
		created_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		file_id          TEXT NOT NULL,
		user_id          TEXT NOT NULL,
		stage            TEXT NOT NULL,
		status           TEXT NOT NULL,
		progress         INTEGER NOT NULL DEFAULT 0,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		max_retries      INTEGER NOT NULL DEFAULT 3,
		heartbeat_at     DATETIME NOT NULL,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		error_kind       TEXT NOT NULL DEFAULT '',
		error_message    TEXT NOT NULL DEFAULT '',
		created_at       DATETIME NOT NULL,
		updated_at       DATETIME NOT NULL
	);

	-- The one-active-job-per-file invariant lives in the store, not in
	-- process memory, so it survives restarts and multiple instances
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active
		ON jobs(file_id) WHERE status IN ('QUEUED','RUNNING');
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	CREATE TABLE IF NOT EXISTS job_stage_results (
		job_id     TEXT NOT NULL,
		stage      TEXT NOT NULL,
		payload    BLOB,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (job_id, stage)
	);

	CREATE TABLE IF NOT EXISTS segments (
		id                  TEXT PRIMARY KEY,
		file_id             TEXT NOT NULL,
		ord                 INTEGER NOT NULL,
		start_sec           REAL NOT NULL,
		end_sec             REAL NOT NULL,
		text                TEXT NOT NULL,
		confidence          REAL NOT NULL DEFAULT 0,
		speaker_instance_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_segments_file ON segments(file_id, ord);
	CREATE INDEX IF NOT EXISTS idx_segments_speaker ON segments(speaker_instance_id);

	CREATE TABLE IF NOT EXISTS speaker_instances (
		id           TEXT PRIMARY KEY,
		file_id      TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		label        TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		verified     INTEGER NOT NULL DEFAULT 0,
		profile_id   TEXT,
		confidence   REAL NOT NULL DEFAULT 0,
		version      INTEGER NOT NULL DEFAULT 1,
		embedding    BLOB,
		created_at   DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_instances_file ON speaker_instances(file_id);
	CREATE INDEX IF NOT EXISTS idx_instances_user ON speaker_instances(user_id);

	CREATE TABLE IF NOT EXISTS speaker_profiles (
		id             TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		display_name   TEXT NOT NULL,
		centroid       BLOB,
		instance_count INTEGER NOT NULL DEFAULT 0,
		updated_at     DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_profiles_user ON speaker_profiles(user_id);

	CREATE TABLE IF NOT EXISTS suggestions (
		id             TEXT PRIMARY KEY,
		instance_id    TEXT NOT NULL,
		candidate_id   TEXT NOT NULL,
		candidate_kind TEXT NOT NULL,
		score          REAL NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		created_at     DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_suggestions_instance ON suggestions(instance_id);
	`

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// isUniqueViolation detects a unique-index insert failure
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
