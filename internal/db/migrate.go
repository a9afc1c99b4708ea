// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// migration is one versioned schema step compiled into the binary.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order inside one transaction each. Never edit an
// entry after it has shipped; append a new version instead.
var migrations = []migration{
	{1, "initial sync schema", schemaV1},
}

const schemaV1 = `
CREATE TABLE notes (
	local_id    TEXT PRIMARY KEY,
	server_id   INTEGER,
	version     INTEGER NOT NULL DEFAULT 1,
	updated_at  INTEGER NOT NULL,
	synced_at   INTEGER NOT NULL DEFAULT 0,
	deleted_at  INTEGER NOT NULL DEFAULT 0,
	parent_id   TEXT REFERENCES notes(local_id),
	title       TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL DEFAULT '',
	color       TEXT NOT NULL DEFAULT '',
	sort_order  INTEGER NOT NULL DEFAULT 0,
	is_favorite INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX idx_notes_parent ON notes(parent_id);
CREATE INDEX idx_notes_server ON notes(server_id);
CREATE INDEX idx_notes_pending ON notes(synced_at, updated_at) WHERE deleted_at = 0;

CREATE TABLE note_links (
	local_id       TEXT PRIMARY KEY,
	server_id      INTEGER,
	version        INTEGER NOT NULL DEFAULT 1,
	updated_at     INTEGER NOT NULL,
	synced_at      INTEGER NOT NULL DEFAULT 0,
	deleted_at     INTEGER NOT NULL DEFAULT 0,
	source_note_id TEXT NOT NULL REFERENCES notes(local_id),
	target_note_id TEXT NOT NULL REFERENCES notes(local_id),
	link_text      TEXT NOT NULL DEFAULT '',
	start_position INTEGER NOT NULL DEFAULT 0,
	end_position   INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);
CREATE INDEX idx_note_links_source ON note_links(source_note_id);
CREATE INDEX idx_note_links_server ON note_links(server_id);

CREATE TABLE recordings (
	local_id            TEXT PRIMARY KEY,
	server_id           INTEGER,
	version             INTEGER NOT NULL DEFAULT 1,
	updated_at          INTEGER NOT NULL,
	synced_at           INTEGER NOT NULL DEFAULT 0,
	deleted_at          INTEGER NOT NULL DEFAULT 0,
	source_id           TEXT NOT NULL DEFAULT '',
	title               TEXT NOT NULL DEFAULT '',
	file_path           TEXT NOT NULL DEFAULT '',
	file_size           INTEGER NOT NULL DEFAULT 0,
	duration_seconds    INTEGER NOT NULL DEFAULT 0,
	mime_type           TEXT NOT NULL DEFAULT '',
	transcription_state TEXT NOT NULL DEFAULT 'pending',
	transcript          TEXT NOT NULL DEFAULT '',
	recorded_at         INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL
);
CREATE INDEX idx_recordings_server ON recordings(server_id);

CREATE TABLE recording_sources (
	local_id   TEXT PRIMARY KEY,
	server_id  INTEGER,
	version    INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL,
	synced_at  INTEGER NOT NULL DEFAULT 0,
	deleted_at INTEGER NOT NULL DEFAULT 0,
	name       TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL DEFAULT 'folder',
	location   TEXT NOT NULL DEFAULT '',
	is_enabled INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);
CREATE INDEX idx_recording_sources_server ON recording_sources(server_id);

CREATE TABLE tags (
	local_id   TEXT PRIMARY KEY,
	server_id  INTEGER,
	version    INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL,
	synced_at  INTEGER NOT NULL DEFAULT 0,
	deleted_at INTEGER NOT NULL DEFAULT 0,
	name       TEXT NOT NULL DEFAULT '',
	color      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX idx_tags_server ON tags(server_id);

CREATE TABLE sync_queue (
	queue_id       INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_type TEXT NOT NULL CHECK (operation_type IN ('create','update','delete')),
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	payload        TEXT,
	created_at     INTEGER NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','completed','failed')),
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_sync_queue_status ON sync_queue(status, created_at);

CREATE TABLE conflict_log (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type       TEXT NOT NULL,
	entity_id         TEXT NOT NULL,
	local_version     INTEGER NOT NULL,
	remote_version    INTEGER NOT NULL,
	local_updated_at  INTEGER NOT NULL,
	remote_updated_at INTEGER NOT NULL,
	winner            TEXT NOT NULL,
	detected_at       INTEGER NOT NULL
);

CREATE TABLE credentials (
	name            TEXT PRIMARY KEY,
	value_encrypted TEXT NOT NULL,
	updated_at      INTEGER NOT NULL
);
`

// Migrator applies schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *DB) *Migrator {
	return &Migrator{db: db.DB}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Apply runs all migrations newer than the current version. Each migration
// runs in its own transaction; already-applied migrations are verified
// against their recorded checksum.
func (m *Migrator) Apply() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, mig := range migrations {
		sum := checksum(mig.SQL)

		if mig.Version <= current {
			var recorded string
			err := m.db.QueryRow("SELECT checksum FROM schema_migrations WHERE version = ?", mig.Version).Scan(&recorded)
			if err != nil {
				return fmt.Errorf("failed to read checksum for migration %d: %w", mig.Version, err)
			}
			if recorded != sum {
				return fmt.Errorf("migration %d checksum mismatch: database=%s binary=%s", mig.Version, recorded, sum)
			}
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", mig.Version, err)
		}
		if _, err := tx.Exec(mig.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
			mig.Version, time.Now().Unix(), mig.Description, sum,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", mig.Version, err)
		}
	}

	return nil
}

// checksum returns the hex-encoded SHA-256 of the migration SQL.
func checksum(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}
