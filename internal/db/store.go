// Package db provides CRUD and sync-envelope operations for the Lumen
// entity store.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lumenhq/lumen/internal/apperrors"
	"github.com/lumenhq/lumen/internal/models"
)

// Store is the single writer for all entity rows. Local edits, the sync
// worker, and the push-channel handler all mutate entities through this API
// so version bookkeeping lives in exactly one place.
type Store struct {
	db *DB
}

// NewStore creates a Store over an opened database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// entityTables maps sync entity types to their table names. Every table
// listed here carries the sync envelope columns.
var entityTables = map[string]string{
	models.EntityTypeNote:            "notes",
	models.EntityTypeNoteLink:        "note_links",
	models.EntityTypeRecording:       "recordings",
	models.EntityTypeRecordingSource: "recording_sources",
	models.EntityTypeTag:             "tags",
}

func tableFor(entityType string) (string, error) {
	table, ok := entityTables[entityType]
	if !ok {
		return "", apperrors.Newf(apperrors.CodeValidation, "unknown entity type %q", entityType)
	}
	return table, nil
}

// inTx runs fn inside a transaction, committing on nil error.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "commit transaction", err)
	}
	return nil
}

// MarkSynced records a successful round-trip acknowledged by the server.
// The local version is set to the server-acknowledged value but never
// lowered below the current one. When an edit has already moved the local
// version past the acknowledged one, synced_at is left untouched so the
// row stays pending even if the edit landed in the same second as the ack.
func (s *Store) MarkSynced(entityType string, localID models.UUID, serverID int64, version int64) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
	UPDATE %s
	SET server_id = ?,
	    synced_at = CASE WHEN version > ? THEN synced_at ELSE ? END,
	    version = CASE WHEN version > ? THEN version ELSE ? END
	WHERE local_id = ?`, table)

	res, err := s.db.Exec(query, serverID, version, time.Now().Unix(), version, version, localID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "mark synced", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.CodeNotFound, "%s %s not found", entityType, localID)
	}
	return nil
}

// Envelope returns the sync envelope for an entity, tombstoned or not.
func (s *Store) Envelope(entityType string, localID models.UUID) (*models.SyncEnvelope, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
	SELECT local_id, server_id, version, updated_at, synced_at, deleted_at
	FROM %s WHERE local_id = ?`, table)

	var env models.SyncEnvelope
	err = s.db.QueryRow(query, localID).Scan(
		&env.LocalID, &env.ServerID, &env.Version, &env.UpdatedAt, &env.SyncedAt, &env.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "%s %s not found", entityType, localID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "load envelope", err)
	}
	return &env, nil
}

// EnvelopeByServerID locates a local entity by its server id. Used by the
// push-channel handler, which only knows server ids.
func (s *Store) EnvelopeByServerID(entityType string, serverID int64) (*models.SyncEnvelope, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
	SELECT local_id, server_id, version, updated_at, synced_at, deleted_at
	FROM %s WHERE server_id = ?`, table)

	var env models.SyncEnvelope
	err = s.db.QueryRow(query, serverID).Scan(
		&env.LocalID, &env.ServerID, &env.Version, &env.UpdatedAt, &env.SyncedAt, &env.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "%s with server id %d not found", entityType, serverID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "load envelope by server id", err)
	}
	return &env, nil
}

// ServerIDOf returns the server id of an entity, or nil when it has not been
// uploaded yet.
func (s *Store) ServerIDOf(entityType string, localID models.UUID) (*int64, error) {
	env, err := s.Envelope(entityType, localID)
	if err != nil {
		return nil, err
	}
	return env.ServerID, nil
}

// RemoteSoftDelete tombstones the local entity matching a server-originated
// delete. No queue entry is appended: the deletion already happened remotely.
func (s *Store) RemoteSoftDelete(entityType string, serverID int64) (bool, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return false, err
	}

	now := time.Now().Unix()
	query := fmt.Sprintf(`
	UPDATE %s SET deleted_at = ?, synced_at = ? WHERE server_id = ? AND deleted_at = 0`, table)

	res, err := s.db.Exec(query, now, now, serverID)
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeDatabase, "remote soft delete", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Purge physically removes a tombstoned entity after its deletion has been
// acknowledged by the server. Tombstones are never removed before that.
func (s *Store) Purge(entityType string, localID models.UUID) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE local_id = ? AND deleted_at != 0`, table)
	if _, err := s.db.Exec(query, localID); err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "purge entity", err)
	}
	return nil
}

// RecordConflict appends a conflict audit record. Last-write-wins discards
// the losing copy, so this log is the only user-visible trail.
func (s *Store) RecordConflict(c *models.ConflictLog) error {
	c.DetectedAt = time.Now().Unix()
	_, err := s.db.Exec(`
	INSERT INTO conflict_log (entity_type, entity_id, local_version, remote_version,
		local_updated_at, remote_updated_at, winner, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.EntityType, c.EntityID, c.LocalVersion, c.RemoteVersion,
		c.LocalUpdatedAt, c.RemoteUpdatedAt, c.Winner, c.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "record conflict", err)
	}
	return nil
}

// ListConflicts returns the most recent conflict records, newest first.
func (s *Store) ListConflicts(limit int) ([]models.ConflictLog, error) {
	rows, err := s.db.Query(`
	SELECT id, entity_type, entity_id, local_version, remote_version,
		local_updated_at, remote_updated_at, winner, detected_at
	FROM conflict_log ORDER BY detected_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "list conflicts", err)
	}
	defer rows.Close()

	var out []models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.LocalVersion, &c.RemoteVersion,
			&c.LocalUpdatedAt, &c.RemoteUpdatedAt, &c.Winner, &c.DetectedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabase, "scan conflict", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// pendingWhere is the SQL form of the pending predicate: never synced, or
// mutated since the last successful round-trip.
const pendingWhere = "(synced_at = 0 OR updated_at > synced_at)"
