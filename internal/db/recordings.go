package db

import (
	"database/sql"
	"time"

	"github.com/lumenhq/lumen/internal/apperrors"
	"github.com/lumenhq/lumen/internal/models"
	"github.com/lumenhq/lumen/internal/uuid"
)

const recordingColumns = `local_id, server_id, version, updated_at, synced_at, deleted_at,
	source_id, title, file_path, file_size, duration_seconds, mime_type,
	transcription_state, transcript, recorded_at, created_at`

func scanRecording(row interface{ Scan(...interface{}) error }) (*models.Recording, error) {
	var r models.Recording
	err := row.Scan(
		&r.LocalID, &r.ServerID, &r.Version, &r.UpdatedAt, &r.SyncedAt, &r.DeletedAt,
		&r.SourceID, &r.Title, &r.FilePath, &r.FileSize, &r.DurationSeconds, &r.MimeType,
		&r.TranscriptionState, &r.Transcript, &r.RecordedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRecording inserts a recording and queues its upload atomically.
func (s *Store) CreateRecording(r *models.Recording) error {
	if r.LocalID == "" {
		r.LocalID = models.UUID(uuid.New())
	}
	if r.TranscriptionState == "" {
		r.TranscriptionState = models.TranscriptionPending
	}

	now := time.Now().Unix()
	r.Version = 1
	r.UpdatedAt = now
	r.SyncedAt = 0
	r.DeletedAt = 0
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}

	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
		INSERT INTO recordings (local_id, server_id, version, updated_at, synced_at, deleted_at,
			source_id, title, file_path, file_size, duration_seconds, mime_type,
			transcription_state, transcript, recorded_at, created_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.LocalID, r.ServerID, r.Version, r.UpdatedAt,
			r.SourceID, r.Title, r.FilePath, r.FileSize, r.DurationSeconds, r.MimeType,
			r.TranscriptionState, r.Transcript, r.RecordedAt, r.CreatedAt)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "insert recording", err)
		}
		return appendQueueTx(tx, models.OpCreate, models.EntityTypeRecording, r.LocalID, r)
	})
}

// GetRecording loads a recording by local id. Tombstoned rows are not
// returned.
func (s *Store) GetRecording(localID models.UUID) (*models.Recording, error) {
	row := s.db.QueryRow(`SELECT `+recordingColumns+` FROM recordings WHERE local_id = ? AND deleted_at = 0`, localID)
	r, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "recording %s not found", localID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "load recording", err)
	}
	return r, nil
}

// UpdateRecording writes the recording's domain fields, bumps its version
// and queues the upload.
func (s *Store) UpdateRecording(r *models.Recording) error {
	return s.inTx(func(tx *sql.Tx) error {
		now := time.Now().Unix()
		res, err := tx.Exec(`
		UPDATE recordings SET source_id = ?, title = ?, file_path = ?, file_size = ?,
			duration_seconds = ?, mime_type = ?, transcription_state = ?, transcript = ?,
			recorded_at = ?, version = version + 1, updated_at = MAX(?, synced_at + 1)
		WHERE local_id = ? AND deleted_at = 0`,
			r.SourceID, r.Title, r.FilePath, r.FileSize,
			r.DurationSeconds, r.MimeType, r.TranscriptionState, r.Transcript,
			r.RecordedAt, now, r.LocalID)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "update recording", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return apperrors.Newf(apperrors.CodeNotFound, "recording %s not found", r.LocalID)
		}
		if err := tx.QueryRow(`SELECT version, updated_at, synced_at FROM recordings WHERE local_id = ?`, r.LocalID).
			Scan(&r.Version, &r.UpdatedAt, &r.SyncedAt); err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "reload recording envelope", err)
		}
		return appendQueueTx(tx, models.OpUpdate, models.EntityTypeRecording, r.LocalID, r)
	})
}

// SoftDeleteRecording tombstones a recording and queues the deletion.
func (s *Store) SoftDeleteRecording(localID models.UUID) error {
	return s.softDeleteFlat("recordings", models.EntityTypeRecording, localID)
}

// softDeleteFlat tombstones one row of a table with no child entities.
func (s *Store) softDeleteFlat(table, entityType string, localID models.UUID) error {
	return s.inTx(func(tx *sql.Tx) error {
		now := time.Now().Unix()
		res, err := tx.Exec(`
		UPDATE `+table+` SET deleted_at = ?, updated_at = ?, version = version + 1
		WHERE local_id = ? AND deleted_at = 0`, now, now, localID)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "tombstone "+entityType, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.Newf(apperrors.CodeNotFound, "%s %s not found", entityType, localID)
		}
		return appendQueueTx(tx, models.OpDelete, entityType, localID, nil)
	})
}

// ListPendingRecordings returns live recordings with unsynced changes.
func (s *Store) ListPendingRecordings() ([]*models.Recording, error) {
	rows, err := s.db.Query(`SELECT ` + recordingColumns + ` FROM recordings
	WHERE deleted_at = 0 AND ` + pendingWhere + ` ORDER BY created_at, local_id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "list pending recordings", err)
	}
	defer rows.Close()

	var out []*models.Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabase, "scan pending recording", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApplyRemoteRecording overwrites or inserts a recording with server state.
func (s *Store) ApplyRemoteRecording(r *models.Recording) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
	INSERT INTO recordings (local_id, server_id, version, updated_at, synced_at, deleted_at,
		source_id, title, file_path, file_size, duration_seconds, mime_type,
		transcription_state, transcript, recorded_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id, version = excluded.version,
		updated_at = excluded.updated_at, synced_at = excluded.synced_at,
		deleted_at = excluded.deleted_at, source_id = excluded.source_id,
		title = excluded.title, file_path = excluded.file_path,
		file_size = excluded.file_size, duration_seconds = excluded.duration_seconds,
		mime_type = excluded.mime_type, transcription_state = excluded.transcription_state,
		transcript = excluded.transcript, recorded_at = excluded.recorded_at`,
		r.LocalID, r.ServerID, r.Version, r.UpdatedAt, now, r.DeletedAt,
		r.SourceID, r.Title, r.FilePath, r.FileSize, r.DurationSeconds, r.MimeType,
		r.TranscriptionState, r.Transcript, r.RecordedAt, r.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "apply remote recording", err)
	}
	r.SyncedAt = now
	return nil
}

const sourceColumns = `local_id, server_id, version, updated_at, synced_at, deleted_at,
	name, kind, location, is_enabled, created_at`

func scanSource(row interface{ Scan(...interface{}) error }) (*models.RecordingSource, error) {
	var src models.RecordingSource
	err := row.Scan(
		&src.LocalID, &src.ServerID, &src.Version, &src.UpdatedAt, &src.SyncedAt, &src.DeletedAt,
		&src.Name, &src.Kind, &src.Location, &src.IsEnabled, &src.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// CreateRecordingSource inserts a source and queues its upload.
func (s *Store) CreateRecordingSource(src *models.RecordingSource) error {
	if src.LocalID == "" {
		src.LocalID = models.UUID(uuid.New())
	}

	now := time.Now().Unix()
	src.Version = 1
	src.UpdatedAt = now
	src.SyncedAt = 0
	src.DeletedAt = 0
	if src.CreatedAt == 0 {
		src.CreatedAt = now
	}

	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
		INSERT INTO recording_sources (local_id, server_id, version, updated_at, synced_at, deleted_at,
			name, kind, location, is_enabled, created_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?)`,
			src.LocalID, src.ServerID, src.Version, src.UpdatedAt,
			src.Name, src.Kind, src.Location, src.IsEnabled, src.CreatedAt)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "insert recording source", err)
		}
		return appendQueueTx(tx, models.OpCreate, models.EntityTypeRecordingSource, src.LocalID, src)
	})
}

// GetRecordingSource loads a source by local id.
func (s *Store) GetRecordingSource(localID models.UUID) (*models.RecordingSource, error) {
	row := s.db.QueryRow(`SELECT `+sourceColumns+` FROM recording_sources WHERE local_id = ? AND deleted_at = 0`, localID)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "recording source %s not found", localID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "load recording source", err)
	}
	return src, nil
}

// UpdateRecordingSource writes the source's domain fields, bumps its version
// and queues the upload.
func (s *Store) UpdateRecordingSource(src *models.RecordingSource) error {
	return s.inTx(func(tx *sql.Tx) error {
		now := time.Now().Unix()
		res, err := tx.Exec(`
		UPDATE recording_sources SET name = ?, kind = ?, location = ?, is_enabled = ?,
			version = version + 1, updated_at = MAX(?, synced_at + 1)
		WHERE local_id = ? AND deleted_at = 0`,
			src.Name, src.Kind, src.Location, src.IsEnabled, now, src.LocalID)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "update recording source", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return apperrors.Newf(apperrors.CodeNotFound, "recording source %s not found", src.LocalID)
		}
		if err := tx.QueryRow(`SELECT version, updated_at, synced_at FROM recording_sources WHERE local_id = ?`, src.LocalID).
			Scan(&src.Version, &src.UpdatedAt, &src.SyncedAt); err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "reload recording source envelope", err)
		}
		return appendQueueTx(tx, models.OpUpdate, models.EntityTypeRecordingSource, src.LocalID, src)
	})
}

// SoftDeleteRecordingSource tombstones a source and queues the deletion.
func (s *Store) SoftDeleteRecordingSource(localID models.UUID) error {
	return s.softDeleteFlat("recording_sources", models.EntityTypeRecordingSource, localID)
}

// ListPendingRecordingSources returns live sources with unsynced changes.
func (s *Store) ListPendingRecordingSources() ([]*models.RecordingSource, error) {
	rows, err := s.db.Query(`SELECT ` + sourceColumns + ` FROM recording_sources
	WHERE deleted_at = 0 AND ` + pendingWhere + ` ORDER BY created_at, local_id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "list pending recording sources", err)
	}
	defer rows.Close()

	var out []*models.RecordingSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabase, "scan pending recording source", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// ApplyRemoteRecordingSource overwrites or inserts a source with server
// state.
func (s *Store) ApplyRemoteRecordingSource(src *models.RecordingSource) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
	INSERT INTO recording_sources (local_id, server_id, version, updated_at, synced_at, deleted_at,
		name, kind, location, is_enabled, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id, version = excluded.version,
		updated_at = excluded.updated_at, synced_at = excluded.synced_at,
		deleted_at = excluded.deleted_at, name = excluded.name, kind = excluded.kind,
		location = excluded.location, is_enabled = excluded.is_enabled`,
		src.LocalID, src.ServerID, src.Version, src.UpdatedAt, now, src.DeletedAt,
		src.Name, src.Kind, src.Location, src.IsEnabled, src.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "apply remote recording source", err)
	}
	src.SyncedAt = now
	return nil
}
