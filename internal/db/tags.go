package db

import (
	"database/sql"
	"time"

	"github.com/lumenhq/lumen/internal/apperrors"
	"github.com/lumenhq/lumen/internal/models"
	"github.com/lumenhq/lumen/internal/uuid"
)

const tagColumns = `local_id, server_id, version, updated_at, synced_at, deleted_at,
	name, color, created_at`

func scanTag(row interface{ Scan(...interface{}) error }) (*models.Tag, error) {
	var t models.Tag
	err := row.Scan(
		&t.LocalID, &t.ServerID, &t.Version, &t.UpdatedAt, &t.SyncedAt, &t.DeletedAt,
		&t.Name, &t.Color, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTag inserts a tag and queues its upload atomically.
func (s *Store) CreateTag(t *models.Tag) error {
	if t.LocalID == "" {
		t.LocalID = models.UUID(uuid.New())
	}
	if t.Name == "" {
		return apperrors.New(apperrors.CodeValidation, "tag name is required")
	}

	now := time.Now().Unix()
	t.Version = 1
	t.UpdatedAt = now
	t.SyncedAt = 0
	t.DeletedAt = 0
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}

	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
		INSERT INTO tags (local_id, server_id, version, updated_at, synced_at, deleted_at,
			name, color, created_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?)`,
			t.LocalID, t.ServerID, t.Version, t.UpdatedAt, t.Name, t.Color, t.CreatedAt)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "insert tag", err)
		}
		return appendQueueTx(tx, models.OpCreate, models.EntityTypeTag, t.LocalID, t)
	})
}

// GetTag loads a tag by local id.
func (s *Store) GetTag(localID models.UUID) (*models.Tag, error) {
	row := s.db.QueryRow(`SELECT `+tagColumns+` FROM tags WHERE local_id = ? AND deleted_at = 0`, localID)
	t, err := scanTag(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "tag %s not found", localID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "load tag", err)
	}
	return t, nil
}

// UpdateTag writes the tag's fields, bumps its version and queues the upload.
func (s *Store) UpdateTag(t *models.Tag) error {
	return s.inTx(func(tx *sql.Tx) error {
		now := time.Now().Unix()
		res, err := tx.Exec(`
		UPDATE tags SET name = ?, color = ?, version = version + 1,
			updated_at = MAX(?, synced_at + 1)
		WHERE local_id = ? AND deleted_at = 0`,
			t.Name, t.Color, now, t.LocalID)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "update tag", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return apperrors.Newf(apperrors.CodeNotFound, "tag %s not found", t.LocalID)
		}
		if err := tx.QueryRow(`SELECT version, updated_at, synced_at FROM tags WHERE local_id = ?`, t.LocalID).
			Scan(&t.Version, &t.UpdatedAt, &t.SyncedAt); err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "reload tag envelope", err)
		}
		return appendQueueTx(tx, models.OpUpdate, models.EntityTypeTag, t.LocalID, t)
	})
}

// SoftDeleteTag tombstones a tag and queues the deletion.
func (s *Store) SoftDeleteTag(localID models.UUID) error {
	return s.softDeleteFlat("tags", models.EntityTypeTag, localID)
}

// ListPendingTags returns live tags with unsynced changes.
func (s *Store) ListPendingTags() ([]*models.Tag, error) {
	rows, err := s.db.Query(`SELECT ` + tagColumns + ` FROM tags
	WHERE deleted_at = 0 AND ` + pendingWhere + ` ORDER BY created_at, local_id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "list pending tags", err)
	}
	defer rows.Close()

	var out []*models.Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabase, "scan pending tag", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ApplyRemoteTag overwrites or inserts a tag with server state.
func (s *Store) ApplyRemoteTag(t *models.Tag) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
	INSERT INTO tags (local_id, server_id, version, updated_at, synced_at, deleted_at,
		name, color, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id, version = excluded.version,
		updated_at = excluded.updated_at, synced_at = excluded.synced_at,
		deleted_at = excluded.deleted_at, name = excluded.name, color = excluded.color`,
		t.LocalID, t.ServerID, t.Version, t.UpdatedAt, now, t.DeletedAt,
		t.Name, t.Color, t.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "apply remote tag", err)
	}
	t.SyncedAt = now
	return nil
}
