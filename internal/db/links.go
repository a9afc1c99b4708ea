package db

import (
	"database/sql"
	"time"

	"github.com/lumenhq/lumen/internal/apperrors"
	"github.com/lumenhq/lumen/internal/models"
	"github.com/lumenhq/lumen/internal/uuid"
)

const linkColumns = `local_id, server_id, version, updated_at, synced_at, deleted_at,
	source_note_id, target_note_id, link_text, start_position, end_position, created_at`

func scanLink(row interface{ Scan(...interface{}) error }) (*models.NoteLink, error) {
	var l models.NoteLink
	err := row.Scan(
		&l.LocalID, &l.ServerID, &l.Version, &l.UpdatedAt, &l.SyncedAt, &l.DeletedAt,
		&l.SourceNoteID, &l.TargetNoteID, &l.LinkText, &l.StartPosition, &l.EndPosition, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateNoteLink inserts a link between two live notes and queues its upload.
func (s *Store) CreateNoteLink(l *models.NoteLink) error {
	if l.LocalID == "" {
		l.LocalID = models.UUID(uuid.New())
	}
	if l.SourceNoteID == "" || l.TargetNoteID == "" {
		return apperrors.New(apperrors.CodeValidation, "note link requires source and target notes")
	}

	now := time.Now().Unix()
	l.Version = 1
	l.UpdatedAt = now
	l.SyncedAt = 0
	l.DeletedAt = 0
	if l.CreatedAt == 0 {
		l.CreatedAt = now
	}

	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
		INSERT INTO note_links (local_id, server_id, version, updated_at, synced_at, deleted_at,
			source_note_id, target_note_id, link_text, start_position, end_position, created_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?, ?)`,
			l.LocalID, l.ServerID, l.Version, l.UpdatedAt,
			l.SourceNoteID, l.TargetNoteID, l.LinkText, l.StartPosition, l.EndPosition, l.CreatedAt)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "insert note link", err)
		}
		return appendQueueTx(tx, models.OpCreate, models.EntityTypeNoteLink, l.LocalID, l)
	})
}

// SoftDeleteNoteLink tombstones a single link and queues the deletion.
func (s *Store) SoftDeleteNoteLink(localID models.UUID) error {
	return s.inTx(func(tx *sql.Tx) error {
		now := time.Now().Unix()
		res, err := tx.Exec(`
		UPDATE note_links SET deleted_at = ?, updated_at = ?, version = version + 1
		WHERE local_id = ? AND deleted_at = 0`, now, now, localID)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "tombstone note link", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.Newf(apperrors.CodeNotFound, "note link %s not found", localID)
		}
		return appendQueueTx(tx, models.OpDelete, models.EntityTypeNoteLink, localID, nil)
	})
}

// ListLinksForNote returns live links anchored in the given source note.
func (s *Store) ListLinksForNote(sourceNoteID models.UUID) ([]*models.NoteLink, error) {
	rows, err := s.db.Query(`SELECT `+linkColumns+` FROM note_links
	WHERE source_note_id = ? AND deleted_at = 0 ORDER BY start_position`, sourceNoteID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "list note links", err)
	}
	defer rows.Close()

	var out []*models.NoteLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabase, "scan note link", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListPendingLinks returns live links with unsynced changes in creation
// order. Links upload after notes, so both endpoints have server ids by the
// time these are processed.
func (s *Store) ListPendingLinks() ([]*models.NoteLink, error) {
	rows, err := s.db.Query(`SELECT ` + linkColumns + ` FROM note_links
	WHERE deleted_at = 0 AND ` + pendingWhere + ` ORDER BY created_at, local_id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "list pending links", err)
	}
	defer rows.Close()

	var out []*models.NoteLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabase, "scan pending link", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetNoteLink loads a link by local id. Tombstoned links are not returned.
func (s *Store) GetNoteLink(localID models.UUID) (*models.NoteLink, error) {
	row := s.db.QueryRow(`SELECT `+linkColumns+` FROM note_links WHERE local_id = ? AND deleted_at = 0`, localID)
	l, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "note link %s not found", localID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "load note link", err)
	}
	return l, nil
}

// ApplyRemoteLink overwrites or inserts a link with server state, marked
// synced with no queue entry.
func (s *Store) ApplyRemoteLink(l *models.NoteLink) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
	INSERT INTO note_links (local_id, server_id, version, updated_at, synced_at, deleted_at,
		source_note_id, target_note_id, link_text, start_position, end_position, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id, version = excluded.version,
		updated_at = excluded.updated_at, synced_at = excluded.synced_at,
		deleted_at = excluded.deleted_at, source_note_id = excluded.source_note_id,
		target_note_id = excluded.target_note_id, link_text = excluded.link_text,
		start_position = excluded.start_position, end_position = excluded.end_position`,
		l.LocalID, l.ServerID, l.Version, l.UpdatedAt, now, l.DeletedAt,
		l.SourceNoteID, l.TargetNoteID, l.LinkText, l.StartPosition, l.EndPosition, l.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "apply remote link", err)
	}
	l.SyncedAt = now
	return nil
}
