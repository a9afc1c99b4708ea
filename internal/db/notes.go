package db

import (
	"database/sql"
	"time"

	"github.com/lumenhq/lumen/internal/apperrors"
	"github.com/lumenhq/lumen/internal/models"
	"github.com/lumenhq/lumen/internal/uuid"
)

// noteColumns is the scan order used by all note queries.
const noteColumns = `local_id, server_id, version, updated_at, synced_at, deleted_at,
	parent_id, title, content, color, sort_order, is_favorite, created_at`

func scanNote(row interface{ Scan(...interface{}) error }) (*models.Note, error) {
	var n models.Note
	err := row.Scan(
		&n.LocalID, &n.ServerID, &n.Version, &n.UpdatedAt, &n.SyncedAt, &n.DeletedAt,
		&n.ParentID, &n.Title, &n.Content, &n.Color, &n.SortOrder, &n.IsFavorite, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// nullableUUID maps the empty local id to SQL NULL so foreign keys on
// optional references stay satisfiable.
func nullableUUID(u models.UUID) interface{} {
	if u == "" {
		return nil
	}
	return u
}

// CreateNote inserts a new note and queues its upload atomically. A missing
// LocalID is assigned; Version starts at 1.
func (s *Store) CreateNote(n *models.Note) error {
	if n.LocalID == "" {
		n.LocalID = models.UUID(uuid.New())
	}
	if err := uuid.Validate(n.LocalID.String()); err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "note local id", err)
	}

	now := time.Now().Unix()
	n.Version = 1
	n.UpdatedAt = now
	n.SyncedAt = 0
	n.DeletedAt = 0
	if n.CreatedAt == 0 {
		n.CreatedAt = now
	}

	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
		INSERT INTO notes (local_id, server_id, version, updated_at, synced_at, deleted_at,
			parent_id, title, content, color, sort_order, is_favorite, created_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?, ?, ?)`,
			n.LocalID, n.ServerID, n.Version, n.UpdatedAt,
			nullableUUID(n.ParentID), n.Title, n.Content, n.Color, n.SortOrder, n.IsFavorite, n.CreatedAt)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "insert note", err)
		}
		return appendQueueTx(tx, models.OpCreate, models.EntityTypeNote, n.LocalID, n)
	})
}

// GetNote loads a note by local id. Tombstoned notes are not returned.
func (s *Store) GetNote(localID models.UUID) (*models.Note, error) {
	row := s.db.QueryRow(`SELECT `+noteColumns+` FROM notes WHERE local_id = ? AND deleted_at = 0`, localID)
	n, err := scanNote(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "note %s not found", localID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "load note", err)
	}
	return n, nil
}

// ListNotes returns the live children of a parent note, or the roots when
// parentID is empty.
func (s *Store) ListNotes(parentID models.UUID) ([]*models.Note, error) {
	var rows *sql.Rows
	var err error
	if parentID == "" {
		rows, err = s.db.Query(`SELECT ` + noteColumns + ` FROM notes
		WHERE parent_id IS NULL AND deleted_at = 0 ORDER BY sort_order, created_at`)
	} else {
		rows, err = s.db.Query(`SELECT `+noteColumns+` FROM notes
		WHERE parent_id = ? AND deleted_at = 0 ORDER BY sort_order, created_at`, parentID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "list notes", err)
	}
	defer rows.Close()

	var out []*models.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabase, "scan note", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateNote writes the note's domain fields, bumps its version and stamps
// UpdatedAt, then queues the upload. The envelope on n is refreshed from the
// stored row.
func (s *Store) UpdateNote(n *models.Note) error {
	return s.inTx(func(tx *sql.Tx) error {
		// updated_at must land strictly after synced_at. With unix-second
		// stamps, an edit in the same second as a sync ack would otherwise
		// read as clean.
		now := time.Now().Unix()
		res, err := tx.Exec(`
		UPDATE notes SET parent_id = ?, title = ?, content = ?, color = ?,
			sort_order = ?, is_favorite = ?, version = version + 1,
			updated_at = MAX(?, synced_at + 1)
		WHERE local_id = ? AND deleted_at = 0`,
			nullableUUID(n.ParentID), n.Title, n.Content, n.Color,
			n.SortOrder, n.IsFavorite, now, n.LocalID)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "update note", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return apperrors.Newf(apperrors.CodeNotFound, "note %s not found", n.LocalID)
		}

		if err := tx.QueryRow(`SELECT version, updated_at, synced_at FROM notes WHERE local_id = ?`, n.LocalID).
			Scan(&n.Version, &n.UpdatedAt, &n.SyncedAt); err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "reload note envelope", err)
		}
		return appendQueueTx(tx, models.OpUpdate, models.EntityTypeNote, n.LocalID, n)
	})
}

// SoftDeleteNote tombstones a note, every descendant, and every link touching
// the deleted subtree, all in one transaction. Each tombstone gets its own
// queue entry; links and child notes are queued before their parents so the
// server sees deletions bottom-up.
func (s *Store) SoftDeleteNote(localID models.UUID) error {
	return s.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
		WITH RECURSIVE subtree(local_id, depth) AS (
			SELECT local_id, 0 FROM notes WHERE local_id = ? AND deleted_at = 0
			UNION ALL
			SELECT n.local_id, s.depth + 1
			FROM notes n JOIN subtree s ON n.parent_id = s.local_id
			WHERE n.deleted_at = 0 AND s.depth < 64
		)
		SELECT local_id FROM subtree ORDER BY depth DESC`, localID)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "collect note subtree", err)
		}
		var subtree []models.UUID
		for rows.Next() {
			var id models.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return apperrors.Wrap(apperrors.CodeDatabase, "scan subtree id", err)
			}
			subtree = append(subtree, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperrors.Wrap(apperrors.CodeDatabase, "collect note subtree", err)
		}
		if len(subtree) == 0 {
			return apperrors.Newf(apperrors.CodeNotFound, "note %s not found", localID)
		}

		now := time.Now().Unix()
		for _, id := range subtree {
			linkRows, err := tx.Query(`
			SELECT local_id FROM note_links
			WHERE (source_note_id = ? OR target_note_id = ?) AND deleted_at = 0`, id, id)
			if err != nil {
				return apperrors.Wrap(apperrors.CodeDatabase, "collect note links", err)
			}
			var linkIDs []models.UUID
			for linkRows.Next() {
				var lid models.UUID
				if err := linkRows.Scan(&lid); err != nil {
					linkRows.Close()
					return apperrors.Wrap(apperrors.CodeDatabase, "scan link id", err)
				}
				linkIDs = append(linkIDs, lid)
			}
			linkRows.Close()
			if err := linkRows.Err(); err != nil {
				return apperrors.Wrap(apperrors.CodeDatabase, "collect note links", err)
			}

			for _, lid := range linkIDs {
				if _, err := tx.Exec(`
				UPDATE note_links SET deleted_at = ?, updated_at = ?, version = version + 1
				WHERE local_id = ?`, now, now, lid); err != nil {
					return apperrors.Wrap(apperrors.CodeDatabase, "tombstone note link", err)
				}
				if err := appendQueueTx(tx, models.OpDelete, models.EntityTypeNoteLink, lid, nil); err != nil {
					return err
				}
			}

			if _, err := tx.Exec(`
			UPDATE notes SET deleted_at = ?, updated_at = ?, version = version + 1
			WHERE local_id = ?`, now, now, id); err != nil {
				return apperrors.Wrap(apperrors.CodeDatabase, "tombstone note", err)
			}
			if err := appendQueueTx(tx, models.OpDelete, models.EntityTypeNote, id, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListPendingNotes returns live notes with unsynced changes, parents before
// children so uploads can resolve parent server ids in one pass.
func (s *Store) ListPendingNotes() ([]*models.Note, error) {
	rows, err := s.db.Query(`
	WITH RECURSIVE tree(id, depth) AS (
		SELECT local_id, 0 FROM notes WHERE parent_id IS NULL
		UNION ALL
		SELECT n.local_id, t.depth + 1
		FROM notes n JOIN tree t ON n.parent_id = t.id
		WHERE t.depth < 64
	)
	SELECT ` + noteColumns + ` FROM notes
	JOIN tree ON tree.id = notes.local_id
	WHERE notes.deleted_at = 0 AND ` + pendingWhere + `
	ORDER BY tree.depth, notes.created_at, notes.local_id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "list pending notes", err)
	}
	defer rows.Close()

	var out []*models.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabase, "scan pending note", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ApplyRemoteNote overwrites or inserts a note with server state. The row is
// marked synced and no queue entry is appended; the change is already on the
// server.
func (s *Store) ApplyRemoteNote(n *models.Note) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
	INSERT INTO notes (local_id, server_id, version, updated_at, synced_at, deleted_at,
		parent_id, title, content, color, sort_order, is_favorite, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = excluded.server_id, version = excluded.version,
		updated_at = excluded.updated_at, synced_at = excluded.synced_at,
		deleted_at = excluded.deleted_at, parent_id = excluded.parent_id,
		title = excluded.title, content = excluded.content, color = excluded.color,
		sort_order = excluded.sort_order, is_favorite = excluded.is_favorite`,
		n.LocalID, n.ServerID, n.Version, n.UpdatedAt, now, n.DeletedAt,
		nullableUUID(n.ParentID), n.Title, n.Content, n.Color, n.SortOrder, n.IsFavorite,
		n.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "apply remote note", err)
	}
	n.SyncedAt = now
	return nil
}
