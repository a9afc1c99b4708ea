package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lumenhq/lumen/internal/apperrors"
	"github.com/lumenhq/lumen/internal/models"
)

// appendQueueTx records an offline mutation inside the same transaction as
// the entity write, so the entity row and its queue entry commit atomically.
func appendQueueTx(tx *sql.Tx, op, entityType string, entityID models.UUID, payload interface{}) error {
	var snapshot []byte
	if payload != nil {
		var err error
		snapshot, err = json.Marshal(payload)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, "marshal queue payload", err)
		}
	}

	_, err := tx.Exec(`
	INSERT INTO sync_queue (operation_type, entity_type, entity_id, payload, created_at, status, retry_count)
	VALUES (?, ?, ?, ?, ?, ?, 0)`,
		op, entityType, entityID, snapshot, time.Now().Unix(), models.QueueStatusPending)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "append sync queue entry", err)
	}
	return nil
}

// DrainQueue returns unfinished queue entries in insertion order. Failed
// entries are included so they are retried on the next cycle.
func (s *Store) DrainQueue(limit int) ([]models.QueueEntry, error) {
	rows, err := s.db.Query(`
	SELECT queue_id, operation_type, entity_type, entity_id, payload, created_at, status, retry_count, last_error
	FROM sync_queue WHERE status != ? ORDER BY queue_id ASC LIMIT ?`,
		models.QueueStatusCompleted, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabase, "drain sync queue", err)
	}
	defer rows.Close()

	var out []models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		var payload []byte
		var lastError sql.NullString
		if err := rows.Scan(&e.QueueID, &e.OperationType, &e.EntityType, &e.EntityID,
			&payload, &e.CreatedAt, &e.Status, &e.RetryCount, &lastError); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabase, "scan queue entry", err)
		}
		e.Payload = payload
		e.LastError = lastError.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// CompleteQueueEntry marks an entry as successfully pushed to the server.
func (s *Store) CompleteQueueEntry(queueID int64) error {
	_, err := s.db.Exec(`UPDATE sync_queue SET status = ?, last_error = '' WHERE queue_id = ?`,
		models.QueueStatusCompleted, queueID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "complete queue entry", err)
	}
	return nil
}

// FailQueueEntry records a push failure. The entry stays eligible for the
// next cycle.
func (s *Store) FailQueueEntry(queueID int64, cause string) error {
	_, err := s.db.Exec(`
	UPDATE sync_queue SET status = ?, retry_count = retry_count + 1, last_error = ?
	WHERE queue_id = ?`,
		models.QueueStatusFailed, cause, queueID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabase, "fail queue entry", err)
	}
	return nil
}

// PendingQueueCount counts entries still waiting to be pushed.
func (s *Store) PendingQueueCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_queue WHERE status != ?`,
		models.QueueStatusCompleted).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeDatabase, "count pending queue entries", err)
	}
	return n, nil
}

// GCQueue removes completed entries created before the cutoff and returns
// how many were deleted.
func (s *Store) GCQueue(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sync_queue WHERE status = ? AND created_at < ?`,
		models.QueueStatusCompleted, cutoff.Unix())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeDatabase, "gc sync queue", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
