// Package models provides the offline sync queue entry.
package models

import (
	"encoding/json"
	"time"
)

// Queue operation types.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Queue entry statuses.
const (
	QueueStatusPending   = "pending"
	QueueStatusCompleted = "completed"
	QueueStatusFailed    = "failed"
)

// QueueEntry is one pending operation in the sync queue. Entries are created
// in the same transaction as the entity mutation they describe and processed
// FIFO by CreatedAt.
type QueueEntry struct {
	QueueID       int64           `db:"queue_id" json:"queue_id"`
	OperationType string          `db:"operation_type" json:"operation_type"`
	EntityType    string          `db:"entity_type" json:"entity_type"`
	EntityID      UUID            `db:"entity_id" json:"entity_id"`
	Payload       json.RawMessage `db:"payload" json:"payload,omitempty"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	Status        string          `db:"status" json:"status"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for QueueEntry.
func (QueueEntry) TableName() string {
	return "sync_queue"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (q *QueueEntry) CreatedAtTime() time.Time {
	return time.Unix(q.CreatedAt, 0)
}
