// Package models provides the conflict audit record.
package models

import "time"

// Conflict winners.
const (
	ConflictWinnerLocal  = "local"
	ConflictWinnerRemote = "remote"
)

// ConflictLog records a resolved concurrent edit. Last-write-wins discards
// the losing copy; the log is the only trail the user gets.
type ConflictLog struct {
	ID              int64  `db:"id" json:"id"`
	EntityType      string `db:"entity_type" json:"entity_type"`
	EntityID        UUID   `db:"entity_id" json:"entity_id"`
	LocalVersion    int64  `db:"local_version" json:"local_version"`
	RemoteVersion   int64  `db:"remote_version" json:"remote_version"`
	LocalUpdatedAt  int64  `db:"local_updated_at" json:"local_updated_at"`
	RemoteUpdatedAt int64  `db:"remote_updated_at" json:"remote_updated_at"`
	Winner          string `db:"winner" json:"winner"`
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
