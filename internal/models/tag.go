// Package models provides the tag entity.
package models

import "time"

// Tag represents a user-defined label for organizing notes and recordings.
type Tag struct {
	SyncEnvelope

	Name      string `db:"name" json:"name"`
	Color     string `db:"color" json:"color,omitempty"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Tag.
func (Tag) TableName() string {
	return "tags"
}

// EntityType returns the sync entity type for Tag.
func (Tag) EntityType() string {
	return EntityTypeTag
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (t *Tag) CreatedAtTime() time.Time {
	return time.Unix(t.CreatedAt, 0)
}
