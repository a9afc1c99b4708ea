// Package models provides the hierarchical note entity.
package models

import "time"

// Note is a rich-text note. Notes form a tree through ParentID; root notes
// have an empty ParentID. The parent-chain must stay acyclic, and a note is
// never uploaded before its parent has a ServerID.
type Note struct {
	SyncEnvelope

	ParentID   UUID   `db:"parent_id" json:"parent_id,omitempty"`
	Title      string `db:"title" json:"title"`
	Content    string `db:"content" json:"content"` // serialized rich document
	Color      string `db:"color" json:"color,omitempty"`
	SortOrder  int    `db:"sort_order" json:"sort_order"`
	IsFavorite bool   `db:"is_favorite" json:"is_favorite"`
	CreatedAt  int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Note.
func (Note) TableName() string {
	return "notes"
}

// EntityType returns the sync entity type for Note.
func (Note) EntityType() string {
	return EntityTypeNote
}

// IsRoot reports whether the note is a tree root.
func (n *Note) IsRoot() bool {
	return n.ParentID == ""
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (n *Note) CreatedAtTime() time.Time {
	return time.Unix(n.CreatedAt, 0)
}
