// Package models provides the note link entity anchoring ranges between notes.
package models

// NoteLink is an anchor range inside a source note's content pointing at
// another note. Both endpoints reference notes by local id; the targets may
// still be pending upload.
type NoteLink struct {
	SyncEnvelope

	SourceNoteID  UUID   `db:"source_note_id" json:"source_note_id"`
	TargetNoteID  UUID   `db:"target_note_id" json:"target_note_id"`
	LinkText      string `db:"link_text" json:"link_text"`
	StartPosition int    `db:"start_position" json:"start_position"`
	EndPosition   int    `db:"end_position" json:"end_position"`
	CreatedAt     int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for NoteLink.
func (NoteLink) TableName() string {
	return "note_links"
}

// EntityType returns the sync entity type for NoteLink.
func (NoteLink) EntityType() string {
	return EntityTypeNoteLink
}
