// Package models provides the recording and recording source entities.
package models

import "time"

// Recording transcription states.
const (
	TranscriptionPending    = "pending"
	TranscriptionInProgress = "in_progress"
	TranscriptionCompleted  = "completed"
	TranscriptionFailed     = "failed"
)

// Recording is a captured call recording. The domain fields are opaque to
// the sync core; only the envelope participates in versioning.
type Recording struct {
	SyncEnvelope

	SourceID           UUID   `db:"source_id" json:"source_id,omitempty"`
	Title              string `db:"title" json:"title"`
	FilePath           string `db:"file_path" json:"file_path"`
	FileSize           int64  `db:"file_size" json:"file_size"`
	DurationSeconds    int    `db:"duration_seconds" json:"duration_seconds"`
	MimeType           string `db:"mime_type" json:"mime_type,omitempty"`
	TranscriptionState string `db:"transcription_state" json:"transcription_state"`
	Transcript         string `db:"transcript" json:"transcript,omitempty"`
	RecordedAt         int64  `db:"recorded_at" json:"recorded_at"`
	CreatedAt          int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Recording.
func (Recording) TableName() string {
	return "recordings"
}

// EntityType returns the sync entity type for Recording.
func (Recording) EntityType() string {
	return EntityTypeRecording
}

// RecordedAtTime returns RecordedAt as time.Time.
func (r *Recording) RecordedAtTime() time.Time {
	return time.Unix(r.RecordedAt, 0)
}

// RecordingSource describes where recordings are discovered (a scanned
// mailbox or watched folder). Produced by the scanner collaborators.
type RecordingSource struct {
	SyncEnvelope

	Name      string `db:"name" json:"name"`
	Kind      string `db:"kind" json:"kind"` // "email" or "folder"
	Location  string `db:"location" json:"location"`
	IsEnabled bool   `db:"is_enabled" json:"is_enabled"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for RecordingSource.
func (RecordingSource) TableName() string {
	return "recording_sources"
}

// EntityType returns the sync entity type for RecordingSource.
func (RecordingSource) EntityType() string {
	return EntityTypeRecordingSource
}
