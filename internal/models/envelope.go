// Package models provides data model definitions for the Lumen sync core.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Entity type names as stored in the sync queue and sent on the wire.
const (
	EntityTypeNote            = "note"
	EntityTypeNoteLink        = "note_link"
	EntityTypeRecording       = "recording"
	EntityTypeRecordingSource = "recording_source"
	EntityTypeTag             = "tag"
)

// SyncEnvelope is the versioning metadata shared by every synchronizable
// entity. LocalID is the primary key locally; ServerID is assigned by the
// remote service on first successful upload. SyncedAt and DeletedAt use
// zero to mean "never" and "not deleted".
type SyncEnvelope struct {
	LocalID   UUID   `db:"local_id" json:"local_id"`
	ServerID  *int64 `db:"server_id" json:"server_id,omitempty"`
	Version   int64  `db:"version" json:"version"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
	SyncedAt  int64  `db:"synced_at" json:"synced_at,omitempty"`
	DeletedAt int64  `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Pending reports whether the entity has local changes that have not made a
// successful round-trip yet.
func (e *SyncEnvelope) Pending() bool {
	return e.SyncedAt == 0 || e.UpdatedAt > e.SyncedAt
}

// Deleted reports whether the entity carries a soft-delete tombstone.
func (e *SyncEnvelope) Deleted() bool {
	return e.DeletedAt != 0
}

// Touch records a local mutation: bumps the version and stamps UpdatedAt.
// The stamp always lands after SyncedAt so the mutation reads as pending.
func (e *SyncEnvelope) Touch() {
	now := time.Now().Unix()
	if now <= e.SyncedAt {
		now = e.SyncedAt + 1
	}
	e.UpdatedAt = now
	e.Version++
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (e *SyncEnvelope) UpdatedAtTime() time.Time {
	return time.Unix(e.UpdatedAt, 0)
}
