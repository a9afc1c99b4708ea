// Package api implements the HTTP client for the Lumen sync service.
package api

import (
	"encoding/json"
	"fmt"

	"github.com/lumenhq/lumen/internal/models"
)

// Entity is the wire form of one local entity being uploaded. Fields carries
// the type-specific payload as opaque JSON; the sync service only interprets
// the envelope.
type Entity struct {
	LocalID   models.UUID     `json:"local_id"`
	ServerID  *int64          `json:"server_id,omitempty"`
	Type      string          `json:"type"`
	Version   int64           `json:"version"`
	UpdatedAt int64           `json:"updated_at"`
	DeletedAt int64           `json:"deleted_at,omitempty"`
	Fields    json.RawMessage `json:"fields,omitempty"`
}

// ServerEntity is the server's authoritative copy of an entity, returned on
// successful upload and inside conflict responses.
type ServerEntity struct {
	ServerID  int64           `json:"server_id"`
	LocalID   models.UUID     `json:"local_id,omitempty"`
	Type      string          `json:"type"`
	Version   int64           `json:"version"`
	UpdatedAt int64           `json:"updated_at"`
	DeletedAt int64           `json:"deleted_at,omitempty"`
	Fields    json.RawMessage `json:"fields,omitempty"`
}

// BulkRequest uploads a batch of entities, recording sources and tags in one
// round-trip. The server caps each call at MaxBulkItems items total; the
// client splits larger sets before sending.
type BulkRequest struct {
	Entities   []Entity `json:"entities"`
	Sources    []Entity `json:"sources"`
	Tags       []Entity `json:"tags"`
	LastSyncAt *int64   `json:"last_sync_at"`
}

// MaxBulkItems is the server-side cap on one bulk request.
const MaxBulkItems = 100

func (r *BulkRequest) itemCount() int {
	return len(r.Entities) + len(r.Sources) + len(r.Tags)
}

// Bulk result statuses.
const (
	BulkStatusSuccess  = "success"
	BulkStatusConflict = "conflict"
	BulkStatusError    = "error"
)

// BulkItemResult reports one item's outcome, keyed by local id. Results
// preserve request order within each call. On conflict, ServerCopy holds the
// authoritative record.
type BulkItemResult struct {
	LocalID    models.UUID   `json:"local_id"`
	Status     string        `json:"status"`
	ServerID   *int64        `json:"server_id,omitempty"`
	Version    int64         `json:"version,omitempty"`
	ServerCopy *ServerEntity `json:"server_copy,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// BulkResult aggregates the per-item outcomes of one or more bulk calls.
type BulkResult struct {
	Results       []BulkItemResult `json:"results"`
	SuccessCount  int              `json:"success_count"`
	ConflictCount int              `json:"conflict_count"`
	ErrorCount    int              `json:"error_count"`
}

// ConflictError reports a version conflict rejected by the server. Server
// holds the authoritative copy so the caller can run last-write-wins
// resolution without another round-trip.
type ConflictError struct {
	Server *ServerEntity
}

func (e *ConflictError) Error() string {
	if e.Server == nil {
		return "version conflict"
	}
	return fmt.Sprintf("version conflict: server has %s %d at version %d",
		e.Server.Type, e.Server.ServerID, e.Server.Version)
}

// refreshRequest asks for a fresh token pair.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// tokenResponse is the server's reply to a refresh.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// errorResponse is the server's error body shape.
type errorResponse struct {
	Error string `json:"error"`
}

// splitBulk cuts a request into calls of at most size items each, packing
// entities first, then sources, then tags, all in their original order.
func splitBulk(req BulkRequest, size int) []BulkRequest {
	if size <= 0 {
		size = MaxBulkItems
	}
	if req.itemCount() <= size {
		return []BulkRequest{req}
	}

	var calls []BulkRequest
	cur := BulkRequest{LastSyncAt: req.LastSyncAt}
	flush := func() {
		if cur.itemCount() > 0 {
			calls = append(calls, cur)
			cur = BulkRequest{LastSyncAt: req.LastSyncAt}
		}
	}
	add := func(dst *[]Entity, e Entity) {
		if cur.itemCount() == size {
			flush()
		}
		*dst = append(*dst, e)
	}
	for _, e := range req.Entities {
		add(&cur.Entities, e)
	}
	for _, e := range req.Sources {
		add(&cur.Sources, e)
	}
	for _, e := range req.Tags {
		add(&cur.Tags, e)
	}
	flush()
	return calls
}
