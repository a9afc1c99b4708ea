// Package sync drives upload cycles and the orchestrator state machine.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lumenhq/lumen/internal/api"
	"github.com/lumenhq/lumen/internal/apperrors"
	"github.com/lumenhq/lumen/internal/db"
	"github.com/lumenhq/lumen/internal/logging"
	"github.com/lumenhq/lumen/internal/models"
	"github.com/lumenhq/lumen/internal/sync/conflict"
)

// APIClient is the slice of the HTTP client the worker needs.
type APIClient interface {
	SyncEntity(ctx context.Context, e api.Entity) (*api.ServerEntity, error)
	BulkSync(ctx context.Context, req api.BulkRequest) (*api.BulkResult, error)
	DeleteEntity(ctx context.Context, entityType string, serverID int64) error
	Ping(ctx context.Context) error
}

// Result summarizes one cycle. Queue entries behind the failures stay in
// place for the next cycle.
type Result struct {
	SuccessCount int
	ErrorCount   int
}

// Worker executes one sync cycle: drain the queue FIFO, upload remaining
// pending entities parents-first, then links and auxiliary entities. Each
// phase tolerates per-item failures; only transport-level and auth failures
// abort the cycle.
type Worker struct {
	store     *db.Store
	client    APIClient
	batchSize int
	log       *logrus.Entry
}

// NewWorker creates a Worker draining up to batchSize queue entries per
// cycle.
func NewWorker(store *db.Store, client APIClient, batchSize int) *Worker {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Worker{
		store:     store,
		client:    client,
		batchSize: batchSize,
		log:       logging.WithComponent("sync.worker"),
	}
}

// errCycleAbort wraps failures that make the rest of the cycle pointless
// (server unreachable, session expired).
var errCycleAbort = errors.New("sync cycle aborted")

func abortable(err error) bool {
	return apperrors.IsTransport(err) || apperrors.IsAuth(err)
}

// RunCycle executes the three phases. Cancelling ctx stops the cycle at the
// next item boundary; the in-progress item is finished first.
func (w *Worker) RunCycle(ctx context.Context, lastSyncAt *int64) Result {
	var res Result

	if err := w.drainQueue(ctx, &res); err != nil {
		w.log.WithError(err).Warn("queue drain aborted")
		return res
	}
	if err := w.uploadPendingNotes(ctx, &res); err != nil {
		w.log.WithError(err).Warn("pending note upload aborted")
		return res
	}
	if err := w.uploadPendingLinks(ctx, &res); err != nil {
		w.log.WithError(err).Warn("pending link upload aborted")
		return res
	}
	if err := w.uploadAuxiliary(ctx, lastSyncAt, &res); err != nil {
		w.log.WithError(err).Warn("auxiliary upload aborted")
	}
	return res
}

// drainQueue is phase 1: process queue entries FIFO.
func (w *Worker) drainQueue(ctx context.Context, res *Result) error {
	entries, err := w.store.DrainQueue(w.batchSize)
	if err != nil {
		res.ErrorCount++
		return err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.processEntry(ctx, entry); err != nil {
			res.ErrorCount++
			w.store.FailQueueEntry(entry.QueueID, err.Error())
			if abortable(err) {
				return fmt.Errorf("%w: %v", errCycleAbort, err)
			}
			continue
		}
		res.SuccessCount++
		if err := w.store.CompleteQueueEntry(entry.QueueID); err != nil {
			w.log.WithError(err).WithField("queue_id", entry.QueueID).Error("failed to complete queue entry")
		}
	}
	return nil
}

// processEntry resolves one queue entry against the current entity state.
// The entity row is authoritative; the payload snapshot is only a fallback
// for diagnostics.
func (w *Worker) processEntry(ctx context.Context, entry models.QueueEntry) error {
	switch entry.OperationType {
	case models.OpDelete:
		return w.pushDelete(ctx, entry.EntityType, entry.EntityID)
	case models.OpCreate, models.OpUpdate:
		return w.pushUpsert(ctx, entry.EntityType, entry.EntityID)
	default:
		return apperrors.Newf(apperrors.CodeValidation, "unknown queue operation %q", entry.OperationType)
	}
}

// pushDelete propagates a tombstone. An entity the server never saw is
// purged locally without a round-trip.
func (w *Worker) pushDelete(ctx context.Context, entityType string, localID models.UUID) error {
	env, err := w.store.Envelope(entityType, localID)
	if apperrors.IsNotFound(err) {
		// Row already purged; nothing left to do.
		w.log.WithFields(logrus.Fields{"entity_type": entityType, "local_id": localID}).
			Info("delete target already gone")
		return nil
	}
	if err != nil {
		return err
	}

	if env.ServerID != nil {
		err := w.client.DeleteEntity(ctx, entityType, *env.ServerID)
		if err != nil && !apperrors.IsNotFound(err) {
			return err
		}
	}
	return w.store.Purge(entityType, localID)
}

// pushUpsert uploads the current state of one entity, resolving conflicts
// with last-write-wins.
func (w *Worker) pushUpsert(ctx context.Context, entityType string, localID models.UUID) error {
	wire, err := w.buildEntity(entityType, localID)
	if apperrors.IsNotFound(err) {
		// Tombstoned after the entry was queued; the delete entry later
		// in the queue carries the change.
		w.log.WithFields(logrus.Fields{"entity_type": entityType, "local_id": localID}).
			Info("upsert target gone, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	return w.uploadEntity(ctx, *wire)
}

// uploadEntity runs one upsert round-trip including conflict resolution.
func (w *Worker) uploadEntity(ctx context.Context, wire api.Entity) error {
	server, err := w.client.SyncEntity(ctx, wire)
	if err == nil {
		return w.store.MarkSynced(wire.Type, wire.LocalID, server.ServerID, server.Version)
	}

	var conflictErr *api.ConflictError
	if errors.As(err, &conflictErr) && conflictErr.Server != nil {
		return w.resolveConflict(wire, conflictErr.Server)
	}
	return err
}

// resolveConflict applies last-write-wins between the rejected local copy
// and the server's authoritative one. A conflict record is kept either way;
// a losing local edit is overwritten and marked synced.
func (w *Worker) resolveConflict(local api.Entity, server *api.ServerEntity) error {
	winner := conflict.Resolve(local.Version, local.UpdatedAt, server.Version, server.UpdatedAt)

	w.store.RecordConflict(&models.ConflictLog{
		EntityType:      local.Type,
		EntityID:        local.LocalID,
		LocalVersion:    local.Version,
		RemoteVersion:   server.Version,
		LocalUpdatedAt:  local.UpdatedAt,
		RemoteUpdatedAt: server.UpdatedAt,
		Winner:          winner.String(),
	})
	w.log.WithFields(logrus.Fields{
		"entity_type": local.Type,
		"local_id":    local.LocalID,
		"winner":      winner.String(),
	}).Warn("version conflict resolved")

	if winner == conflict.LocalWins {
		// The server holds an older copy; the local edit stays pending
		// and wins on the next upload.
		return nil
	}
	return w.applyServerCopy(local.Type, local.LocalID, server)
}

// uploadPendingNotes is phase 2: re-scan for unsynced notes the queue did
// not cover, parents before children.
func (w *Worker) uploadPendingNotes(ctx context.Context, res *Result) error {
	notes, err := w.store.ListPendingNotes()
	if err != nil {
		res.ErrorCount++
		return err
	}
	for _, n := range notes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wire, err := w.noteEntity(n)
		if err == nil {
			err = w.uploadEntity(ctx, *wire)
		}
		if err != nil {
			res.ErrorCount++
			if abortable(err) {
				return fmt.Errorf("%w: %v", errCycleAbort, err)
			}
			w.log.WithError(err).WithField("local_id", n.LocalID).Error("note upload failed")
			continue
		}
		res.SuccessCount++
	}
	return nil
}

// uploadPendingLinks is phase 3a: links go last so both endpoints already
// carry server ids.
func (w *Worker) uploadPendingLinks(ctx context.Context, res *Result) error {
	links, err := w.store.ListPendingLinks()
	if err != nil {
		res.ErrorCount++
		return err
	}
	for _, l := range links {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wire, err := w.linkEntity(l)
		if err == nil {
			err = w.uploadEntity(ctx, *wire)
		}
		if err != nil {
			res.ErrorCount++
			if abortable(err) {
				return fmt.Errorf("%w: %v", errCycleAbort, err)
			}
			w.log.WithError(err).WithField("local_id", l.LocalID).Error("link upload failed")
			continue
		}
		res.SuccessCount++
	}
	return nil
}

// uploadAuxiliary is phase 3b: recordings, sources and tags have no
// ordering dependencies and ship in bulk.
func (w *Worker) uploadAuxiliary(ctx context.Context, lastSyncAt *int64, res *Result) error {
	req := api.BulkRequest{LastSyncAt: lastSyncAt}

	recordings, err := w.store.ListPendingRecordings()
	if err != nil {
		res.ErrorCount++
		return err
	}
	for _, r := range recordings {
		wire, err := w.recordingEntity(r)
		if err != nil {
			res.ErrorCount++
			continue
		}
		req.Entities = append(req.Entities, *wire)
	}

	sources, err := w.store.ListPendingRecordingSources()
	if err != nil {
		res.ErrorCount++
		return err
	}
	for _, src := range sources {
		req.Sources = append(req.Sources, w.sourceEntity(src))
	}

	tags, err := w.store.ListPendingTags()
	if err != nil {
		res.ErrorCount++
		return err
	}
	for _, t := range tags {
		req.Tags = append(req.Tags, w.tagEntity(t))
	}

	if req.Entities == nil && req.Sources == nil && req.Tags == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	bulk, err := w.client.BulkSync(ctx, req)
	if bulk != nil {
		w.applyBulkResults(bulk, res)
	}
	if err != nil {
		res.ErrorCount++
		if abortable(err) {
			return fmt.Errorf("%w: %v", errCycleAbort, err)
		}
	}
	return nil
}

// applyBulkResults walks per-item outcomes, marking winners synced and
// resolving conflicts from the attached server copies.
func (w *Worker) applyBulkResults(bulk *api.BulkResult, res *Result) {
	for _, item := range bulk.Results {
		entityType, err := w.entityTypeOf(item)
		if err != nil {
			res.ErrorCount++
			w.log.WithError(err).WithField("local_id", item.LocalID).Error("bulk result unmatched")
			continue
		}

		switch item.Status {
		case api.BulkStatusSuccess:
			if item.ServerID == nil {
				res.ErrorCount++
				w.log.WithField("local_id", item.LocalID).Error("bulk success without server id")
				continue
			}
			if err := w.store.MarkSynced(entityType, item.LocalID, *item.ServerID, item.Version); err != nil {
				res.ErrorCount++
				continue
			}
			res.SuccessCount++
		case api.BulkStatusConflict:
			if item.ServerCopy == nil {
				res.ErrorCount++
				continue
			}
			env, err := w.store.Envelope(entityType, item.LocalID)
			if err != nil {
				res.ErrorCount++
				continue
			}
			local := api.Entity{
				LocalID: item.LocalID, Type: entityType,
				Version: env.Version, UpdatedAt: env.UpdatedAt,
			}
			if err := w.resolveConflict(local, item.ServerCopy); err != nil {
				res.ErrorCount++
				continue
			}
			res.SuccessCount++
		default:
			res.ErrorCount++
			w.log.WithFields(logrus.Fields{"local_id": item.LocalID, "error": item.Error}).
				Error("bulk item failed")
		}
	}
}

// entityTypeOf recovers the entity type for a bulk result, trying the
// server copy first and falling back to a store probe.
func (w *Worker) entityTypeOf(item api.BulkItemResult) (string, error) {
	if item.ServerCopy != nil && item.ServerCopy.Type != "" {
		return item.ServerCopy.Type, nil
	}
	for _, entityType := range []string{
		models.EntityTypeRecording, models.EntityTypeRecordingSource, models.EntityTypeTag,
	} {
		if _, err := w.store.Envelope(entityType, item.LocalID); err == nil {
			return entityType, nil
		}
	}
	return "", apperrors.Newf(apperrors.CodeNotFound, "no local entity for bulk result %s", item.LocalID)
}

// buildEntity produces the wire form for any entity type.
func (w *Worker) buildEntity(entityType string, localID models.UUID) (*api.Entity, error) {
	switch entityType {
	case models.EntityTypeNote:
		n, err := w.store.GetNote(localID)
		if err != nil {
			return nil, err
		}
		return w.noteEntity(n)
	case models.EntityTypeNoteLink:
		l, err := w.store.GetNoteLink(localID)
		if err != nil {
			return nil, err
		}
		return w.linkEntity(l)
	case models.EntityTypeRecording:
		r, err := w.store.GetRecording(localID)
		if err != nil {
			return nil, err
		}
		return w.recordingEntity(r)
	case models.EntityTypeRecordingSource:
		src, err := w.store.GetRecordingSource(localID)
		if err != nil {
			return nil, err
		}
		e := w.sourceEntity(src)
		return &e, nil
	case models.EntityTypeTag:
		t, err := w.store.GetTag(localID)
		if err != nil {
			return nil, err
		}
		e := w.tagEntity(t)
		return &e, nil
	default:
		return nil, apperrors.Newf(apperrors.CodeValidation, "unknown entity type %q", entityType)
	}
}

// noteWireFields is the type-specific payload for notes. The parent is
// referenced by server id on the wire; local ids never leave the client
// except as correlation keys.
type noteWireFields struct {
	ParentServerID *int64 `json:"parent_server_id,omitempty"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	Color          string `json:"color,omitempty"`
	SortOrder      int    `json:"sort_order"`
	IsFavorite     bool   `json:"is_favorite"`
	CreatedAt      int64  `json:"created_at"`
}

func (w *Worker) noteEntity(n *models.Note) (*api.Entity, error) {
	fields := noteWireFields{
		Title: n.Title, Content: n.Content, Color: n.Color,
		SortOrder: n.SortOrder, IsFavorite: n.IsFavorite, CreatedAt: n.CreatedAt,
	}
	if n.ParentID != "" {
		parentServerID, err := w.store.ServerIDOf(models.EntityTypeNote, n.ParentID)
		if err != nil {
			return nil, err
		}
		if parentServerID == nil {
			return nil, apperrors.Newf(apperrors.CodeValidation,
				"parent note %s has no server id yet", n.ParentID)
		}
		fields.ParentServerID = parentServerID
	}
	return wireEntity(models.EntityTypeNote, &n.SyncEnvelope, fields)
}

type linkWireFields struct {
	SourceServerID int64  `json:"source_server_id"`
	TargetServerID int64  `json:"target_server_id"`
	LinkText       string `json:"link_text"`
	StartPosition  int    `json:"start_position"`
	EndPosition    int    `json:"end_position"`
	CreatedAt      int64  `json:"created_at"`
}

func (w *Worker) linkEntity(l *models.NoteLink) (*api.Entity, error) {
	sourceID, err := w.store.ServerIDOf(models.EntityTypeNote, l.SourceNoteID)
	if err != nil {
		return nil, err
	}
	targetID, err := w.store.ServerIDOf(models.EntityTypeNote, l.TargetNoteID)
	if err != nil {
		return nil, err
	}
	if sourceID == nil || targetID == nil {
		return nil, apperrors.Newf(apperrors.CodeValidation,
			"link %s references notes without server ids", l.LocalID)
	}
	fields := linkWireFields{
		SourceServerID: *sourceID, TargetServerID: *targetID,
		LinkText: l.LinkText, StartPosition: l.StartPosition, EndPosition: l.EndPosition,
		CreatedAt: l.CreatedAt,
	}
	return wireEntity(models.EntityTypeNoteLink, &l.SyncEnvelope, fields)
}

type recordingWireFields struct {
	SourceServerID     *int64 `json:"source_server_id,omitempty"`
	Title              string `json:"title"`
	FilePath           string `json:"file_path"`
	FileSize           int64  `json:"file_size"`
	DurationSeconds    int    `json:"duration_seconds"`
	MimeType           string `json:"mime_type,omitempty"`
	TranscriptionState string `json:"transcription_state"`
	Transcript         string `json:"transcript,omitempty"`
	RecordedAt         int64  `json:"recorded_at"`
	CreatedAt          int64  `json:"created_at"`
}

func (w *Worker) recordingEntity(r *models.Recording) (*api.Entity, error) {
	fields := recordingWireFields{
		Title: r.Title, FilePath: r.FilePath, FileSize: r.FileSize,
		DurationSeconds: r.DurationSeconds, MimeType: r.MimeType,
		TranscriptionState: r.TranscriptionState, Transcript: r.Transcript,
		RecordedAt: r.RecordedAt, CreatedAt: r.CreatedAt,
	}
	if r.SourceID != "" {
		sourceServerID, err := w.store.ServerIDOf(models.EntityTypeRecordingSource, r.SourceID)
		if err == nil && sourceServerID != nil {
			fields.SourceServerID = sourceServerID
		}
	}
	return wireEntity(models.EntityTypeRecording, &r.SyncEnvelope, fields)
}

type sourceWireFields struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Location  string `json:"location"`
	IsEnabled bool   `json:"is_enabled"`
	CreatedAt int64  `json:"created_at"`
}

func (w *Worker) sourceEntity(src *models.RecordingSource) api.Entity {
	e, _ := wireEntity(models.EntityTypeRecordingSource, &src.SyncEnvelope, sourceWireFields{
		Name: src.Name, Kind: src.Kind, Location: src.Location,
		IsEnabled: src.IsEnabled, CreatedAt: src.CreatedAt,
	})
	return *e
}

type tagWireFields struct {
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

func (w *Worker) tagEntity(t *models.Tag) api.Entity {
	e, _ := wireEntity(models.EntityTypeTag, &t.SyncEnvelope, tagWireFields{
		Name: t.Name, Color: t.Color, CreatedAt: t.CreatedAt,
	})
	return *e
}

func wireEntity(entityType string, env *models.SyncEnvelope, fields interface{}) (*api.Entity, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "marshal wire fields", err)
	}
	return &api.Entity{
		LocalID:   env.LocalID,
		ServerID:  env.ServerID,
		Type:      entityType,
		Version:   env.Version,
		UpdatedAt: env.UpdatedAt,
		DeletedAt: env.DeletedAt,
		Fields:    raw,
	}, nil
}

// applyServerCopy overwrites a local entity with the server's authoritative
// copy and marks it synced.
func (w *Worker) applyServerCopy(entityType string, localID models.UUID, server *api.ServerEntity) error {
	return applyServerEntity(w.store, entityType, localID, server)
}

// applyServerEntity materializes a ServerEntity into the local store. Shared
// by the worker's conflict path and the orchestrator's push-event path.
func applyServerEntity(store *db.Store, entityType string, localID models.UUID, server *api.ServerEntity) error {
	serverID := server.ServerID

	switch entityType {
	case models.EntityTypeNote:
		var fields noteWireFields
		if len(server.Fields) > 0 {
			if err := json.Unmarshal(server.Fields, &fields); err != nil {
				return apperrors.Wrap(apperrors.CodeValidation, "decode server note", err)
			}
		}
		n := &models.Note{
			SyncEnvelope: serverEnvelope(localID, serverID, server),
			Title:        fields.Title, Content: fields.Content, Color: fields.Color,
			SortOrder: fields.SortOrder, IsFavorite: fields.IsFavorite, CreatedAt: fields.CreatedAt,
		}
		if fields.ParentServerID != nil {
			parent, err := store.EnvelopeByServerID(models.EntityTypeNote, *fields.ParentServerID)
			if err == nil {
				n.ParentID = parent.LocalID
			}
			// An unknown parent leaves the note at the root until the
			// parent arrives and a later update reparents it.
		}
		return store.ApplyRemoteNote(n)

	case models.EntityTypeNoteLink:
		var fields linkWireFields
		if len(server.Fields) > 0 {
			if err := json.Unmarshal(server.Fields, &fields); err != nil {
				return apperrors.Wrap(apperrors.CodeValidation, "decode server link", err)
			}
		}
		source, err := store.EnvelopeByServerID(models.EntityTypeNote, fields.SourceServerID)
		if err != nil {
			return err
		}
		target, err := store.EnvelopeByServerID(models.EntityTypeNote, fields.TargetServerID)
		if err != nil {
			return err
		}
		l := &models.NoteLink{
			SyncEnvelope: serverEnvelope(localID, serverID, server),
			SourceNoteID: source.LocalID, TargetNoteID: target.LocalID,
			LinkText: fields.LinkText, StartPosition: fields.StartPosition,
			EndPosition: fields.EndPosition, CreatedAt: fields.CreatedAt,
		}
		return store.ApplyRemoteLink(l)

	case models.EntityTypeRecording:
		var fields recordingWireFields
		if len(server.Fields) > 0 {
			if err := json.Unmarshal(server.Fields, &fields); err != nil {
				return apperrors.Wrap(apperrors.CodeValidation, "decode server recording", err)
			}
		}
		r := &models.Recording{
			SyncEnvelope: serverEnvelope(localID, serverID, server),
			Title:        fields.Title, FilePath: fields.FilePath, FileSize: fields.FileSize,
			DurationSeconds: fields.DurationSeconds, MimeType: fields.MimeType,
			TranscriptionState: fields.TranscriptionState, Transcript: fields.Transcript,
			RecordedAt: fields.RecordedAt, CreatedAt: fields.CreatedAt,
		}
		if fields.SourceServerID != nil {
			src, err := store.EnvelopeByServerID(models.EntityTypeRecordingSource, *fields.SourceServerID)
			if err == nil {
				r.SourceID = src.LocalID
			}
		}
		if r.TranscriptionState == "" {
			r.TranscriptionState = models.TranscriptionPending
		}
		return store.ApplyRemoteRecording(r)

	case models.EntityTypeRecordingSource:
		var fields sourceWireFields
		if len(server.Fields) > 0 {
			if err := json.Unmarshal(server.Fields, &fields); err != nil {
				return apperrors.Wrap(apperrors.CodeValidation, "decode server source", err)
			}
		}
		src := &models.RecordingSource{
			SyncEnvelope: serverEnvelope(localID, serverID, server),
			Name:         fields.Name, Kind: fields.Kind, Location: fields.Location,
			IsEnabled: fields.IsEnabled, CreatedAt: fields.CreatedAt,
		}
		return store.ApplyRemoteRecordingSource(src)

	case models.EntityTypeTag:
		var fields tagWireFields
		if len(server.Fields) > 0 {
			if err := json.Unmarshal(server.Fields, &fields); err != nil {
				return apperrors.Wrap(apperrors.CodeValidation, "decode server tag", err)
			}
		}
		t := &models.Tag{
			SyncEnvelope: serverEnvelope(localID, serverID, server),
			Name:         fields.Name, Color: fields.Color, CreatedAt: fields.CreatedAt,
		}
		return store.ApplyRemoteTag(t)

	default:
		return apperrors.Newf(apperrors.CodeValidation, "unknown entity type %q", entityType)
	}
}

func serverEnvelope(localID models.UUID, serverID int64, server *api.ServerEntity) models.SyncEnvelope {
	return models.SyncEnvelope{
		LocalID:   localID,
		ServerID:  &serverID,
		Version:   server.Version,
		UpdatedAt: server.UpdatedAt,
		DeletedAt: server.DeletedAt,
	}
}
