package sync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/lumenhq/lumen/internal/api"
	"github.com/lumenhq/lumen/internal/apperrors"
	"github.com/lumenhq/lumen/internal/db"
	"github.com/lumenhq/lumen/internal/models"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.NewMigrator(database).Apply(); err != nil {
		t.Fatalf("Apply migrations failed: %v", err)
	}
	return db.NewStore(database)
}

type deletedCall struct {
	Type     string
	ServerID int64
}

// fakeClient is an in-memory sync service double. By default every upload
// succeeds with an incrementing server id.
type fakeClient struct {
	mu           sync.Mutex
	nextServerID int64
	synced       []api.Entity
	deleted      []deletedCall

	syncFn  func(api.Entity) (*api.ServerEntity, error)
	bulkFn  func(api.BulkRequest) (*api.BulkResult, error)
	pingErr error
}

func (f *fakeClient) SyncEntity(ctx context.Context, e api.Entity) (*api.ServerEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, e)
	if f.syncFn != nil {
		return f.syncFn(e)
	}
	serverID := f.assignID(e.ServerID)
	return &api.ServerEntity{
		ServerID: serverID, LocalID: e.LocalID, Type: e.Type,
		Version: e.Version, UpdatedAt: e.UpdatedAt,
	}, nil
}

func (f *fakeClient) BulkSync(ctx context.Context, req api.BulkRequest) (*api.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkFn != nil {
		return f.bulkFn(req)
	}
	out := &api.BulkResult{}
	for _, e := range append(append(append([]api.Entity{}, req.Entities...), req.Sources...), req.Tags...) {
		id := f.assignID(e.ServerID)
		out.Results = append(out.Results, api.BulkItemResult{
			LocalID: e.LocalID, Status: api.BulkStatusSuccess,
			ServerID: &id, Version: e.Version,
			ServerCopy: &api.ServerEntity{ServerID: id, Type: e.Type, Version: e.Version},
		})
		out.SuccessCount++
	}
	return out, nil
}

func (f *fakeClient) assignID(existing *int64) int64 {
	if existing != nil {
		return *existing
	}
	f.nextServerID++
	return f.nextServerID
}

func (f *fakeClient) DeleteEntity(ctx context.Context, entityType string, serverID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, deletedCall{entityType, serverID})
	return nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.synced) + len(f.deleted)
}

func TestCycleUploadsQueuedCreates(t *testing.T) {
	store := newTestStore(t)
	client := &fakeClient{}
	w := NewWorker(store, client, 100)

	n := &models.Note{Title: "note"}
	store.CreateNote(n)
	tag := &models.Tag{Name: "work"}
	store.CreateTag(tag)

	res := w.RunCycle(context.Background(), nil)
	if res.ErrorCount != 0 {
		t.Fatalf("cycle errors = %d, want 0", res.ErrorCount)
	}
	if res.SuccessCount != 2 {
		t.Errorf("cycle successes = %d, want 2", res.SuccessCount)
	}

	for _, check := range []struct {
		entityType string
		localID    models.UUID
	}{
		{models.EntityTypeNote, n.LocalID},
		{models.EntityTypeTag, tag.LocalID},
	} {
		env, err := store.Envelope(check.entityType, check.localID)
		if err != nil {
			t.Fatalf("Envelope(%s): %v", check.localID, err)
		}
		if env.Pending() {
			t.Errorf("%s still pending after cycle", check.entityType)
		}
		if env.ServerID == nil {
			t.Errorf("%s has no server id after cycle", check.entityType)
		}
	}

	if pending, _ := store.PendingQueueCount(); pending != 0 {
		t.Errorf("queue still has %d entries", pending)
	}
}

func TestParentsUploadedBeforeChildren(t *testing.T) {
	store := newTestStore(t)
	client := &fakeClient{}
	w := NewWorker(store, client, 100)

	root := &models.Note{Title: "root"}
	store.CreateNote(root)
	child := &models.Note{Title: "child", ParentID: root.LocalID}
	store.CreateNote(child)

	res := w.RunCycle(context.Background(), nil)
	if res.ErrorCount != 0 {
		t.Fatalf("cycle errors = %d", res.ErrorCount)
	}

	var rootIdx, childIdx = -1, -1
	for i, e := range client.synced {
		switch e.LocalID {
		case root.LocalID:
			rootIdx = i
		case child.LocalID:
			childIdx = i
		}
	}
	if rootIdx == -1 || childIdx == -1 || rootIdx > childIdx {
		t.Fatalf("upload order: root at %d, child at %d", rootIdx, childIdx)
	}

	// The child's wire payload carries the parent's freshly assigned
	// server id.
	rootEnv, _ := store.Envelope(models.EntityTypeNote, root.LocalID)
	var fields noteWireFields
	if err := json.Unmarshal(client.synced[childIdx].Fields, &fields); err != nil {
		t.Fatalf("decode child fields: %v", err)
	}
	if fields.ParentServerID == nil || *fields.ParentServerID != *rootEnv.ServerID {
		t.Errorf("child parent_server_id = %v, want %d", fields.ParentServerID, *rootEnv.ServerID)
	}
}

func TestLinkUploadedWithServerIDs(t *testing.T) {
	store := newTestStore(t)
	client := &fakeClient{}
	w := NewWorker(store, client, 100)

	a := &models.Note{Title: "a"}
	store.CreateNote(a)
	b := &models.Note{Title: "b"}
	store.CreateNote(b)
	link := &models.NoteLink{SourceNoteID: a.LocalID, TargetNoteID: b.LocalID, LinkText: "see"}
	store.CreateNoteLink(link)

	res := w.RunCycle(context.Background(), nil)
	if res.ErrorCount != 0 {
		t.Fatalf("cycle errors = %d", res.ErrorCount)
	}

	var linkWire *api.Entity
	for i := range client.synced {
		if client.synced[i].Type == models.EntityTypeNoteLink {
			linkWire = &client.synced[i]
		}
	}
	if linkWire == nil {
		t.Fatal("link never uploaded")
	}
	var fields linkWireFields
	json.Unmarshal(linkWire.Fields, &fields)
	if fields.SourceServerID == 0 || fields.TargetServerID == 0 {
		t.Errorf("link uploaded without endpoint server ids: %+v", fields)
	}
}

func TestConflictRemoteWinsOverwritesLocal(t *testing.T) {
	store := newTestStore(t)

	n := &models.Note{Title: "mine"}
	store.CreateNote(n)

	serverFields, _ := json.Marshal(noteWireFields{Title: "theirs", CreatedAt: n.CreatedAt})
	client := &fakeClient{
		syncFn: func(e api.Entity) (*api.ServerEntity, error) {
			return nil, &apperrors.Error{
				Code:    apperrors.CodeConflict,
				Message: "version conflict",
				Err: &api.ConflictError{Server: &api.ServerEntity{
					ServerID: 50, Type: models.EntityTypeNote,
					Version: 9, UpdatedAt: n.UpdatedAt + 100, Fields: serverFields,
				}},
			}
		},
	}
	w := NewWorker(store, client, 100)

	res := w.RunCycle(context.Background(), nil)
	if res.ErrorCount != 0 {
		t.Fatalf("cycle errors = %d, want 0 (conflict is resolved, not failed)", res.ErrorCount)
	}

	got, err := store.GetNote(n.LocalID)
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if got.Title != "theirs" {
		t.Errorf("title = %q, want server copy to win", got.Title)
	}
	if got.Version != 9 {
		t.Errorf("version = %d, want 9", got.Version)
	}
	if got.Pending() {
		t.Error("overwritten note should be marked synced")
	}

	logs, _ := store.ListConflicts(10)
	if len(logs) != 1 || logs[0].Winner != models.ConflictWinnerRemote {
		t.Errorf("conflict log = %+v, want one remote-wins record", logs)
	}

	if pending, _ := store.PendingQueueCount(); pending != 0 {
		t.Errorf("queue entry not completed after conflict resolution")
	}
}

func TestDeleteNeverUploadedSkipsNetwork(t *testing.T) {
	store := newTestStore(t)
	client := &fakeClient{}
	w := NewWorker(store, client, 100)

	n := &models.Note{Title: "ephemeral"}
	store.CreateNote(n)
	store.SoftDeleteNote(n.LocalID)

	res := w.RunCycle(context.Background(), nil)
	if res.ErrorCount != 0 {
		t.Fatalf("cycle errors = %d", res.ErrorCount)
	}
	if len(client.deleted) != 0 {
		t.Errorf("server delete called for an entity the server never saw")
	}
	if _, err := store.Envelope(models.EntityTypeNote, n.LocalID); !apperrors.IsNotFound(err) {
		t.Error("tombstone not purged locally")
	}
	if pending, _ := store.PendingQueueCount(); pending != 0 {
		t.Errorf("queue not drained")
	}
}

func TestDeleteSyncedEntityCallsServer(t *testing.T) {
	store := newTestStore(t)
	client := &fakeClient{}
	w := NewWorker(store, client, 100)

	n := &models.Note{Title: "note"}
	store.CreateNote(n)
	w.RunCycle(context.Background(), nil)

	env, _ := store.Envelope(models.EntityTypeNote, n.LocalID)
	serverID := *env.ServerID

	store.SoftDeleteNote(n.LocalID)
	res := w.RunCycle(context.Background(), nil)
	if res.ErrorCount != 0 {
		t.Fatalf("cycle errors = %d", res.ErrorCount)
	}

	if len(client.deleted) != 1 || client.deleted[0] != (deletedCall{models.EntityTypeNote, serverID}) {
		t.Errorf("deleted calls = %v, want one for server id %d", client.deleted, serverID)
	}
	if _, err := store.Envelope(models.EntityTypeNote, n.LocalID); !apperrors.IsNotFound(err) {
		t.Error("acked tombstone not purged")
	}
}

func TestTransportFailureKeepsQueueForRetry(t *testing.T) {
	store := newTestStore(t)

	n := &models.Note{Title: "note"}
	store.CreateNote(n)

	client := &fakeClient{
		syncFn: func(e api.Entity) (*api.ServerEntity, error) {
			return nil, apperrors.New(apperrors.CodeTransport, "connection refused")
		},
	}
	w := NewWorker(store, client, 100)

	res := w.RunCycle(context.Background(), nil)
	if res.ErrorCount == 0 {
		t.Fatal("transport failure not reported")
	}

	entries, _ := store.DrainQueue(10)
	if len(entries) != 1 {
		t.Fatalf("queue lost the failed entry")
	}
	if entries[0].Status != models.QueueStatusFailed || entries[0].RetryCount != 1 {
		t.Errorf("entry = %s retry %d, want failed/1", entries[0].Status, entries[0].RetryCount)
	}

	// Next cycle against a healthy server recovers.
	client.syncFn = nil
	res = w.RunCycle(context.Background(), nil)
	if res.ErrorCount != 0 {
		t.Fatalf("recovery cycle errors = %d", res.ErrorCount)
	}
	env, _ := store.Envelope(models.EntityTypeNote, n.LocalID)
	if env.Pending() {
		t.Error("note still pending after recovery cycle")
	}
}

func TestCleanStoreMakesNoCalls(t *testing.T) {
	store := newTestStore(t)
	client := &fakeClient{}
	w := NewWorker(store, client, 100)

	n := &models.Note{Title: "note"}
	store.CreateNote(n)
	w.RunCycle(context.Background(), nil)

	before := client.callCount()
	res := w.RunCycle(context.Background(), nil)
	if res.SuccessCount != 0 || res.ErrorCount != 0 {
		t.Errorf("idle cycle result = %+v, want zeros", res)
	}
	if client.callCount() != before {
		t.Errorf("idle cycle made %d extra calls", client.callCount()-before)
	}
}

func TestAuxiliaryEntitiesShipInBulk(t *testing.T) {
	store := newTestStore(t)

	var bulkReqs []api.BulkRequest
	client := &fakeClient{}
	client.bulkFn = func(req api.BulkRequest) (*api.BulkResult, error) {
		bulkReqs = append(bulkReqs, req)
		out := &api.BulkResult{}
		for _, e := range append(append(append([]api.Entity{}, req.Entities...), req.Sources...), req.Tags...) {
			client.nextServerID++
			id := client.nextServerID
			out.Results = append(out.Results, api.BulkItemResult{
				LocalID: e.LocalID, Status: api.BulkStatusSuccess,
				ServerID: &id, Version: e.Version,
				ServerCopy: &api.ServerEntity{ServerID: id, Type: e.Type, Version: e.Version},
			})
			out.SuccessCount++
		}
		return out, nil
	}
	w := NewWorker(store, client, 100)

	rec := &models.Recording{Title: "call"}
	store.CreateRecording(rec)
	src := &models.RecordingSource{Name: "inbox", Kind: "email"}
	store.CreateRecordingSource(src)
	tag := &models.Tag{Name: "calls"}
	store.CreateTag(tag)

	// First cycle clears the create entries; the update afterwards has
	// its queue entry completed manually so only the pending re-scan
	// covers the dirty row.
	w.RunCycle(context.Background(), nil)

	rec.Title = "call v2"
	store.UpdateRecording(rec)
	entries, _ := store.DrainQueue(10)
	for _, e := range entries {
		store.CompleteQueueEntry(e.QueueID)
	}

	res := w.RunCycle(context.Background(), nil)
	if res.ErrorCount != 0 {
		t.Fatalf("cycle errors = %d", res.ErrorCount)
	}
	if len(bulkReqs) == 0 {
		t.Fatal("no bulk call made for auxiliary entities")
	}
	last := bulkReqs[len(bulkReqs)-1]
	if len(last.Entities) != 1 || last.Entities[0].LocalID != rec.LocalID {
		t.Errorf("bulk entities = %+v, want the dirty recording", last.Entities)
	}

	env, _ := store.Envelope(models.EntityTypeRecording, rec.LocalID)
	if env.Pending() {
		t.Error("recording still pending after bulk ack")
	}
}

func TestStopFlagHaltsBetweenEntries(t *testing.T) {
	store := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{}
	client.syncFn = func(e api.Entity) (*api.ServerEntity, error) {
		// Request stop while the first item is mid-flight.
		cancel()
		client.nextServerID++
		return &api.ServerEntity{ServerID: client.nextServerID, Type: e.Type, Version: e.Version}, nil
	}
	w := NewWorker(store, client, 100)

	for i := 0; i < 3; i++ {
		store.CreateNote(&models.Note{Title: "n"})
	}

	res := w.RunCycle(ctx, nil)
	if len(client.synced) != 1 {
		t.Errorf("worker made %d uploads after stop, want 1 (current item finishes)", len(client.synced))
	}
	if res.SuccessCount != 1 {
		t.Errorf("success count = %d, want 1", res.SuccessCount)
	}
}
