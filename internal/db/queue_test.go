package db

import (
	"testing"
	"time"

	"github.com/lumenhq/lumen/internal/models"
)

func TestDrainQueueFIFO(t *testing.T) {
	s := newTestStore(t)

	var ids []models.UUID
	for _, title := range []string{"a", "b", "c"} {
		n := &models.Note{Title: title}
		if err := s.CreateNote(n); err != nil {
			t.Fatalf("CreateNote failed: %v", err)
		}
		ids = append(ids, n.LocalID)
	}

	entries, err := s.DrainQueue(10)
	if err != nil {
		t.Fatalf("DrainQueue failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.EntityID != ids[i] {
			t.Errorf("entry %d = %s, want %s (insertion order)", i, e.EntityID, ids[i])
		}
	}
}

func TestDrainQueueHonorsLimit(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		s.CreateNote(&models.Note{Title: "n"})
	}
	entries, err := s.DrainQueue(2)
	if err != nil {
		t.Fatalf("DrainQueue failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2", len(entries))
	}
}

func TestCompleteAndFailEntry(t *testing.T) {
	s := newTestStore(t)

	n := &models.Note{Title: "n"}
	s.CreateNote(n)
	entries, _ := s.DrainQueue(10)
	entry := entries[0]

	if err := s.FailQueueEntry(entry.QueueID, "connection refused"); err != nil {
		t.Fatalf("FailQueueEntry failed: %v", err)
	}

	// Failed entries stay eligible for the next cycle.
	entries, _ = s.DrainQueue(10)
	if len(entries) != 1 {
		t.Fatalf("failed entry not returned by DrainQueue")
	}
	if entries[0].Status != models.QueueStatusFailed {
		t.Errorf("status = %s, want failed", entries[0].Status)
	}
	if entries[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", entries[0].RetryCount)
	}
	if entries[0].LastError != "connection refused" {
		t.Errorf("last error = %q", entries[0].LastError)
	}

	if err := s.CompleteQueueEntry(entry.QueueID); err != nil {
		t.Fatalf("CompleteQueueEntry failed: %v", err)
	}
	entries, _ = s.DrainQueue(10)
	if len(entries) != 0 {
		t.Errorf("completed entry still drained: %v", entries)
	}
}

func TestPendingQueueCount(t *testing.T) {
	s := newTestStore(t)

	if n, _ := s.PendingQueueCount(); n != 0 {
		t.Errorf("fresh store pending count = %d, want 0", n)
	}

	note := &models.Note{Title: "n"}
	s.CreateNote(note)
	if n, _ := s.PendingQueueCount(); n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}

	entries, _ := s.DrainQueue(10)
	s.CompleteQueueEntry(entries[0].QueueID)
	if n, _ := s.PendingQueueCount(); n != 0 {
		t.Errorf("pending count after complete = %d, want 0", n)
	}
}

func TestGCQueueRemovesOldCompleted(t *testing.T) {
	s := newTestStore(t)

	note := &models.Note{Title: "old"}
	s.CreateNote(note)
	entries, _ := s.DrainQueue(10)
	s.CompleteQueueEntry(entries[0].QueueID)

	fresh := &models.Note{Title: "fresh"}
	s.CreateNote(fresh)

	// Cutoff in the future removes everything completed; the pending
	// entry must survive regardless.
	removed, err := s.GCQueue(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GCQueue failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if n, _ := s.PendingQueueCount(); n != 1 {
		t.Errorf("pending count after gc = %d, want 1", n)
	}

	// Cutoff in the past removes nothing.
	removed, err = s.GCQueue(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GCQueue failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}
