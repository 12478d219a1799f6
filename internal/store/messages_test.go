package store

import (
	"sync"
	"testing"
	"time"
)

func ts(sec int) time.Time {
	return time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC)
}

func collect(s *Messages) []Message {
	var out []Message
	for m := range s.All() {
		out = append(out, m)
	}
	return out
}

func TestUpsertKeepsDisplayOrder(t *testing.T) {
	s := NewMessages(7)

	// History arrives out of order, then a live event lands on top.
	s.Upsert(Message{ID: 2, RoomID: 7, Sender: "bo", Text: "second", CreatedAt: ts(2)})
	s.Upsert(Message{ID: 1, RoomID: 7, Sender: "al", Text: "first", CreatedAt: ts(1)})
	s.Upsert(Message{ID: 3, RoomID: 7, Sender: "al", Text: "third", CreatedAt: ts(3)})
	s.Upsert(Message{ID: 4, RoomID: 7, Sender: "bo", Text: "live", CreatedAt: ts(9)})

	got := collect(s)
	if len(got) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(got))
	}
	for i, want := range []int{1, 2, 3, 4} {
		if got[i].ID != want {
			t.Errorf("Position %d: expected id %d, got %d", i, want, got[i].ID)
		}
	}
}

func TestUpsertTiebreaksOnID(t *testing.T) {
	s := NewMessages(1)

	same := ts(5)
	s.Upsert(Message{ID: 12, Text: "b", CreatedAt: same})
	s.Upsert(Message{ID: 11, Text: "a", CreatedAt: same})

	got := collect(s)
	if got[0].ID != 11 || got[1].ID != 12 {
		t.Errorf("Expected ids [11 12], got [%d %d]", got[0].ID, got[1].ID)
	}
}

func TestUpsertDuplicateIDIsNoOp(t *testing.T) {
	s := NewMessages(1)

	changes := 0
	s.OnChange(func() { changes++ })

	if !s.Upsert(Message{ID: 5, Text: "hi", CreatedAt: ts(1)}) {
		t.Fatal("First upsert should report a change")
	}
	if s.Upsert(Message{ID: 5, Text: "hi again", CreatedAt: ts(2)}) {
		t.Error("Duplicate id upsert should be a no-op")
	}

	if s.Len() != 1 {
		t.Errorf("Expected 1 message, got %d", s.Len())
	}
	if changes != 1 {
		t.Errorf("Expected 1 change notification, got %d", changes)
	}
	m, _ := s.Get(5)
	if m.Text != "hi" {
		t.Errorf("Original text should survive the duplicate, got %q", m.Text)
	}
}

func TestUpsertReconcilesOptimisticSend(t *testing.T) {
	s := NewMessages(1)

	s.Upsert(Message{Correlation: "corr-1", Sender: "al", Text: "hello", CreatedAt: ts(1)})

	got := collect(s)
	if len(got) != 1 || !got[0].Pending {
		t.Fatalf("Expected one pending placeholder, got %+v", got)
	}

	// Server echo carries the token and the assigned id.
	changed := s.Upsert(Message{
		ID:          42,
		Correlation: "corr-1",
		Sender:      "al",
		Text:        "hello",
		CreatedAt:   ts(2),
	})
	if !changed {
		t.Fatal("Confirmation should report a change")
	}

	got = collect(s)
	if len(got) != 1 {
		t.Fatalf("Expected 1 message after confirmation, got %d", len(got))
	}
	if got[0].ID != 42 || got[0].Pending {
		t.Errorf("Placeholder should be claimed: id=%d pending=%v", got[0].ID, got[0].Pending)
	}
	if !got[0].CreatedAt.Equal(ts(2)) {
		t.Errorf("Confirmation timestamp should win, got %v", got[0].CreatedAt)
	}

	// The echo also reaches us via the regular history path later.
	if s.Upsert(Message{ID: 42, Text: "hello", CreatedAt: ts(2)}) {
		t.Error("Re-delivery of the confirmed id should be a no-op")
	}
}

func TestUpsertDuplicateCorrelationIsNoOp(t *testing.T) {
	s := NewMessages(1)

	s.Upsert(Message{Correlation: "corr-2", Text: "once", CreatedAt: ts(1)})
	if s.Upsert(Message{Correlation: "corr-2", Text: "twice", CreatedAt: ts(1)}) {
		t.Error("Duplicate correlation upsert should be a no-op")
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 message, got %d", s.Len())
	}
}

func TestMarkDeletedSoftKeepsTombstone(t *testing.T) {
	s := NewMessages(1)
	s.Upsert(Message{ID: 1, Text: "bye", CreatedAt: ts(1)})

	changes := 0
	s.OnChange(func() { changes++ })

	if !s.MarkDeleted(1, false) {
		t.Fatal("Soft delete should report a change")
	}
	m, ok := s.Get(1)
	if !ok || !m.Deleted {
		t.Errorf("Tombstone should remain: ok=%v deleted=%v", ok, m.Deleted)
	}

	// Re-delivered delete event.
	if s.MarkDeleted(1, false) {
		t.Error("Second soft delete should be a no-op")
	}
	if changes != 1 {
		t.Errorf("Expected 1 change notification, got %d", changes)
	}
}

func TestMarkDeletedHardRemovesRecord(t *testing.T) {
	s := NewMessages(1)
	s.Upsert(Message{ID: 1, Text: "a", CreatedAt: ts(1)})
	s.Upsert(Message{ID: 2, Text: "b", CreatedAt: ts(2)})

	if !s.MarkDeleted(1, true) {
		t.Fatal("Hard delete should report a change")
	}
	if _, ok := s.Get(1); ok {
		t.Error("Hard-deleted message should be gone")
	}
	got := collect(s)
	if len(got) != 1 || got[0].ID != 2 {
		t.Errorf("Expected only id 2 to remain, got %+v", got)
	}

	if s.MarkDeleted(99, true) {
		t.Error("Deleting an unknown id should be a no-op")
	}
}

func TestAllSnapshotIsRestartable(t *testing.T) {
	s := NewMessages(1)
	s.Upsert(Message{ID: 1, Text: "a", CreatedAt: ts(1)})
	s.Upsert(Message{ID: 2, Text: "b", CreatedAt: ts(2)})

	seq := s.All()

	// A mutation after the snapshot must not leak into it.
	s.Upsert(Message{ID: 3, Text: "c", CreatedAt: ts(3)})

	for pass := 0; pass < 2; pass++ {
		n := 0
		for range seq {
			n++
		}
		if n != 2 {
			t.Errorf("Pass %d: expected 2 messages in snapshot, got %d", pass, n)
		}
	}
}

func TestConcurrentUpserts(t *testing.T) {
	s := NewMessages(1)

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Upsert(Message{ID: i, Text: "x", CreatedAt: ts(i % 60)})
		}(i)
	}
	wg.Wait()

	if s.Len() != 100 {
		t.Errorf("Expected 100 messages, got %d", s.Len())
	}
	var prev Message
	first := true
	for m := range s.All() {
		if !first && before(&m, &prev) {
			t.Fatalf("Ordering violated: %d after %d", m.ID, prev.ID)
		}
		prev, first = m, false
	}
}
