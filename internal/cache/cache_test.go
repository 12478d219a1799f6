package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kaiwachat/roomsync/internal/store"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func msg(id, roomID, sec int) store.Message {
	return store.Message{
		ID:        id,
		RoomID:    roomID,
		Sender:    "al",
		Text:      "hello",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC),
	}
}

func TestSaveAndLoadMessages(t *testing.T) {
	c := newTestCache(t)

	if err := c.SaveMessage(msg(2, 7, 2)); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if err := c.SaveMessage(msg(1, 7, 1)); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if err := c.SaveMessage(msg(3, 8, 3)); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	messages, err := c.Messages(7)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages for room 7, got %d", len(messages))
	}
	if messages[0].ID != 1 || messages[1].ID != 2 {
		t.Errorf("Expected display order [1 2], got [%d %d]", messages[0].ID, messages[1].ID)
	}
	if messages[0].RoomID != 7 || messages[0].Sender != "al" {
		t.Errorf("Row content mismatch: %+v", messages[0])
	}
}

func TestSaveMessageUpsertsTombstone(t *testing.T) {
	c := newTestCache(t)

	m := msg(1, 7, 1)
	if err := c.SaveMessage(m); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	m.Deleted = true
	if err := c.SaveMessage(m); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	messages, err := c.Messages(7)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 1 || !messages[0].Deleted {
		t.Errorf("Expected one tombstoned row, got %+v", messages)
	}
}

func TestPendingMessagesNotCached(t *testing.T) {
	c := newTestCache(t)

	pending := msg(0, 7, 1)
	pending.Pending = true
	if err := c.SaveMessage(pending); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	count, err := c.MessageCount(7)
	if err != nil {
		t.Fatalf("MessageCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Pending message must not be cached, got %d rows", count)
	}
}

func TestDeleteMessageRemovesReaders(t *testing.T) {
	c := newTestCache(t)

	if err := c.SaveMessage(msg(1, 7, 1)); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if err := c.SaveReader(1, "bo"); err != nil {
		t.Fatalf("SaveReader failed: %v", err)
	}

	if err := c.DeleteMessage(1); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}

	messages, _ := c.Messages(7)
	if len(messages) != 0 {
		t.Errorf("Expected no messages, got %d", len(messages))
	}
	readers, _ := c.Readers(7)
	if len(readers) != 0 {
		t.Errorf("Expected no reader rows, got %v", readers)
	}
}

func TestReadersDeduplicated(t *testing.T) {
	c := newTestCache(t)

	c.SaveMessage(msg(1, 7, 1))
	c.SaveReader(1, "bo")
	c.SaveReader(1, "bo")
	c.SaveReader(1, "cy")

	readers, err := c.Readers(7)
	if err != nil {
		t.Fatalf("Readers failed: %v", err)
	}
	if got := readers[1]; len(got) != 2 {
		t.Errorf("Expected 2 distinct readers, got %v", got)
	}
}

func TestRoomsAndCounts(t *testing.T) {
	c := newTestCache(t)

	c.SaveMessage(msg(1, 7, 1))
	c.SaveMessage(msg(2, 7, 2))
	c.SaveMessage(msg(3, 8, 3))

	rooms, err := c.Rooms()
	if err != nil {
		t.Fatalf("Rooms failed: %v", err)
	}
	if len(rooms) != 2 {
		t.Errorf("Expected 2 rooms, got %v", rooms)
	}

	count, err := c.MessageCount(7)
	if err != nil {
		t.Fatalf("MessageCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 messages in room 7, got %d", count)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	c := newTestCache(t)

	for i := 1; i <= 10; i++ {
		if err := c.SaveMessage(msg(i, 7, i)); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
		if err := c.SaveReader(i, "bo"); err != nil {
			t.Fatalf("SaveReader failed: %v", err)
		}
	}

	if err := c.Prune(7, 3); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	messages, err := c.Messages(7)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("Expected 3 messages after prune, got %d", len(messages))
	}
	for i, want := range []int{8, 9, 10} {
		if messages[i].ID != want {
			t.Errorf("Position %d: expected id %d, got %d", i, want, messages[i].ID)
		}
	}

	// Orphaned receipt rows go with their messages.
	readers, err := c.Readers(7)
	if err != nil {
		t.Fatalf("Readers failed: %v", err)
	}
	if len(readers) != 3 {
		t.Errorf("Expected 3 reader sets after prune, got %d", len(readers))
	}
}
