package engine

import (
	"testing"
	"time"
)

func TestEventHard(t *testing.T) {
	if (Event{Type: EventDelete}).Hard() {
		t.Error("Plain delete should not be hard")
	}
	if !(Event{Type: EventDelete, HardDelete: true}).Hard() {
		t.Error("hard_delete flag should mark the event hard")
	}
	if !(Event{Type: EventDelete, Text: hardDeleteMarker}).Hard() {
		t.Error("Text marker should mark the event hard")
	}
}

func TestEventTimestamp(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev := Event{CreatedAt: "2026-03-01T11:30:00Z"}
	if got := ev.Timestamp(received); !got.Equal(received.Add(-30 * time.Minute)) {
		t.Errorf("Expected parsed timestamp, got %v", got)
	}

	for _, createdAt := range []string{"", "not-a-time"} {
		ev := Event{CreatedAt: createdAt}
		if got := ev.Timestamp(received); !got.Equal(received) {
			t.Errorf("created_at %q: expected receipt-time fallback, got %v", createdAt, got)
		}
	}
}
