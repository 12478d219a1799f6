package store

import (
	"iter"
	"sort"
	"sync"
	"time"
)

// Message is one timeline entry in a room. A locally-sent message starts
// out pending with ID 0 and a client-generated correlation token; the
// server confirmation carries the same token and claims the record.
type Message struct {
	ID          int
	Correlation string
	RoomID      int
	Sender      string
	Text        string
	Image       string
	CreatedAt   time.Time
	Deleted     bool
	Pending     bool
}

// Messages holds the ordered timeline for one room. All mutations are
// serialized by an internal mutex: history-sync results, live events and
// user actions arrive on independent goroutines.
type Messages struct {
	mu      sync.Mutex
	roomID  int
	ordered []*Message // sorted by (CreatedAt, ID)
	byID    map[int]*Message
	byCorr  map[string]*Message // pending placeholders only

	onChange func()
}

func NewMessages(roomID int) *Messages {
	return &Messages{
		roomID: roomID,
		byID:   make(map[int]*Message),
		byCorr: make(map[string]*Message),
	}
}

// OnChange registers the callback invoked after every effective mutation.
// No-op calls (duplicate upserts, re-deleting a deleted message) do not
// fire it.
func (s *Messages) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Upsert inserts a message, reconciling duplicates. A confirmed message
// whose correlation token matches a pending placeholder replaces the
// placeholder instead of being inserted alongside it. Re-inserting an
// already-known server ID is a no-op. Reports whether the store changed.
func (s *Messages) Upsert(m Message) bool {
	s.mu.Lock()

	if m.ID != 0 {
		if _, ok := s.byID[m.ID]; ok {
			s.mu.Unlock()
			return false
		}
		if m.Correlation != "" {
			if pending, ok := s.byCorr[m.Correlation]; ok {
				// Server confirmation of an optimistic send: claim the
				// placeholder record in place rather than duplicating it.
				delete(s.byCorr, m.Correlation)
				pending.ID = m.ID
				pending.Text = m.Text
				if m.Image != "" {
					pending.Image = m.Image
				}
				if !m.CreatedAt.IsZero() {
					pending.CreatedAt = m.CreatedAt
				}
				pending.Pending = false
				s.byID[m.ID] = pending
				s.resort()
				s.mu.Unlock()
				s.notify()
				return true
			}
		}
	} else if m.Correlation != "" {
		if _, ok := s.byCorr[m.Correlation]; ok {
			s.mu.Unlock()
			return false
		}
	}

	record := m
	record.Pending = m.ID == 0
	s.insert(&record)
	if record.ID != 0 {
		s.byID[record.ID] = &record
	}
	if record.Pending && record.Correlation != "" {
		s.byCorr[record.Correlation] = &record
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// MarkDeleted applies a delete to the timeline. hard removes the record
// entirely; otherwise the message stays as a tombstone with its Deleted
// flag set. Reports whether anything changed.
func (s *Messages) MarkDeleted(id int, hard bool) bool {
	s.mu.Lock()
	record, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	if hard {
		delete(s.byID, id)
		if record.Correlation != "" {
			delete(s.byCorr, record.Correlation)
		}
		for i, m := range s.ordered {
			if m == record {
				s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		s.notify()
		return true
	}

	if record.Deleted {
		s.mu.Unlock()
		return false
	}
	record.Deleted = true
	s.mu.Unlock()
	s.notify()
	return true
}

// Get returns a copy of the message with the given server ID.
func (s *Messages) Get(id int) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return *record, true
}

// Len returns the number of messages currently in the timeline,
// tombstones included.
func (s *Messages) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ordered)
}

// All returns a restartable sequence over a snapshot of the timeline in
// display order. The snapshot is taken when All is called; ranging the
// sequence multiple times replays the same snapshot.
func (s *Messages) All() iter.Seq[Message] {
	s.mu.Lock()
	snapshot := make([]Message, len(s.ordered))
	for i, m := range s.ordered {
		snapshot[i] = *m
	}
	s.mu.Unlock()

	return func(yield func(Message) bool) {
		for _, m := range snapshot {
			if !yield(m) {
				return
			}
		}
	}
}

// insert places a record at its sorted position. Caller holds the mutex.
func (s *Messages) insert(record *Message) {
	i := sort.Search(len(s.ordered), func(i int) bool {
		return !before(s.ordered[i], record)
	})
	s.ordered = append(s.ordered, nil)
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = record
}

// resort restores the ordering invariant after a record's timestamp or ID
// changed in place. Stable so records with equal keys keep their slots.
func (s *Messages) resort() {
	sort.SliceStable(s.ordered, func(i, j int) bool {
		return before(s.ordered[i], s.ordered[j])
	})
}

// before is the display order: (creation timestamp, id).
func before(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Messages) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
