package notify

import (
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaiwachat/roomsync/internal/ratelimit"
)

// Mention is one mention of the viewer, from the mentions snapshot or a
// live message event.
type Mention struct {
	MessageID int
	RoomID    int
	Text      string
	Sender    string
	CreatedAt time.Time
	Read      bool
}

// Aggregator maintains the cross-room unread-mention state feeding the
// outer shell's badges. Multiple room sessions update it concurrently:
// the map is mutex-owned and the total is an atomic counter, so
// increments from independent sessions are never lost to a stale
// read-modify-write. Change notifications are coalesced through a token
// bucket so a burst of live mentions produces a bounded number of
// refreshes.
type Aggregator struct {
	mu      sync.Mutex
	entries map[int]*Mention // by message id

	total atomic.Int64 // unread mentions across all rooms

	limiter  *ratelimit.Limiter
	dirty    atomic.Bool
	onChange atomic.Pointer[func()]

	stop     chan struct{}
	stopOnce sync.Once
}

func New() *Aggregator {
	a := &Aggregator{
		entries: make(map[int]*Mention),
		limiter: ratelimit.NewLimiter(4, 2),
		stop:    make(chan struct{}),
	}
	go a.flushLoop()
	return a
}

// OnChange registers the callback fired (coalesced) after unread state
// changes.
func (a *Aggregator) OnChange(fn func()) {
	a.onChange.Store(&fn)
}

// Close stops the coalescing loop.
func (a *Aggregator) Close() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// Load merges a mentions snapshot. Union semantics: a mention already
// marked read locally stays read even when the snapshot still reports
// it unread.
func (a *Aggregator) Load(mentions []Mention) {
	a.mu.Lock()
	changed := false
	for _, m := range mentions {
		if existing, ok := a.entries[m.MessageID]; ok {
			if m.Read && !existing.Read {
				existing.Read = true
				a.total.Add(-1)
				changed = true
			}
			continue
		}
		record := m
		a.entries[m.MessageID] = &record
		if !record.Read {
			a.total.Add(1)
		}
		changed = true
	}
	a.mu.Unlock()
	if changed {
		a.changed()
	}
}

// Bump records a live mention of the viewer. Duplicate message ids are
// ignored.
func (a *Aggregator) Bump(m Mention) {
	a.mu.Lock()
	if _, ok := a.entries[m.MessageID]; ok {
		a.mu.Unlock()
		return
	}
	record := m
	a.entries[m.MessageID] = &record
	if !record.Read {
		a.total.Add(1)
	}
	a.mu.Unlock()
	a.changed()
}

// MarkRead marks a single mention read.
func (a *Aggregator) MarkRead(messageID int) {
	a.mu.Lock()
	m, ok := a.entries[messageID]
	if !ok || m.Read {
		a.mu.Unlock()
		return
	}
	m.Read = true
	a.total.Add(-1)
	a.mu.Unlock()
	a.changed()
}

// MarkAllRead marks every mention in the room read, on confirmation of
// the server-side mark-all-read call.
func (a *Aggregator) MarkAllRead(roomID int) {
	a.mu.Lock()
	changed := false
	for _, m := range a.entries {
		if m.RoomID == roomID && !m.Read {
			m.Read = true
			a.total.Add(-1)
			changed = true
		}
	}
	a.mu.Unlock()
	if changed {
		a.changed()
	}
}

// UnreadTotal returns the unread-mention count across all rooms.
func (a *Aggregator) UnreadTotal() int64 {
	return a.total.Load()
}

// Unread returns the unread-mention count for one room.
func (a *Aggregator) Unread(roomID int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, m := range a.entries {
		if m.RoomID == roomID && !m.Read {
			count++
		}
	}
	return count
}

// Pending returns a restartable sequence of unread mentions ordered by
// recency, newest first. The snapshot is taken when Pending is called.
func (a *Aggregator) Pending() iter.Seq[Mention] {
	a.mu.Lock()
	snapshot := make([]Mention, 0, len(a.entries))
	for _, m := range a.entries {
		if !m.Read {
			snapshot = append(snapshot, *m)
		}
	}
	a.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if !snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].CreatedAt.After(snapshot[j].CreatedAt)
		}
		return snapshot[i].MessageID > snapshot[j].MessageID
	})

	return func(yield func(Mention) bool) {
		for _, m := range snapshot {
			if !yield(m) {
				return
			}
		}
	}
}

func (a *Aggregator) changed() {
	if a.limiter.Allow() {
		a.fire()
		return
	}
	a.dirty.Store(true)
}

func (a *Aggregator) fire() {
	if fn := a.onChange.Load(); fn != nil {
		(*fn)()
	}
}

// flushLoop delivers a trailing notification for changes that were
// absorbed by the rate limiter.
func (a *Aggregator) flushLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if a.dirty.Swap(false) {
				a.fire()
			}
		}
	}
}
