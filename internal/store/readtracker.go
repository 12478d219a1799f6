package store

import (
	"sync"
)

// Reads tracks which participants have read which messages, plus the
// viewer's own read-state cache used to suppress duplicate read
// notifications. Reader sets only ever grow (the server records reads
// with insert-or-ignore and never revokes them), so merging a snapshot
// is a union, never a replace: a live read event that raced ahead of a
// stale snapshot must survive the merge.
type Reads struct {
	mu         sync.Mutex
	viewer     string
	readers    map[int][]string        // message id -> readers, insertion order
	seen       map[int]map[string]bool // dedup index over readers
	viewerRead map[int]bool            // message ids the viewer has read

	onChange func()
}

func NewReads(viewer string) *Reads {
	return &Reads{
		viewer:     viewer,
		readers:    make(map[int][]string),
		seen:       make(map[int]map[string]bool),
		viewerRead: make(map[int]bool),
	}
}

// OnChange registers the callback invoked after every effective mutation.
func (r *Reads) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// MarkRead records that reader has read the message. Idempotent: an
// already-present pair changes nothing and fires no notification.
func (r *Reads) MarkRead(messageID int, reader string) bool {
	r.mu.Lock()
	changed := r.add(messageID, reader)
	r.mu.Unlock()
	if changed {
		r.notify()
	}
	return changed
}

// Readers returns a copy of the current reader set for the message.
func (r *Reads) Readers(messageID int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.readers[messageID]
	out := make([]string, len(set))
	copy(out, set)
	return out
}

// BulkLoad merges a full per-message reader snapshot. Union semantics:
// entries already recorded locally are preserved even when the snapshot
// does not contain them.
func (r *Reads) BulkLoad(full map[int][]string) bool {
	r.mu.Lock()
	changed := false
	for id, names := range full {
		for _, name := range names {
			if r.add(id, name) {
				changed = true
			}
		}
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}
	return changed
}

// MarkViewerRead records the viewer's own read of a message in the local
// cache. Reports whether it was newly recorded.
func (r *Reads) MarkViewerRead(messageID int) bool {
	r.mu.Lock()
	if r.viewerRead[messageID] {
		r.mu.Unlock()
		return false
	}
	r.viewerRead[messageID] = true
	r.mu.Unlock()
	r.notify()
	return true
}

// LoadViewerRead seeds the viewer read cache from a history snapshot.
func (r *Reads) LoadViewerRead(messageIDs []int) {
	r.mu.Lock()
	changed := false
	for _, id := range messageIDs {
		if !r.viewerRead[id] {
			r.viewerRead[id] = true
			changed = true
		}
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}
}

// HasViewerRead reports whether the viewer has already read the message.
func (r *Reads) HasViewerRead(messageID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewerRead[messageID]
}

// Drop removes all receipt state for a hard-deleted message.
func (r *Reads) Drop(messageID int) {
	r.mu.Lock()
	_, hadReaders := r.readers[messageID]
	delete(r.readers, messageID)
	delete(r.seen, messageID)
	hadViewer := r.viewerRead[messageID]
	delete(r.viewerRead, messageID)
	r.mu.Unlock()
	if hadReaders || hadViewer {
		r.notify()
	}
}

// add inserts the pair if absent. Caller holds the mutex.
func (r *Reads) add(messageID int, reader string) bool {
	set, ok := r.seen[messageID]
	if !ok {
		set = make(map[string]bool)
		r.seen[messageID] = set
	}
	if set[reader] {
		return false
	}
	set[reader] = true
	r.readers[messageID] = append(r.readers[messageID], reader)
	if reader == r.viewer {
		r.viewerRead[messageID] = true
	}
	return true
}

func (r *Reads) notify() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}
