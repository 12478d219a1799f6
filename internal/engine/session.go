package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kaiwachat/roomsync/internal/cache"
	"github.com/kaiwachat/roomsync/internal/notify"
	"github.com/kaiwachat/roomsync/internal/store"
)

// Presenter receives store-change notifications for a room.
type Presenter interface {
	OnStoreChanged(roomID int)
}

// PresenceObserver is implemented by presenters that also want
// join/leave activity.
type PresenceObserver interface {
	OnPresence(roomID int, username string, joined bool)
}

// StateObserver is implemented by presenters that also want connection
// state transitions. Individual connection failures are not surfaced;
// only the state change is.
type StateObserver interface {
	OnConnectionState(roomID int, state ConnState)
}

// MediaUploader uploads an attachment and returns its reference URL.
// The transport behind it is not the engine's concern.
type MediaUploader interface {
	Upload(ctx context.Context, filename string, contents io.Reader) (string, error)
}

// mentionPattern matches @name references in message text. \p{L}
// covers CJK scripts, which the user base writes in.
var mentionPattern = regexp.MustCompile(`@([\p{L}\p{N}_-]+)`)

// SessionConfig configures a Session.
type SessionConfig struct {
	RoomID    int
	Viewer    string // the viewer's username
	Conn      *Conn
	History   *Client
	Presenter Presenter

	// Uploader, Cache and Aggregator are optional collaborators.
	Uploader   MediaUploader
	Cache      *cache.Cache
	Aggregator *notify.Aggregator

	// UndoWindow is the age below which deleting an own message is an
	// undo (full removal) rather than a tombstone. Default 60s.
	UndoWindow time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now overrides the clock (tests). Defaults to time.Now.
	Now func() time.Time
}

// Session owns one room's live state: the message timeline, the
// per-message reader sets, and the connection. It reconciles the REST
// history snapshot, the live event stream, and the viewer's optimistic
// actions into a single consistent view, and notifies the Presenter on
// every change. One Session per open room.
type Session struct {
	roomID     int
	viewer     string
	msgs       *store.Messages
	reads      *store.Reads
	conn       *Conn
	rest       *Client
	presenter  Presenter
	uploader   MediaUploader
	cache      *cache.Cache
	agg        *notify.Aggregator
	undoWindow time.Duration
	logger     *slog.Logger
	now        func() time.Time

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.RoomID == 0 {
		return nil, fmt.Errorf("engine: RoomID is required")
	}
	if cfg.Viewer == "" {
		return nil, fmt.Errorf("engine: Viewer is required")
	}
	if cfg.Conn == nil || cfg.History == nil {
		return nil, fmt.Errorf("engine: Conn and History are required")
	}
	if cfg.UndoWindow <= 0 {
		cfg.UndoWindow = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Session{
		roomID:     cfg.RoomID,
		viewer:     cfg.Viewer,
		msgs:       store.NewMessages(cfg.RoomID),
		reads:      store.NewReads(cfg.Viewer),
		conn:       cfg.Conn,
		rest:       cfg.History,
		presenter:  cfg.Presenter,
		uploader:   cfg.Uploader,
		cache:      cfg.Cache,
		agg:        cfg.Aggregator,
		undoWindow: cfg.UndoWindow,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	s.msgs.OnChange(s.storeChanged)
	s.reads.OnChange(s.storeChanged)
	return s, nil
}

// Open starts the history sync and the live connection concurrently.
// Whichever finishes first, the merge is order-independent: upserts are
// keyed by id and correlation token, receipt merges are unions.
func (s *Session) Open(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.conn.OnEvent(s.handleEvent)
	s.conn.OnState(s.connStateChanged)

	if s.cache != nil {
		s.seedFromCache()
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.conn.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("connection stopped", "room_id", s.roomID, "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("history sync failed", "room_id", s.roomID, "error", err)
		}
	}()
}

// Refresh fetches the REST snapshots (history, viewer read status, full
// reader lists) concurrently and merges them into the stores. A failed
// fetch leaves the stores untouched and is safe to retry.
func (s *Session) Refresh(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, 3)

	wg.Add(3)
	go func() {
		defer wg.Done()
		messages, err := s.rest.Messages(ctx, s.roomID)
		if err != nil {
			errs[0] = err
			return
		}
		s.applyHistory(messages)
	}()
	go func() {
		defer wg.Done()
		ids, err := s.rest.ReadStatus(ctx, s.roomID)
		if err != nil {
			errs[1] = err
			return
		}
		if s.discarding("read status") {
			return
		}
		s.reads.LoadViewerRead(ids)
	}()
	go func() {
		defer wg.Done()
		readers, err := s.rest.FullReaders(ctx, s.roomID)
		if err != nil {
			errs[2] = err
			return
		}
		if s.discarding("reader lists") {
			return
		}
		s.reads.BulkLoad(readers)
	}()
	wg.Wait()

	return errors.Join(errs...)
}

// SendMessage validates, applies an optimistic placeholder locally, and
// enqueues the outgoing event. The placeholder is replaced in place
// when the server confirmation echoes its correlation token.
func (s *Session) SendMessage(text, mediaRef string) (store.Message, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" && mediaRef == "" {
		return store.Message{}, &ValidationError{Reason: "message has no text and no media"}
	}

	m := store.Message{
		Correlation: uuid.NewString(),
		RoomID:      s.roomID,
		Sender:      s.viewer,
		Text:        trimmed,
		Image:       mediaRef,
		CreatedAt:   s.now(),
		Pending:     true,
	}
	s.msgs.Upsert(m)

	s.conn.Send(Event{
		Type:        EventMessage,
		RoomID:      s.roomID,
		Text:        trimmed,
		Image:       mediaRef,
		Username:    s.viewer,
		Correlation: m.Correlation,
	})
	return m, nil
}

// SendMedia uploads the attachment through the configured uploader and
// sends a message referencing it.
func (s *Session) SendMedia(ctx context.Context, text, filename string, contents io.Reader) (store.Message, error) {
	if s.uploader == nil {
		return store.Message{}, &ValidationError{Reason: "no media uploader configured"}
	}
	ref, err := s.uploader.Upload(ctx, filename, contents)
	if err != nil {
		return store.Message{}, &TransientError{Op: "upload media", Err: err}
	}
	return s.SendMessage(text, ref)
}

// DeleteMessage deletes one of the viewer's own messages. Within the
// undo window this is an undo send (full removal); past it, a
// tombstone. The server call runs first: a failed call leaves local
// state untouched.
func (s *Session) DeleteMessage(ctx context.Context, id int) error {
	m, ok := s.msgs.Get(id)
	if !ok {
		return &ValidationError{Reason: fmt.Sprintf("unknown message %d", id)}
	}
	if m.Sender != s.viewer {
		return &OwnershipError{MessageID: id}
	}

	if s.now().Sub(m.CreatedAt) < s.undoWindow {
		if err := s.rest.HardDelete(ctx, id); err != nil {
			return err
		}
		s.conn.Send(Event{Type: EventDelete, RoomID: s.roomID, MessageID: id, Text: hardDeleteMarker})
		s.msgs.MarkDeleted(id, true)
		s.reads.Drop(id)
		if s.cache != nil {
			if err := s.cache.DeleteMessage(id); err != nil {
				s.logger.Warn("cache delete failed", "message_id", id, "error", err)
			}
		}
		return nil
	}

	if err := s.rest.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.conn.Send(Event{Type: EventDelete, RoomID: s.roomID, MessageID: id})
	s.msgs.MarkDeleted(id, false)
	s.cacheMessageByID(id)
	return nil
}

// MarkRead records the viewer's read of a message. Idempotent, and a
// no-op for the viewer's own messages. The local optimistic mark is
// kept even when the confirmatory server call fails; the failure is
// returned so the caller can log it.
func (s *Session) MarkRead(ctx context.Context, id int) error {
	if m, ok := s.msgs.Get(id); ok && m.Sender == s.viewer {
		return nil
	}
	if s.reads.HasViewerRead(id) {
		return nil
	}

	s.reads.MarkViewerRead(id)
	if s.agg != nil {
		s.agg.MarkRead(id)
	}
	s.conn.Send(Event{Type: EventRead, RoomID: s.roomID, Username: s.viewer, MessageID: id})

	if err := s.rest.RegisterRead(ctx, id); err != nil {
		s.logger.Warn("read confirmation failed, keeping local mark",
			"message_id", id, "error", err)
		return err
	}
	return nil
}

// MarkAllRead marks every unread message in the room read for the
// viewer, then refreshes the local read cache and the cross-room
// aggregation.
func (s *Session) MarkAllRead(ctx context.Context) error {
	if err := s.rest.MarkAllRead(ctx, s.roomID); err != nil {
		return err
	}

	var ids []int
	for m := range s.msgs.All() {
		if m.ID != 0 && m.Sender != s.viewer {
			ids = append(ids, m.ID)
		}
	}
	s.reads.LoadViewerRead(ids)

	if s.agg != nil {
		s.agg.MarkAllRead(s.roomID)
	}
	return nil
}

// Close emits the leave notification, terminates the connection, and
// discards any still-pending history results. Safe to call twice.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.conn.Leave()
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until the connection loop and history sync have stopped.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Messages returns a restartable sequence over the timeline in display
// order.
func (s *Session) Messages() iter.Seq[store.Message] {
	return s.msgs.All()
}

// Readers returns the reader set shown for a message. The author is
// never listed as a reader of their own message.
func (s *Session) Readers(id int) []string {
	names := s.reads.Readers(id)
	m, ok := s.msgs.Get(id)
	if !ok {
		return names
	}
	filtered := names[:0]
	for _, name := range names {
		if name != m.Sender {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

// HasViewerRead reports whether the viewer has read the message.
func (s *Session) HasViewerRead(id int) bool {
	return s.reads.HasViewerRead(id)
}

// ConnState returns the current connection state.
func (s *Session) ConnState() ConnState {
	return s.conn.State()
}

// handleEvent applies one live event. Runs on the connection's dispatch
// goroutine, serialized with itself; the stores serialize against the
// other mutation sources.
func (s *Session) handleEvent(ev Event) {
	if s.closed.Load() {
		return
	}
	if ev.RoomID != 0 && ev.RoomID != s.roomID {
		return
	}

	switch ev.Type {
	case EventMessage:
		m := store.Message{
			ID:          ev.MessageID,
			Correlation: ev.Correlation,
			RoomID:      s.roomID,
			Sender:      ev.Username,
			Text:        ev.Text,
			Image:       ev.Image,
			CreatedAt:   ev.Timestamp(s.now()),
		}
		if s.msgs.Upsert(m) {
			s.cacheMessage(m)
			s.noticeMention(m)
		}

	case EventRead:
		if ev.Username == "" {
			return
		}
		// The author's own read is tracked server-side but never shown.
		if m, ok := s.msgs.Get(ev.MessageID); ok && m.Sender == ev.Username {
			return
		}
		if s.reads.MarkRead(ev.MessageID, ev.Username) && s.cache != nil {
			if err := s.cache.SaveReader(ev.MessageID, ev.Username); err != nil {
				s.logger.Warn("cache reader write failed", "message_id", ev.MessageID, "error", err)
			}
		}

	case EventDelete:
		hard := ev.Hard()
		if !s.msgs.MarkDeleted(ev.MessageID, hard) {
			return
		}
		if hard {
			s.reads.Drop(ev.MessageID)
			if s.cache != nil {
				if err := s.cache.DeleteMessage(ev.MessageID); err != nil {
					s.logger.Warn("cache delete failed", "message_id", ev.MessageID, "error", err)
				}
			}
		} else {
			s.cacheMessageByID(ev.MessageID)
		}

	case EventJoin, EventLeave:
		if observer, ok := s.presenter.(PresenceObserver); ok {
			observer.OnPresence(s.roomID, ev.Username, ev.Type == EventJoin)
		}
	}
}

// applyHistory merges a fetched history snapshot, unless the session
// closed while the fetch was in flight.
func (s *Session) applyHistory(messages []HistoryMessage) {
	if s.discarding("history") {
		return
	}
	received := s.now()
	for _, h := range messages {
		m := store.Message{
			ID:        h.ID,
			RoomID:    s.roomID,
			Sender:    h.Username,
			Text:      h.Text,
			Image:     h.Image,
			CreatedAt: h.Time(received),
			Deleted:   h.Deleted,
		}
		if s.msgs.Upsert(m) {
			s.cacheMessage(m)
		}
	}
}

// discarding reports whether the session has closed, logging the
// dropped result.
func (s *Session) discarding(what string) bool {
	if !s.closed.Load() {
		return false
	}
	s.logger.Debug("discarding fetch result after close", "room_id", s.roomID, "fetch", what)
	return true
}

func (s *Session) seedFromCache() {
	messages, err := s.cache.Messages(s.roomID)
	if err != nil {
		s.logger.Warn("cache read failed", "room_id", s.roomID, "error", err)
		return
	}
	for _, m := range messages {
		s.msgs.Upsert(m)
	}
	readers, err := s.cache.Readers(s.roomID)
	if err != nil {
		s.logger.Warn("cache reader read failed", "room_id", s.roomID, "error", err)
		return
	}
	s.reads.BulkLoad(readers)
}

func (s *Session) cacheMessage(m store.Message) {
	if s.cache == nil || m.ID == 0 {
		return
	}
	if err := s.cache.SaveMessage(m); err != nil {
		s.logger.Warn("cache write failed", "message_id", m.ID, "error", err)
	}
}

func (s *Session) cacheMessageByID(id int) {
	if s.cache == nil {
		return
	}
	if m, ok := s.msgs.Get(id); ok {
		s.cacheMessage(m)
	}
}

// noticeMention bumps the cross-room aggregator when an incoming
// message mentions the viewer. Self-mentions are ignored.
func (s *Session) noticeMention(m store.Message) {
	if s.agg == nil || m.Sender == s.viewer || m.ID == 0 {
		return
	}
	for _, match := range mentionPattern.FindAllStringSubmatch(m.Text, -1) {
		if len(match) < 2 || match[1] != s.viewer {
			continue
		}
		s.agg.Bump(notify.Mention{
			MessageID: m.ID,
			RoomID:    s.roomID,
			Text:      m.Text,
			Sender:    m.Sender,
			CreatedAt: m.CreatedAt,
		})
		return
	}
}

func (s *Session) storeChanged() {
	if s.closed.Load() || s.presenter == nil {
		return
	}
	s.presenter.OnStoreChanged(s.roomID)
}

func (s *Session) connStateChanged(state ConnState) {
	if observer, ok := s.presenter.(StateObserver); ok {
		observer.OnConnectionState(s.roomID, state)
	}
}
