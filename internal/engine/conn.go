package engine

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

// ConnState is the connection lifecycle state, owned by Conn. Observers
// never mutate it directly.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// TokenProvider supplies the bearer token used at connection
// establishment and on REST calls.
type TokenProvider interface {
	Token() string
}

// ConnConfig configures a Conn.
type ConnConfig struct {
	// URL is the websocket endpoint (e.g. "ws://localhost:8081/ws").
	URL string
	// RoomID is the room joined once the handshake succeeds.
	RoomID int
	// Username identifies the viewer in outgoing leave/read events.
	Username string
	// Tokens supplies the bearer token for the handshake.
	Tokens TokenProvider
	// BackoffMin/BackoffMax bound the reconnect backoff. Defaults:
	// 500ms / 30s.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// EventBuffer is the incoming dispatch queue size. Default 256.
	EventBuffer int
	// Dialer overrides websocket.DefaultDialer (tests).
	Dialer *websocket.Dialer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Conn owns the persistent room connection: dial, authenticate,
// reconnect with exponential backoff, FIFO delivery of outgoing events,
// and the leave notification. Events sent while the connection is not
// open are queued and flushed, in original order, as soon as it opens.
// There is no readiness polling: the queue is drained on the state
// transition itself.
type Conn struct {
	cfg    ConnConfig
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	state  ConnState
	ws     *websocket.Conn
	queue  []Event
	wanted bool

	handler func(Event)
	onState func(ConnState)

	// wmu serializes frame writes on the active socket: the write pump,
	// pings, and the final leave frame.
	wmu sync.Mutex

	kick   chan struct{}
	stop   chan struct{}
	events chan Event
}

func NewConn(cfg ConnConfig) *Conn {
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		cfg:    cfg,
		dialer: dialer,
		logger: logger,
		wanted: true,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		events: make(chan Event, cfg.EventBuffer),
	}
}

// OnEvent registers the callback invoked once per received event, in
// receipt order. It runs on a dedicated dispatch goroutine so a slow
// handler never blocks the socket read loop.
func (c *Conn) OnEvent(handler func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// OnState registers the callback invoked on every state transition.
func (c *Conn) OnState(fn func(ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send delivers the event if the connection is open, otherwise queues it
// for automatic delivery once it opens. FIFO order is preserved across
// reconnects. After Leave, events are dropped.
func (c *Conn) Send(ev Event) {
	c.mu.Lock()
	if !c.wanted || c.state == StateClosing {
		c.mu.Unlock()
		c.logger.Debug("dropping event after leave", "type", ev.Type, "room_id", c.cfg.RoomID)
		return
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()
	c.kickWriter()
}

// Run drives the connection until the context is cancelled or Leave is
// called, reconnecting with capped exponential backoff in between. An
// authentication failure stops the loop: no further connects are
// attempted without a fresh token.
func (c *Conn) Run(ctx context.Context) error {
	go c.dispatch(ctx)

	backoff := c.cfg.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.wantedOpen() {
			return nil
		}

		c.setState(StateConnecting)
		ws, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			if IsAuth(err) {
				c.mu.Lock()
				c.wanted = false
				c.mu.Unlock()
				return err
			}
			c.logger.Warn("connect failed, retrying",
				"room_id", c.cfg.RoomID,
				"backoff", backoff,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.stop:
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
			continue
		}
		backoff = c.cfg.BackoffMin

		closed := make(chan struct{})
		c.open(ws)
		go c.writePump(ctx, ws, closed)
		c.readPump(ctx, ws)
		close(closed)
		ws.Close()
		c.setState(StateDisconnected)
	}
}

// Leave emits a leave event if the connection is open, then transitions
// to Closing and releases the connection. Safe to call on an
// already-closed connection.
func (c *Conn) Leave() {
	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.wanted = false
	wasOpen := c.state == StateOpen
	ws := c.ws
	c.state = StateClosing
	c.queue = nil
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(StateClosing)
	}
	if wasOpen && ws != nil {
		c.wmu.Lock()
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteJSON(Event{Type: EventLeave, RoomID: c.cfg.RoomID, Username: c.cfg.Username})
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		ws.Close()
	}
	close(c.stop)
}

// setState transitions the lifecycle state and notifies the observer.
// Closing is terminal: once Leave ran, later transitions are ignored.
func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = s
	if s != StateOpen {
		c.ws = nil
	}
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

func (c *Conn) wantedOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wanted
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	token := c.cfg.Tokens.Token()
	if token == "" {
		return nil, &AuthError{Reason: "no token available"}
	}

	endpoint := c.cfg.URL
	if strings.Contains(endpoint, "?") {
		endpoint += "&token="
	} else {
		endpoint += "?token="
	}
	endpoint += url.QueryEscape(token)

	ws, response, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if response != nil && (response.StatusCode == http.StatusUnauthorized ||
			response.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Reason: "token rejected by handshake", Err: err}
		}
		return nil, err
	}
	return ws, nil
}

// open transitions to Open and schedules the join event ahead of
// anything queued while disconnected, so the server learns the room
// before any buffered sends arrive.
func (c *Conn) open(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.state = StateOpen
	join := Event{Type: EventJoin, RoomID: c.cfg.RoomID}
	c.queue = append([]Event{join}, c.queue...)
	queued := len(c.queue) - 1
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(StateOpen)
	}
	c.logger.Info("connected", "room_id", c.cfg.RoomID, "queued_events", queued)
	c.kickWriter()
}

func (c *Conn) kickWriter() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Conn) writePump(ctx context.Context, ws *websocket.Conn, closed chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.wmu.Lock()
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := ws.WriteMessage(websocket.PingMessage, nil)
			c.wmu.Unlock()
			if err != nil {
				ws.Close()
				return
			}
		case <-c.kick:
			if !c.flush(ws) {
				ws.Close()
				return
			}
		}
	}
}

// flush drains the queue head-first while the connection stays open.
// On a write failure the event is put back at the front so it is
// delivered, still in order, after the reconnect.
func (c *Conn) flush(ws *websocket.Conn) bool {
	for {
		c.mu.Lock()
		if c.state != StateOpen || c.ws != ws || len(c.queue) == 0 {
			c.mu.Unlock()
			return true
		}
		ev := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.wmu.Lock()
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		err := ws.WriteJSON(ev)
		c.wmu.Unlock()
		if err != nil {
			c.mu.Lock()
			c.queue = append([]Event{ev}, c.queue...)
			c.mu.Unlock()
			return false
		}
	}
}

func (c *Conn) readPump(ctx context.Context, ws *websocket.Conn) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			if c.wantedOpen() && websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("connection lost", "room_id", c.cfg.RoomID, "error", err)
			}
			return
		}
		if ev.CreatedAt == "" {
			ev.CreatedAt = time.Now().Format(time.RFC3339)
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		}
	}
}

// dispatch runs the registered handler sequentially, one event at a
// time, decoupled from the socket read loop.
func (c *Conn) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case ev := <-c.events:
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler != nil {
				handler(ev)
			}
		}
	}
}
