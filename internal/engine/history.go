package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kaiwachat/roomsync/internal/notify"
)

// ClientConfig configures the REST history client.
type ClientConfig struct {
	// BaseURL is the HTTP base of the chat server (e.g. "http://localhost:8081").
	BaseURL string
	// Tokens supplies the bearer token attached to every request.
	Tokens TokenProvider
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client fetches REST snapshots (message history, read status, reader
// lists, mentions) and performs the confirmatory persistence calls
// behind optimistic actions. Failed calls never mutate local state;
// transport and server failures come back as *TransientError so callers
// can retry.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("engine: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("engine: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("engine: TokenProvider is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// HistoryMessage is one row of the persisted message history.
type HistoryMessage struct {
	ID        int    `json:"id"`
	SenderID  int    `json:"sender_id"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
	Image     string `json:"image,omitempty"`
	Deleted   bool   `json:"deleted"`
}

// Time parses the row's creation timestamp, falling back to the given
// receipt time when absent or malformed.
func (m HistoryMessage) Time(received time.Time) time.Time {
	ts, err := time.Parse(time.RFC3339, m.CreatedAt)
	if err != nil {
		return received
	}
	return ts
}

// Messages returns the persisted history for the room, oldest first.
func (c *Client) Messages(ctx context.Context, roomID int) ([]HistoryMessage, error) {
	body, err := c.get(ctx, "/messages?room="+strconv.Itoa(roomID))
	if err != nil {
		return nil, err
	}
	var messages []HistoryMessage
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, &TransientError{Op: "fetch messages", Err: err}
	}
	return messages, nil
}

// ReadStatus returns the ids of the viewer's own messages that have
// been read by someone.
func (c *Client) ReadStatus(ctx context.Context, roomID int) ([]int, error) {
	body, err := c.get(ctx, "/read_status?room="+strconv.Itoa(roomID))
	if err != nil {
		return nil, err
	}
	var ids []int
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, &TransientError{Op: "fetch read status", Err: err}
	}
	return ids, nil
}

// FullReaders returns the complete reader list per message for the room.
// The wire shape keys message ids as JSON object keys (strings).
func (c *Client) FullReaders(ctx context.Context, roomID int) (map[int][]string, error) {
	body, err := c.get(ctx, "/read_status_full?room="+strconv.Itoa(roomID))
	if err != nil {
		return nil, err
	}
	var raw map[string][]string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &TransientError{Op: "fetch reader lists", Err: err}
	}
	readers := make(map[int][]string, len(raw))
	for key, names := range raw {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		readers[id] = names
	}
	return readers, nil
}

// RegisterRead persists the viewer's read of a single message.
func (c *Client) RegisterRead(ctx context.Context, messageID int) error {
	_, err := c.do(ctx, http.MethodPost, "/read", map[string]int{"message_id": messageID})
	return err
}

// MarkAllRead marks every unread message in the room read for the viewer.
func (c *Client) MarkAllRead(ctx context.Context, roomID int) error {
	_, err := c.do(ctx, http.MethodPost, "/read_all", map[string]int{"room_id": roomID})
	return err
}

// SoftDelete tombstones a message (partial update; the record survives).
func (c *Client) SoftDelete(ctx context.Context, messageID int) error {
	_, err := c.do(ctx, http.MethodPatch, "/messages/"+strconv.Itoa(messageID), nil)
	return err
}

// HardDelete removes a message entirely. The server enforces ownership
// and the recency gate.
func (c *Client) HardDelete(ctx context.Context, messageID int) error {
	_, err := c.do(ctx, http.MethodDelete, "/messages/"+strconv.Itoa(messageID), nil)
	return err
}

// mentionRow is the wire shape of one /mentions entry.
type mentionRow struct {
	MessageID  int    `json:"message_id"`
	RoomID     int    `json:"room_id"`
	Text       string `json:"text"`
	CreatedAt  string `json:"created_at"`
	SenderName string `json:"sender_name"`
	IsRead     bool   `json:"is_read"`
}

// Mentions returns every mention of the viewer across rooms, newest
// first, for seeding the notification aggregator.
func (c *Client) Mentions(ctx context.Context) ([]notify.Mention, error) {
	body, err := c.get(ctx, "/mentions")
	if err != nil {
		return nil, err
	}
	var rows []mentionRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &TransientError{Op: "fetch mentions", Err: err}
	}
	mentions := make([]notify.Mention, 0, len(rows))
	for _, row := range rows {
		ts, _ := time.Parse(time.RFC3339, row.CreatedAt)
		mentions = append(mentions, notify.Mention{
			MessageID: row.MessageID,
			RoomID:    row.RoomID,
			Text:      row.Text,
			Sender:    row.SenderName,
			CreatedAt: ts,
			Read:      row.IsRead,
		})
	}
	return mentions, nil
}

// OpenRoom returns the id of the direct room shared with partner,
// creating it if needed. A server-side conflict (duplicate room) comes
// back as *ConflictError.
func (c *Client) OpenRoom(ctx context.Context, partner string) (int, error) {
	body, err := c.do(ctx, http.MethodPost, "/rooms", map[string]string{"partner": partner})
	if err != nil {
		return 0, err
	}
	var response struct {
		RoomID int `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return 0, &TransientError{Op: "open room", Err: err}
	}
	return response.RoomID, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// do performs a request with the bearer token and maps failures to the
// engine error taxonomy: 401 is an AuthError, 409 a ConflictError, and
// everything else (network errors included) a TransientError.
func (c *Client) do(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	op := method + " " + path

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("engine: encoding %s body: %w", op, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("engine: creating %s request: %w", op, err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+c.tokens.Token())

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, 8<<20))
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return responseBody, nil
	case response.StatusCode == http.StatusUnauthorized:
		return nil, &AuthError{Reason: op + " rejected"}
	case response.StatusCode == http.StatusConflict:
		return nil, &ConflictError{
			StatusCode: response.StatusCode,
			Message:    strings.TrimSpace(string(responseBody)),
		}
	default:
		return nil, &TransientError{
			Op:  op,
			Err: fmt.Errorf("status %d: %s", response.StatusCode, strings.TrimSpace(string(responseBody))),
		}
	}
}
