package cache

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kaiwachat/roomsync/internal/store"
)

// Cache is the local sqlite copy of synced history. A reopened room is
// seeded from it immediately, before the REST snapshot lands; the
// stores' idempotent merge makes the seed-then-refresh order safe.
type Cache struct {
	db *sql.DB
}

func New(dbPath string) (*Cache, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL so the pruner and session writers do not block readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		room_id INTEGER NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_id ON messages(room_id);

	CREATE TABLE IF NOT EXISTS message_readers (
		message_id INTEGER NOT NULL,
		reader TEXT NOT NULL,
		PRIMARY KEY (message_id, reader)
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveMessage upserts one confirmed message. Pending placeholders have
// no server id yet and are never cached.
func (c *Cache) SaveMessage(m store.Message) error {
	if m.ID == 0 {
		return nil
	}
	deleted := 0
	if m.Deleted {
		deleted = 1
	}
	_, err := c.db.Exec(`
		INSERT INTO messages (id, room_id, sender, text, image, created_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			image = excluded.image,
			deleted = excluded.deleted
	`, m.ID, m.RoomID, m.Sender, m.Text, m.Image, m.CreatedAt.Format(time.RFC3339), deleted)
	return err
}

// DeleteMessage removes a hard-deleted message and its readers.
func (c *Cache) DeleteMessage(id int) error {
	if _, err := c.db.Exec("DELETE FROM messages WHERE id = ?", id); err != nil {
		return err
	}
	_, err := c.db.Exec("DELETE FROM message_readers WHERE message_id = ?", id)
	return err
}

// Messages returns the cached timeline for a room in display order.
func (c *Cache) Messages(roomID int) ([]store.Message, error) {
	rows, err := c.db.Query(`
		SELECT id, sender, text, image, created_at, deleted
		FROM messages WHERE room_id = ?
		ORDER BY created_at ASC, id ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []store.Message
	for rows.Next() {
		var m store.Message
		var createdAt string
		var deleted int
		if err := rows.Scan(&m.ID, &m.Sender, &m.Text, &m.Image, &createdAt, &deleted); err != nil {
			return nil, err
		}
		m.RoomID = roomID
		m.Deleted = deleted != 0
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// SaveReader records one (message, reader) receipt pair.
func (c *Cache) SaveReader(messageID int, reader string) error {
	_, err := c.db.Exec(
		"INSERT OR IGNORE INTO message_readers (message_id, reader) VALUES (?, ?)",
		messageID, reader,
	)
	return err
}

// Readers returns the cached reader sets for every message in the room.
func (c *Cache) Readers(roomID int) (map[int][]string, error) {
	rows, err := c.db.Query(`
		SELECT r.message_id, r.reader
		FROM message_readers r
		JOIN messages m ON m.id = r.message_id
		WHERE m.room_id = ?
		ORDER BY r.message_id ASC, r.reader ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readers := make(map[int][]string)
	for rows.Next() {
		var id int
		var reader string
		if err := rows.Scan(&id, &reader); err != nil {
			return nil, err
		}
		readers[id] = append(readers[id], reader)
	}
	return readers, rows.Err()
}

// Rooms returns the ids of every room with cached messages.
func (c *Cache) Rooms() ([]int, error) {
	rows, err := c.db.Query("SELECT DISTINCT room_id FROM messages")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		rooms = append(rooms, id)
	}
	return rooms, rows.Err()
}

// MessageCount returns the number of cached messages in a room.
func (c *Cache) MessageCount(roomID int) (int, error) {
	var count int
	err := c.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE room_id = ?", roomID,
	).Scan(&count)
	return count, err
}

// Prune drops the oldest cached messages in a room beyond keep, along
// with any receipt rows left without a message.
func (c *Cache) Prune(roomID, keep int) error {
	_, err := c.db.Exec(`
		DELETE FROM messages
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM messages
			WHERE room_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, roomID, roomID, keep)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(`
		DELETE FROM message_readers
		WHERE message_id NOT IN (SELECT id FROM messages)
	`)
	return err
}
