// Package store persists conversation transcripts in SQLite so they outlive
// the in-memory retention window.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcprelay/mcprelay/internal/conversation"
)

// ErrNotFound is returned when a transcript does not exist.
var ErrNotFound = errors.New("transcript not found")

// SQLite archives conversations and their messages.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ conversation.Archive = (*SQLite)(nil)

// NewSQLite opens (or creates) the archive at path. Parent directories are
// created if needed. Use ":memory:" for a throwaway database.
func NewSQLite(path string) (*SQLite, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Pragmas are per connection, and every connection to :memory: is a
	// separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLite{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("transcript archive initialized", "path", path)
	return s, nil
}

func (s *SQLite) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SaveConversation inserts or updates the conversation header and metadata.
// Messages are stored separately through AppendMessage.
func (s *SQLite) SaveConversation(ctx context.Context, c conversation.Conversation) error {
	meta := c.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, updated_at, metadata_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			metadata_json = excluded.metadata_json
	`, c.ID, formatTime(c.CreatedAt), formatTime(c.UpdatedAt), string(metaJSON))
	if err != nil {
		return fmt.Errorf("saving conversation %s: %w", c.ID, err)
	}
	return nil
}

// AppendMessage adds a message to an archived conversation.
func (s *SQLite) AppendMessage(ctx context.Context, id string, m conversation.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?)
	`, id, m.Role, m.Content, formatTime(m.Timestamp)); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(m.Timestamp), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// Transcript loads an archived conversation with all its messages.
func (s *SQLite) Transcript(ctx context.Context, id string) (conversation.Conversation, error) {
	var (
		c                    conversation.Conversation
		createdAt, updatedAt string
		metaJSON             string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, metadata_json FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &createdAt, &updatedAt, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, ErrNotFound
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("querying conversation: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return conversation.Conversation{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return conversation.Conversation{}, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &c.Metadata); err != nil {
		return conversation.Conversation{}, fmt.Errorf("parsing metadata: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	c.Messages = []conversation.Message{}
	for rows.Next() {
		var m conversation.Message
		var ts string
		if err := rows.Scan(&m.Role, &m.Content, &ts); err != nil {
			return conversation.Conversation{}, fmt.Errorf("scanning message: %w", err)
		}
		if m.Timestamp, err = parseTime(ts); err != nil {
			return conversation.Conversation{}, err
		}
		c.Messages = append(c.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return conversation.Conversation{}, fmt.Errorf("iterating messages: %w", err)
	}
	return c, nil
}

// DeleteBefore removes transcripts last updated before cutoff and returns how
// many were removed.
func (s *SQLite) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting transcripts: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("deleted archived transcripts", "count", n)
	}
	return n, nil
}

// Timestamps are stored as fixed-width UTC strings so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
