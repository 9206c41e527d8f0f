// Package history persists conversation transcripts in SQLite.
//
// The log is append-only per conversation: messages keep their insertion
// order, and Update only refreshes the stored snapshot of a message that was
// already appended (for example when a background subagent finishes in a
// later turn).
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bazelment/quill/transcript"
)

// ErrNotFound is returned when a message does not exist.
var ErrNotFound = errors.New("message not found")

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	session_id      TEXT NOT NULL DEFAULT '',
	message_id      TEXT NOT NULL,
	role            TEXT NOT NULL,
	data            TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	UNIQUE (conversation_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, seq);
`

// Store is a SQLite-backed transcript log.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. Use ":memory:" for an
// in-process store.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives only as long as its one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append adds msg to the end of the conversation log.
func (s *Store) Append(ctx context.Context, conversationID, sessionID string, msg *transcript.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message ID is empty")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, session_id, message_id, role, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, sessionID, msg.ID, string(msg.Role), string(data), created.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Update replaces the stored snapshot of an appended message.
func (s *Store) Update(ctx context.Context, conversationID string, msg *transcript.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET data = ? WHERE conversation_id = ? AND message_id = ?`,
		string(data), conversationID, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, msg.ID)
	}
	return nil
}

// Lookup returns one message by id.
func (s *Store) Lookup(ctx context.Context, conversationID, messageID string) (*transcript.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM messages WHERE conversation_id = ? AND message_id = ?`,
		conversationID, messageID)
	return scanMessage(row)
}

// Last returns the most recently appended message.
func (s *Store) Last(ctx context.Context, conversationID string) (*transcript.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1`,
		conversationID)
	return scanMessage(row)
}

// List returns the conversation log in order.
func (s *Store) List(ctx context.Context, conversationID string) ([]*transcript.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []*transcript.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		var msg transcript.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// Sessions returns the distinct session ids recorded for a conversation in
// first-seen order.
func (s *Store) Sessions(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM messages WHERE conversation_id = ? AND session_id != '' GROUP BY session_id ORDER BY MIN(seq)`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func scanMessage(row *sql.Row) (*transcript.Message, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	var msg transcript.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}
