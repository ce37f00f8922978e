// Package sqlite stores chat history in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/lumenwell/serenity/backend/internal/model/chat"
	"github.com/lumenwell/serenity/backend/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	user_id   TEXT NOT NULL,
	type      TEXT NOT NULL CHECK (type IN ('user', 'assistant')),
	content   TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_user_ts ON chat_messages (user_id, timestamp, seq);
`

// Store implements storage.Gateway on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens the database at path and applies the schema. An empty path
// uses a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", dsn, err)
	}
	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	if path != "" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append inserts one row.
func (s *Store) Append(ctx context.Context, userID string, msg chat.Message) error {
	if err := storage.RequireUser(userID); err != nil {
		return err
	}
	if err := storage.ValidateMessage(msg); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Wrap("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_messages WHERE id = ?)`, msg.ID,
	).Scan(&exists); err != nil {
		return storage.Wrap("append", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateMessage, msg.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, user_id, type, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, userID, string(msg.Role), msg.Content, msg.CreatedAt.UnixNano(),
	); err != nil {
		return storage.Wrap("append", err)
	}
	return storage.Wrap("append", tx.Commit())
}

// LoadHistory selects the user's rows ascending by timestamp.
func (s *Store) LoadHistory(ctx context.Context, userID string) ([]chat.Message, error) {
	if err := storage.RequireUser(userID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, timestamp FROM chat_messages WHERE user_id = ? ORDER BY timestamp ASC, seq ASC`,
		userID,
	)
	if err != nil {
		return nil, storage.Wrap("load history", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 16)
	for rows.Next() {
		var (
			msg  chat.Message
			role string
			ts   int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &ts); err != nil {
			return nil, storage.Wrap("load history", err)
		}
		msg.Role = chat.Role(role)
		msg.CreatedAt = time.Unix(0, ts).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap("load history", err)
	}
	return messages, nil
}

// ClearAll deletes the user's rows.
func (s *Store) ClearAll(ctx context.Context, userID string) error {
	if err := storage.RequireUser(userID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE user_id = ?`, userID)
	return storage.Wrap("clear", err)
}
