// Package prefs persists user preferences and chat history locally so the
// session token, theme and last character survive restarts and the last
// conversation can be restored into the store.
package prefs

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/satriahrh/candra/internal/state"
)

// Preference keys.
const (
	KeyToken     = "auth_token"
	KeyTheme     = "theme"
	KeyCharacter = "character"
)

// historyLimit caps how many messages are restored on startup.
const historyLimit = 200

// Store is the SQLite-backed preference and history store.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open creates or opens the preference database at dbPath.
func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{logger: logger, db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		character TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		translation TEXT,
		emotion TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_character ON messages(character, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SetPreference stores one preference value under its key.
func (s *Store) SetPreference(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

// GetPreference returns a preference value, or "" when unset.
func (s *Store) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get preference %s: %w", key, err)
	}
	return value, nil
}

// DeletePreference removes a preference. Deleting an unset key is not an error.
func (s *Store) DeletePreference(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete preference %s: %w", key, err)
	}
	return nil
}

// AppendMessage persists one finalized conversation message.
func (s *Store) AppendMessage(ctx context.Context, character string, msg state.Message) error {
	query := `
	INSERT INTO messages (id, character, role, content, translation, emotion, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, character, string(msg.Role), msg.Content,
		msg.Translation, msg.Emotion, msg.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// History returns the most recent messages for a character in chronological
// order, capped at the restore limit.
func (s *Store) History(ctx context.Context, character string) ([]state.Message, error) {
	query := `
	SELECT id, role, content, translation, emotion, created_at
	FROM messages WHERE character = ?
	ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, character, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close history rows", zap.Error(closeErr))
		}
	}()

	var msgs []state.Message
	for rows.Next() {
		var msg state.Message
		var role string
		var translation, emotion sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &translation, &emotion, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		msg.Role = state.Role(role)
		msg.Translation = translation.String
		msg.Emotion = emotion.String
		msg.Timestamp = time.Unix(createdAt, 0)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ClearHistory removes all stored messages for a character.
func (s *Store) ClearHistory(ctx context.Context, character string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE character = ?`, character); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
