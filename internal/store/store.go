// Package store provides SQLite-backed persistence for users, personas,
// conversations, messages, token usage, and file records. Writes are
// serialized by SQLite (WAL mode); all public methods are safe for
// concurrent use.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Message roles in a conversation's append-only log.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolCall   = "tool_call"
	RoleToolResult = "tool_result"
)

// Permission levels, ordered guest < user < admin < owner.
const (
	PermissionGuest = "guest"
	PermissionUser  = "user"
	PermissionAdmin = "admin"
	PermissionOwner = "owner"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open creates a store at the given database path. The schema is
// created automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id                     TEXT PRIMARY KEY,
		display_name           TEXT NOT NULL,
		permission_level       TEXT NOT NULL,
		token_budget_monthly   INTEGER,
		tokens_used_this_month INTEGER NOT NULL DEFAULT 0,
		budget_reset_at        TEXT NOT NULL,
		created_at             TEXT NOT NULL
	);

	-- One row per (platform, external id); links a chat identity to a user.
	CREATE TABLE IF NOT EXISTS identities (
		platform         TEXT NOT NULL,
		platform_user_id TEXT NOT NULL,
		user_id          TEXT NOT NULL REFERENCES users(id),
		created_at       TEXT NOT NULL,
		PRIMARY KEY (platform, platform_user_id)
	);

	CREATE TABLE IF NOT EXISTS personas (
		id                     TEXT PRIMARY KEY,
		scope                  TEXT NOT NULL UNIQUE,
		name                   TEXT NOT NULL,
		system_prompt          TEXT NOT NULL,
		allowed_modules        TEXT NOT NULL,
		default_model          TEXT,
		max_tokens_per_request INTEGER,
		created_at             TEXT NOT NULL
	);

	-- thread_id uses '' for "no thread" so the uniqueness constraint holds
	-- (SQLite treats NULLs as distinct in UNIQUE indexes).
	CREATE TABLE IF NOT EXISTS conversations (
		id             TEXT PRIMARY KEY,
		platform       TEXT NOT NULL,
		channel_id     TEXT NOT NULL,
		thread_id      TEXT NOT NULL DEFAULT '',
		server_id      TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL,
		last_active_at TEXT NOT NULL,
		UNIQUE (platform, channel_id, thread_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);

	CREATE TABLE IF NOT EXISTS token_log (
		id              TEXT PRIMARY KEY,
		created_at      TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		conversation_id TEXT,
		model           TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		cost_usd        REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_token_log_created ON token_log(created_at);
	CREATE INDEX IF NOT EXISTS idx_token_log_user ON token_log(user_id);

	CREATE TABLE IF NOT EXISTS files (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		conversation_id TEXT,
		name            TEXT NOT NULL,
		url             TEXT NOT NULL,
		content_type    TEXT,
		size_bytes      INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_files_conversation ON files(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// newID generates a UUIDv7 for persisted rows. v7 IDs sort by creation
// time, which keeps primary-key ordering aligned with insertion order.
func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
