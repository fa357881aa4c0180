package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database with the given DSN.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL for the chat schema.
func Migrate(db *sql.DB) error {
	stmts := []string{
		// Profiles
		`CREATE TABLE IF NOT EXISTS profiles (
			id VARCHAR(36) PRIMARY KEY,
			username VARCHAR(50) UNIQUE NOT NULL,
			display_name VARCHAR(100) NOT NULL,
			avatar_url VARCHAR(500),
			hashed_password VARCHAR(255) NOT NULL,
			is_active BOOLEAN DEFAULT TRUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_seen DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		// Conversations (direct and group share one table, tagged by kind)
		`CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(36) PRIMARY KEY,
			kind VARCHAR(10) NOT NULL CHECK (kind IN ('direct', 'group')),
			name VARCHAR(100),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		// Membership
		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id VARCHAR(36) NOT NULL,
			user_id VARCHAR(36) NOT NULL,
			role VARCHAR(10) NOT NULL DEFAULT 'member',
			joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (user_id) REFERENCES profiles(id)
		);`,
		// Messages. The id is the client-generated ULID.
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(26) PRIMARY KEY,
			conversation_id VARCHAR(36) NOT NULL,
			sender_id VARCHAR(36) NOT NULL,
			kind VARCHAR(10) NOT NULL DEFAULT 'text',
			content TEXT NOT NULL DEFAULT '',
			reply_to_id VARCHAR(26),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			edited_at DATETIME,
			is_edited BOOLEAN DEFAULT FALSE,
			deleted_at DATETIME,
			is_deleted BOOLEAN DEFAULT FALSE,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (sender_id) REFERENCES profiles(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages (conversation_id, created_at);`,
		// Per-recipient delivery state, one row per recipient except the sender
		`CREATE TABLE IF NOT EXISTS message_status (
			message_id VARCHAR(26) NOT NULL,
			recipient_id VARCHAR(36) NOT NULL,
			is_delivered BOOLEAN DEFAULT FALSE,
			delivered_at DATETIME,
			is_seen BOOLEAN DEFAULT FALSE,
			seen_at DATETIME,
			PRIMARY KEY (message_id, recipient_id),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE,
			FOREIGN KEY (recipient_id) REFERENCES profiles(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_message_status_recipient_unseen
			ON message_status (recipient_id, is_seen);`,
		// Personal hidden-message set ("delete for me")
		`CREATE TABLE IF NOT EXISTS hidden_messages (
			user_id VARCHAR(36) NOT NULL,
			message_id VARCHAR(26) NOT NULL,
			hidden_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, message_id),
			FOREIGN KEY (user_id) REFERENCES profiles(id),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
