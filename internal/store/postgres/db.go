package postgres

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL for the chat schema on PostgreSQL.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id               VARCHAR(36)  PRIMARY KEY,
			username         VARCHAR(50)  UNIQUE NOT NULL,
			display_name     VARCHAR(100) NOT NULL,
			avatar_url       VARCHAR(500),
			hashed_password  VARCHAR(255) NOT NULL,
			is_active        BOOLEAN      NOT NULL DEFAULT TRUE,
			created_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			last_seen        TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id         VARCHAR(36) PRIMARY KEY,
			kind       VARCHAR(10) NOT NULL CHECK (kind IN ('direct', 'group')),
			name       VARCHAR(100),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id VARCHAR(36) NOT NULL REFERENCES conversations(id),
			user_id         VARCHAR(36) NOT NULL REFERENCES profiles(id),
			role            VARCHAR(10) NOT NULL DEFAULT 'member',
			joined_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (conversation_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id              VARCHAR(26) PRIMARY KEY,
			conversation_id VARCHAR(36) NOT NULL REFERENCES conversations(id),
			sender_id       VARCHAR(36) NOT NULL REFERENCES profiles(id),
			kind            VARCHAR(10) NOT NULL DEFAULT 'text',
			content         TEXT        NOT NULL DEFAULT '',
			reply_to_id     VARCHAR(26),
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			edited_at       TIMESTAMPTZ,
			is_edited       BOOLEAN     NOT NULL DEFAULT FALSE,
			deleted_at      TIMESTAMPTZ,
			is_deleted      BOOLEAN     NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages (conversation_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS message_status (
			message_id   VARCHAR(26) NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			recipient_id VARCHAR(36) NOT NULL REFERENCES profiles(id),
			is_delivered BOOLEAN     NOT NULL DEFAULT FALSE,
			delivered_at TIMESTAMPTZ,
			is_seen      BOOLEAN     NOT NULL DEFAULT FALSE,
			seen_at      TIMESTAMPTZ,
			PRIMARY KEY (message_id, recipient_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_status_recipient_unseen
			ON message_status (recipient_id, is_seen)`,

		`CREATE TABLE IF NOT EXISTS hidden_messages (
			user_id    VARCHAR(36) NOT NULL REFERENCES profiles(id),
			message_id VARCHAR(26) NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			hidden_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, message_id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
