package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chatsync/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

// Create inserts the message under its client-generated id. ON CONFLICT DO
// NOTHING makes a retried send after an ambiguous network failure a no-op.
func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, kind, content, reply_to_id, created_at, is_edited, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, query,
		m.ID,
		m.ConversationID,
		m.SenderID,
		m.Kind,
		m.Content,
		m.ReplyToID,
		m.CreatedAt,
		m.IsEdited,
		m.IsDeleted,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, kind, content, reply_to_id, created_at, edited_at, is_edited, deleted_at, is_deleted
		FROM messages
		WHERE id = ?
	`
	m := &domain.Message{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Kind,
		&m.Content,
		&m.ReplyToID,
		&m.CreatedAt,
		&m.EditedAt,
		&m.IsEdited,
		&m.DeletedAt,
		&m.IsDeleted,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListPage returns messages most-recent-first. Messages the viewer has hidden
// via "delete for me" are filtered out at read time.
func (r *MessageRepo) ListPage(ctx context.Context, conversationID, viewerID string, limit, offset int) ([]*domain.Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, m.kind, m.content, m.reply_to_id, m.created_at, m.edited_at, m.is_edited, m.deleted_at, m.is_deleted
		FROM messages m
		WHERE m.conversation_id = ?
		AND NOT EXISTS (
			SELECT 1 FROM hidden_messages h
			WHERE h.message_id = m.id AND h.user_id = ?
		)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, viewerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []*domain.Message
	for rows.Next() {
		m := &domain.Message{}
		if err := rows.Scan(
			&m.ID,
			&m.ConversationID,
			&m.SenderID,
			&m.Kind,
			&m.Content,
			&m.ReplyToID,
			&m.CreatedAt,
			&m.EditedAt,
			&m.IsEdited,
			&m.DeletedAt,
			&m.IsDeleted,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r *MessageRepo) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET content = ?, is_edited = TRUE, edited_at = ?
		WHERE id = ? AND is_deleted = FALSE
	`, content, editedAt, id)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	return nil
}

// SoftDeleteForEveryone blanks the content but keeps the row, so replies to
// this message keep resolving.
func (r *MessageRepo) SoftDeleteForEveryone(ctx context.Context, id string, deletedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET is_deleted = TRUE, deleted_at = ?, content = ''
		WHERE id = ?
	`, deletedAt, id)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	return nil
}
