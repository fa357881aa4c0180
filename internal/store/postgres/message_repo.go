package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
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

const messageColumns = `id, conversation_id, sender_id, kind, content, reply_to_id, created_at, edited_at, is_edited, deleted_at, is_deleted`

func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, kind, content, reply_to_id, created_at, is_edited, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`,
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
	m := &domain.Message{}
	err := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = $1
	`, id).Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.Kind, &m.Content, &m.ReplyToID,
		&m.CreatedAt, &m.EditedAt, &m.IsEdited, &m.DeletedAt, &m.IsDeleted,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) ListPage(ctx context.Context, conversationID, viewerID string, limit, offset int) ([]*domain.Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, m.kind, m.content, m.reply_to_id, m.created_at, m.edited_at, m.is_edited, m.deleted_at, m.is_deleted
		FROM messages m
		WHERE m.conversation_id = $1
		AND NOT EXISTS (
			SELECT 1 FROM hidden_messages h
			WHERE h.message_id = m.id AND h.user_id = $2
		)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3 OFFSET $4
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
			&m.ID, &m.ConversationID, &m.SenderID, &m.Kind, &m.Content, &m.ReplyToID,
			&m.CreatedAt, &m.EditedAt, &m.IsEdited, &m.DeletedAt, &m.IsDeleted,
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
		SET content = $1, is_edited = TRUE, edited_at = $2
		WHERE id = $3 AND is_deleted = FALSE
	`, content, editedAt, id)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	return nil
}

func (r *MessageRepo) SoftDeleteForEveryone(ctx context.Context, id string, deletedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET is_deleted = TRUE, deleted_at = $1, content = ''
		WHERE id = $2
	`, deletedAt, id)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	return nil
}

// placeholders renders $start..$start+n-1 for IN clauses.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ",")
}
