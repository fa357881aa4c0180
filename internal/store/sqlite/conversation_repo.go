package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chatsync/internal/domain"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation, members []domain.ConversationMember) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, name, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, c.ID, c.Kind, c.Name); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_members (conversation_id, user_id, role, joined_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		`, c.ID, m.UserID, m.Role); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `
		SELECT id, kind, name, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`
	c := &domain.Conversation{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID,
		&c.Kind,
		&c.Name,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// FindDirect locates the existing 1:1 conversation between two users. The
// pair is unordered.
func (r *ConversationRepo) FindDirect(ctx context.Context, userA, userB string) (*domain.Conversation, error) {
	query := `
		SELECT c.id, c.kind, c.name, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_members m1 ON m1.conversation_id = c.id AND m1.user_id = ?
		JOIN conversation_members m2 ON m2.conversation_id = c.id AND m2.user_id = ?
		WHERE c.kind = 'direct'
		LIMIT 1
	`
	c := &domain.Conversation{}
	err := r.db.QueryRowContext(ctx, query, userA, userB).Scan(
		&c.ID,
		&c.Kind,
		&c.Name,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	return c, nil
}

func (r *ConversationRepo) ListMembers(ctx context.Context, conversationID string) ([]*domain.ConversationMember, error) {
	query := `
		SELECT conversation_id, user_id, role, joined_at
		FROM conversation_members
		WHERE conversation_id = ?
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var res []*domain.ConversationMember
	for rows.Next() {
		m := &domain.ConversationMember{}
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r *ConversationRepo) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_members
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check member: %w", err)
	}
	return n > 0, nil
}

func (r *ConversationRepo) GetMemberRole(ctx context.Context, conversationID, userID string) (domain.MemberRole, error) {
	var role domain.MemberRole
	err := r.db.QueryRowContext(ctx, `
		SELECT role FROM conversation_members
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get member role: %w", err)
	}
	return role, nil
}

func (r *ConversationRepo) AddMembers(ctx context.Context, conversationID string, members []domain.ConversationMember) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_members (conversation_id, user_id, role, joined_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		`, conversationID, m.UserID, m.Role); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *ConversationRepo) RemoveMember(ctx context.Context, conversationID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM conversation_members
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (r *ConversationRepo) Touch(ctx context.Context, conversationID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, at, conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// ListSummaries builds chat-list rows for one conversation kind. The two
// kinds need different SQL (partner identity vs group name) but produce the
// same row shape; the caller merges and orders the result.
func (r *ConversationRepo) ListSummaries(ctx context.Context, viewerID string, kind domain.ConversationKind) ([]*domain.ConversationSummary, error) {
	switch kind {
	case domain.ConversationDirect:
		return r.listDirectSummaries(ctx, viewerID)
	case domain.ConversationGroup:
		return r.listGroupSummaries(ctx, viewerID)
	default:
		return nil, fmt.Errorf("unknown conversation kind %q", kind)
	}
}

const lastVisibleMessageSubquery = `
	SELECT id FROM messages
	WHERE conversation_id = c.id
	AND NOT EXISTS (
		SELECT 1 FROM hidden_messages h
		WHERE h.message_id = messages.id AND h.user_id = ?
	)
	ORDER BY created_at DESC, id DESC
	LIMIT 1
`

const unreadCountSubquery = `
	SELECT COUNT(*)
	FROM message_status s
	JOIN messages mm ON mm.id = s.message_id
	WHERE mm.conversation_id = c.id
	AND s.recipient_id = ?
	AND s.is_seen = FALSE
	AND mm.is_deleted = FALSE
`

func (r *ConversationRepo) listDirectSummaries(ctx context.Context, viewerID string) ([]*domain.ConversationSummary, error) {
	query := `
		SELECT c.id, p.id, p.display_name, p.avatar_url,
			m.id, m.sender_id, m.kind, m.content, m.reply_to_id, m.created_at, m.is_edited, m.is_deleted,
			(` + unreadCountSubquery + `) AS unread
		FROM conversations c
		JOIN conversation_members me ON me.conversation_id = c.id AND me.user_id = ?
		JOIN conversation_members other ON other.conversation_id = c.id AND other.user_id <> ?
		JOIN profiles p ON p.id = other.user_id
		LEFT JOIN messages m ON m.id = (` + lastVisibleMessageSubquery + `)
		WHERE c.kind = 'direct'
	`
	rows, err := r.db.QueryContext(ctx, query, viewerID, viewerID, viewerID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("list direct summaries: %w", err)
	}
	defer rows.Close()

	var res []*domain.ConversationSummary
	for rows.Next() {
		sum := &domain.ConversationSummary{Kind: domain.ConversationDirect}
		var last nullableMessage
		if err := rows.Scan(
			&sum.ConversationID,
			&sum.PartnerID,
			&sum.Title,
			&sum.AvatarURL,
			&last.id, &last.senderID, &last.kind, &last.content, &last.replyToID, &last.createdAt, &last.isEdited, &last.isDeleted,
			&sum.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("scan direct summary: %w", err)
		}
		sum.LastMessage = last.toMessage(sum.ConversationID)
		res = append(res, sum)
	}
	return res, rows.Err()
}

func (r *ConversationRepo) listGroupSummaries(ctx context.Context, viewerID string) ([]*domain.ConversationSummary, error) {
	query := `
		SELECT c.id, COALESCE(c.name, ''),
			m.id, m.sender_id, m.kind, m.content, m.reply_to_id, m.created_at, m.is_edited, m.is_deleted,
			(` + unreadCountSubquery + `) AS unread
		FROM conversations c
		JOIN conversation_members me ON me.conversation_id = c.id AND me.user_id = ?
		LEFT JOIN messages m ON m.id = (` + lastVisibleMessageSubquery + `)
		WHERE c.kind = 'group'
	`
	rows, err := r.db.QueryContext(ctx, query, viewerID, viewerID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("list group summaries: %w", err)
	}
	defer rows.Close()

	var res []*domain.ConversationSummary
	for rows.Next() {
		sum := &domain.ConversationSummary{Kind: domain.ConversationGroup}
		var last nullableMessage
		if err := rows.Scan(
			&sum.ConversationID,
			&sum.Title,
			&last.id, &last.senderID, &last.kind, &last.content, &last.replyToID, &last.createdAt, &last.isEdited, &last.isDeleted,
			&sum.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("scan group summary: %w", err)
		}
		sum.LastMessage = last.toMessage(sum.ConversationID)
		res = append(res, sum)
	}
	return res, rows.Err()
}

// nullableMessage scans the LEFT JOINed last-message columns, which are all
// NULL for a conversation with no visible messages yet.
type nullableMessage struct {
	id        sql.NullString
	senderID  sql.NullString
	kind      sql.NullString
	content   sql.NullString
	replyToID sql.NullString
	createdAt sql.NullTime
	isEdited  sql.NullBool
	isDeleted sql.NullBool
}

func (n *nullableMessage) toMessage(conversationID string) *domain.Message {
	if !n.id.Valid {
		return nil
	}
	m := &domain.Message{
		ID:             n.id.String,
		ConversationID: conversationID,
		SenderID:       n.senderID.String,
		Kind:           domain.MessageKind(n.kind.String),
		Content:        n.content.String,
		CreatedAt:      n.createdAt.Time,
		IsEdited:       n.isEdited.Bool,
		IsDeleted:      n.isDeleted.Bool,
	}
	if n.replyToID.Valid {
		m.ReplyToID = &n.replyToID.String
	}
	return m
}
