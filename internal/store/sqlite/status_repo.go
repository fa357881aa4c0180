package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/domain"
)

type StatusRepo struct {
	db *sql.DB
}

func NewStatusRepo(db *sql.DB) *StatusRepo {
	return &StatusRepo{db: db}
}

var _ domain.StatusRepository = (*StatusRepo)(nil)

// InitRecipients fans out one undelivered, unseen status row per recipient in
// a single transaction. INSERT OR IGNORE keeps a retried send idempotent.
func (r *StatusRepo) InitRecipients(ctx context.Context, messageID string, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, rid := range recipientIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_status (message_id, recipient_id, is_delivered, is_seen)
			VALUES (?, ?, FALSE, FALSE)
		`, messageID, rid); err != nil {
			return fmt.Errorf("insert status row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *StatusRepo) ListForMessage(ctx context.Context, messageID string) ([]*domain.DeliveryStatus, error) {
	query := `
		SELECT message_id, recipient_id, is_delivered, delivered_at, is_seen, seen_at
		FROM message_status
		WHERE message_id = ?
	`
	rows, err := r.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("list status: %w", err)
	}
	defer rows.Close()
	return scanStatuses(rows)
}

func (r *StatusRepo) ListForMessages(ctx context.Context, messageIDs []string) (map[string][]*domain.DeliveryStatus, error) {
	res := make(map[string][]*domain.DeliveryStatus, len(messageIDs))
	if len(messageIDs) == 0 {
		return res, nil
	}
	query := `
		SELECT message_id, recipient_id, is_delivered, delivered_at, is_seen, seen_at
		FROM message_status
		WHERE message_id IN (?` + strings.Repeat(",?", len(messageIDs)-1) + `)
	`
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list status batch: %w", err)
	}
	defer rows.Close()

	statuses, err := scanStatuses(rows)
	if err != nil {
		return nil, err
	}
	for _, s := range statuses {
		res[s.MessageID] = append(res[s.MessageID], s)
	}
	return res, nil
}

func (r *StatusRepo) GetForRecipient(ctx context.Context, messageID, recipientID string) (*domain.DeliveryStatus, error) {
	query := `
		SELECT message_id, recipient_id, is_delivered, delivered_at, is_seen, seen_at
		FROM message_status
		WHERE message_id = ? AND recipient_id = ?
	`
	s := &domain.DeliveryStatus{}
	err := r.db.QueryRowContext(ctx, query, messageID, recipientID).Scan(
		&s.MessageID,
		&s.RecipientID,
		&s.IsDelivered,
		&s.DeliveredAt,
		&s.IsSeen,
		&s.SeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return s, nil
}

func (r *StatusRepo) MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_status
		SET is_delivered = TRUE, delivered_at = COALESCE(delivered_at, ?)
		WHERE message_id = ? AND recipient_id = ?
	`, at, messageID, recipientID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkSeen flips both flags: seen implies delivered. The COALESCE keeps the
// first timestamp on repeated calls.
func (r *StatusRepo) MarkSeen(ctx context.Context, messageID, recipientID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_status
		SET is_delivered = TRUE, delivered_at = COALESCE(delivered_at, ?),
		    is_seen = TRUE, seen_at = COALESCE(seen_at, ?)
		WHERE message_id = ? AND recipient_id = ?
	`, at, at, messageID, recipientID)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

func (r *StatusRepo) MarkSeenBatch(ctx context.Context, messageIDs []string, recipientID string, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	query := `
		UPDATE message_status
		SET is_delivered = TRUE, delivered_at = COALESCE(delivered_at, ?),
		    is_seen = TRUE, seen_at = COALESCE(seen_at, ?)
		WHERE recipient_id = ? AND is_seen = FALSE
		AND message_id IN (?` + strings.Repeat(",?", len(messageIDs)-1) + `)
	`
	args := []any{at, at, recipientID}
	for _, id := range messageIDs {
		args = append(args, id)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark seen batch: %w", err)
	}
	return nil
}

func scanStatuses(rows *sql.Rows) ([]*domain.DeliveryStatus, error) {
	var res []*domain.DeliveryStatus
	for rows.Next() {
		s := &domain.DeliveryStatus{}
		if err := rows.Scan(
			&s.MessageID,
			&s.RecipientID,
			&s.IsDelivered,
			&s.DeliveredAt,
			&s.IsSeen,
			&s.SeenAt,
		); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
