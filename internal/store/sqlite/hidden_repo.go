package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"chatsync/internal/domain"
)

type HiddenMessageRepo struct {
	db *sql.DB
}

func NewHiddenMessageRepo(db *sql.DB) *HiddenMessageRepo {
	return &HiddenMessageRepo{db: db}
}

var _ domain.HiddenMessageRepository = (*HiddenMessageRepo)(nil)

func (r *HiddenMessageRepo) Hide(ctx context.Context, userID, messageID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO hidden_messages (user_id, message_id, hidden_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
	`, userID, messageID)
	if err != nil {
		return fmt.Errorf("hide message: %w", err)
	}
	return nil
}

func (r *HiddenMessageRepo) IsHidden(ctx context.Context, userID, messageID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM hidden_messages
		WHERE user_id = ? AND message_id = ?
	`, userID, messageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check hidden: %w", err)
	}
	return n > 0, nil
}
