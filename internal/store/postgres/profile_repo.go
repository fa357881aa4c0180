package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chatsync/internal/domain"
)

type ProfileRepo struct {
	db *sql.DB
}

func NewProfileRepo(db *sql.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

var _ domain.ProfileRepository = (*ProfileRepo)(nil)

const profileColumns = `id, username, display_name, avatar_url, hashed_password, is_active, created_at, last_seen`

func (r *ProfileRepo) Create(ctx context.Context, p *domain.Profile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles (id, username, display_name, avatar_url, hashed_password, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Username, p.DisplayName, p.AvatarURL, p.HashedPassword, p.IsActive)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

func (r *ProfileRepo) GetByID(ctx context.Context, id string) (*domain.Profile, error) {
	return r.getOne(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
}

func (r *ProfileRepo) GetByUsername(ctx context.Context, username string) (*domain.Profile, error) {
	return r.getOne(ctx, `SELECT `+profileColumns+` FROM profiles WHERE username = $1`, username)
}

func (r *ProfileRepo) getOne(ctx context.Context, query string, arg any) (*domain.Profile, error) {
	p := &domain.Profile{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&p.ID, &p.Username, &p.DisplayName, &p.AvatarURL, &p.HashedPassword,
		&p.IsActive, &p.CreatedAt, &p.LastSeen,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (r *ProfileRepo) GetMany(ctx context.Context, ids []string) (map[string]*domain.Profile, error) {
	res := make(map[string]*domain.Profile, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id IN (` + placeholders(1, len(ids)) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch get profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p := &domain.Profile{}
		if err := rows.Scan(
			&p.ID, &p.Username, &p.DisplayName, &p.AvatarURL, &p.HashedPassword,
			&p.IsActive, &p.CreatedAt, &p.LastSeen,
		); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		res[p.ID] = p
	}
	return res, rows.Err()
}

func (r *ProfileRepo) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE profiles SET last_seen = $1 WHERE id = $2
	`, at, id)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}
