package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clubchat/internal/logger"
)

// UserRepository — локальная проекция внешнего хранилища пользователей:
// только идентификаторы, нужные для проверки собеседника.
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) Exists(ctx context.Context, userID string) (bool, error) {
	defer logger.DeferLogDuration("user.Exists", time.Now())()
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("userRepo.Exists: %w", err)
	}
	return exists, nil
}

// Ensure registers the user id if it is not known yet.
func (r *UserRepository) Ensure(ctx context.Context, userID, displayName string) error {
	defer logger.DeferLogDuration("user.Ensure", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, created_at) VALUES ($1, $2, now())
		 ON CONFLICT (id) DO UPDATE SET display_name = CASE WHEN EXCLUDED.display_name = '' THEN users.display_name ELSE EXCLUDED.display_name END`,
		userID, displayName,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Ensure: %w", err)
	}
	return nil
}
