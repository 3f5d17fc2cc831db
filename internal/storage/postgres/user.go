package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/revenue-ledger/internal/domain/user"
)

const (
	listUsersSQL = `SELECT id, username, email, admin, status FROM users ORDER BY id LIMIT NULLIF($1::int, 0)`

	upsertUserSQL = `INSERT INTO users (username, email, admin, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username) DO UPDATE SET
			email = EXCLUDED.email,
			admin = EXCLUDED.admin,
			status = EXCLUDED.status`
)

var _ user.Repository = (*UserRepository)(nil)

// UserRepository implements user.Repository backed by PostgreSQL.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a UserRepository that uses the given pool.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// List returns up to limit users ordered by id.
func (r *UserRepository) List(ctx context.Context, limit int) ([]user.User, error) {
	rows, err := r.pool.Query(ctx, listUsersSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (user.User, error) {
		var (
			u      user.User
			status string
		)
		err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Admin, &status)
		u.Status = user.Status(status)
		return u, err
	})
}

// Upsert inserts users, updating existing ones by username.
func (r *UserRepository) Upsert(ctx context.Context, users []user.User) error {
	batch := &pgx.Batch{}
	for _, u := range users {
		batch.Queue(upsertUserSQL, u.Username, u.Email, u.Admin, string(u.Status))
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting users: %w", err)
	}
	return nil
}
