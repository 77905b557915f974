package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexuspay/backend/internal/models"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, phone_number, wallet_address, created_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.PhoneNumber, &u.WalletAddress, &u.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &u, nil
}
