package repositories

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexuspay/backend/internal/models"
)

// AuditRepo records operator actions against the ledger. Append-only.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Create(ctx context.Context, a *models.AuditLog) error {
	if a.Meta == nil {
		a.Meta = map[string]any{}
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO audit_logs (actor_user_id, actor_role, action, transaction_id, meta)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, a.ActorUserID, a.ActorRole, a.Action, a.TransactionID, a.Meta).Scan(&a.ID, &a.CreatedAt)
	return translateErr(err)
}

// ListRecent returns the latest audit entries, newest first.
func (r *AuditRepo) ListRecent(ctx context.Context, limit int) ([]*models.AuditLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, actor_user_id, actor_role, action, transaction_id, meta, created_at
		FROM audit_logs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.ID, &a.ActorUserID, &a.ActorRole, &a.Action, &a.TransactionID, &a.Meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
