package repositories

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexuspay/backend/internal/models"
)

// TxLogRepo persists transaction log entries. Failed entries drive the
// recovery scanner, so unlike the rest of the telemetry this storage is
// load-bearing.
type TxLogRepo struct {
	pool *pgxpool.Pool
}

func NewTxLogRepo(pool *pgxpool.Pool) *TxLogRepo {
	return &TxLogRepo{pool: pool}
}

const txLogColumns = `
	id, type, tx_id, tx_hash, status, from_address, to_address, amount,
	token_type, chain, execution_time_ms, error, escrow_id, user_id,
	mpesa_receipt_number, recovery_attempted, requires_manual_review, metadata, created_at`

func scanTxLog(row pgx.Row) (*models.TransactionLogEntry, error) {
	var l models.TransactionLogEntry
	err := row.Scan(
		&l.ID, &l.Type, &l.TxID, &l.TxHash, &l.Status, &l.FromAddress, &l.ToAddress, &l.Amount,
		&l.TokenType, &l.Chain, &l.ExecutionTimeMs, &l.Error, &l.EscrowID, &l.UserID,
		&l.MpesaReceiptNumber, &l.RecoveryAttempted, &l.RequiresManualReview, &l.Metadata, &l.CreatedAt,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	return &l, nil
}

func (r *TxLogRepo) Create(ctx context.Context, l *models.TransactionLogEntry) error {
	if l.Metadata == nil {
		l.Metadata = map[string]any{}
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO transaction_logs (
			type, tx_id, tx_hash, status, from_address, to_address, amount,
			token_type, chain, execution_time_ms, error, escrow_id, user_id,
			mpesa_receipt_number, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at
	`,
		l.Type, l.TxID, l.TxHash, l.Status, l.FromAddress, l.ToAddress, l.Amount,
		l.TokenType, l.Chain, l.ExecutionTimeMs, l.Error, l.EscrowID, l.UserID,
		l.MpesaReceiptNumber, l.Metadata,
	).Scan(&l.ID, &l.CreatedAt)
	return translateErr(err)
}

// GetUnrecoveredFailed returns failed entries not yet touched by the
// recovery scanner, oldest first.
func (r *TxLogRepo) GetUnrecoveredFailed(ctx context.Context, limit int) ([]*models.TransactionLogEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+txLogColumns+` FROM transaction_logs
		 WHERE status = 'failed' AND recovery_attempted = false
		 ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTxLogs(rows)
}

func (r *TxLogRepo) GetFailed(ctx context.Context, limit int) ([]*models.TransactionLogEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+txLogColumns+` FROM transaction_logs
		 WHERE status = 'failed' ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTxLogs(rows)
}

// MarkRecoveryAttempted flags an entry so it is never re-processed by a
// later scan, regardless of the recovery outcome.
func (r *TxLogRepo) MarkRecoveryAttempted(ctx context.Context, id string, metadataPatch map[string]any) error {
	if metadataPatch == nil {
		metadataPatch = map[string]any{}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE transaction_logs
		SET recovery_attempted = true, metadata = metadata || $2
		WHERE id = $1
	`, id, metadataPatch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkManualReview flags an entry for an operator. Used for mobile-money
// settlement ambiguity that cannot be auto-resolved.
func (r *TxLogRepo) MarkManualReview(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transaction_logs
		SET recovery_attempted = true, requires_manual_review = true
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Metrics aggregates counts, failure rate and latency since the cutoff.
func (r *TxLogRepo) Metrics(ctx context.Context, since time.Time) (*models.TransactionMetrics, error) {
	m := &models.TransactionMetrics{
		CountByType:    map[string]int64{},
		FailuresByType: map[string]int64{},
	}

	err := r.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'failed'),
		       COALESCE(avg(execution_time_ms), 0)
		FROM transaction_logs WHERE created_at >= $1
	`, since).Scan(&m.Total, &m.Failed, &m.AvgExecutionMs)
	if err != nil {
		return nil, err
	}
	if m.Total > 0 {
		m.FailureRate = float64(m.Failed) / float64(m.Total)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT type, count(*), count(*) FILTER (WHERE status = 'failed')
		FROM transaction_logs WHERE created_at >= $1 GROUP BY type
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var total, failed int64
		if err := rows.Scan(&typ, &total, &failed); err != nil {
			return nil, err
		}
		m.CountByType[typ] = total
		if failed > 0 {
			m.FailuresByType[typ] = failed
		}
	}
	return m, rows.Err()
}

func collectTxLogs(rows pgx.Rows) ([]*models.TransactionLogEntry, error) {
	var out []*models.TransactionLogEntry
	for rows.Next() {
		l, err := scanTxLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
