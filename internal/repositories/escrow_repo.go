package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexuspay/backend/internal/models"
)

// EscrowRepo is the single source of truth for transaction state.
// Every other component reads and writes escrow records through it.
type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

const escrowColumns = `
	id, transaction_id, user_id, business_id, amount, crypto_amount, type, status,
	crypto_transaction_hash, mpesa_transaction_id, mpesa_receipt_number,
	paybill_number, account_number, till_number,
	from_address, to_address, token_type, chain, phone_number,
	retry_count, last_retry_at, metadata, completed_at, created_at, updated_at`

func scanEscrow(row pgx.Row) (*models.EscrowRecord, error) {
	var e models.EscrowRecord
	err := row.Scan(
		&e.ID, &e.TransactionID, &e.UserID, &e.BusinessID, &e.Amount, &e.CryptoAmount, &e.Type, &e.Status,
		&e.CryptoTransactionHash, &e.MpesaTransactionID, &e.MpesaReceiptNumber,
		&e.PaybillNumber, &e.AccountNumber, &e.TillNumber,
		&e.FromAddress, &e.ToAddress, &e.TokenType, &e.Chain, &e.PhoneNumber,
		&e.RetryCount, &e.LastRetryAt, &e.Metadata, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	return &e, nil
}

// Create inserts a new record. The caller supplies transaction_id, type,
// status, amounts and whatever correlation fields are known at creation.
// Returns ErrDuplicateTransactionID on a transaction_id collision.
func (r *EscrowRepo) Create(ctx context.Context, e *models.EscrowRecord) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO escrow_records (
			transaction_id, user_id, business_id, amount, crypto_amount, type, status,
			crypto_transaction_hash, mpesa_transaction_id, mpesa_receipt_number,
			paybill_number, account_number, till_number,
			from_address, to_address, token_type, chain, phone_number,
			metadata, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING id, created_at, updated_at
	`,
		e.TransactionID, e.UserID, e.BusinessID, e.Amount, e.CryptoAmount, e.Type, e.Status,
		e.CryptoTransactionHash, e.MpesaTransactionID, e.MpesaReceiptNumber,
		e.PaybillNumber, e.AccountNumber, e.TillNumber,
		e.FromAddress, e.ToAddress, e.TokenType, e.Chain, e.PhoneNumber,
		e.Metadata, e.CompletedAt,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	return translateErr(err)
}

func (r *EscrowRepo) GetByTransactionID(ctx context.Context, transactionID string) (*models.EscrowRecord, error) {
	return scanEscrow(r.pool.QueryRow(ctx,
		`SELECT`+escrowColumns+` FROM escrow_records WHERE transaction_id = $1`,
		transactionID))
}

// GetMostRecentByAccountAndStatus returns the newest record matching the
// account number, paybill and status. KPLC does not echo a transaction id,
// only an account number, so last-created-wins is the correlation heuristic.
func (r *EscrowRepo) GetMostRecentByAccountAndStatus(ctx context.Context, accountNumber, paybillNumber, status string) (*models.EscrowRecord, error) {
	return scanEscrow(r.pool.QueryRow(ctx,
		`SELECT`+escrowColumns+` FROM escrow_records
		 WHERE account_number = $1 AND paybill_number = $2 AND status = $3
		 ORDER BY created_at DESC LIMIT 1`,
		accountNumber, paybillNumber, status))
}

// UpdateStatus sets the status, shallow-merges the metadata patch, and stamps
// completed_at when the new status is completed. The write is guarded by the
// escrow state machine: the row's current status must legally transition into
// newStatus, otherwise ErrInvalidTransition is returned and nothing changes.
func (r *EscrowRepo) UpdateStatus(ctx context.Context, transactionID, newStatus string, metadataPatch map[string]any) error {
	if metadataPatch == nil {
		metadataPatch = map[string]any{}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_records
		SET status = $2,
		    metadata = metadata || $3,
		    completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END,
		    updated_at = now()
		WHERE transaction_id = $1 AND status = ANY($4)
	`, transactionID, newStatus, metadataPatch, models.TransitionsInto(newStatus))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var current string
		if err := r.pool.QueryRow(ctx,
			`SELECT status FROM escrow_records WHERE transaction_id = $1`,
			transactionID).Scan(&current); err != nil {
			return translateErr(err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, newStatus)
	}
	return nil
}

// UpdateHash attaches a blockchain transaction hash after the on-chain call
// succeeded for a row created in pending.
func (r *EscrowRepo) UpdateHash(ctx context.Context, transactionID, txHash string, metadataPatch map[string]any) error {
	if metadataPatch == nil {
		metadataPatch = map[string]any{}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_records
		SET crypto_transaction_hash = $2,
		    metadata = metadata || $3,
		    updated_at = now()
		WHERE transaction_id = $1
	`, transactionID, txHash, metadataPatch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeMetadata shallow-merges the patch without touching the status.
func (r *EscrowRepo) MergeMetadata(ctx context.Context, transactionID string, metadataPatch map[string]any) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_records SET metadata = metadata || $2, updated_at = now()
		WHERE transaction_id = $1
	`, transactionID, metadataPatch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListClaimable returns pending records with an on-chain leg still to execute,
// oldest first.
func (r *EscrowRepo) ListClaimable(ctx context.Context, limit int) ([]*models.EscrowRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+escrowColumns+` FROM escrow_records
		 WHERE status = 'pending' AND to_address IS NOT NULL AND crypto_transaction_hash IS NULL
		 ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// Claim atomically moves a pending record to reserved. Returns false if the
// record was already claimed by another cycle.
func (r *EscrowRepo) Claim(ctx context.Context, transactionID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_records SET status = 'reserved', updated_at = now()
		WHERE transaction_id = $1 AND status = 'pending'
	`, transactionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProcessing moves a reserved record to processing before the external
// call goes out.
func (r *EscrowRepo) MarkProcessing(ctx context.Context, transactionID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_records SET status = 'processing', updated_at = now()
		WHERE transaction_id = $1 AND status = 'reserved'
	`, transactionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimForRetry re-claims failed records below the retry ceiling, bumping
// retry_count and last_retry_at, and returns the claimed batch.
func (r *EscrowRepo) ClaimForRetry(ctx context.Context, maxRetries, limit int) ([]*models.EscrowRecord, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE escrow_records
		SET status = 'reserved', retry_count = retry_count + 1, last_retry_at = now(), updated_at = now()
		WHERE transaction_id IN (
			SELECT transaction_id FROM escrow_records
			WHERE status = 'failed' AND retry_count < $1
			  AND to_address IS NOT NULL AND crypto_transaction_hash IS NULL
			ORDER BY last_retry_at ASC NULLS FIRST
			LIMIT $2
		)
		RETURNING`+escrowColumns, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// ResetStuckProcessing flips records left dangling in processing by a crashed
// run back to failed so the retry path picks them up. Returns the count.
func (r *EscrowRepo) ResetStuckProcessing(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE escrow_records
		SET status = 'failed', metadata = metadata || '{"staleReset": true}', updated_at = now()
		WHERE status = 'processing' AND crypto_transaction_hash IS NULL
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListAwaitingToken returns KPLC records created within the window that still
// expect a token and have none attached. That covers completed purchases and
// purchases still in processing whose on-chain leg already executed; the
// latter only ever complete through token receipt, so they must be swept too.
func (r *EscrowRepo) ListAwaitingToken(ctx context.Context, paybillNumber string, within time.Duration, limit int) ([]*models.EscrowRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+escrowColumns+` FROM escrow_records
		 WHERE paybill_number = $1
		   AND (status = 'completed' OR (status = 'processing' AND crypto_transaction_hash IS NOT NULL))
		   AND metadata->>'kplcTokenExpected' = 'true'
		   AND NOT (metadata ? 'kplcToken')
		   AND created_at > now() - make_interval(secs => $2)
		 ORDER BY created_at ASC LIMIT $3`,
		paybillNumber, within.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEscrows(rows)
}

// KPLCStats aggregates the token delivery funnel for the paybill.
func (r *EscrowRepo) KPLCStats(ctx context.Context, paybillNumber string) (*models.KPLCStats, error) {
	var s models.KPLCStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE metadata ? 'kplcToken'),
			count(*) FILTER (WHERE status = 'completed' AND metadata->>'kplcTokenExpected' = 'true' AND NOT (metadata ? 'kplcToken'))
		FROM escrow_records WHERE paybill_number = $1
	`, paybillNumber).Scan(&s.TotalTransactions, &s.CompletedTransactions, &s.TokensReceived, &s.PendingTokens)
	if err != nil {
		return nil, err
	}
	s.TokenSuccessRate = s.SuccessRate()
	return &s, nil
}

func collectEscrows(rows pgx.Rows) ([]*models.EscrowRecord, error) {
	var out []*models.EscrowRecord
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
