package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nexuspay/backend/internal/chain"
	"github.com/nexuspay/backend/internal/config"
	"github.com/nexuspay/backend/internal/events"
	"github.com/nexuspay/backend/internal/models"
	"go.uber.org/zap"
)

// Queue drives pending escrow records through their on-chain leg:
// pending -> reserved -> processing -> completed | failed. Failed records
// are re-claimed by the retry path until the retry ceiling.
type Queue struct {
	escrows   EscrowStore
	txlog     *TxLogger
	chain     chain.Client
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewQueue(
	escrows EscrowStore,
	txlog *TxLogger,
	chainClient chain.Client,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *Queue {
	return &Queue{
		escrows:   escrows,
		txlog:     txlog,
		chain:     chainClient,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

// Enqueue registers a new queue-origin transfer and returns its transaction
// id. The next queue cycle picks it up.
func (q *Queue) Enqueue(ctx context.Context, userID uuid.UUID, toAddress string, amount float64, chainName, tokenType string) (string, error) {
	if toAddress == "" || amount <= 0 || chainName == "" || tokenType == "" {
		return "", fmt.Errorf("%w: enqueue requires destination, amount, chain and token type", ErrValidation)
	}

	rec := &models.EscrowRecord{
		TransactionID: uuid.New().String(),
		UserID:        userID,
		CryptoAmount:  amount,
		Type:          models.TxTypeTokenTransfer,
		Status:        models.EscrowStatusPending,
		ToAddress:     strPtr(toAddress),
		Chain:         strPtr(chainName),
		TokenType:     strPtr(tokenType),
		Metadata: map[string]any{
			"queued":   true,
			"queuedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := q.escrows.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("enqueue transfer: %w", err)
	}

	q.log.Info("transfer enqueued",
		zap.String("transaction_id", rec.TransactionID),
		zap.String("to", toAddress),
		zap.Float64("amount", amount),
		zap.String("chain", chainName),
	)
	return rec.TransactionID, nil
}

// ProcessQueue advances pending records with an unexecuted on-chain leg.
// Each record is claimed individually so a concurrent cycle cannot execute
// the same transfer twice.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	records, err := q.escrows.ListClaimable(ctx, q.cfg.QueueBatchSize)
	if err != nil {
		return fmt.Errorf("list claimable records: %w", err)
	}

	for _, rec := range records {
		claimed, err := q.escrows.Claim(ctx, rec.TransactionID)
		if err != nil {
			q.log.Error("failed to claim record", zap.String("transaction_id", rec.TransactionID), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		q.execute(ctx, rec)
	}
	return nil
}

// ProcessRetries re-claims failed records below the retry ceiling and runs
// them through the same execution path.
func (q *Queue) ProcessRetries(ctx context.Context) error {
	records, err := q.escrows.ClaimForRetry(ctx, q.cfg.MaxRetryCount, q.cfg.QueueBatchSize)
	if err != nil {
		return fmt.Errorf("claim retryable records: %w", err)
	}

	for _, rec := range records {
		q.log.Info("retrying failed transaction",
			zap.String("transaction_id", rec.TransactionID),
			zap.Int("retry_count", rec.RetryCount),
		)
		q.execute(ctx, rec)
	}
	return nil
}

// ResetStuck flips records left in processing by a crashed run back into the
// retry path. Called once at scheduler startup.
func (q *Queue) ResetStuck(ctx context.Context) error {
	n, err := q.escrows.ResetStuckProcessing(ctx)
	if err != nil {
		return fmt.Errorf("reset stuck records: %w", err)
	}
	if n > 0 {
		q.log.Warn("reset records stuck in processing", zap.Int64("count", n))
	}
	return nil
}

// execute runs the on-chain transfer for a reserved record.
func (q *Queue) execute(ctx context.Context, rec *models.EscrowRecord) {
	ok, err := q.escrows.MarkProcessing(ctx, rec.TransactionID)
	if err != nil || !ok {
		q.log.Error("failed to mark record processing",
			zap.String("transaction_id", rec.TransactionID),
			zap.Error(err),
		)
		return
	}

	if rec.ToAddress == nil || rec.Chain == nil || rec.TokenType == nil {
		q.fail(ctx, rec, 0, fmt.Errorf("record is missing transfer fields"))
		return
	}

	start := time.Now()
	txHash, err := q.chain.Transfer(ctx, *rec.ToAddress, rec.CryptoAmount, *rec.TokenType)
	elapsed := time.Since(start)

	if err != nil {
		q.fail(ctx, rec, elapsed, err)
		return
	}

	if err := q.escrows.UpdateHash(ctx, rec.TransactionID, txHash, nil); err != nil {
		q.log.Error("failed to attach tx hash",
			zap.String("transaction_id", rec.TransactionID),
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
	}

	// Paybill and till purchases still have a fiat settlement leg (and for
	// KPLC, a token delivery) outstanding; everything else is done once the
	// transfer lands.
	switch rec.Type {
	case models.TxTypeCryptoToPaybill, models.TxTypeCryptoToTill:
		// stays processing
	default:
		if err := q.escrows.UpdateStatus(ctx, rec.TransactionID, models.EscrowStatusCompleted, nil); err != nil {
			q.log.Error("failed to complete record",
				zap.String("transaction_id", rec.TransactionID),
				zap.Error(err),
			)
			return
		}
	}

	_ = q.txlog.Record(ctx, &models.TransactionLogEntry{
		Type:            models.TxLogTypePlatformToUser,
		TxID:            rec.TransactionID,
		TxHash:          strPtr(txHash),
		Status:          models.TxLogStatusCompleted,
		ToAddress:       rec.ToAddress,
		Amount:          rec.CryptoAmount,
		TokenType:       rec.TokenType,
		Chain:           rec.Chain,
		ExecutionTimeMs: elapsed.Milliseconds(),
		EscrowID:        strPtr(rec.TransactionID),
		UserID:          &rec.UserID,
	})

	if q.publisher != nil {
		_ = q.publisher.Publish(ctx, events.StreamTransaction, events.Event{
			Type: events.EventTransactionCompleted,
			Payload: map[string]any{
				"transaction_id": rec.TransactionID,
				"type":           rec.Type,
				"tx_hash":        txHash,
				"amount":         rec.CryptoAmount,
			},
		})
	}

	q.log.Info("transfer executed",
		zap.String("transaction_id", rec.TransactionID),
		zap.String("tx_hash", txHash),
		zap.Duration("elapsed", elapsed),
	)
}

func (q *Queue) fail(ctx context.Context, rec *models.EscrowRecord, elapsed time.Duration, cause error) {
	q.log.Error("transfer failed",
		zap.String("transaction_id", rec.TransactionID),
		zap.Int("retry_count", rec.RetryCount),
		zap.Error(cause),
	)

	if err := q.escrows.UpdateStatus(ctx, rec.TransactionID, models.EscrowStatusFailed, map[string]any{
		"lastError": cause.Error(),
	}); err != nil {
		q.log.Error("failed to mark record failed",
			zap.String("transaction_id", rec.TransactionID),
			zap.Error(err),
		)
	}

	_ = q.txlog.Record(ctx, &models.TransactionLogEntry{
		Type:            models.TxLogTypePlatformToUser,
		TxID:            rec.TransactionID,
		Status:          models.TxLogStatusFailed,
		ToAddress:       rec.ToAddress,
		Amount:          rec.CryptoAmount,
		TokenType:       rec.TokenType,
		Chain:           rec.Chain,
		ExecutionTimeMs: elapsed.Milliseconds(),
		Error:           strPtr(cause.Error()),
		EscrowID:        strPtr(rec.TransactionID),
		UserID:          &rec.UserID,
	})
}
