package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexuspay/backend/internal/config"
	"github.com/nexuspay/backend/internal/models"
	"go.uber.org/zap"
)

// RecoveryScanner reconciles failed transaction log entries against ledger
// state and re-queues the salvageable ones. Every fetched entry ends the
// scan marked recovery_attempted, whatever happened to it — a recovery
// failure must never cause the same record to loop forever.
type RecoveryScanner struct {
	txlog   TxLogStore
	escrows EscrowStore
	users   UserStore
	queue   Enqueuer
	cfg     *config.Config
	log     *zap.Logger
}

func NewRecoveryScanner(
	txlog TxLogStore,
	escrows EscrowStore,
	users UserStore,
	queue Enqueuer,
	cfg *config.Config,
	log *zap.Logger,
) *RecoveryScanner {
	return &RecoveryScanner{
		txlog:   txlog,
		escrows: escrows,
		users:   users,
		queue:   queue,
		cfg:     cfg,
		log:     log,
	}
}

// Scan fetches a batch of unattempted failed entries and processes them all
// in parallel, returning once every record is done.
func (s *RecoveryScanner) Scan(ctx context.Context) error {
	entries, err := s.txlog.GetUnrecoveredFailed(ctx, s.cfg.RecoveryBatchSize)
	if err != nil {
		return fmt.Errorf("fetch failed log entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	s.log.Info("recovery scan started", zap.Int("candidates", len(entries)))

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(e *models.TransactionLogEntry) {
			defer wg.Done()
			s.recoverOne(ctx, e)
		}(entry)
	}
	wg.Wait()
	return nil
}

func (s *RecoveryScanner) recoverOne(ctx context.Context, entry *models.TransactionLogEntry) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic during recovery",
				zap.String("log_id", entry.ID.String()),
				zap.Any("panic", r),
			)
			s.markAttempted(ctx, entry, map[string]any{"recoveryPanic": fmt.Sprint(r)})
		}
	}()

	if time.Since(entry.CreatedAt) > s.cfg.RecoveryMaxAge {
		s.log.Info("skipping stale log entry",
			zap.String("log_id", entry.ID.String()),
			zap.Time("created_at", entry.CreatedAt),
		)
		s.markAttempted(ctx, entry, map[string]any{"skippedStale": true})
		return
	}

	switch entry.Type {
	case models.TxLogTypePlatformToUser:
		s.recoverPlatformToUser(ctx, entry)
	case models.TxLogTypeMpesaToEscrow:
		// Mobile-money settlement ambiguity is not auto-resolvable.
		if err := s.txlog.MarkManualReview(ctx, entry.ID.String()); err != nil {
			s.log.Error("failed to flag entry for manual review",
				zap.String("log_id", entry.ID.String()),
				zap.Error(err),
			)
		}
	case models.TxLogTypeEscrowToUser:
		s.recoverEscrowToUser(ctx, entry)
	default:
		s.log.Warn("unknown log entry type, skipping",
			zap.String("log_id", entry.ID.String()),
			zap.String("type", entry.Type),
		)
		s.markAttempted(ctx, entry, nil)
	}
}

// recoverPlatformToUser re-enqueues an outbound transfer that never made it
// on-chain, unless the linked escrow has since completed (double-send guard).
func (s *RecoveryScanner) recoverPlatformToUser(ctx context.Context, entry *models.TransactionLogEntry) {
	if entry.ToAddress == nil || entry.Amount <= 0 || entry.Chain == nil || entry.TokenType == nil {
		s.log.Warn("platform_to_user entry missing required fields",
			zap.String("log_id", entry.ID.String()),
		)
		s.markAttempted(ctx, entry, map[string]any{"validationError": true})
		return
	}

	if entry.EscrowID != nil {
		esc, err := s.escrows.GetByTransactionID(ctx, *entry.EscrowID)
		if err == nil && esc.Status == models.EscrowStatusCompleted {
			s.log.Info("linked escrow already completed, skipping re-send",
				zap.String("log_id", entry.ID.String()),
				zap.String("escrow_id", *entry.EscrowID),
			)
			s.markAttempted(ctx, entry, map[string]any{"skippedCompleted": true})
			return
		}
	}

	userID := entry.UserIDOrNil()
	recoveryTxID, err := s.queue.Enqueue(ctx, userID, *entry.ToAddress, entry.Amount, *entry.Chain, *entry.TokenType)
	if err != nil {
		s.log.Error("failed to re-enqueue transfer",
			zap.String("log_id", entry.ID.String()),
			zap.Error(err),
		)
		s.markAttempted(ctx, entry, map[string]any{"recoveryError": err.Error()})
		return
	}

	s.log.Info("transfer re-enqueued",
		zap.String("log_id", entry.ID.String()),
		zap.String("recovery_tx_id", recoveryTxID),
	)
	s.markAttempted(ctx, entry, map[string]any{"recoveryTxId": recoveryTxID})
}

// recoverEscrowToUser re-sends the crypto leg when the fiat leg was
// confirmed (mpesa receipt present) but the escrow never completed.
func (s *RecoveryScanner) recoverEscrowToUser(ctx context.Context, entry *models.TransactionLogEntry) {
	if entry.EscrowID == nil {
		s.markAttempted(ctx, entry, map[string]any{"validationError": true})
		return
	}

	esc, err := s.escrows.GetByTransactionID(ctx, *entry.EscrowID)
	if err != nil {
		s.log.Warn("linked escrow not found",
			zap.String("log_id", entry.ID.String()),
			zap.String("escrow_id", *entry.EscrowID),
		)
		s.markAttempted(ctx, entry, map[string]any{"escrowNotFound": true})
		return
	}

	if esc.MpesaReceiptNumber == nil || esc.Status == models.EscrowStatusCompleted {
		s.markAttempted(ctx, entry, map[string]any{"skipped": true})
		return
	}
	if esc.Chain == nil || esc.TokenType == nil || esc.CryptoAmount <= 0 {
		s.markAttempted(ctx, entry, map[string]any{"validationError": true})
		return
	}

	toAddress := ""
	if esc.ToAddress != nil {
		toAddress = *esc.ToAddress
	} else if user, err := s.users.GetByID(ctx, esc.UserID); err == nil && user.WalletAddress != nil {
		toAddress = *user.WalletAddress
	}
	if toAddress == "" {
		s.log.Warn("no destination wallet for recovery",
			zap.String("escrow_id", esc.TransactionID),
		)
		s.markAttempted(ctx, entry, map[string]any{"validationError": true})
		return
	}

	recoveryTxID, err := s.queue.Enqueue(ctx, esc.UserID, toAddress, esc.CryptoAmount, *esc.Chain, *esc.TokenType)
	if err != nil {
		s.log.Error("failed to re-enqueue crypto leg",
			zap.String("escrow_id", esc.TransactionID),
			zap.Error(err),
		)
		s.markAttempted(ctx, entry, map[string]any{"recoveryError": err.Error()})
		return
	}

	if err := s.escrows.MergeMetadata(ctx, esc.TransactionID, map[string]any{
		"recoveryAttempted": true,
		"recoveryTxId":      recoveryTxID,
		"recoveryTimestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		s.log.Error("failed to stamp recovery metadata",
			zap.String("escrow_id", esc.TransactionID),
			zap.Error(err),
		)
	}

	s.log.Info("crypto leg re-enqueued",
		zap.String("escrow_id", esc.TransactionID),
		zap.String("recovery_tx_id", recoveryTxID),
	)
	s.markAttempted(ctx, entry, map[string]any{"recoveryTxId": recoveryTxID})
}

func (s *RecoveryScanner) markAttempted(ctx context.Context, entry *models.TransactionLogEntry, patch map[string]any) {
	if err := s.txlog.MarkRecoveryAttempted(ctx, entry.ID.String(), patch); err != nil {
		s.log.Error("failed to mark recovery attempted",
			zap.String("log_id", entry.ID.String()),
			zap.Error(err),
		)
	}
}
