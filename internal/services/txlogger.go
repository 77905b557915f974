package services

import (
	"context"
	"time"

	"github.com/nexuspay/backend/internal/events"
	"github.com/nexuspay/backend/internal/models"
	"go.uber.org/zap"
)

// TxLogger is the capture point for transaction telemetry. Entries are
// persisted (the recovery scanner depends on them) and failures are pushed
// onto the event stream for the admin dashboard.
type TxLogger struct {
	store     TxLogStore
	publisher events.Publisher
	log       *zap.Logger
}

func NewTxLogger(store TxLogStore, publisher events.Publisher, log *zap.Logger) *TxLogger {
	return &TxLogger{store: store, publisher: publisher, log: log}
}

func (t *TxLogger) Record(ctx context.Context, entry *models.TransactionLogEntry) error {
	if err := t.store.Create(ctx, entry); err != nil {
		t.log.Error("failed to persist transaction log entry",
			zap.String("tx_id", entry.TxID),
			zap.Error(err),
		)
		return err
	}

	fields := []zap.Field{
		zap.String("tx_id", entry.TxID),
		zap.String("type", entry.Type),
		zap.String("status", entry.Status),
		zap.Float64("amount", entry.Amount),
		zap.Int64("execution_ms", entry.ExecutionTimeMs),
	}
	if entry.Error != nil {
		fields = append(fields, zap.String("error", *entry.Error))
	}

	if entry.Status == models.TxLogStatusFailed {
		t.log.Warn("transaction failed", fields...)
		if t.publisher != nil {
			_ = t.publisher.Publish(ctx, events.StreamTransaction, events.Event{
				Type: events.EventTransactionFailed,
				Payload: map[string]any{
					"tx_id":  entry.TxID,
					"type":   entry.Type,
					"amount": entry.Amount,
					"error":  entry.Error,
				},
			})
		}
	} else {
		t.log.Info("transaction logged", fields...)
	}
	return nil
}

func (t *TxLogger) Metrics(ctx context.Context, since time.Time) (*models.TransactionMetrics, error) {
	return t.store.Metrics(ctx, since)
}

func (t *TxLogger) Failed(ctx context.Context, limit int) ([]*models.TransactionLogEntry, error) {
	return t.store.GetFailed(ctx, limit)
}

func (t *TxLogger) MarkRecoveryAttempted(ctx context.Context, id string, metadataPatch map[string]any) error {
	return t.store.MarkRecoveryAttempted(ctx, id, metadataPatch)
}
