package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nexuspay/backend/internal/models"
	"github.com/redis/go-redis/v9"
)

// EscrowStore is the ledger surface the services depend on. Implemented by
// repositories.EscrowRepo; tests substitute an in-memory fake.
type EscrowStore interface {
	Create(ctx context.Context, e *models.EscrowRecord) error
	GetByTransactionID(ctx context.Context, transactionID string) (*models.EscrowRecord, error)
	GetMostRecentByAccountAndStatus(ctx context.Context, accountNumber, paybillNumber, status string) (*models.EscrowRecord, error)
	UpdateStatus(ctx context.Context, transactionID, newStatus string, metadataPatch map[string]any) error
	UpdateHash(ctx context.Context, transactionID, txHash string, metadataPatch map[string]any) error
	MergeMetadata(ctx context.Context, transactionID string, metadataPatch map[string]any) error
	ListClaimable(ctx context.Context, limit int) ([]*models.EscrowRecord, error)
	Claim(ctx context.Context, transactionID string) (bool, error)
	MarkProcessing(ctx context.Context, transactionID string) (bool, error)
	ClaimForRetry(ctx context.Context, maxRetries, limit int) ([]*models.EscrowRecord, error)
	ResetStuckProcessing(ctx context.Context) (int64, error)
	ListAwaitingToken(ctx context.Context, paybillNumber string, within time.Duration, limit int) ([]*models.EscrowRecord, error)
	KPLCStats(ctx context.Context, paybillNumber string) (*models.KPLCStats, error)
}

// TxLogStore persists transaction log entries for the recovery scanner.
// Implemented by repositories.TxLogRepo.
type TxLogStore interface {
	Create(ctx context.Context, l *models.TransactionLogEntry) error
	GetUnrecoveredFailed(ctx context.Context, limit int) ([]*models.TransactionLogEntry, error)
	GetFailed(ctx context.Context, limit int) ([]*models.TransactionLogEntry, error)
	MarkRecoveryAttempted(ctx context.Context, id string, metadataPatch map[string]any) error
	MarkManualReview(ctx context.Context, id string) error
	Metrics(ctx context.Context, since time.Time) (*models.TransactionMetrics, error)
}

// UserStore resolves user ids to contact and wallet details.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// SMSSender delivers a KPLC token to the user's registered phone.
type SMSSender interface {
	SendToken(ctx context.Context, req SMSTokenRequest) error
}

// Enqueuer hands an on-chain transfer to the queue and returns the new
// internal transaction id.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID uuid.UUID, toAddress string, amount float64, chainName, tokenType string) (string, error)
}

// TokenDeduper is the slice of the redis client the webhook replay guard
// needs. Satisfied by *redis.Client.
type TokenDeduper interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}
