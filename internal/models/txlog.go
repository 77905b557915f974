package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction log entry types (the recovery scanner's dispatch key)
const (
	TxLogTypePlatformToUser = "platform_to_user"
	TxLogTypeMpesaToEscrow  = "mpesa_to_escrow"
	TxLogTypeEscrowToUser   = "escrow_to_user"
)

// Transaction log statuses
const (
	TxLogStatusPending   = "pending"
	TxLogStatusCompleted = "completed"
	TxLogStatusFailed    = "failed"
)

// TransactionLogEntry is the telemetry record written at every transaction
// capture point. Failed entries are the unit the recovery scanner consumes.
type TransactionLogEntry struct {
	ID                  uuid.UUID      `json:"id"`
	Type                string         `json:"type"`
	TxID                string         `json:"tx_id"`
	TxHash              *string        `json:"tx_hash,omitempty"`
	Status              string         `json:"status"`
	FromAddress         *string        `json:"from_address,omitempty"`
	ToAddress           *string        `json:"to_address,omitempty"`
	Amount              float64        `json:"amount"`
	TokenType           *string        `json:"token_type,omitempty"`
	Chain               *string        `json:"chain,omitempty"`
	ExecutionTimeMs     int64          `json:"execution_time_ms"`
	Error               *string        `json:"error,omitempty"`
	EscrowID            *string        `json:"escrow_id,omitempty"` // transaction_id of the linked escrow
	UserID              *uuid.UUID     `json:"user_id,omitempty"`
	MpesaReceiptNumber  *string        `json:"mpesa_receipt_number,omitempty"`
	RecoveryAttempted   bool           `json:"recovery_attempted"`
	RequiresManualReview bool          `json:"requires_manual_review"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// UserIDOrNil returns the owning user id, or the zero UUID when unknown.
func (l *TransactionLogEntry) UserIDOrNil() uuid.UUID {
	if l.UserID == nil {
		return uuid.Nil
	}
	return *l.UserID
}

// TransactionMetrics is the aggregate surface consumed by dashboards.
type TransactionMetrics struct {
	Total           int64            `json:"total"`
	Failed          int64            `json:"failed"`
	FailureRate     float64          `json:"failure_rate"`
	AvgExecutionMs  float64          `json:"avg_execution_ms"`
	CountByType     map[string]int64 `json:"count_by_type"`
	FailuresByType  map[string]int64 `json:"failures_by_type"`
}

// KPLCStats is the token-delivery funnel for the fixed KPLC paybill.
type KPLCStats struct {
	TotalTransactions     int64   `json:"totalTransactions"`
	CompletedTransactions int64   `json:"completedTransactions"`
	TokensReceived        int64   `json:"tokensReceived"`
	PendingTokens         int64   `json:"pendingTokens"`
	TokenSuccessRate      float64 `json:"tokenSuccessRate"`
}

// SuccessRate computes tokensReceived/completedTransactions*100,
// returning 0 when there are no completed transactions.
func (s *KPLCStats) SuccessRate() float64 {
	if s.CompletedTransactions == 0 {
		return 0
	}
	return float64(s.TokensReceived) / float64(s.CompletedTransactions) * 100
}
