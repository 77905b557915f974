package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded for operator activity on the ledger.
const (
	AuditActionManualRetry   = "manual_retry"
	AuditActionSimulateToken = "simulate_token"
	AuditActionResendToken   = "resend_token"
)

type AuditLog struct {
	ID            uuid.UUID      `json:"id"`
	ActorUserID   *uuid.UUID     `json:"actor_user_id,omitempty"`
	ActorRole     string         `json:"actor_role"` // admin/support/system
	Action        string         `json:"action"`
	TransactionID *string        `json:"transaction_id,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
