package dto

import "time"

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

// WebhookAck is always returned to the upstream provider, whatever happens
// downstream.
type WebhookAck struct {
	Status string `json:"status"`
}

type TransactionStatusResponse struct {
	TransactionID       string     `json:"transaction_id"`
	Type                string     `json:"type"`
	Status              string     `json:"status"`
	Amount              float64    `json:"amount"`
	CryptoAmount        float64    `json:"crypto_amount"`
	RetryCount          int        `json:"retry_count"`
	KPLCTokenExpected   bool       `json:"kplc_token_expected"`
	KPLCTokenReceived   bool       `json:"kplc_token_received"`
	KPLCTokenTimeout    bool       `json:"kplc_token_timeout"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}
