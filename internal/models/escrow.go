package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Escrow statuses
const (
	EscrowStatusPending    = "pending"
	EscrowStatusReserved   = "reserved"
	EscrowStatusProcessing = "processing"
	EscrowStatusCompleted  = "completed"
	EscrowStatusFailed     = "failed"
	EscrowStatusError      = "error"
)

// Escrow transaction types
const (
	TxTypeFiatToCrypto         = "fiat_to_crypto"
	TxTypeCryptoToFiat         = "crypto_to_fiat"
	TxTypeCryptoToPaybill      = "crypto_to_paybill"
	TxTypeCryptoToTill         = "crypto_to_till"
	TxTypeTokenTransfer        = "token_transfer"
	TxTypePlatformOperation    = "platform_operation"
	TxTypeBusinessToPersonal   = "business_to_personal"
	TxTypeBusinessCryptoToFiat = "business_crypto_to_fiat"
)

// Valid state transitions: from -> []to.
// completed and error are terminal; failed can be re-claimed by the retry path.
var ValidEscrowTransitions = map[string][]string{
	EscrowStatusPending:    {EscrowStatusReserved, EscrowStatusProcessing, EscrowStatusFailed, EscrowStatusError},
	EscrowStatusReserved:   {EscrowStatusProcessing, EscrowStatusFailed, EscrowStatusError},
	EscrowStatusProcessing: {EscrowStatusCompleted, EscrowStatusFailed, EscrowStatusError},
	EscrowStatusFailed:     {EscrowStatusReserved, EscrowStatusError},
	EscrowStatusCompleted:  {},
	EscrowStatusError:      {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidEscrowTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether no further transitions are possible.
func IsTerminalStatus(status string) bool {
	return len(ValidEscrowTransitions[status]) == 0
}

// TransitionsInto returns the sorted set of statuses allowed to move into to.
// Used to guard status writes at the SQL level.
func TransitionsInto(to string) []string {
	var from []string
	for s, allowed := range ValidEscrowTransitions {
		for _, t := range allowed {
			if t == to {
				from = append(from, s)
				break
			}
		}
	}
	sort.Strings(from)
	return from
}

type EscrowRecord struct {
	ID            uuid.UUID  `json:"id"`
	TransactionID string     `json:"transaction_id"`
	UserID        uuid.UUID  `json:"user_id"`
	BusinessID    *uuid.UUID `json:"business_id,omitempty"`
	Amount        float64    `json:"amount"`        // fiat amount (KES)
	CryptoAmount  float64    `json:"crypto_amount"` // on-chain amount
	Type          string     `json:"type"`
	Status        string     `json:"status"`

	// Correlation fields, populated as the record progresses.
	CryptoTransactionHash *string `json:"crypto_transaction_hash,omitempty"`
	MpesaTransactionID    *string `json:"mpesa_transaction_id,omitempty"`
	MpesaReceiptNumber    *string `json:"mpesa_receipt_number,omitempty"`
	PaybillNumber         *string `json:"paybill_number,omitempty"`
	AccountNumber         *string `json:"account_number,omitempty"`
	TillNumber            *string `json:"till_number,omitempty"`
	FromAddress           *string `json:"from_address,omitempty"`
	ToAddress             *string `json:"to_address,omitempty"`
	TokenType             *string `json:"token_type,omitempty"`
	Chain                 *string `json:"chain,omitempty"`
	PhoneNumber           *string `json:"phone_number,omitempty"`

	RetryCount  int        `json:"retry_count"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsKPLC reports whether the record is an electricity token purchase
// against the fixed KPLC paybill.
func (e *EscrowRecord) IsKPLC(kplcPaybill string) bool {
	return e.Type == TxTypeCryptoToPaybill && e.PaybillNumber != nil && *e.PaybillNumber == kplcPaybill
}

// MetaBool reads a boolean flag out of the metadata bag.
func (e *EscrowRecord) MetaBool(key string) bool {
	v, ok := e.Metadata[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// MetaString reads a string value out of the metadata bag.
func (e *EscrowRecord) MetaString(key string) string {
	v, ok := e.Metadata[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// HasKPLCToken reports whether the third-party token has been attached.
func (e *EscrowRecord) HasKPLCToken() bool {
	return e.MetaString("kplcToken") != ""
}
