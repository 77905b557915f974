package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nexuspay/backend/internal/config"
	"github.com/nexuspay/backend/internal/models"
	"github.com/nexuspay/backend/internal/repositories"
	"go.uber.org/zap"
)

// ErrValidation marks a malformed record request: a required field for the
// transaction kind is missing.
var ErrValidation = errors.New("validation failed")

// Recorder is the typed factory for ledger entries. Business logic records
// the money-movement intent here before attempting any external side
// effect; a write failure propagates so the caller can abort.
type Recorder struct {
	escrows EscrowStore
	cfg     *config.Config
	log     *zap.Logger
}

func NewRecorder(escrows EscrowStore, cfg *config.Config, log *zap.Logger) *Recorder {
	return &Recorder{escrows: escrows, cfg: cfg, log: log}
}

type FiatToCryptoParams struct {
	UserID             uuid.UUID
	Amount             float64
	CryptoAmount       float64
	Chain              string
	TokenType          string
	ToAddress          string
	PhoneNumber        string
	MpesaTransactionID string
}

func (r *Recorder) RecordFiatToCrypto(ctx context.Context, p FiatToCryptoParams) (string, error) {
	if p.UserID == uuid.Nil || p.Amount <= 0 || p.CryptoAmount <= 0 || p.Chain == "" || p.TokenType == "" || p.ToAddress == "" {
		return "", fmt.Errorf("%w: fiat_to_crypto requires user, amount, crypto amount, chain, token type and destination", ErrValidation)
	}
	rec := r.newRecord(p.UserID, models.TxTypeFiatToCrypto, p.Amount, p.CryptoAmount, p.Chain, p.TokenType)
	rec.ToAddress = strPtr(p.ToAddress)
	rec.PhoneNumber = optStr(p.PhoneNumber)
	rec.MpesaTransactionID = optStr(p.MpesaTransactionID)
	return r.insert(ctx, rec)
}

type CryptoToFiatParams struct {
	UserID       uuid.UUID
	Amount       float64
	CryptoAmount float64
	Chain        string
	TokenType    string
	FromAddress  string
	PhoneNumber  string
}

func (r *Recorder) RecordCryptoToFiat(ctx context.Context, p CryptoToFiatParams) (string, error) {
	if p.UserID == uuid.Nil || p.Amount <= 0 || p.CryptoAmount <= 0 || p.Chain == "" || p.TokenType == "" || p.PhoneNumber == "" {
		return "", fmt.Errorf("%w: crypto_to_fiat requires user, amount, crypto amount, chain, token type and phone number", ErrValidation)
	}
	rec := r.newRecord(p.UserID, models.TxTypeCryptoToFiat, p.Amount, p.CryptoAmount, p.Chain, p.TokenType)
	rec.FromAddress = optStr(p.FromAddress)
	rec.PhoneNumber = strPtr(p.PhoneNumber)
	return r.insert(ctx, rec)
}

type CryptoToPaybillParams struct {
	UserID        uuid.UUID
	Amount        float64
	CryptoAmount  float64
	Chain         string
	TokenType     string
	FromAddress   string
	ToAddress     string
	PaybillNumber string
	AccountNumber string
	PhoneNumber   string
}

func (r *Recorder) RecordCryptoToPaybill(ctx context.Context, p CryptoToPaybillParams) (string, error) {
	if p.UserID == uuid.Nil || p.Amount <= 0 || p.CryptoAmount <= 0 || p.Chain == "" || p.TokenType == "" || p.PaybillNumber == "" || p.AccountNumber == "" {
		return "", fmt.Errorf("%w: crypto_to_paybill requires user, amounts, chain, token type, paybill and account number", ErrValidation)
	}
	rec := r.newRecord(p.UserID, models.TxTypeCryptoToPaybill, p.Amount, p.CryptoAmount, p.Chain, p.TokenType)
	rec.FromAddress = optStr(p.FromAddress)
	rec.ToAddress = optStr(p.ToAddress)
	rec.PaybillNumber = strPtr(p.PaybillNumber)
	rec.AccountNumber = strPtr(p.AccountNumber)
	rec.PhoneNumber = optStr(p.PhoneNumber)
	if p.PaybillNumber == r.cfg.KPLCPaybill {
		rec.Metadata["kplcTokenExpected"] = true
	}
	return r.insert(ctx, rec)
}

type CryptoToTillParams struct {
	UserID       uuid.UUID
	Amount       float64
	CryptoAmount float64
	Chain        string
	TokenType    string
	FromAddress  string
	ToAddress    string
	TillNumber   string
	PhoneNumber  string
}

func (r *Recorder) RecordCryptoToTill(ctx context.Context, p CryptoToTillParams) (string, error) {
	if p.UserID == uuid.Nil || p.Amount <= 0 || p.CryptoAmount <= 0 || p.Chain == "" || p.TokenType == "" || p.TillNumber == "" {
		return "", fmt.Errorf("%w: crypto_to_till requires user, amounts, chain, token type and till number", ErrValidation)
	}
	rec := r.newRecord(p.UserID, models.TxTypeCryptoToTill, p.Amount, p.CryptoAmount, p.Chain, p.TokenType)
	rec.FromAddress = optStr(p.FromAddress)
	rec.ToAddress = optStr(p.ToAddress)
	rec.TillNumber = strPtr(p.TillNumber)
	rec.PhoneNumber = optStr(p.PhoneNumber)
	return r.insert(ctx, rec)
}

type TokenTransferParams struct {
	UserID          uuid.UUID
	CryptoAmount    float64
	Chain           string
	TokenType       string
	FromAddress     string
	ToAddress       string
	TransactionHash string
}

// RecordTokenTransfer logs an already-executed on-chain transfer, so the
// record is written completed rather than pending.
func (r *Recorder) RecordTokenTransfer(ctx context.Context, p TokenTransferParams) (string, error) {
	if p.UserID == uuid.Nil || p.CryptoAmount <= 0 || p.Chain == "" || p.TokenType == "" || p.FromAddress == "" || p.ToAddress == "" || p.TransactionHash == "" {
		return "", fmt.Errorf("%w: token_transfer requires user, crypto amount, chain, token type, addresses and tx hash", ErrValidation)
	}
	rec := r.newRecord(p.UserID, models.TxTypeTokenTransfer, 0, p.CryptoAmount, p.Chain, p.TokenType)
	rec.FromAddress = strPtr(p.FromAddress)
	rec.ToAddress = strPtr(p.ToAddress)
	rec.CryptoTransactionHash = strPtr(p.TransactionHash)
	r.markCompleted(rec)
	return r.insert(ctx, rec)
}

type PlatformOperationParams struct {
	UserID          uuid.UUID
	CryptoAmount    float64
	Chain           string
	TokenType       string
	FromAddress     string
	ToAddress       string
	TransactionHash string
	Operation       string
}

// RecordPlatformOperation logs an internal wallet operation that has
// already settled on-chain; written completed like token transfers.
func (r *Recorder) RecordPlatformOperation(ctx context.Context, p PlatformOperationParams) (string, error) {
	if p.CryptoAmount <= 0 || p.Chain == "" || p.TokenType == "" || p.TransactionHash == "" {
		return "", fmt.Errorf("%w: platform_operation requires crypto amount, chain, token type and tx hash", ErrValidation)
	}
	rec := r.newRecord(p.UserID, models.TxTypePlatformOperation, 0, p.CryptoAmount, p.Chain, p.TokenType)
	rec.FromAddress = optStr(p.FromAddress)
	rec.ToAddress = optStr(p.ToAddress)
	rec.CryptoTransactionHash = strPtr(p.TransactionHash)
	if p.Operation != "" {
		rec.Metadata["operation"] = p.Operation
	}
	r.markCompleted(rec)
	return r.insert(ctx, rec)
}

type BusinessTransferParams struct {
	UserID       uuid.UUID
	BusinessID   uuid.UUID
	Amount       float64
	CryptoAmount float64
	Chain        string
	TokenType    string
	FromAddress  string
	ToAddress    string
	PhoneNumber  string
}

func (r *Recorder) RecordBusinessToPersonal(ctx context.Context, p BusinessTransferParams) (string, error) {
	return r.recordBusiness(ctx, models.TxTypeBusinessToPersonal, p)
}

func (r *Recorder) RecordBusinessCryptoToFiat(ctx context.Context, p BusinessTransferParams) (string, error) {
	return r.recordBusiness(ctx, models.TxTypeBusinessCryptoToFiat, p)
}

func (r *Recorder) recordBusiness(ctx context.Context, txType string, p BusinessTransferParams) (string, error) {
	if p.UserID == uuid.Nil || p.BusinessID == uuid.Nil || p.CryptoAmount <= 0 || p.Chain == "" || p.TokenType == "" {
		return "", fmt.Errorf("%w: %s requires user, business, crypto amount, chain and token type", ErrValidation, txType)
	}
	rec := r.newRecord(p.UserID, txType, p.Amount, p.CryptoAmount, p.Chain, p.TokenType)
	rec.BusinessID = &p.BusinessID
	rec.FromAddress = optStr(p.FromAddress)
	rec.ToAddress = optStr(p.ToAddress)
	rec.PhoneNumber = optStr(p.PhoneNumber)
	return r.insert(ctx, rec)
}

func (r *Recorder) newRecord(userID uuid.UUID, txType string, amount, cryptoAmount float64, chainName, tokenType string) *models.EscrowRecord {
	return &models.EscrowRecord{
		TransactionID: uuid.New().String(),
		UserID:        userID,
		Amount:        amount,
		CryptoAmount:  cryptoAmount,
		Type:          txType,
		Status:        models.EscrowStatusPending,
		Chain:         strPtr(chainName),
		TokenType:     strPtr(tokenType),
		Metadata: map[string]any{
			"recordedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

func (r *Recorder) markCompleted(rec *models.EscrowRecord) {
	now := time.Now().UTC()
	rec.Status = models.EscrowStatusCompleted
	rec.CompletedAt = &now
}

// insert writes the record, retrying once with a fresh UUID on the
// astronomically rare transaction_id collision.
func (r *Recorder) insert(ctx context.Context, rec *models.EscrowRecord) (string, error) {
	err := r.escrows.Create(ctx, rec)
	if errors.Is(err, repositories.ErrDuplicateTransactionID) {
		rec.TransactionID = uuid.New().String()
		err = r.escrows.Create(ctx, rec)
	}
	if err != nil {
		return "", fmt.Errorf("create escrow record: %w", err)
	}

	r.log.Info("escrow record created",
		zap.String("transaction_id", rec.TransactionID),
		zap.String("type", rec.Type),
		zap.String("status", rec.Status),
		zap.Float64("amount", rec.Amount),
		zap.Float64("crypto_amount", rec.CryptoAmount),
	)
	return rec.TransactionID, nil
}

func strPtr(s string) *string {
	return &s
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
