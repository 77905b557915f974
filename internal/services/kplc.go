package services

import (
	"context"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nexuspay/backend/internal/config"
	"github.com/nexuspay/backend/internal/events"
	"github.com/nexuspay/backend/internal/models"
	"go.uber.org/zap"
)

// Electricity tokens arrive as digit groups separated by dashes or spaces,
// e.g. "1234-5678-9012-3456-7890".
var tokenPattern = regexp.MustCompile(`\d{4,5}(?:[-\s]\d{4,5}){3,4}`)

// KPLCService correlates inbound electricity-token payloads with the escrow
// record that triggered the purchase and relays the token to the user.
type KPLCService struct {
	escrows   EscrowStore
	users     UserStore
	sms       SMSSender
	publisher events.Publisher
	rdb       TokenDeduper
	cfg       *config.Config
	log       *zap.Logger
}

func NewKPLCService(
	escrows EscrowStore,
	users UserStore,
	sms SMSSender,
	publisher events.Publisher,
	rdb TokenDeduper,
	cfg *config.Config,
	log *zap.Logger,
) *KPLCService {
	return &KPLCService{
		escrows:   escrows,
		users:     users,
		sms:       sms,
		publisher: publisher,
		rdb:       rdb,
		cfg:       cfg,
		log:       log,
	}
}

// TokenMessage is the inbound webhook payload from the utility's payment
// processor. KPLC does not echo our transaction id — only the account
// number — so matching is a best-effort correlation.
type TokenMessage struct {
	AccountNumber string  `json:"accountNumber"`
	TokenMessage  string  `json:"tokenMessage"`
	Amount        float64 `json:"amount"`
	PhoneNumber   string  `json:"phoneNumber,omitempty"`
	TransactionID string  `json:"transactionId,omitempty"`
	Timestamp     string  `json:"timestamp,omitempty"`
}

// ExtractToken pulls the token digits out of the message body, falling back
// to the trimmed message when no token-shaped run is found.
func ExtractToken(message string) string {
	if m := tokenPattern.FindString(message); m != "" {
		return m
	}
	return strings.TrimSpace(message)
}

// HandleTokenMessage matches an inbound token payload against the most
// recent processing escrow for the account and completes it. Returns true
// when a record was matched and updated.
func (s *KPLCService) HandleTokenMessage(ctx context.Context, msg TokenMessage) (bool, error) {
	if msg.AccountNumber == "" || msg.TokenMessage == "" {
		return false, fmt.Errorf("%w: account number and token message are required", ErrValidation)
	}

	token := ExtractToken(msg.TokenMessage)

	esc, err := s.escrows.GetMostRecentByAccountAndStatus(ctx, msg.AccountNumber, s.cfg.KPLCPaybill, models.EscrowStatusProcessing)
	if err != nil {
		s.log.Warn("no matching escrow for token message",
			zap.String("account_number", msg.AccountNumber),
			zap.Float64("amount", msg.Amount),
		)
		return false, nil
	}

	// Replay guard: the upstream provider retries webhooks, and the same
	// token must not be re-applied after success. The key is written only
	// once a match exists; a payload that arrives before the purchase
	// reaches processing must not burn the upstream retry.
	if s.rdb != nil {
		key := fmt.Sprintf("kplc:token:%s:%x", msg.AccountNumber, sha256.Sum256([]byte(token)))
		ok, err := s.rdb.SetNX(ctx, key, "1", 24*time.Hour).Result()
		if err == nil && !ok {
			s.log.Info("duplicate token message, ignoring",
				zap.String("account_number", msg.AccountNumber),
			)
			return false, nil
		}
	}

	return s.applyToken(ctx, esc, token, msg.PhoneNumber)
}

// SimulateToken injects a synthetic token for a known transaction. Test aid:
// the record must be a KPLC paybill purchase, otherwise nothing changes.
func (s *KPLCService) SimulateToken(ctx context.Context, transactionID, tokenMessage string) (bool, error) {
	esc, err := s.escrows.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return false, nil
	}
	if !esc.IsKPLC(s.cfg.KPLCPaybill) {
		s.log.Warn("simulate-token rejected: not a KPLC paybill transaction",
			zap.String("transaction_id", transactionID),
		)
		return false, nil
	}
	return s.applyToken(ctx, esc, ExtractToken(tokenMessage), "")
}

// applyToken attaches the token to the escrow, completes processing records,
// publishes the event and sends the SMS.
func (s *KPLCService) applyToken(ctx context.Context, esc *models.EscrowRecord, token, phoneOverride string) (bool, error) {
	patch := map[string]any{
		"kplcToken":           token,
		"kplcTokenReceivedAt": time.Now().UTC().Format(time.RFC3339),
		"kplcTokenProcessed":  true,
	}

	var err error
	if esc.Status == models.EscrowStatusProcessing {
		// Token receipt is the settlement signal for the KPLC funnel.
		err = s.escrows.UpdateStatus(ctx, esc.TransactionID, models.EscrowStatusCompleted, patch)
	} else {
		err = s.escrows.MergeMetadata(ctx, esc.TransactionID, patch)
	}
	if err != nil {
		return false, fmt.Errorf("attach token to escrow %s: %w", esc.TransactionID, err)
	}

	if s.publisher != nil {
		_ = s.publisher.Publish(ctx, events.StreamTransaction, events.Event{
			Type: events.EventKPLCTokenReceived,
			Payload: map[string]any{
				"transaction_id": esc.TransactionID,
				"account_number": derefStr(esc.AccountNumber),
				"amount":         esc.Amount,
			},
		})
	}

	s.log.Info("KPLC token matched",
		zap.String("transaction_id", esc.TransactionID),
		zap.String("account_number", derefStr(esc.AccountNumber)),
	)

	s.notifyUser(ctx, esc, token, phoneOverride)
	return true, nil
}

func (s *KPLCService) notifyUser(ctx context.Context, esc *models.EscrowRecord, token, phoneOverride string) {
	phone := phoneOverride
	if phone == "" && esc.PhoneNumber != nil {
		phone = *esc.PhoneNumber
	}
	if phone == "" {
		if user, err := s.users.GetByID(ctx, esc.UserID); err == nil {
			phone = user.PhoneNumber
		}
	}
	if phone == "" {
		s.log.Warn("no phone number for token delivery",
			zap.String("transaction_id", esc.TransactionID),
		)
		return
	}

	err := s.sms.SendToken(ctx, SMSTokenRequest{
		PhoneNumber:   phone,
		TokenMessage:  token,
		AccountNumber: derefStr(esc.AccountNumber),
		Amount:        esc.Amount,
		TransactionID: esc.TransactionID,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		// The webhook path itself does not retry; hand the message to the
		// notification bridge, which delivers through the SMS gateway.
		s.log.Error("failed to deliver token via SMS",
			zap.String("transaction_id", esc.TransactionID),
			zap.Error(err),
		)
		if s.publisher != nil {
			_ = s.publisher.Publish(ctx, events.StreamTransaction, events.Event{
				Type: events.EventSMSNotification,
				Payload: map[string]any{
					"transaction_id": esc.TransactionID,
					"phone_number":   phone,
					"text":           fmt.Sprintf("Your KPLC token for account %s: %s", derefStr(esc.AccountNumber), token),
				},
			})
		}
	}
}

// ResendToken re-delivers an already-received token to the user. Admin
// path for when the original SMS never arrived.
func (s *KPLCService) ResendToken(ctx context.Context, transactionID string) (bool, error) {
	esc, err := s.escrows.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return false, err
	}
	token := esc.MetaString("kplcToken")
	if token == "" {
		return false, fmt.Errorf("no token recorded for transaction %s", transactionID)
	}
	s.notifyUser(ctx, esc, token, "")
	return true, nil
}

// MonitorPendingTokens flags KPLC purchases still waiting for a token past
// the timeout and alerts the admin stream. The sweep covers completed records
// and records whose on-chain leg executed but stayed in processing because
// the token never arrived.
func (s *KPLCService) MonitorPendingTokens(ctx context.Context) error {
	records, err := s.escrows.ListAwaitingToken(ctx, s.cfg.KPLCPaybill, s.cfg.KPLCTokenMaxAge, 100)
	if err != nil {
		return fmt.Errorf("list escrows awaiting token: %w", err)
	}

	now := time.Now()
	for _, esc := range records {
		// Processing records never got a completed_at, so the wait is
		// measured from creation.
		basis := esc.CreatedAt
		if esc.CompletedAt != nil {
			basis = *esc.CompletedAt
		}
		if now.Sub(basis) <= s.cfg.KPLCTokenTimeout {
			continue
		}
		if esc.MetaBool("kplcTokenTimeout") {
			continue
		}

		if err := s.escrows.MergeMetadata(ctx, esc.TransactionID, map[string]any{
			"kplcTokenTimeout":           true,
			"requiresManualIntervention": true,
		}); err != nil {
			s.log.Error("failed to flag token timeout",
				zap.String("transaction_id", esc.TransactionID),
				zap.Error(err),
			)
			continue
		}

		s.log.Warn("KPLC token overdue, flagged for manual intervention",
			zap.String("transaction_id", esc.TransactionID),
			zap.String("account_number", derefStr(esc.AccountNumber)),
			zap.Time("completed_at", basis),
		)

		if s.publisher != nil {
			_ = s.publisher.Publish(ctx, events.StreamAdmin, events.Event{
				Type: events.EventKPLCTokenTimeout,
				Payload: map[string]any{
					"transaction_id": esc.TransactionID,
					"account_number": derefStr(esc.AccountNumber),
					"completed_at":   basis,
				},
			})
		}
	}
	return nil
}

// Stats returns the token delivery funnel for the KPLC paybill.
func (s *KPLCService) Stats(ctx context.Context) (*models.KPLCStats, error) {
	return s.escrows.KPLCStats(ctx, s.cfg.KPLCPaybill)
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
