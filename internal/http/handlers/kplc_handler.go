package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/nexuspay/backend/internal/http/dto"
	"github.com/nexuspay/backend/internal/middleware"
	"github.com/nexuspay/backend/internal/models"
	"github.com/nexuspay/backend/internal/repositories"
	"github.com/nexuspay/backend/internal/services"
	"go.uber.org/zap"
)

type KPLCHandler struct {
	kplcService *services.KPLCService
	escrowRepo  *repositories.EscrowRepo
	auditRepo   *repositories.AuditRepo
	log         *zap.Logger
}

func NewKPLCHandler(kplcService *services.KPLCService, escrowRepo *repositories.EscrowRepo, auditRepo *repositories.AuditRepo, log *zap.Logger) *KPLCHandler {
	return &KPLCHandler{kplcService: kplcService, escrowRepo: escrowRepo, auditRepo: auditRepo, log: log}
}

// audit writes an operator action to the audit trail. Best effort: a write
// failure is logged, not surfaced.
func (h *KPLCHandler) audit(c *fiber.Ctx, action, transactionID string, meta map[string]any) {
	entry := &models.AuditLog{
		ActorRole:     middleware.GetRole(c),
		Action:        action,
		TransactionID: &transactionID,
		Meta:          meta,
	}
	if userID := middleware.GetUserID(c); userID != uuid.Nil {
		entry.ActorUserID = &userID
	}
	if err := h.auditRepo.Create(c.Context(), entry); err != nil {
		h.log.Error("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

// TokenWebhook ingests a token message from the payment processor.
// POST /webhook/token
//
// The provider retries on anything but a fast 200, so the request is
// acknowledged before any matching or SMS work happens.
func (h *KPLCHandler) TokenWebhook(c *fiber.Ctx) error {
	var req dto.TokenWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		h.log.Warn("malformed token webhook body", zap.Error(err))
		return c.JSON(dto.WebhookAck{Status: "success"})
	}

	msg := services.TokenMessage{
		AccountNumber: req.AccountNumber,
		TokenMessage:  req.TokenMessage,
		Amount:        req.Amount,
		PhoneNumber:   req.PhoneNumber,
		TransactionID: req.TransactionID,
		Timestamp:     req.Timestamp,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := h.kplcService.HandleTokenMessage(ctx, msg); err != nil {
			h.log.Error("token webhook processing failed",
				zap.String("account_number", msg.AccountNumber),
				zap.Error(err),
			)
		}
	}()

	return c.JSON(dto.WebhookAck{Status: "success"})
}

// SendToken re-delivers a stored token by SMS.
// POST /api/v1/kplc/send-token
func (h *KPLCHandler) SendToken(c *fiber.Ctx) error {
	var req dto.SendTokenRequest
	if err := c.BodyParser(&req); err != nil || req.TransactionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "transactionId is required"})
	}

	ok, err := h.kplcService.ResendToken(c.Context(), req.TransactionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "transaction not found"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	h.audit(c, models.AuditActionResendToken, req.TransactionID, nil)
	return c.JSON(dto.SuccessResponse{OK: ok})
}

// TransactionStatus returns ledger status plus KPLC token flags.
// GET /api/v1/transactions/:transactionId/status
func (h *KPLCHandler) TransactionStatus(c *fiber.Ctx) error {
	transactionID := c.Params("transactionId")

	esc, err := h.escrowRepo.GetByTransactionID(c.Context(), transactionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "transaction not found"})
		}
		h.log.Error("transaction status lookup failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.TransactionStatusResponse{
		TransactionID:     esc.TransactionID,
		Type:              esc.Type,
		Status:            esc.Status,
		Amount:            esc.Amount,
		CryptoAmount:      esc.CryptoAmount,
		RetryCount:        esc.RetryCount,
		KPLCTokenExpected: esc.MetaBool("kplcTokenExpected"),
		KPLCTokenReceived: esc.HasKPLCToken(),
		KPLCTokenTimeout:  esc.MetaBool("kplcTokenTimeout"),
		CompletedAt:       esc.CompletedAt,
		CreatedAt:         esc.CreatedAt,
	})
}

// Stats returns the KPLC token delivery funnel.
// GET /api/v1/kplc/stats
func (h *KPLCHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.kplcService.Stats(c.Context())
	if err != nil {
		h.log.Error("kplc stats query failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: stats})
}

// SimulateToken injects a synthetic token message for testing.
// POST /api/v1/kplc/simulate-token
func (h *KPLCHandler) SimulateToken(c *fiber.Ctx) error {
	var req dto.SimulateTokenRequest
	if err := c.BodyParser(&req); err != nil || req.TransactionID == "" || req.TokenMessage == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "transactionId and tokenMessage are required"})
	}

	ok, err := h.kplcService.SimulateToken(c.Context(), req.TransactionID, req.TokenMessage)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "not a KPLC paybill transaction"})
	}

	h.audit(c, models.AuditActionSimulateToken, req.TransactionID, map[string]any{
		"tokenMessage": req.TokenMessage,
	})
	return c.JSON(dto.SuccessResponse{OK: true})
}
