package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/nexuspay/backend/internal/config"
	"github.com/nexuspay/backend/internal/http/dto"
	"github.com/nexuspay/backend/internal/middleware"
	"github.com/nexuspay/backend/internal/models"
	"github.com/nexuspay/backend/internal/repositories"
	"github.com/nexuspay/backend/internal/services"
	"go.uber.org/zap"
)

type AdminHandler struct {
	scheduler *services.Scheduler
	txlogger  *services.TxLogger
	auditRepo *repositories.AuditRepo
	cfg       *config.Config
	log       *zap.Logger
}

func NewAdminHandler(scheduler *services.Scheduler, txlogger *services.TxLogger, auditRepo *repositories.AuditRepo, cfg *config.Config, log *zap.Logger) *AdminHandler {
	return &AdminHandler{scheduler: scheduler, txlogger: txlogger, auditRepo: auditRepo, cfg: cfg, log: log}
}

// RetryTransactions runs the immediate-retry path synchronously: retries,
// then the main queue, then the recovery scan. Incident-response tool only,
// locked out of production.
// POST /api/internal/retry-transactions
func (h *AdminHandler) RetryTransactions(c *fiber.Ctx) error {
	if h.cfg.IsProduction() {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "manual retry is disabled in production"})
	}

	h.log.Info("manual retry requested", zap.String("ip", c.IP()))
	h.scheduler.RunImmediateRetries(c.Context())

	entry := &models.AuditLog{
		ActorRole: middleware.GetRole(c),
		Action:    models.AuditActionManualRetry,
		Meta:      map[string]any{"ip": c.IP()},
	}
	if userID := middleware.GetUserID(c); userID != uuid.Nil {
		entry.ActorUserID = &userID
	}
	if err := h.auditRepo.Create(c.Context(), entry); err != nil {
		h.log.Error("audit write failed", zap.Error(err))
	}

	return c.JSON(dto.SuccessResponse{OK: true})
}

// AuditLog lists recent operator actions, newest first.
// GET /api/internal/audit-log
func (h *AdminHandler) AuditLog(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	entries, err := h.auditRepo.ListRecent(c.Context(), limit)
	if err != nil {
		h.log.Error("audit log query failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: entries})
}

// Metrics returns aggregate transaction telemetry for the last 24 hours.
// GET /api/v1/metrics
func (h *AdminHandler) Metrics(c *fiber.Ctx) error {
	metrics, err := h.txlogger.Metrics(c.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		h.log.Error("metrics query failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: metrics})
}

// FailedTransactions lists recent failed log entries.
// GET /api/v1/transactions/failed
func (h *AdminHandler) FailedTransactions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	entries, err := h.txlogger.Failed(c.Context(), limit)
	if err != nil {
		h.log.Error("failed transactions query failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: entries})
}
