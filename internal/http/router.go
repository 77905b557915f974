package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/nexuspay/backend/internal/config"
	"github.com/nexuspay/backend/internal/http/handlers"
	"github.com/nexuspay/backend/internal/middleware"
	"github.com/nexuspay/backend/internal/rbac"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	kplcHandler *handlers.KPLCHandler,
	adminHandler *handlers.AdminHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Inbound webhook (public, rate-limited)
	app.Post("/webhook/token", middleware.RateLimitMiddleware(rdb, 60, time.Minute), kplcHandler.TokenWebhook)

	// Admin/ops endpoints (bearer auth)
	api := app.Group("/api/v1", middleware.AuthMiddleware(cfg, log))

	api.Post("/kplc/send-token", middleware.RequirePermission(rbac.PermSendToken, log), kplcHandler.SendToken)
	api.Get("/kplc/stats", middleware.RequirePermission(rbac.PermViewMetrics, log), kplcHandler.Stats)
	api.Post("/kplc/simulate-token", middleware.RequirePermission(rbac.PermSimulateToken, log), kplcHandler.SimulateToken)
	api.Get("/transactions/failed", middleware.RequirePermission(rbac.PermViewFailed, log), adminHandler.FailedTransactions)
	api.Get("/transactions/:transactionId/status", middleware.RequirePermission(rbac.PermViewStatus, log), kplcHandler.TransactionStatus)
	api.Get("/metrics", middleware.RequirePermission(rbac.PermViewMetrics, log), adminHandler.Metrics)

	internal := app.Group("/api/internal", middleware.AuthMiddleware(cfg, log), middleware.AdminMiddleware())
	internal.Post("/retry-transactions", middleware.RequirePermission(rbac.PermRetryQueue, log), adminHandler.RetryTransactions)
	internal.Get("/audit-log", adminHandler.AuditLog)

	// WebSocket event stream for ops dashboards
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
