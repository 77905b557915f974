package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/nexuspay/backend/internal/chain"
	"github.com/nexuspay/backend/internal/config"
	"github.com/nexuspay/backend/internal/db"
	"github.com/nexuspay/backend/internal/events"
	apphttp "github.com/nexuspay/backend/internal/http"
	"github.com/nexuspay/backend/internal/http/handlers"
	"github.com/nexuspay/backend/internal/repositories"
	"github.com/nexuspay/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	escrowRepo := repositories.NewEscrowRepo(pool)
	txLogRepo := repositories.NewTxLogRepo(pool)
	userRepo := repositories.NewUserRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Chain client: the API only needs it for the manual retry path, so a
	// failed node connection degrades instead of blocking startup.
	var chainClient chain.Client
	chainClient, err = chain.NewTONClient(ctx, cfg, log)
	if err != nil {
		log.Warn("chain client unavailable, transfers will fail until worker connectivity returns", zap.Error(err))
		chainClient = chain.Unavailable{Reason: err.Error()}
	}

	// Services
	smsClient := services.NewSMSClient(cfg.SMSGatewayURL, log)
	txLogger := services.NewTxLogger(txLogRepo, publisher, log)
	queue := services.NewQueue(escrowRepo, txLogger, chainClient, publisher, cfg, log)
	recovery := services.NewRecoveryScanner(txLogRepo, escrowRepo, userRepo, queue, cfg, log)
	kplcService := services.NewKPLCService(escrowRepo, userRepo, smsClient, publisher, rdb, cfg, log)
	scheduler := services.NewScheduler(queue, recovery, kplcService, cfg, log)

	// Handlers
	kplcHandler := handlers.NewKPLCHandler(kplcService, escrowRepo, auditRepo, log)
	adminHandler := handlers.NewAdminHandler(scheduler, txLogger, auditRepo, cfg, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, kplcHandler, adminHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
