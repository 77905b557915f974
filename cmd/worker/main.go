package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nexuspay/backend/internal/chain"
	"github.com/nexuspay/backend/internal/config"
	"github.com/nexuspay/backend/internal/db"
	"github.com/nexuspay/backend/internal/events"
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

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	escrowRepo := repositories.NewEscrowRepo(pool)
	txLogRepo := repositories.NewTxLogRepo(pool)
	userRepo := repositories.NewUserRepo(pool)

	// The worker executes real transfers, so a node connection is required.
	chainClient, err := chain.NewTONClient(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to TON network", zap.Error(err))
	}

	// Services
	publisher := events.NewRedisPublisher(rdb, log)
	smsClient := services.NewSMSClient(cfg.SMSGatewayURL, log)
	txLogger := services.NewTxLogger(txLogRepo, publisher, log)
	queue := services.NewQueue(escrowRepo, txLogger, chainClient, publisher, cfg, log)
	recovery := services.NewRecoveryScanner(txLogRepo, escrowRepo, userRepo, queue, cfg, log)
	kplcService := services.NewKPLCService(escrowRepo, userRepo, smsClient, publisher, rdb, cfg, log)
	scheduler := services.NewScheduler(queue, recovery, kplcService, cfg, log)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down worker")
		cancel()
	}()

	log.Info("worker started")
	scheduler.Run(ctx)
}
