package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/nexuspay/backend/internal/config"
	"github.com/nexuspay/backend/internal/db"
	"github.com/nexuspay/backend/internal/repositories"
	"go.uber.org/zap"
)

// One-shot stats dump: prints the KPLC token funnel and transaction log
// metrics as JSON. Meant for cron jobs and operators poking at production.

func main() {
	windowHours := flag.Int("window", 24, "metrics window in hours")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	escrowRepo := repositories.NewEscrowRepo(pool)
	txLogRepo := repositories.NewTxLogRepo(pool)

	kplcStats, err := escrowRepo.KPLCStats(ctx, cfg.KPLCPaybill)
	if err != nil {
		log.Fatal("failed to compute kplc stats", zap.Error(err))
	}

	since := time.Now().Add(-time.Duration(*windowHours) * time.Hour)
	metrics, err := txLogRepo.Metrics(ctx, since)
	if err != nil {
		log.Fatal("failed to compute transaction metrics", zap.Error(err))
	}

	out := map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"window_hours": *windowHours,
		"kplc":         kplcStats,
		"kplc_success": kplcStats.SuccessRate(),
		"transactions": metrics,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal("failed to encode stats", zap.Error(err))
	}
}
