package services

import (
	"context"
	"time"

	"github.com/nexuspay/backend/internal/config"
	"go.uber.org/zap"
)

// Scheduler owns the steady-state timers: queue processing, failure retries,
// the recovery scan and the KPLC token monitor. The timers are independent —
// an error or panic in one cycle is logged and never blocks the next, and a
// retry burst cannot starve new-transaction throughput.
type Scheduler struct {
	queue    *Queue
	recovery *RecoveryScanner
	kplc     *KPLCService
	cfg      *config.Config
	log      *zap.Logger
}

func NewScheduler(
	queue *Queue,
	recovery *RecoveryScanner,
	kplc *KPLCService,
	cfg *config.Config,
	log *zap.Logger,
) *Scheduler {
	return &Scheduler{
		queue:    queue,
		recovery: recovery,
		kplc:     kplc,
		cfg:      cfg,
		log:      log,
	}
}

// Run blocks until the context is cancelled. Records left dangling in
// processing by a previous crashed run are reset into the retry path before
// the timers start.
func (s *Scheduler) Run(ctx context.Context) {
	s.runCycle(ctx, "reset_stuck", s.queue.ResetStuck)

	queueTicker := time.NewTicker(s.cfg.QueueInterval)
	retryTicker := time.NewTicker(s.cfg.RetryInterval)
	recoveryTicker := time.NewTicker(s.cfg.RecoveryInterval)
	monitorTicker := time.NewTicker(s.cfg.KPLCMonitorInterval)
	defer queueTicker.Stop()
	defer retryTicker.Stop()
	defer recoveryTicker.Stop()
	defer monitorTicker.Stop()

	s.log.Info("scheduler started",
		zap.Duration("queue_interval", s.cfg.QueueInterval),
		zap.Duration("retry_interval", s.cfg.RetryInterval),
		zap.Duration("recovery_interval", s.cfg.RecoveryInterval),
		zap.Duration("kplc_monitor_interval", s.cfg.KPLCMonitorInterval),
	)

	for {
		select {
		case <-queueTicker.C:
			s.runCycle(ctx, "queue", s.queue.ProcessQueue)
		case <-retryTicker.C:
			s.runCycle(ctx, "retries", s.queue.ProcessRetries)
		case <-recoveryTicker.C:
			s.runCycle(ctx, "recovery", s.recovery.Scan)
		case <-monitorTicker.C:
			s.runCycle(ctx, "kplc_monitor", s.kplc.MonitorPendingTokens)
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		}
	}
}

// RunImmediateRetries is the operator-invoked incident-response path:
// retries, then the main queue, then the recovery scan, synchronously.
func (s *Scheduler) RunImmediateRetries(ctx context.Context) {
	s.log.Info("manual retry triggered")
	s.runCycle(ctx, "retries", s.queue.ProcessRetries)
	s.runCycle(ctx, "queue", s.queue.ProcessQueue)
	s.runCycle(ctx, "recovery", s.recovery.Scan)
}

// runCycle isolates a single cycle: errors are logged, panics are contained,
// and the timers stay alive.
func (s *Scheduler) runCycle(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cycle panicked", zap.String("cycle", name), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil {
		s.log.Error("cycle failed",
			zap.String("cycle", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	s.log.Debug("cycle completed",
		zap.String("cycle", name),
		zap.Duration("elapsed", time.Since(start)),
	)
}
