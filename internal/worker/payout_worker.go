package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sableintel/humint-escrow/internal/models"
	"github.com/sableintel/humint-escrow/internal/observability"
	"github.com/sableintel/humint-escrow/internal/service"
)

// PayoutWorker drives the payout service on a fixed poll interval. Safe for
// concurrent instances thanks to FOR UPDATE SKIP LOCKED claims, but a single
// process never overlaps its own runs.
type PayoutWorker struct {
	payoutService *service.PayoutService
	pollInterval  time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	running       atomic.Bool
}

func NewPayoutWorker(payoutSvc *service.PayoutService) *PayoutWorker {
	return &PayoutWorker{
		payoutService: payoutSvc,
		pollInterval:  time.Minute,
		stopCh:        make(chan struct{}),
	}
}

// WithPollInterval sets the poll interval for the worker.
func (w *PayoutWorker) WithPollInterval(interval time.Duration) *PayoutWorker {
	if interval > 0 {
		w.pollInterval = interval
	}
	return w
}

// Start blocks and runs payout cycles until Stop is called or the context is
// canceled.
func (w *PayoutWorker) Start(ctx context.Context) {
	zap.L().Info("payout worker starting", zap.Duration("interval", w.pollInterval))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("payout worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("payout worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *PayoutWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *PayoutWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// ProcessOnce runs a single cycle immediately. Useful for tests and manual
// triggering.
func (w *PayoutWorker) ProcessOnce(ctx context.Context) error {
	_, err := w.payoutService.ProcessWithdrawals(ctx)
	return err
}

func (w *PayoutWorker) runOnce(ctx context.Context) {
	// A slow cycle (jitter between many sends) may outlast the ticker.
	if !w.running.CompareAndSwap(false, true) {
		zap.L().Debug("payout cycle still running, skipping tick")
		return
	}
	defer w.running.Store(false)

	summary, err := w.payoutService.ProcessWithdrawals(ctx)
	switch {
	case err == nil:
		observability.IncrementWorkerRun("payout", "success")
	case errors.Is(err, models.ErrChainNotReady):
		// Expected while the node catches up; next tick retries.
		observability.IncrementWorkerRun("payout", "chain_not_ready")
		zap.L().Info("payout cycle deferred, chain not synced")
	case errors.Is(err, models.ErrPoolTooSmall):
		observability.IncrementWorkerRun("payout", "pool_too_small")
		zap.L().Info("payout cycle deferred, due pool below anonymity minimum")
	default:
		observability.IncrementWorkerRun("payout", "failed")
		zap.L().Error("payout cycle failed", zap.Error(err))
	}
	if summary != nil && len(summary.Errors) > 0 {
		zap.L().Warn("payout cycle finished with entry errors", zap.Strings("errors", summary.Errors))
	}
}
