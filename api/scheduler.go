/*
scheduler.go - Automated billing sweep scheduler

PURPOSE:
  Periodically runs the billing sweep so every active tenant has its
  upcoming monthly payments materialized ahead of time.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Sweeps once immediately on start
  - Overlapping runs are refused by the Sweeper (single-flight in process,
    optional Redis lock across processes); the scheduler just logs them
  - Each run is recorded by the Sweeper for audit (GET /api/admin/billing/runs)

CONFIGURATION:
  - Interval:  How often to sweep (default: 24 hours)
  - AheadDays: Horizon in days past now (default: 45)
  - BatchSize: Tenants read per page (default: 200)
  - Enabled:   Whether the ticker runs (manual RunNow always works)

USAGE:
  scheduler := NewBillingScheduler(sweeper, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - billing/sweep.go: Sweeper
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/hostel-engine/billing"
)

// BillingScheduler runs the billing sweep on a fixed interval.
type BillingScheduler struct {
	Sweeper   *billing.Sweeper
	Logger    *zap.Logger
	Interval  time.Duration
	AheadDays int
	BatchSize int
	Enabled   bool

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewBillingScheduler creates a scheduler with default settings.
func NewBillingScheduler(sweeper *billing.Sweeper, logger *zap.Logger) *BillingScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BillingScheduler{
		Sweeper:   sweeper,
		Logger:    logger.Named("scheduler"),
		Interval:  24 * time.Hour,
		AheadDays: billing.DefaultAheadDays,
		BatchSize: billing.DefaultBatchSize,
		Enabled:   true,
	}
}

// Start begins the scheduler. It is a no-op when disabled or already started.
func (bs *BillingScheduler) Start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if !bs.Enabled {
		bs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if bs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	bs.cancel = cancel
	bs.stop = make(chan struct{})
	bs.ticker = time.NewTicker(bs.Interval)
	bs.wg.Add(1)

	go bs.run(ctx)

	bs.Logger.Info("scheduler started",
		zap.Duration("interval", bs.Interval),
		zap.Int("ahead_days", bs.AheadDays))
}

// Stop halts the ticker, cancels an in-flight sweep and waits for it.
func (bs *BillingScheduler) Stop() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.ticker == nil {
		return
	}
	bs.ticker.Stop()
	close(bs.stop)
	bs.cancel()
	bs.wg.Wait()
	bs.ticker = nil
	bs.Logger.Info("scheduler stopped")
}

func (bs *BillingScheduler) run(ctx context.Context) {
	defer bs.wg.Done()

	// Run immediately on start
	bs.tick(ctx)

	for {
		select {
		case <-bs.ticker.C:
			bs.tick(ctx)
		case <-bs.stop:
			return
		}
	}
}

func (bs *BillingScheduler) tick(ctx context.Context) {
	res, err := bs.RunNow(ctx, bs.AheadDays, bs.BatchSize)
	switch {
	case billing.IsInProgress(err):
		bs.Logger.Info("sweep skipped, another run in progress")
	case err != nil:
		bs.Logger.Error("scheduled sweep failed", zap.Error(err))
	case len(res.Failures) > 0:
		bs.Logger.Warn("scheduled sweep completed with failures",
			zap.String("run_id", string(res.RunID)),
			zap.Int("created", res.Created),
			zap.Int("failed", len(res.Failures)))
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (bs *BillingScheduler) RunNow(ctx context.Context, aheadDays, batchSize int) (billing.SweepResult, error) {
	return bs.Sweeper.Run(ctx, aheadDays, batchSize)
}

// NextRunTime returns when the next scheduled sweep will occur.
func (bs *BillingScheduler) NextRunTime() time.Time {
	return time.Now().Add(bs.Interval)
}
