/*
sweep.go - Materialize upcoming rent periods for every active tenant

PURPOSE:
  The sweep walks all active tenants and inserts every missing payment whose
  period starts on or before the horizon (now + aheadDays). It is the only
  bulk writer of payments and runs from the scheduler or on demand.

ALGORITHM (per tenant):
  nextStart = latest.PeriodStart + 1 month   (or the anchor if none)
  while nextStart <= horizon:
      insert pending payment for [nextStart, nextStart + 1 month) if absent
      nextStart += 1 month

GUARANTEES:
  - Idempotent: inserts are "insert if absent" on (tenant, period start),
    so re-running with the same or an overlapping horizon creates nothing
    twice, even when two replicas sweep at once.
  - Single-flight: a Run while another Run of the same Sweeper is active
    returns ErrSweepInProgress. With a Locker the same holds across
    processes.
  - Isolation: each tenant is its own unit of work with its own deadline.
    Transient store errors are retried with exponential backoff; anything
    else is recorded as a TenantFailure and the sweep moves on.
  - Bounded: aheadDays is limited to MaxAheadDays.

SEE ALSO:
  - ledger.go: shared period stepping and payment construction
  - api/scheduler.go: periodic driver
  - lock/redis.go: cross-process Locker
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/hostel-engine/tenancy"
)

const (
	DefaultAheadDays     = 45
	DefaultBatchSize     = 200
	DefaultTenantTimeout = 30 * time.Second
	DefaultMaxRetries    = 3

	// MaxAheadDays bounds the horizon so one tenant's catch-up stays a
	// small unit of work.
	MaxAheadDays = 366
)

// ErrSweepInProgress is returned when a sweep is already running.
var ErrSweepInProgress = fmt.Errorf("billing sweep already in progress: %w", tenancy.ErrConflict)

// Locker guards a sweep across processes. TryLock reports ok=false when
// another holder has the lock.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(context.Context) error, ok bool, err error)
}

// TenantFailure records a tenant the sweep had to skip.
type TenantFailure struct {
	TenantID tenancy.TenantID
	Err      error
}

type SweepResult struct {
	RunID    tenancy.SweepID
	Created  int
	Horizon  time.Time
	Tenants  int
	Failures []TenantFailure
}

// =============================================================================
// SWEEPER
// =============================================================================

type Sweeper struct {
	Ledger        *Ledger
	Locker        Locker
	TenantTimeout time.Duration
	Concurrency   int
	MaxRetries    uint64
	// NewBackOff builds the retry schedule for one tenant.
	NewBackOff func() backoff.BackOff

	running atomic.Bool
}

func NewSweeper(ledger *Ledger) *Sweeper {
	return &Sweeper{
		Ledger:        ledger,
		TenantTimeout: DefaultTenantTimeout,
		Concurrency:   1,
		MaxRetries:    DefaultMaxRetries,
		NewBackOff:    defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

// Running reports whether a sweep is in progress in this process.
func (sw *Sweeper) Running() bool { return sw.running.Load() }

// Run materializes payments up to now + aheadDays for all active tenants,
// reading tenants in pages of batchSize.
//
// The returned error covers the sweep as a whole (lock contention, tenant
// listing, cancellation). Per-tenant problems are in SweepResult.Failures.
func (sw *Sweeper) Run(ctx context.Context, aheadDays, batchSize int) (SweepResult, error) {
	if err := ValidateAheadDays(aheadDays); err != nil {
		return SweepResult{}, err
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	if !sw.running.CompareAndSwap(false, true) {
		return SweepResult{}, ErrSweepInProgress
	}
	defer sw.running.Store(false)

	log := sw.Ledger.Logger
	if sw.Locker != nil {
		unlock, ok, err := sw.Locker.TryLock(ctx)
		if err != nil {
			return SweepResult{}, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			return SweepResult{}, ErrSweepInProgress
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn("release sweep lock", zap.Error(err))
			}
		}()
	}

	now := sw.Ledger.Now().In(sw.Ledger.loc())
	horizon := now.Add(time.Duration(aheadDays) * 24 * time.Hour)

	run := tenancy.SweepRun{
		ID:        tenancy.NewSweepID(),
		StartedAt: now,
		Horizon:   horizon,
		Status:    tenancy.SweepRunning,
	}
	sw.saveRun(ctx, run)

	res := SweepResult{RunID: run.ID, Horizon: horizon}
	err := sw.sweep(ctx, horizon, batchSize, &res)

	completed := sw.Ledger.Now()
	run.CompletedAt = &completed
	run.Tenants = res.Tenants
	run.Created = res.Created
	run.Failed = len(res.Failures)
	run.Status = tenancy.SweepCompleted
	if err != nil {
		run.Status = tenancy.SweepFailed
		run.Error = err.Error()
	}
	sw.saveRun(ctx, run)

	log.Info("billing sweep finished",
		zap.String("run_id", string(run.ID)),
		zap.Time("horizon", horizon),
		zap.Int("tenants", res.Tenants),
		zap.Int("created", res.Created),
		zap.Int("failed", len(res.Failures)),
		zap.Error(err))

	if err != nil {
		return res, fmt.Errorf("billing sweep: %w", err)
	}
	return res, nil
}

func (sw *Sweeper) sweep(ctx context.Context, horizon time.Time, batchSize int, res *SweepResult) error {
	var after tenancy.TenantID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var batch []tenancy.Tenant
		err := sw.retry(ctx, func() error {
			return sw.Ledger.Store.View(ctx, func(s tenancy.Store) error {
				var err error
				batch, err = s.ActiveTenants(ctx, after, batchSize)
				return err
			})
		})
		if err != nil {
			return fmt.Errorf("list active tenants after %q: %w", after, err)
		}
		if len(batch) == 0 {
			return nil
		}

		sw.processBatch(ctx, batch, horizon, res)
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		after = batch[len(batch)-1].ID
	}
}

func (sw *Sweeper) processBatch(ctx context.Context, batch []tenancy.Tenant, horizon time.Time, res *SweepResult) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	limit := sw.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, tenant := range batch {
		tenant := tenant
		g.Go(func() error {
			created, err := sw.processTenant(ctx, tenant, horizon)

			mu.Lock()
			defer mu.Unlock()
			res.Tenants++
			res.Created += created
			if err != nil {
				res.Failures = append(res.Failures, TenantFailure{TenantID: tenant.ID, Err: err})
				sw.Ledger.Logger.Warn("billing sweep skipped tenant",
					zap.String("tenant_id", string(tenant.ID)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// processTenant runs one tenant's catch-up as a single unit of work.
func (sw *Sweeper) processTenant(ctx context.Context, tenant tenancy.Tenant, horizon time.Time) (int, error) {
	timeout := sw.TenantTimeout
	if timeout <= 0 {
		timeout = DefaultTenantTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var created int
	err := sw.retry(tctx, func() error {
		n := 0
		err := sw.Ledger.Store.WithTx(tctx, func(s tenancy.Store) error {
			period, err := sw.Ledger.nextPeriod(tctx, s, tenant)
			if err != nil {
				return err
			}
			for ; !period.Start.After(horizon); period = period.Next() {
				exists, err := s.PaymentExists(tctx, tenant.ID, period.Start)
				if err != nil {
					return err
				}
				if exists {
					continue
				}
				ok, err := s.InsertPayment(tctx, sw.Ledger.newPayment(tenant, period))
				if err != nil {
					return err
				}
				if ok {
					n++
				}
			}
			return nil
		})
		if err == nil {
			created = n
		}
		return err
	})
	return created, err
}

// retry runs op again on transient errors only.
func (sw *Sweeper) retry(ctx context.Context, op func() error) error {
	newBackOff := sw.NewBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), sw.MaxRetries), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !tenancy.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		sw.Ledger.Logger.Debug("retrying after transient error",
			zap.Error(err),
			zap.Duration("wait", wait))
	})
}

func (sw *Sweeper) saveRun(ctx context.Context, run tenancy.SweepRun) {
	wctx := context.WithoutCancel(ctx)
	err := sw.Ledger.Store.WithTx(wctx, func(s tenancy.Store) error {
		return s.SaveSweepRun(wctx, run)
	})
	if err != nil {
		sw.Ledger.Logger.Warn("record sweep run",
			zap.String("run_id", string(run.ID)),
			zap.Error(err))
	}
}

// ValidateAheadDays rejects horizons outside [0, MaxAheadDays].
func ValidateAheadDays(aheadDays int) error {
	switch {
	case aheadDays < 0:
		return tenancy.Invalid("ahead_days", "must not be negative")
	case aheadDays > MaxAheadDays:
		return tenancy.Invalid("ahead_days", fmt.Sprintf("must not exceed %d", MaxAheadDays))
	}
	return nil
}

// Runs lists recorded sweeps, newest first.
func (sw *Sweeper) Runs(ctx context.Context, limit int) ([]tenancy.SweepRun, error) {
	var runs []tenancy.SweepRun
	err := sw.Ledger.Store.View(ctx, func(s tenancy.Store) error {
		var err error
		runs, err = s.ListSweepRuns(ctx, limit)
		return err
	})
	return runs, err
}

// IsInProgress reports whether err means another sweep holds the lock.
func IsInProgress(err error) bool {
	return errors.Is(err, ErrSweepInProgress)
}
