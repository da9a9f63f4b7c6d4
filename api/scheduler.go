/*
scheduler.go - Ledger reconciliation and its scheduler

PURPOSE:
  Periodically replays every user's transaction log and compares the sum
  against the stored balance. A mismatch means a write path broke the
  reconstructability guarantee; it is logged, counted in the
  ledger_mismatched_users gauge, and returned in the report. Nothing is
  repaired automatically.

DESIGN:
  - Reconciler does one pass over all users and keeps the last report
  - ReconciliationScheduler runs the pass on a gocron duration job in
    singleton mode, so a slow pass is never overlapped by the next one
  - Admins can trigger a pass on demand (POST /api/admin/reconcile), and
    the CLI exposes the same pass as "reconcile"

CONFIGURATION:
  - reconcile.interval: How often to run (default: 1 hour)
  - reconcile.enabled:  Whether the scheduler runs at all (default: true)

USAGE:
  rec := NewReconciler(store, logger)
  scheduler := NewReconciliationScheduler(rec, time.Hour, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/replay.go: Verify
  - handlers.go: Reconcile endpoint (manual reconciliation)
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/metrics"
)

// =============================================================================
// RECONCILER
// =============================================================================

type ReconcileReport struct {
	Checked    int
	Mismatches []*ledger.ReconciliationError
	Errors     []error
	StartedAt  time.Time
	Duration   time.Duration
}

// OK reports whether every user reconciled.
func (r *ReconcileReport) OK() bool {
	return len(r.Mismatches) == 0 && len(r.Errors) == 0
}

type Reconciler struct {
	store  ledger.Store
	logger *zap.Logger

	mu   sync.Mutex
	last *ReconcileReport
}

func NewReconciler(store ledger.Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, logger: logger.Named("reconcile")}
}

// Run checks every user. The returned error is only set when the user list
// itself could not be read; per-user failures are collected in the report.
func (rc *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{StartedAt: time.Now()}

	users, err := rc.store.ListUsers(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	for _, u := range users {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, err)
			break
		}

		txs, err := rc.store.Transactions(ctx, u.ID)
		if err != nil {
			rc.logger.Error("failed to load transactions", zap.String("user_id", string(u.ID)), zap.Error(err))
			report.Errors = append(report.Errors, fmt.Errorf("user %s: %w", u.ID, err))
			continue
		}
		report.Checked++

		if err := ledger.Verify(u, txs); err != nil {
			var mismatch *ledger.ReconciliationError
			if errors.As(err, &mismatch) {
				report.Mismatches = append(report.Mismatches, mismatch)
			}
			rc.logger.Error("ledger mismatch",
				zap.String("user_id", string(u.ID)),
				zap.String("balance", u.Balance.String()),
				zap.String("replayed", ledger.Replay(txs).String()),
			)
		}
	}

	report.Duration = time.Since(report.StartedAt)
	metrics.LedgerMismatches.Set(float64(len(report.Mismatches)))
	if report.OK() {
		metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	} else {
		metrics.ReconcileRuns.WithLabelValues("mismatch").Inc()
	}

	rc.logger.Info("reconciliation completed",
		zap.Int("checked", report.Checked),
		zap.Int("mismatches", len(report.Mismatches)),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("duration", report.Duration),
	)

	rc.mu.Lock()
	rc.last = report
	rc.mu.Unlock()
	return report, nil
}

// Last returns the most recent report, or nil before the first run.
func (rc *Reconciler) Last() *ReconcileReport {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.last
}

// =============================================================================
// SCHEDULER
// =============================================================================

// ReconciliationScheduler runs the Reconciler on a fixed interval.
type ReconciliationScheduler struct {
	Reconciler *Reconciler
	Interval   time.Duration
	Timeout    time.Duration

	logger    *zap.Logger
	scheduler gocron.Scheduler
	mu        sync.Mutex
}

func NewReconciliationScheduler(rec *Reconciler, interval time.Duration, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &ReconciliationScheduler{
		Reconciler: rec,
		Interval:   interval,
		Timeout:    5 * time.Minute,
		logger:     logger.Named("scheduler"),
	}
}

// Start registers the job and starts the scheduler. The first pass runs
// immediately.
func (rs *ReconciliationScheduler) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.scheduler != nil {
		return nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(rs.Interval),
		gocron.NewTask(rs.runOnce),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}

	s.Start()
	rs.scheduler = s
	rs.logger.Info("reconciliation scheduler started", zap.Duration("interval", rs.Interval))
	return nil
}

// Stop shuts the scheduler down and waits for a running pass to finish.
func (rs *ReconciliationScheduler) Stop() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.scheduler == nil {
		return nil
	}
	err := rs.scheduler.Shutdown()
	rs.scheduler = nil
	rs.logger.Info("reconciliation scheduler stopped")
	return err
}

// RunNow triggers an immediate pass outside the schedule.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (*ReconcileReport, error) {
	return rs.Reconciler.Run(ctx)
}

func (rs *ReconciliationScheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.Timeout)
	defer cancel()

	if _, err := rs.Reconciler.Run(ctx); err != nil {
		rs.logger.Error("scheduled reconciliation failed", zap.Error(err))
	}
}
