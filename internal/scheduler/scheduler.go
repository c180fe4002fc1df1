// Package scheduler runs the periodic reconciliation sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/ledger"
	"github.com/alanyoungcy/celoledger/internal/metrics"
)

const (
	jobName  = "reconcile"
	leaseKey = "reconcile"
)

// Sweeper runs one reconciliation sweep under the cross-replica lease.
type Sweeper struct {
	reconciler *ledger.Reconciler
	locks      domain.LockManager
	leaseTTL   time.Duration
	timeout    time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewSweeper creates a Sweeper. locks and m may be nil.
func NewSweeper(r *ledger.Reconciler, locks domain.LockManager, leaseTTL time.Duration, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	return &Sweeper{
		reconciler: r,
		locks:      locks,
		leaseTTL:   leaseTTL,
		metrics:    m,
		logger:     logger.With(slog.String("component", "sweeper")),
	}
}

// WithTimeout bounds every sweep to d. Zero means no deadline.
func (s *Sweeper) WithTimeout(d time.Duration) *Sweeper {
	s.timeout = d
	return s
}

// Sweep merges duplicate participant rows. It returns domain.ErrLockHeld when
// another replica is sweeping.
func (s *Sweeper) Sweep(ctx context.Context) (ledger.ReconcileReport, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if s.locks != nil {
		lease, err := s.locks.Acquire(ctx, leaseKey, s.leaseTTL)
		if err != nil {
			return ledger.ReconcileReport{}, fmt.Errorf("scheduler: acquire reconcile lease: %w", err)
		}
		defer lease.Release()
	}

	report, err := s.reconciler.Run(ctx)
	s.metrics.RecordReconcile(err == nil, report.RowsDeleted)
	for i := 0; i < report.Violations; i++ {
		s.metrics.RecordFrozen()
	}
	return report, err
}

// Scheduler runs Sweep every interval with gocron. At most one run is active
// at a time; an overdue run is rescheduled rather than queued.
type Scheduler struct {
	sweeper  *Sweeper
	interval time.Duration
	alerter  ledger.Alerter
	logger   *slog.Logger
}

// New creates a Scheduler.
func New(sweeper *Sweeper, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With(slog.String("component", "scheduler")),
	}
}

// WithAlerter reports failed sweeps to a.
func (s *Scheduler) WithAlerter(a ledger.Alerter) *Scheduler {
	s.alerter = a
	return s
}

// Run registers the reconcile job, runs it once immediately and then on every
// interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("scheduler: create: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.run(ctx) }),
		gocron.WithName(jobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("scheduler: register %s job: %w", jobName, err)
	}

	sched.Start()
	s.logger.Info("reconcile job scheduled", slog.Duration("interval", s.interval))

	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		s.logger.Warn("scheduler shutdown failed", slog.String("error", err.Error()))
	}
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	report, err := s.sweeper.Sweep(ctx)
	switch {
	case errors.Is(err, domain.ErrLockHeld):
		s.logger.Debug("reconcile skipped, lease held elsewhere")
	case err != nil:
		s.logger.Error("reconcile failed", slog.String("error", err.Error()))
		if s.alerter != nil && ctx.Err() == nil {
			if aerr := s.alerter.Notify(ctx, "reconcile_failed", "Reconciliation failed", err.Error()); aerr != nil {
				s.logger.Warn("alert failed", slog.String("error", aerr.Error()))
			}
		}
	default:
		s.logger.Info("reconcile complete",
			slog.Int("merged", report.Merged),
			slog.Int("rows_deleted", report.RowsDeleted),
			slog.Int("violations", report.Violations),
			slog.Duration("took", time.Since(start)),
		)
	}
}
