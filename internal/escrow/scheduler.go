// internal/escrow/scheduler.go
package escrow

import (
	"context"
	"time"

	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/common/metrics"
	"shiftmatch/internal/common/observability"
)

// Scheduler drives scheduled releases and settlement retries. It polls
// the store rather than holding timers in memory, so eligibility set
// before a crash is picked up on the next tick after restart.
type Scheduler struct {
	ledger    *Ledger
	store     Store
	obs       *observability.Observability
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    logger.Logger
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock overrides the scheduler's time source.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(ledger *Ledger, store Store, obs *observability.Observability, interval time.Duration, batchSize int, log logger.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		ledger:    ledger,
		store:     store,
		obs:       obs,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
		logger:    log.WithFields(map[string]interface{}{"component": "settlement-scheduler"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("settlement scheduler started", map[string]interface{}{
		"interval":  s.interval.String(),
		"batchSize": s.batchSize,
	})

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("settlement scheduler stopped", nil)
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: release everything whose grace window
// has elapsed, then retry failed settlements.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()

	recs, err := s.store.ListEligible(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("failed to list eligible escrow records", map[string]interface{}{"error": err})
	}
	for _, rec := range recs {
		started := time.Now()
		if err := s.ledger.Release(ctx, rec.AssignmentID); err != nil {
			s.logger.Warn("scheduled release failed", map[string]interface{}{
				"assignmentId": rec.AssignmentID,
				"error":        err,
			})
			s.obs.RecordSettlement(ctx, "failure")
			s.obs.RecordSettlementDuration(ctx, time.Since(started), "failure")
			continue
		}
		if rec.EligibleAt != nil {
			metrics.ReleaseLag.Observe(now.Sub(*rec.EligibleAt).Seconds())
		}
		s.obs.RecordSettlement(ctx, "success")
		s.obs.RecordSettlementDuration(ctx, time.Since(started), "success")
	}

	retried, err := s.ledger.RetryFailed(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("failed to retry failed settlements", map[string]interface{}{"error": err})
		return
	}
	if retried > 0 {
		s.logger.Info("retried failed settlements", map[string]interface{}{"settled": retried})
	}
}
