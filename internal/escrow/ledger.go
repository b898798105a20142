// internal/escrow/ledger.go
package escrow

import (
	"context"
	"errors"
	"time"

	stderrors "shiftmatch/internal/common/errors"
	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/common/metrics"
	"shiftmatch/internal/models"
	"shiftmatch/internal/notify"

	"github.com/google/uuid"
)

// Ledger owns every escrow record. All money amounts are integer minor
// currency units computed once at hold time; release and refund always
// settle the stored amount, never a recomputed one.
//
// Settlement ordering is claim-first: a version compare-and-swap records
// the intended direction before the provider call, so of two concurrent
// settles in opposite directions only the claim winner ever reaches the
// provider. The terminal compare-and-swap follows the call; a crash
// between the two leaves a claimed record that a retry settles without a
// second provider-side movement, the gateway idempotency key absorbing
// the repeat call.
type Ledger struct {
	store      Store
	gateway    Gateway
	dispatcher notify.Dispatcher
	currency   string
	now        func() time.Time
	logger     logger.Logger
}

// LedgerOption customizes a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the ledger's time source.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store Store, gateway Gateway, dispatcher notify.Dispatcher, currency string, log logger.Logger, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:      store,
		gateway:    gateway,
		dispatcher: dispatcher,
		currency:   currency,
		now:        time.Now,
		logger:     log.WithFields(map[string]interface{}{"component": "escrow-ledger"}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Hold places amountMinor in escrow for an assignment. Idempotent by
// assignment: a repeated call returns the existing record untouched, even
// if the requested amount has since drifted.
func (l *Ledger) Hold(ctx context.Context, assignmentID string, amountMinor int64) (*models.EscrowRecord, error) {
	if existing, err := l.store.GetByAssignment(ctx, assignmentID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := l.gateway.Hold(ctx, holdKey(assignmentID), amountMinor, l.currency); err != nil {
		metrics.EscrowOperations.WithLabelValues("hold", "failure").Inc()
		return nil, stderrors.NewEscrowHoldFailedError(assignmentID, err)
	}

	rec := &models.EscrowRecord{
		ID:           uuid.NewString(),
		AssignmentID: assignmentID,
		AmountMinor:  amountMinor,
		Status:       models.EscrowHeld,
		Version:      1,
		HeldAt:       l.now().UTC(),
	}
	if err := l.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateHold) {
			// a concurrent hold won the insert; its record is the truth
			return l.store.GetByAssignment(ctx, assignmentID)
		}
		return nil, err
	}

	metrics.EscrowOperations.WithLabelValues("hold", "success").Inc()
	l.logger.Info("escrow held", map[string]interface{}{
		"assignmentId": assignmentID,
		"escrowId":     rec.ID,
		"amountMinor":  amountMinor,
		"currency":     l.currency,
	})
	return rec, nil
}

// ScheduleRelease records when the held amount becomes releasable. The
// schedule is durable; the settlement runner picks it up by polling, so a
// restart between completion and the grace deadline loses nothing.
func (l *Ledger) ScheduleRelease(ctx context.Context, assignmentID string, eligibleAt time.Time) error {
	rec, err := l.store.GetByAssignment(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return stderrors.NewEscrowNotFoundError(assignmentID)
		}
		return err
	}
	if rec.Status.Terminal() {
		return stderrors.NewEscrowOperationConflictError(assignmentID, string(rec.Status))
	}
	return l.store.SetEligibleAt(ctx, assignmentID, eligibleAt.UTC())
}

// Release settles the held amount to the worker. Exactly-once: a repeat
// on an already-released record is a no-op, and a record that was
// refunded instead is a hard conflict.
func (l *Ledger) Release(ctx context.Context, assignmentID string) error {
	return l.settle(ctx, assignmentID, models.EscrowReleased)
}

// Refund returns the held amount to the business. Same exactly-once
// semantics as Release.
func (l *Ledger) Refund(ctx context.Context, assignmentID string) error {
	return l.settle(ctx, assignmentID, models.EscrowRefunded)
}

func (l *Ledger) settle(ctx context.Context, assignmentID string, outcome models.EscrowStatus) error {
	op := "release"
	gatewayCall := l.gateway.Release
	key := releaseKey(assignmentID)
	if outcome == models.EscrowRefunded {
		op = "refund"
		gatewayCall = l.gateway.Refund
		key = refundKey(assignmentID)
	}

	rec, err := l.store.GetByAssignment(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return stderrors.NewEscrowNotFoundError(assignmentID)
		}
		return err
	}

	if rec.Status == outcome {
		return nil // already settled this way
	}
	if !rec.Status.CanTransition(outcome) {
		metrics.EscrowOperations.WithLabelValues(op, "conflict").Inc()
		return stderrors.NewEscrowOperationConflictError(assignmentID, string(rec.Status))
	}
	if rec.PendingOutcome != "" && rec.PendingOutcome != outcome {
		// the opposite direction holds the claim and may have already
		// reached the provider; this direction must never follow
		metrics.EscrowOperations.WithLabelValues(op, "conflict").Inc()
		err := stderrors.NewEscrowOperationConflictError(assignmentID, string(rec.Status))
		err.Details = "settlement already claimed: " + string(rec.PendingOutcome)
		return err
	}
	if outcome == models.EscrowReleased && rec.EligibleAt != nil && l.now().UTC().Before(*rec.EligibleAt) {
		metrics.EscrowOperations.WithLabelValues(op, "conflict").Inc()
		err := stderrors.NewEscrowOperationConflictError(assignmentID, string(rec.Status))
		err.Details = "release not yet eligible: " + rec.EligibleAt.Format(time.RFC3339)
		return err
	}

	// Claim the direction before touching the provider. A concurrent
	// settle in the opposite direction loses the version race right here
	// and never reaches the gateway.
	if rec.PendingOutcome != outcome {
		switch err := l.store.ClaimSettlement(ctx, assignmentID, rec.Version, outcome); {
		case err == nil:
			rec.Version++
			rec.PendingOutcome = outcome
		case errors.Is(err, ErrVersionConflict):
			fresh, rerr := l.store.GetByAssignment(ctx, assignmentID)
			if rerr != nil {
				return rerr
			}
			if fresh.Status == outcome {
				return nil
			}
			if fresh.PendingOutcome != outcome {
				metrics.EscrowOperations.WithLabelValues(op, "conflict").Inc()
				return stderrors.NewEscrowOperationConflictError(assignmentID, string(fresh.Status))
			}
			// another settler in the same direction claimed first; the
			// gateway dedup key makes the repeat call safe
			rec = fresh
		default:
			return err
		}
	}

	if err := gatewayCall(ctx, key, rec.AmountMinor, l.currency); err != nil {
		l.markFailed(ctx, rec, err.Error())
		metrics.EscrowOperations.WithLabelValues(op, "failure").Inc()
		return stderrors.NewEscrowSettlementFailedError(assignmentID, err)
	}

	at := l.now().UTC()
	if err := l.store.TransitionVersion(ctx, assignmentID, rec.Version, outcome, at, ""); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// a concurrent settle moved the record; the gateway dedup key
			// made this call safe, so only the final status matters
			fresh, rerr := l.store.GetByAssignment(ctx, assignmentID)
			if rerr == nil && fresh.Status == outcome {
				return nil
			}
			metrics.EscrowOperations.WithLabelValues(op, "conflict").Inc()
			current := string(rec.Status)
			if rerr == nil {
				current = string(fresh.Status)
			}
			return stderrors.NewEscrowOperationConflictError(assignmentID, current)
		}
		return err
	}

	metrics.EscrowOperations.WithLabelValues(op, "success").Inc()
	l.logger.Info("escrow settled", map[string]interface{}{
		"assignmentId": assignmentID,
		"outcome":      string(outcome),
		"amountMinor":  rec.AmountMinor,
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.dispatcher.EscrowSettled(ctx, assignmentID, outcome)
	}()
	return nil
}

// markFailed parks the record in failed so the retry loop keeps working
// it. A failed settlement must never drop the record: the money is still
// held at the provider.
func (l *Ledger) markFailed(ctx context.Context, rec *models.EscrowRecord, reason string) {
	if rec.Status == models.EscrowFailed {
		return
	}
	if err := l.store.TransitionVersion(ctx, rec.AssignmentID, rec.Version, models.EscrowFailed, l.now().UTC(), reason); err != nil {
		l.logger.Error("failed to mark escrow record failed", map[string]interface{}{
			"assignmentId": rec.AssignmentID,
			"error":        err,
		})
	}
}

// RetryFailed re-attempts settlement of failed records. The intended
// outcome is recovered from the record itself: the claimed pending
// outcome when one exists, otherwise a scheduled eligible_at means the
// record was headed for release and its absence means refund.
func (l *Ledger) RetryFailed(ctx context.Context, limit int) (int, error) {
	recs, err := l.store.ListFailed(ctx, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, rec := range recs {
		outcome := rec.PendingOutcome
		if outcome == "" {
			outcome = models.EscrowRefunded
			if rec.EligibleAt != nil {
				outcome = models.EscrowReleased
			}
		}
		if err := l.settle(ctx, rec.AssignmentID, outcome); err != nil {
			l.logger.Warn("settlement retry failed", map[string]interface{}{
				"assignmentId": rec.AssignmentID,
				"outcome":      string(outcome),
				"error":        err,
			})
			continue
		}
		settled++
	}
	return settled, nil
}
