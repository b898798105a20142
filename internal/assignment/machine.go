// internal/assignment/machine.go
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	stderrors "shiftmatch/internal/common/errors"
	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/common/metrics"
	"shiftmatch/internal/models"
	"shiftmatch/internal/notify"

	"github.com/google/uuid"
)

// EscrowLedger is the slice of the ledger the state machine drives. Every
// financially consequential transition calls exactly one of these.
type EscrowLedger interface {
	Hold(ctx context.Context, assignmentID string, amountMinor int64) (*models.EscrowRecord, error)
	Refund(ctx context.Context, assignmentID string) error
	ScheduleRelease(ctx context.Context, assignmentID string, eligibleAt time.Time) error
}

// ReliabilitySink consumes worker reliability signals. Updates are
// fire-and-forget and eventually consistent: reliability only affects
// future matching decisions, never the current transition.
type ReliabilitySink interface {
	RecordNoShow(ctx context.Context, workerID string) error
	RecordCompletion(ctx context.Context, workerID string) error
}

const sideEffectTimeout = 5 * time.Second

// Machine owns the lifecycle of every (shift, worker) pairing. It is the
// only component that mutates assignment status or a shift's fill count.
type Machine struct {
	store        Store
	ledger       EscrowLedger
	reliability  ReliabilitySink
	dispatcher   notify.Dispatcher
	releaseGrace time.Duration
	checkInEarly time.Duration
	checkInLapse time.Duration
	now          func() time.Time
	logger       logger.Logger
}

// Option customizes a Machine.
type Option func(*Machine)

// WithClock overrides the machine's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithReleaseGrace overrides the dispute window between completion and
// escrow release eligibility.
func WithReleaseGrace(d time.Duration) Option {
	return func(m *Machine) { m.releaseGrace = d }
}

// WithCheckInWindow overrides how early check-in opens before the shift
// start and how long after start an absent worker may be marked no-show.
func WithCheckInWindow(early, lapse time.Duration) Option {
	return func(m *Machine) {
		m.checkInEarly = early
		m.checkInLapse = lapse
	}
}

func NewMachine(store Store, ledger EscrowLedger, reliability ReliabilitySink, dispatcher notify.Dispatcher, log logger.Logger, opts ...Option) *Machine {
	m := &Machine{
		store:        store,
		ledger:       ledger,
		reliability:  reliability,
		dispatcher:   dispatcher,
		releaseGrace: 15 * time.Minute,
		checkInEarly: 30 * time.Minute,
		checkInLapse: 30 * time.Minute,
		now:          time.Now,
		logger:       log.WithFields(map[string]interface{}{"component": "assignment-machine"}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply records a worker's application to a shift. Re-applying returns the
// existing assignment.
func (m *Machine) Apply(ctx context.Context, shiftID, workerID string) (*models.Assignment, error) {
	if _, err := m.store.GetShift(ctx, shiftID); err != nil {
		return nil, err
	}

	if existing, err := m.store.FindByShiftWorker(ctx, shiftID, workerID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	a := &models.Assignment{
		ID:        uuid.NewString(),
		ShiftID:   shiftID,
		WorkerID:  workerID,
		Status:    models.AssignmentApplied,
		AppliedAt: m.now().UTC(),
	}
	if err := m.store.CreateAssignment(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Assign accepts an application (creating one on direct assignment) and
// holds escrow for the scheduled pay. The capacity claim and the hold are
// all-or-nothing: a failed hold rolls the transition back completely.
func (m *Machine) Assign(ctx context.Context, shiftID, workerID string) (*models.Assignment, error) {
	shift, err := m.store.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}

	a, err := m.store.FindByShiftWorker(ctx, shiftID, workerID)
	if errors.Is(err, ErrNotFound) {
		// direct assignment without a prior application
		if a, err = m.Apply(ctx, shiftID, workerID); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if a.Status == models.AssignmentAssigned {
		return a, nil // already satisfied
	}
	if a.Status != models.AssignmentApplied {
		return nil, stderrors.NewInvalidTransitionError(a.ID, string(a.Status), string(models.AssignmentAssigned))
	}

	if err := m.store.ClaimSlot(ctx, shiftID); err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			metrics.SlotConflicts.Inc()
			return nil, stderrors.NewSlotUnavailableError(shiftID)
		}
		return nil, err
	}

	at := m.now().UTC()
	if err := m.store.Transition(ctx, a.ID, models.AssignmentApplied, models.AssignmentAssigned, at); err != nil {
		m.releaseSlot(ctx, shiftID)
		if errors.Is(err, ErrStaleTransition) {
			// a concurrent call moved the assignment; report the fresh state
			return m.reportCurrent(ctx, a.ID, models.AssignmentAssigned)
		}
		return nil, err
	}

	rec, err := m.ledger.Hold(ctx, a.ID, models.HoldAmountMinor(shift))
	if err != nil {
		// assignment and payment hold are all-or-nothing
		m.rollbackAssign(ctx, a, shiftID)
		return nil, stderrors.NewEscrowHoldFailedError(a.ID, err)
	}

	if err := m.store.SetEscrowRef(ctx, a.ID, rec.ID); err != nil {
		m.logger.Error("failed to record escrow reference", map[string]interface{}{
			"assignmentId": a.ID,
			"escrowId":     rec.ID,
			"error":        err,
		})
	}

	a.Status = models.AssignmentAssigned
	a.AssignedAt = &at
	a.EscrowID = rec.ID

	m.committed(a.ID, models.AssignmentApplied, models.AssignmentAssigned)
	return a, nil
}

// CheckIn records the worker's arrival at the venue. The window opens
// checkInEarly before the scheduled start and closes at the scheduled end.
func (m *Machine) CheckIn(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	a, err := m.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	if a.Status == models.AssignmentCheckedIn {
		return a, nil
	}
	if a.Status != models.AssignmentAssigned {
		return nil, stderrors.NewInvalidTransitionError(a.ID, string(a.Status), string(models.AssignmentCheckedIn))
	}

	shift, err := m.store.GetShift(ctx, a.ShiftID)
	if err != nil {
		return nil, err
	}

	at := m.now().UTC()
	if at.Before(shift.StartsAt.Add(-m.checkInEarly)) || at.After(shift.EndsAt) {
		err := stderrors.NewInvalidTransitionError(a.ID, string(a.Status), string(models.AssignmentCheckedIn))
		err.Details = fmt.Sprintf("check-in window closed: shift %s runs %s to %s", shift.ID,
			shift.StartsAt.Format(time.RFC3339), shift.EndsAt.Format(time.RFC3339))
		return nil, err
	}

	if err := m.store.Transition(ctx, a.ID, models.AssignmentAssigned, models.AssignmentCheckedIn, at); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return m.reportCurrent(ctx, a.ID, models.AssignmentCheckedIn)
		}
		return nil, err
	}

	if err := m.store.SetShiftStatus(ctx, a.ShiftID, models.ShiftInProgress); err != nil {
		m.logger.Warn("failed to mark shift in progress", map[string]interface{}{
			"shiftId": a.ShiftID,
			"error":   err,
		})
	}

	a.Status = models.AssignmentCheckedIn
	a.CheckedInAt = &at

	m.committed(a.ID, models.AssignmentAssigned, models.AssignmentCheckedIn)
	return a, nil
}

// Complete marks the shift done for this worker and schedules the escrow
// release after the dispute grace delay. Idempotent: a second call
// observes the completed state and creates no second schedule, but it
// re-ensures the schedule exists in case an earlier attempt lost it.
func (m *Machine) Complete(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	a, err := m.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	if a.Status == models.AssignmentCompleted {
		m.ensureReleaseScheduled(ctx, a)
		return a, nil
	}
	if a.Status != models.AssignmentCheckedIn {
		return nil, stderrors.NewInvalidTransitionError(a.ID, string(a.Status), string(models.AssignmentCompleted))
	}

	at := m.now().UTC()
	if err := m.store.Transition(ctx, a.ID, models.AssignmentCheckedIn, models.AssignmentCompleted, at); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return m.reportCurrent(ctx, a.ID, models.AssignmentCompleted)
		}
		return nil, err
	}

	// release becomes eligible after the grace delay, not immediately
	if err := m.ledger.ScheduleRelease(ctx, a.ID, at.Add(m.releaseGrace)); err != nil {
		m.logger.Error("failed to schedule escrow release", map[string]interface{}{
			"assignmentId": a.ID,
			"error":        err,
		})
	}

	workerID := a.WorkerID
	go m.withSideEffectCtx(func(ctx context.Context) {
		if err := m.reliability.RecordCompletion(ctx, workerID); err != nil {
			m.logger.Warn("reliability completion update failed", map[string]interface{}{
				"workerId": workerID,
				"error":    err,
			})
		}
	})

	a.Status = models.AssignmentCompleted
	a.CompletedAt = &at

	m.committed(a.ID, models.AssignmentCheckedIn, models.AssignmentCompleted)
	return a, nil
}

// ensureReleaseScheduled repairs a completed assignment whose release
// schedule never landed. The eligible time derives from the persisted
// completion stamp, so repeats write the same value; a conflict means
// the escrow already settled and there is nothing left to schedule.
func (m *Machine) ensureReleaseScheduled(ctx context.Context, a *models.Assignment) {
	if a.CompletedAt == nil {
		return
	}
	err := m.ledger.ScheduleRelease(ctx, a.ID, a.CompletedAt.Add(m.releaseGrace))
	if err != nil && !stderrors.IsCode(err, stderrors.ErrCodeEscrowOperationConflict) {
		m.logger.Error("failed to schedule escrow release", map[string]interface{}{
			"assignmentId": a.ID,
			"error":        err,
		})
	}
}

// MarkNoShow records worker absence and refunds the hold immediately.
// Valid from checked_in, or from assigned once the check-in window has
// lapsed past the scheduled start.
func (m *Machine) MarkNoShow(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	a, err := m.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	if a.Status == models.AssignmentNoShow {
		return a, nil
	}

	from := a.Status
	switch from {
	case models.AssignmentCheckedIn:
		// normal path
	case models.AssignmentAssigned:
		shift, err := m.store.GetShift(ctx, a.ShiftID)
		if err != nil {
			return nil, err
		}
		if m.now().UTC().Before(shift.StartsAt.Add(m.checkInLapse)) {
			err := stderrors.NewInvalidTransitionError(a.ID, string(from), string(models.AssignmentNoShow))
			err.Details = "check-in window has not lapsed yet"
			return nil, err
		}
	default:
		return nil, stderrors.NewInvalidTransitionError(a.ID, string(from), string(models.AssignmentNoShow))
	}

	at := m.now().UTC()
	if err := m.store.Transition(ctx, a.ID, from, models.AssignmentNoShow, at); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return m.reportCurrent(ctx, a.ID, models.AssignmentNoShow)
		}
		return nil, err
	}

	// no work rendered: refund without grace delay. A transient settlement
	// failure stays on the ledger's retry path and never unwinds the
	// committed transition.
	if err := m.ledger.Refund(ctx, a.ID); err != nil {
		m.logger.Error("refund after no-show failed, left for retry", map[string]interface{}{
			"assignmentId": a.ID,
			"error":        err,
		})
	}

	workerID := a.WorkerID
	go m.withSideEffectCtx(func(ctx context.Context) {
		if err := m.reliability.RecordNoShow(ctx, workerID); err != nil {
			m.logger.Warn("reliability no-show update failed", map[string]interface{}{
				"workerId": workerID,
				"error":    err,
			})
		}
	})

	a.Status = models.AssignmentNoShow
	a.NoShowAt = &at

	m.committed(a.ID, from, models.AssignmentNoShow)
	return a, nil
}

// Cancel withdraws or rejects an application, or cancels an assignment
// before the shift starts. Cancelling an assigned worker frees the slot
// and refunds the hold immediately.
func (m *Machine) Cancel(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	a, err := m.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	if a.Status == models.AssignmentCancelled {
		return a, nil
	}

	from := a.Status
	if !from.CanTransition(models.AssignmentCancelled) {
		return nil, stderrors.NewInvalidTransitionError(a.ID, string(from), string(models.AssignmentCancelled))
	}

	at := m.now().UTC()
	if err := m.store.Transition(ctx, a.ID, from, models.AssignmentCancelled, at); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return m.reportCurrent(ctx, a.ID, models.AssignmentCancelled)
		}
		return nil, err
	}

	if from == models.AssignmentAssigned {
		m.releaseSlot(ctx, a.ShiftID)
		if err := m.ledger.Refund(ctx, a.ID); err != nil {
			m.logger.Error("refund after cancellation failed, left for retry", map[string]interface{}{
				"assignmentId": a.ID,
				"error":        err,
			})
		}
	}

	a.Status = models.AssignmentCancelled
	a.CancelledAt = &at

	m.committed(a.ID, from, models.AssignmentCancelled)
	return a, nil
}

// rollbackAssign reverts a slot claim and the applied -> assigned status
// change after a failed escrow hold. The revert bypasses the transition
// table: it is an undo of an uncommitted assignment, not a lifecycle move.
func (m *Machine) rollbackAssign(ctx context.Context, a *models.Assignment, shiftID string) {
	if err := m.store.Transition(ctx, a.ID, models.AssignmentAssigned, models.AssignmentApplied, time.Time{}); err != nil {
		m.logger.Error("failed to revert assignment after hold failure", map[string]interface{}{
			"assignmentId": a.ID,
			"error":        err,
		})
	}
	m.releaseSlot(ctx, shiftID)
}

func (m *Machine) releaseSlot(ctx context.Context, shiftID string) {
	if err := m.store.ReleaseSlot(ctx, shiftID); err != nil {
		m.logger.Error("failed to release shift slot", map[string]interface{}{
			"shiftId": shiftID,
			"error":   err,
		})
	}
}

// reportCurrent re-reads an assignment after a lost transition race. When
// the concurrent winner applied the same target status the call is treated
// as idempotent; any other outcome is an invalid transition.
func (m *Machine) reportCurrent(ctx context.Context, assignmentID string, wanted models.AssignmentStatus) (*models.Assignment, error) {
	a, err := m.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.Status == wanted {
		return a, nil
	}
	return nil, stderrors.NewInvalidTransitionError(a.ID, string(a.Status), string(wanted))
}

func (m *Machine) committed(assignmentID string, from, to models.AssignmentStatus) {
	metrics.AssignmentTransitions.WithLabelValues(string(from), string(to)).Inc()
	go m.withSideEffectCtx(func(ctx context.Context) {
		m.dispatcher.AssignmentStateChanged(ctx, assignmentID, from, to)
	})
}

func (m *Machine) withSideEffectCtx(fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	fn(ctx)
}
