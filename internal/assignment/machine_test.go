// internal/assignment/machine_test.go
package assignment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	stderrors "shiftmatch/internal/common/errors"
	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/models"
	"shiftmatch/internal/notify"

	"github.com/stretchr/testify/assert"
)

// memStore is an in-process Store with the same atomicity guarantees as
// the Postgres implementation, used to exercise the machine's concurrency
// behavior without a database.
type memStore struct {
	mu          sync.Mutex
	shifts      map[string]*models.Shift
	assignments map[string]*models.Assignment
}

func newMemStore() *memStore {
	return &memStore{
		shifts:      make(map[string]*models.Shift),
		assignments: make(map[string]*models.Assignment),
	}
}

func (s *memStore) addShift(sh *models.Shift) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sh
	s.shifts[sh.ID] = &cp
}

func (s *memStore) GetShift(_ context.Context, shiftID string) (*models.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shifts[shiftID]
	if !ok {
		return nil, fmt.Errorf("shift %s: %w", shiftID, ErrNotFound)
	}
	cp := *sh
	return &cp, nil
}

func (s *memStore) GetAssignment(_ context.Context, assignmentID string) (*models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentID]
	if !ok {
		return nil, fmt.Errorf("assignment %s: %w", assignmentID, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) FindByShiftWorker(_ context.Context, shiftID, workerID string) (*models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		if a.ShiftID == shiftID && a.WorkerID == workerID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("assignment %s/%s: %w", shiftID, workerID, ErrNotFound)
}

func (s *memStore) CreateAssignment(_ context.Context, a *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.assignments[a.ID] = &cp
	return nil
}

func (s *memStore) ClaimSlot(_ context.Context, shiftID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shifts[shiftID]
	if !ok {
		return fmt.Errorf("shift %s: %w", shiftID, ErrNotFound)
	}
	if sh.FilledWorkers >= sh.RequiredWorkers {
		return fmt.Errorf("shift %s: %w", shiftID, ErrSlotUnavailable)
	}
	sh.FilledWorkers++
	if sh.FilledWorkers >= sh.RequiredWorkers {
		sh.Status = models.ShiftAssigned
	}
	return nil
}

func (s *memStore) ReleaseSlot(_ context.Context, shiftID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shifts[shiftID]
	if !ok {
		return fmt.Errorf("shift %s: %w", shiftID, ErrNotFound)
	}
	if sh.FilledWorkers > 0 {
		sh.FilledWorkers--
	}
	if sh.Status == models.ShiftAssigned {
		sh.Status = models.ShiftOpen
	}
	return nil
}

func (s *memStore) Transition(_ context.Context, assignmentID string, from, to models.AssignmentStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentID]
	if !ok {
		return fmt.Errorf("assignment %s: %w", assignmentID, ErrNotFound)
	}
	if a.Status != from {
		return fmt.Errorf("assignment %s %s -> %s: %w", assignmentID, from, to, ErrStaleTransition)
	}
	a.Status = to
	stamp := at
	switch to {
	case models.AssignmentAssigned:
		a.AssignedAt = &stamp
	case models.AssignmentCheckedIn:
		a.CheckedInAt = &stamp
	case models.AssignmentCompleted:
		a.CompletedAt = &stamp
	case models.AssignmentCancelled:
		a.CancelledAt = &stamp
	case models.AssignmentNoShow:
		a.NoShowAt = &stamp
	case models.AssignmentApplied:
		a.AssignedAt = nil
	}
	return nil
}

func (s *memStore) SetShiftStatus(_ context.Context, shiftID string, status models.ShiftStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shifts[shiftID]
	if !ok {
		return fmt.Errorf("shift %s: %w", shiftID, ErrNotFound)
	}
	sh.Status = status
	return nil
}

func (s *memStore) SetEscrowRef(_ context.Context, assignmentID, escrowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentID]
	if !ok {
		return fmt.Errorf("assignment %s: %w", assignmentID, ErrNotFound)
	}
	a.EscrowID = escrowID
	return nil
}

// fakeLedger records ledger calls and can be told to fail holds,
// refunds, or release scheduling.
type fakeLedger struct {
	mu          sync.Mutex
	holdErr     error
	refundErr   error
	scheduleErr error
	holds       map[string]int64
	refunds     []string
	schedules   map[string]time.Time
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		holds:     make(map[string]int64),
		schedules: make(map[string]time.Time),
	}
}

func (l *fakeLedger) Hold(_ context.Context, assignmentID string, amountMinor int64) (*models.EscrowRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holdErr != nil {
		return nil, l.holdErr
	}
	l.holds[assignmentID] = amountMinor
	return &models.EscrowRecord{
		ID:           "esc-" + assignmentID,
		AssignmentID: assignmentID,
		AmountMinor:  amountMinor,
		Status:       models.EscrowHeld,
		Version:      1,
	}, nil
}

func (l *fakeLedger) Refund(_ context.Context, assignmentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refundErr != nil {
		return l.refundErr
	}
	l.refunds = append(l.refunds, assignmentID)
	return nil
}

func (l *fakeLedger) ScheduleRelease(_ context.Context, assignmentID string, eligibleAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.scheduleErr != nil {
		return l.scheduleErr
	}
	l.schedules[assignmentID] = eligibleAt
	return nil
}

func (l *fakeLedger) setScheduleErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scheduleErr = err
}

func (l *fakeLedger) holdCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holds)
}

// fakeSink counts reliability updates.
type fakeSink struct {
	mu          sync.Mutex
	noShows     []string
	completions []string
}

func (s *fakeSink) RecordNoShow(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noShows = append(s.noShows, workerID)
	return nil
}

func (s *fakeSink) RecordCompletion(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, workerID)
	return nil
}

func (s *fakeSink) noShowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.noShows)
}

func (s *fakeSink) completionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completions)
}

func testFixtures(t *testing.T) (*Machine, *memStore, *fakeLedger, *fakeSink, *models.Shift) {
	store := newMemStore()
	ledger := newFakeLedger()
	sink := &fakeSink{}

	shift := &models.Shift{
		ID:              "shift-1",
		BusinessID:      "biz-1",
		RequiredWorkers: 1,
		StartsAt:        time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC),
		EndsAt:          time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC),
		HourlyRateMinor: 2000,
		SurgeMultiplier: 1.0,
		Status:          models.ShiftOpen,
	}
	store.addShift(shift)

	m := NewMachine(store, ledger, sink, notify.NopDispatcher{}, logger.NewTestLogger(t),
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }))
	return m, store, ledger, sink, shift
}

func (m *Machine) setClock(now time.Time) {
	m.now = func() time.Time { return now }
}

func TestMachine_Apply(t *testing.T) {
	m, _, _, _, shift := testFixtures(t)
	ctx := context.Background()

	a, err := m.Apply(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)
	assert.Equal(t, models.AssignmentApplied, a.Status)
	assert.Equal(t, "worker-1", a.WorkerID)

	again, err := m.Apply(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)
}

func TestMachine_Apply_UnknownShift(t *testing.T) {
	m, _, _, _, _ := testFixtures(t)

	_, err := m.Apply(context.Background(), "no-such-shift", "worker-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMachine_Assign_HoldsScheduledPay(t *testing.T) {
	m, store, ledger, _, shift := testFixtures(t)
	ctx := context.Background()

	a, err := m.Assign(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)
	assert.Equal(t, models.AssignmentAssigned, a.Status)
	assert.NotNil(t, a.AssignedAt)
	assert.Equal(t, "esc-"+a.ID, a.EscrowID)

	// 4h at 2000 minor units/h
	assert.Equal(t, int64(8000), ledger.holds[a.ID])

	sh, err := store.GetShift(ctx, shift.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, sh.FilledWorkers)
	assert.Equal(t, models.ShiftAssigned, sh.Status)
}

func TestMachine_Assign_Idempotent(t *testing.T) {
	m, _, ledger, _, shift := testFixtures(t)
	ctx := context.Background()

	a, err := m.Assign(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)

	again, err := m.Assign(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)
	assert.Equal(t, models.AssignmentAssigned, again.Status)
	assert.Equal(t, 1, ledger.holdCount())
}

func TestMachine_Assign_FullShift(t *testing.T) {
	m, _, _, _, shift := testFixtures(t)
	ctx := context.Background()

	_, err := m.Assign(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)

	_, err = m.Assign(ctx, shift.ID, "worker-2")
	assert.True(t, stderrors.IsCode(err, stderrors.ErrCodeSlotUnavailable))
}

func TestMachine_Assign_ConcurrentOverdemand(t *testing.T) {
	m, store, ledger, _, _ := testFixtures(t)
	ctx := context.Background()

	shift := &models.Shift{
		ID:              "shift-contended",
		BusinessID:      "biz-1",
		RequiredWorkers: 2,
		StartsAt:        time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC),
		EndsAt:          time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC),
		HourlyRateMinor: 2000,
		SurgeMultiplier: 1.0,
		Status:          models.ShiftOpen,
	}
	store.addShift(shift)

	const workers = 6
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Assign(ctx, shift.ID, fmt.Sprintf("worker-%d", i))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, stderrors.IsCode(err, stderrors.ErrCodeSlotUnavailable),
			"losers must see SLOT_UNAVAILABLE, got %v", err)
	}
	assert.Equal(t, shift.RequiredWorkers, succeeded)
	assert.Equal(t, shift.RequiredWorkers, ledger.holdCount())

	sh, err := store.GetShift(ctx, shift.ID)
	assert.NoError(t, err)
	assert.Equal(t, shift.RequiredWorkers, sh.FilledWorkers)
}

func TestMachine_Assign_HoldFailureRollsBack(t *testing.T) {
	m, store, ledger, _, shift := testFixtures(t)
	ctx := context.Background()

	ledger.holdErr = fmt.Errorf("payment provider unavailable")

	a, err := m.Apply(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)

	_, err = m.Assign(ctx, shift.ID, "worker-1")
	assert.True(t, stderrors.IsCode(err, stderrors.ErrCodeEscrowHoldFailed))

	// pairing reverted, slot free again
	reverted, err := store.GetAssignment(ctx, a.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AssignmentApplied, reverted.Status)

	sh, err := store.GetShift(ctx, shift.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, sh.FilledWorkers)
	assert.Equal(t, models.ShiftOpen, sh.Status)

	// slot is claimable by the next worker once holds recover
	ledger.holdErr = nil
	b, err := m.Assign(ctx, shift.ID, "worker-2")
	assert.NoError(t, err)
	assert.Equal(t, models.AssignmentAssigned, b.Status)
}

func TestMachine_CheckIn_Window(t *testing.T) {
	m, _, _, _, shift := testFixtures(t)
	ctx := context.Background()

	a, err := m.Assign(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)

	// noon is more than 30 minutes before the 18:00 start
	_, err = m.CheckIn(ctx, a.ID)
	assert.True(t, stderrors.IsCode(err, stderrors.ErrCodeInvalidTransition))

	m.setClock(time.Date(2025, 6, 1, 17, 40, 0, 0, time.UTC))
	got, err := m.CheckIn(ctx, a.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AssignmentCheckedIn, got.Status)

	// repeat observes the satisfied state
	again, err := m.CheckIn(ctx, a.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AssignmentCheckedIn, again.Status)
}

func TestMachine_CheckIn_AfterShiftEnd(t *testing.T) {
	m, _, _, _, shift := testFixtures(t)
	ctx := context.Background()

	a, err := m.Assign(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)

	m.setClock(time.Date(2025, 6, 1, 22, 30, 0, 0, time.UTC))
	_, err = m.CheckIn(ctx, a.ID)
	assert.True(t, stderrors.IsCode(err, stderrors.ErrCodeInvalidTransition))
}

func TestMachine_Complete_SchedulesGracedRelease(t *testing.T) {
	m, _, ledger, sink, shift := testFixtures(t)
	ctx := context.Background()

	a, err := m.Assign(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)

	m.setClock(time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC))
	_, err = m.CheckIn(ctx, a.ID)
	assert.NoError(t, err)

	completedAt := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)
	m.setClock(completedAt)
	got, err := m.Complete(ctx, a.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AssignmentCompleted, got.Status)

	assert.Equal(t, completedAt.Add(15*time.Minute), ledger.schedules[a.ID])

	assert.Eventually(t, func() bool { return sink.completionCount() == 1 },
		time.Second, 10*time.Millisecond)

	// a retried webhook must not schedule a second release
	_, err = m.Complete(ctx, a.ID)
	assert.NoError(t, err)
	assert.Len(t, ledger.schedules, 1)
}

func TestMachine_Complete_RedeliveryRepairsLostSchedule(t *testing.T) {
	m, _, ledger, _, shift := testFixtures(t)
	ctx := context.Background()

	a, err := m.Assign(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)

	m.setClock(time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC))
	_, err = m.CheckIn(ctx, a.ID)
	assert.NoError(t, err)

	// scheduling is down when the completion lands; the transition still
	// commits, but no release schedule exists
	ledger.setScheduleErr(fmt.Errorf("escrow store unavailable"))
	completedAt := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)
	m.setClock(completedAt)
	got, err := m.Complete(ctx, a.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AssignmentCompleted, got.Status)
	assert.Empty(t, ledger.schedules)

	// the redelivered completion re-creates the schedule from the
	// persisted completion stamp
	ledger.setScheduleErr(nil)
	_, err = m.Complete(ctx, a.ID)
	assert.NoError(t, err)
	assert.Equal(t, completedAt.Add(15*time.Minute), ledger.schedules[a.ID])
	assert.Len(t, ledger.schedules, 1)
}

func TestMachine_MarkNoShow_FromCheckedIn(t *testing.T) {
	m, _, ledger, sink, shift := testFixtures(t)
	ctx := context.Background()

	a, err := m.Assign(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)

	m.setClock(time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC))
	_, err = m.CheckIn(ctx, a.ID)
	assert.NoError(t, err)

	got, err := m.MarkNoShow(ctx, a.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AssignmentNoShow, got.Status)
	assert.Equal(t, []string{a.ID}, ledger.refunds)
	assert.Empty(t, ledger.schedules)

	assert.Eventually(t, func() bool { return sink.noShowCount() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestMachine_MarkNoShow_LapsedCheckIn(t *testing.T) {
	m, _, ledger, _, shift := testFixtures(t)
	ctx := context.Background()

	a, err := m.Assign(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)

	// 18:10: start passed but the lapse window is still open
	m.setClock(time.Date(2025, 6, 1, 18, 10, 0, 0, time.UTC))
	_, err = m.MarkNoShow(ctx, a.ID)
	assert.True(t, stderrors.IsCode(err, stderrors.ErrCodeInvalidTransition))

	m.setClock(time.Date(2025, 6, 1, 18, 31, 0, 0, time.UTC))
	got, err := m.MarkNoShow(ctx, a.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AssignmentNoShow, got.Status)
	assert.Equal(t, []string{a.ID}, ledger.refunds)
}

func TestMachine_MarkNoShow_RefundFailureDoesNotUnwind(t *testing.T) {
	m, store, ledger, _, shift := testFixtures(t)
	ctx := context.Background()

	a, err := m.Assign(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)

	m.setClock(time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC))
	_, err = m.CheckIn(ctx, a.ID)
	assert.NoError(t, err)

	ledger.refundErr = fmt.Errorf("gateway timeout")
	got, err := m.MarkNoShow(ctx, a.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AssignmentNoShow, got.Status)

	persisted, err := store.GetAssignment(ctx, a.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.AssignmentNoShow, persisted.Status)
}

func TestMachine_Cancel(t *testing.T) {
	m, store, ledger, _, shift := testFixtures(t)
	ctx := context.Background()

	t.Run("withdraw application", func(t *testing.T) {
		a, err := m.Apply(ctx, shift.ID, "worker-a")
		assert.NoError(t, err)

		got, err := m.Cancel(ctx, a.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.AssignmentCancelled, got.Status)
		assert.Empty(t, ledger.refunds)
	})

	t.Run("cancel assigned frees slot and refunds", func(t *testing.T) {
		a, err := m.Assign(ctx, shift.ID, "worker-b")
		assert.NoError(t, err)

		got, err := m.Cancel(ctx, a.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.AssignmentCancelled, got.Status)
		assert.Contains(t, ledger.refunds, a.ID)

		sh, err := store.GetShift(ctx, shift.ID)
		assert.NoError(t, err)
		assert.Equal(t, 0, sh.FilledWorkers)
		assert.Equal(t, models.ShiftOpen, sh.Status)
	})

	t.Run("checked-in worker cannot cancel", func(t *testing.T) {
		a, err := m.Assign(ctx, shift.ID, "worker-c")
		assert.NoError(t, err)

		m.setClock(time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC))
		_, err = m.CheckIn(ctx, a.ID)
		assert.NoError(t, err)

		_, err = m.Cancel(ctx, a.ID)
		assert.True(t, stderrors.IsCode(err, stderrors.ErrCodeInvalidTransition))
	})
}

func TestMachine_TerminalStatesRejectFurtherTransitions(t *testing.T) {
	m, _, _, _, shift := testFixtures(t)
	ctx := context.Background()

	a, err := m.Assign(ctx, shift.ID, "worker-1")
	assert.NoError(t, err)

	m.setClock(time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC))
	_, err = m.CheckIn(ctx, a.ID)
	assert.NoError(t, err)
	_, err = m.Complete(ctx, a.ID)
	assert.NoError(t, err)

	_, err = m.Cancel(ctx, a.ID)
	assert.True(t, stderrors.IsCode(err, stderrors.ErrCodeInvalidTransition))
	_, err = m.MarkNoShow(ctx, a.ID)
	assert.True(t, stderrors.IsCode(err, stderrors.ErrCodeInvalidTransition))
	_, err = m.CheckIn(ctx, a.ID)
	assert.True(t, stderrors.IsCode(err, stderrors.ErrCodeInvalidTransition))
}
