// internal/escrow/scheduler_test.go
package escrow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/common/observability"
	"shiftmatch/internal/models"

	"github.com/stretchr/testify/assert"
)

func testScheduler(t *testing.T, l *Ledger, store Store) *Scheduler {
	return NewScheduler(l, store, &observability.Observability{}, time.Second, 100, logger.NewTestLogger(t))
}

func TestScheduler_ReleasesOnlyAfterGraceWindow(t *testing.T) {
	l, store, gateway := testLedger(t)
	s := testScheduler(t, l, store)
	ctx := context.Background()

	// shift completed at 22:00; release eligible 15 minutes later
	completedAt := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)
	eligibleAt := completedAt.Add(15 * time.Minute)

	_, err := l.Hold(ctx, "asg-1", 8000)
	assert.NoError(t, err)
	assert.NoError(t, l.ScheduleRelease(ctx, "asg-1", eligibleAt))

	// 14 minutes in: still inside the dispute window
	s.now = func() time.Time { return completedAt.Add(14 * time.Minute) }
	s.Tick(ctx)

	rec, err := store.GetByAssignment(ctx, "asg-1")
	assert.NoError(t, err)
	assert.Equal(t, models.EscrowHeld, rec.Status)
	assert.Equal(t, 0, gateway.count("asg-1:release"))

	// 16 minutes in: window elapsed, release goes through
	after := completedAt.Add(16 * time.Minute)
	s.now = func() time.Time { return after }
	l.setClock(after)
	s.Tick(ctx)

	rec, err = store.GetByAssignment(ctx, "asg-1")
	assert.NoError(t, err)
	assert.Equal(t, models.EscrowReleased, rec.Status)
	assert.Equal(t, 1, gateway.count("asg-1:release"))
}

func TestScheduler_TickIsIdempotent(t *testing.T) {
	l, store, gateway := testLedger(t)
	s := testScheduler(t, l, store)
	ctx := context.Background()

	eligibleAt := time.Date(2025, 6, 1, 22, 15, 0, 0, time.UTC)
	_, err := l.Hold(ctx, "asg-1", 8000)
	assert.NoError(t, err)
	assert.NoError(t, l.ScheduleRelease(ctx, "asg-1", eligibleAt))

	after := eligibleAt.Add(time.Minute)
	s.now = func() time.Time { return after }
	l.setClock(after)

	s.Tick(ctx)
	s.Tick(ctx)

	assert.Equal(t, 1, gateway.count("asg-1:release"))
}

func TestScheduler_RetriesFailedSettlements(t *testing.T) {
	l, store, gateway := testLedger(t)
	s := testScheduler(t, l, store)
	ctx := context.Background()

	_, err := l.Hold(ctx, "asg-1", 8000)
	assert.NoError(t, err)

	gateway.refundErr = fmt.Errorf("provider outage")
	assert.Error(t, l.Refund(ctx, "asg-1"))

	gateway.refundErr = nil
	s.now = func() time.Time { return time.Date(2025, 6, 1, 22, 30, 0, 0, time.UTC) }
	s.Tick(ctx)

	rec, err := store.GetByAssignment(ctx, "asg-1")
	assert.NoError(t, err)
	assert.Equal(t, models.EscrowRefunded, rec.Status)
}

func TestScheduler_RunStopsOnContextCancel(t *testing.T) {
	l, store, _ := testLedger(t)
	s := NewScheduler(l, store, &observability.Observability{}, 10*time.Millisecond, 10, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
