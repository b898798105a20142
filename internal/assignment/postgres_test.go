// internal/assignment/postgres_test.go
package assignment

import (
	"context"
	"testing"
	"time"

	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/models"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func newTestStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, logger.NewTestLogger(t)), mock
}

func TestPostgresStore_GetShift(t *testing.T) {
	store, mock := newTestStore(t)

	starts := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "business_id", "status", "lat", "lng", "starts_at", "ends_at",
		"hourly_rate_minor", "surge_multiplier", "required_workers", "filled_workers",
		"required_skills", "preferred_skills",
	}).AddRow("shift-1", "biz-1", "open", 40.7128, -74.0060, starts, starts.Add(4*time.Hour),
		2000, 1.0, 3, 1, pq.Array([]string{"bartending"}), pq.Array([]string{"pos-systems"}))

	mock.ExpectQuery("SELECT id, business_id, status").
		WithArgs("shift-1").
		WillReturnRows(rows)

	sh, err := store.GetShift(context.Background(), "shift-1")
	assert.NoError(t, err)
	assert.Equal(t, models.ShiftOpen, sh.Status)
	assert.Equal(t, 3, sh.RequiredWorkers)
	assert.Equal(t, []string{"bartending"}, sh.RequiredSkills)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetShift_NotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT id, business_id, status").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetShift(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimSlot(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := context.Background()

	t.Run("claims when capacity remains", func(t *testing.T) {
		mock.ExpectExec("UPDATE shifts").
			WithArgs("shift-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, store.ClaimSlot(ctx, "shift-1"))
	})

	t.Run("full shift reports slot unavailable", func(t *testing.T) {
		mock.ExpectExec("UPDATE shifts").
			WithArgs("shift-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("shift-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		assert.ErrorIs(t, store.ClaimSlot(ctx, "shift-1"), ErrSlotUnavailable)
	})

	t.Run("missing shift reports not found", func(t *testing.T) {
		mock.ExpectExec("UPDATE shifts").
			WithArgs("missing").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		assert.ErrorIs(t, store.ClaimSlot(ctx, "missing"), ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transition(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 18, 5, 0, 0, time.UTC)

	t.Run("stamps the target timestamp column", func(t *testing.T) {
		mock.ExpectExec("UPDATE assignments").
			WithArgs(models.AssignmentCheckedIn, "asg-1", models.AssignmentAssigned, at).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.Transition(ctx, "asg-1", models.AssignmentAssigned, models.AssignmentCheckedIn, at)
		assert.NoError(t, err)
	})

	t.Run("stale guard matches no row", func(t *testing.T) {
		mock.ExpectExec("UPDATE assignments").
			WithArgs(models.AssignmentCheckedIn, "asg-1", models.AssignmentAssigned, at).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.Transition(ctx, "asg-1", models.AssignmentAssigned, models.AssignmentCheckedIn, at)
		assert.ErrorIs(t, err, ErrStaleTransition)
	})

	t.Run("revert to applied clears assigned_at", func(t *testing.T) {
		mock.ExpectExec("UPDATE assignments").
			WithArgs(models.AssignmentApplied, "asg-1", models.AssignmentAssigned).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.Transition(ctx, "asg-1", models.AssignmentAssigned, models.AssignmentApplied, time.Time{})
		assert.NoError(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByShiftWorker(t *testing.T) {
	store, mock := newTestStore(t)
	applied := time.Date(2025, 5, 30, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "shift_id", "worker_id", "status", "escrow_id",
		"applied_at", "assigned_at", "checked_in_at", "completed_at", "cancelled_at", "no_show_at",
	}).AddRow("asg-1", "shift-1", "worker-1", "applied", "", applied, nil, nil, nil, nil, nil)

	mock.ExpectQuery("SELECT id, shift_id, worker_id").
		WithArgs("shift-1", "worker-1").
		WillReturnRows(rows)

	a, err := store.FindByShiftWorker(context.Background(), "shift-1", "worker-1")
	assert.NoError(t, err)
	assert.Equal(t, models.AssignmentApplied, a.Status)
	assert.Nil(t, a.AssignedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
