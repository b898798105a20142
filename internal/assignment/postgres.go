// internal/assignment/postgres.go
package assignment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	stderrors "shiftmatch/internal/common/errors"
	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/models"

	"github.com/lib/pq"
)

// PostgresStore implements Store on top of the shifts and assignments
// tables. Capacity claims and status transitions are single guarded
// UPDATE statements so concurrent callers serialize on the row lock.
type PostgresStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewPostgresStore(db *sql.DB, log logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "assignment-store"}),
	}
}

func (s *PostgresStore) GetShift(ctx context.Context, shiftID string) (*models.Shift, error) {
	query := `
		SELECT id, business_id, status, lat, lng, starts_at, ends_at,
		       hourly_rate_minor, surge_multiplier, required_workers, filled_workers,
		       required_skills, preferred_skills
		FROM shifts
		WHERE id = $1`

	var sh models.Shift
	err := s.db.QueryRowContext(ctx, query, shiftID).Scan(
		&sh.ID, &sh.BusinessID, &sh.Status, &sh.Location.Lat, &sh.Location.Lng,
		&sh.StartsAt, &sh.EndsAt, &sh.HourlyRateMinor, &sh.SurgeMultiplier,
		&sh.RequiredWorkers, &sh.FilledWorkers,
		pq.Array(&sh.RequiredSkills), pq.Array(&sh.PreferredSkills),
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("shift %s: %w", shiftID, ErrNotFound)
	}
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("get shift", err)
	}
	return &sh, nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	query := `
		SELECT id, shift_id, worker_id, status, COALESCE(escrow_id, ''),
		       applied_at, assigned_at, checked_in_at, completed_at, cancelled_at, no_show_at
		FROM assignments
		WHERE id = $1`
	return s.scanAssignment(s.db.QueryRowContext(ctx, query, assignmentID), assignmentID)
}

func (s *PostgresStore) FindByShiftWorker(ctx context.Context, shiftID, workerID string) (*models.Assignment, error) {
	query := `
		SELECT id, shift_id, worker_id, status, COALESCE(escrow_id, ''),
		       applied_at, assigned_at, checked_in_at, completed_at, cancelled_at, no_show_at
		FROM assignments
		WHERE shift_id = $1 AND worker_id = $2`
	return s.scanAssignment(s.db.QueryRowContext(ctx, query, shiftID, workerID), shiftID+"/"+workerID)
}

func (s *PostgresStore) scanAssignment(row *sql.Row, ref string) (*models.Assignment, error) {
	var a models.Assignment
	err := row.Scan(
		&a.ID, &a.ShiftID, &a.WorkerID, &a.Status, &a.EscrowID,
		&a.AppliedAt, &a.AssignedAt, &a.CheckedInAt, &a.CompletedAt, &a.CancelledAt, &a.NoShowAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("assignment %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("get assignment", err)
	}
	return &a, nil
}

func (s *PostgresStore) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	query := `
		INSERT INTO assignments (id, shift_id, worker_id, status, applied_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.ExecContext(ctx, query, a.ID, a.ShiftID, a.WorkerID, a.Status, a.AppliedAt); err != nil {
		return stderrors.NewQueryExecutionFailedError("create assignment", err)
	}
	return nil
}

// ClaimSlot increments filled_workers iff capacity remains, flipping the
// shift status to assigned when this claim fills the last slot. The
// capacity predicate lives inside the UPDATE, so under contention exactly
// capacity claims succeed and every loser sees zero affected rows.
func (s *PostgresStore) ClaimSlot(ctx context.Context, shiftID string) error {
	query := `
		UPDATE shifts
		SET filled_workers = filled_workers + 1,
		    status = CASE WHEN filled_workers + 1 >= required_workers THEN 'assigned' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
		  AND filled_workers < required_workers
		  AND status IN ('open', 'assigned')`

	res, err := s.db.ExecContext(ctx, query, shiftID)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("claim slot", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("claim slot", err)
	}
	if n == 0 {
		// distinguish a full shift from a missing one
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM shifts WHERE id = $1)`, shiftID).Scan(&exists); err != nil {
			return stderrors.NewQueryExecutionFailedError("claim slot", err)
		}
		if !exists {
			return fmt.Errorf("shift %s: %w", shiftID, ErrNotFound)
		}
		return fmt.Errorf("shift %s: %w", shiftID, ErrSlotUnavailable)
	}
	return nil
}

func (s *PostgresStore) ReleaseSlot(ctx context.Context, shiftID string) error {
	query := `
		UPDATE shifts
		SET filled_workers = GREATEST(filled_workers - 1, 0),
		    status = CASE WHEN status = 'assigned' THEN 'open' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, shiftID); err != nil {
		return stderrors.NewQueryExecutionFailedError("release slot", err)
	}
	return nil
}

// transitionStampColumns maps a target status to the timestamp column the
// transition stamps. Reverting to applied stamps nothing and clears
// assigned_at instead.
var transitionStampColumns = map[models.AssignmentStatus]string{
	models.AssignmentAssigned:  "assigned_at",
	models.AssignmentCheckedIn: "checked_in_at",
	models.AssignmentCompleted: "completed_at",
	models.AssignmentCancelled: "cancelled_at",
	models.AssignmentNoShow:    "no_show_at",
}

func (s *PostgresStore) Transition(ctx context.Context, assignmentID string, from, to models.AssignmentStatus, at time.Time) error {
	var query string
	args := []interface{}{to, assignmentID, from}
	if col, ok := transitionStampColumns[to]; ok {
		query = fmt.Sprintf(`
			UPDATE assignments
			SET status = $1, %s = $4, updated_at = NOW()
			WHERE id = $2 AND status = $3`, col)
		args = append(args, at)
	} else {
		query = `
			UPDATE assignments
			SET status = $1, assigned_at = NULL, updated_at = NOW()
			WHERE id = $2 AND status = $3`
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("transition assignment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("transition assignment", err)
	}
	if n == 0 {
		return fmt.Errorf("assignment %s %s -> %s: %w", assignmentID, from, to, ErrStaleTransition)
	}
	return nil
}

func (s *PostgresStore) SetShiftStatus(ctx context.Context, shiftID string, status models.ShiftStatus) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE shifts SET status = $1, updated_at = NOW() WHERE id = $2`, status, shiftID); err != nil {
		return stderrors.NewQueryExecutionFailedError("set shift status", err)
	}
	return nil
}

func (s *PostgresStore) SetEscrowRef(ctx context.Context, assignmentID, escrowID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET escrow_id = $1, updated_at = NOW() WHERE id = $2`, escrowID, assignmentID); err != nil {
		return stderrors.NewQueryExecutionFailedError("set escrow reference", err)
	}
	return nil
}
