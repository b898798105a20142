// internal/escrow/postgres.go
package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	stderrors "shiftmatch/internal/common/errors"
	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/models"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// PostgresStore implements Store on the escrow_records table. The
// assignment_id column carries a unique index; every status change is a
// version-guarded UPDATE.
type PostgresStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewPostgresStore(db *sql.DB, log logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "escrow-store"}),
	}
}

const escrowColumns = `id, assignment_id, amount_minor, status, version, COALESCE(pending_outcome, ''), eligible_at, COALESCE(failure_reason, ''), held_at, settled_at`

func (s *PostgresStore) GetByAssignment(ctx context.Context, assignmentID string) (*models.EscrowRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM escrow_records WHERE assignment_id = $1`, escrowColumns)

	var rec models.EscrowRecord
	err := s.db.QueryRowContext(ctx, query, assignmentID).Scan(
		&rec.ID, &rec.AssignmentID, &rec.AmountMinor, &rec.Status, &rec.Version,
		&rec.PendingOutcome, &rec.EligibleAt, &rec.FailureReason, &rec.HeldAt, &rec.SettledAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("escrow for assignment %s: %w", assignmentID, ErrNotFound)
	}
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("get escrow record", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *models.EscrowRecord) error {
	query := `
		INSERT INTO escrow_records (id, assignment_id, amount_minor, status, version, held_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, query, rec.ID, rec.AssignmentID, rec.AmountMinor, rec.Status, rec.Version, rec.HeldAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("assignment %s: %w", rec.AssignmentID, ErrDuplicateHold)
		}
		return stderrors.NewQueryExecutionFailedError("create escrow record", err)
	}
	return nil
}

func (s *PostgresStore) TransitionVersion(ctx context.Context, assignmentID string, version int64, to models.EscrowStatus, at time.Time, failureReason string) error {
	var query string
	args := []interface{}{to, assignmentID, version}
	if to.Terminal() {
		query = `
			UPDATE escrow_records
			SET status = $1, version = version + 1, settled_at = $4, pending_outcome = NULL, failure_reason = NULL, updated_at = NOW()
			WHERE assignment_id = $2 AND version = $3`
		args = append(args, at)
	} else {
		query = `
			UPDATE escrow_records
			SET status = $1, version = version + 1, failure_reason = $4, updated_at = NOW()
			WHERE assignment_id = $2 AND version = $3`
		args = append(args, failureReason)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("transition escrow record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("transition escrow record", err)
	}
	if n == 0 {
		return fmt.Errorf("assignment %s version %d -> %s: %w", assignmentID, version, to, ErrVersionConflict)
	}
	return nil
}

func (s *PostgresStore) ClaimSettlement(ctx context.Context, assignmentID string, version int64, outcome models.EscrowStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrow_records
		SET pending_outcome = $1, version = version + 1, updated_at = NOW()
		WHERE assignment_id = $2 AND version = $3`,
		outcome, assignmentID, version)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("claim escrow settlement", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("claim escrow settlement", err)
	}
	if n == 0 {
		return fmt.Errorf("assignment %s version %d claim %s: %w", assignmentID, version, outcome, ErrVersionConflict)
	}
	return nil
}

func (s *PostgresStore) SetEligibleAt(ctx context.Context, assignmentID string, eligibleAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escrow_records SET eligible_at = $1, updated_at = NOW() WHERE assignment_id = $2`,
		eligibleAt, assignmentID)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("set escrow eligibility", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("set escrow eligibility", err)
	}
	if n == 0 {
		return fmt.Errorf("escrow for assignment %s: %w", assignmentID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListEligible(ctx context.Context, now time.Time, limit int) ([]*models.EscrowRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM escrow_records
		WHERE status = 'held' AND eligible_at IS NOT NULL AND eligible_at <= $1
		ORDER BY eligible_at
		LIMIT $2`, escrowColumns)
	return s.list(ctx, query, now, limit)
}

func (s *PostgresStore) ListFailed(ctx context.Context, limit int) ([]*models.EscrowRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM escrow_records
		WHERE status = 'failed'
		ORDER BY held_at
		LIMIT $1`, escrowColumns)
	return s.list(ctx, query, limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*models.EscrowRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("list escrow records", err)
	}
	defer rows.Close()

	var recs []*models.EscrowRecord
	for rows.Next() {
		var rec models.EscrowRecord
		if err := rows.Scan(
			&rec.ID, &rec.AssignmentID, &rec.AmountMinor, &rec.Status, &rec.Version,
			&rec.PendingOutcome, &rec.EligibleAt, &rec.FailureReason, &rec.HeldAt, &rec.SettledAt,
		); err != nil {
			return nil, stderrors.NewQueryExecutionFailedError("scan escrow record", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("list escrow records", err)
	}
	return recs, nil
}

func (s *PostgresStore) TotalsByStatus(ctx context.Context) (map[models.EscrowStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COALESCE(SUM(amount_minor), 0) FROM escrow_records GROUP BY status`)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("sum escrow records", err)
	}
	defer rows.Close()

	totals := make(map[models.EscrowStatus]int64)
	for rows.Next() {
		var status models.EscrowStatus
		var sum int64
		if err := rows.Scan(&status, &sum); err != nil {
			return nil, stderrors.NewQueryExecutionFailedError("sum escrow records", err)
		}
		totals[status] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("sum escrow records", err)
	}
	return totals, nil
}
