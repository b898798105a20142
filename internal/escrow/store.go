// internal/escrow/store.go
package escrow

import (
	"context"
	"errors"
	"time"

	"shiftmatch/internal/models"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound signals no escrow record for the assignment.
	ErrNotFound = errors.New("ESCROW_NOT_FOUND")

	// ErrDuplicateHold signals a concurrent hold already created the
	// record; the caller should re-read and treat the call as satisfied.
	ErrDuplicateHold = errors.New("DUPLICATE_HOLD")

	// ErrVersionConflict signals a lost optimistic-concurrency race: the
	// row's version moved since it was read.
	ErrVersionConflict = errors.New("VERSION_CONFLICT")
)

// Store is the persistence contract for escrow records. One record per
// assignment, enforced by a uniqueness constraint on assignment_id, and
// every status change is a compare-and-swap on the record version.
type Store interface {
	GetByAssignment(ctx context.Context, assignmentID string) (*models.EscrowRecord, error)

	// Create inserts a new held record. Returns ErrDuplicateHold when a
	// record for the assignment already exists.
	Create(ctx context.Context, rec *models.EscrowRecord) error

	// TransitionVersion applies a status change iff the record still has
	// the given version, bumping the version and stamping settled_at for
	// terminal outcomes. Returns ErrVersionConflict on a lost race.
	TransitionVersion(ctx context.Context, assignmentID string, version int64, to models.EscrowStatus, at time.Time, failureReason string) error

	// ClaimSettlement records the intended settlement direction iff the
	// record still has the given version, bumping the version. The claim
	// must land before any provider call so a concurrent settle in the
	// opposite direction loses here instead of at the provider. Returns
	// ErrVersionConflict on a lost race.
	ClaimSettlement(ctx context.Context, assignmentID string, version int64, outcome models.EscrowStatus) error

	// SetEligibleAt persists the scheduled release time. The schedule
	// survives restarts; the settlement runner recovers it by polling.
	SetEligibleAt(ctx context.Context, assignmentID string, eligibleAt time.Time) error

	// ListEligible returns held records whose eligible_at has passed.
	ListEligible(ctx context.Context, now time.Time, limit int) ([]*models.EscrowRecord, error)

	// ListFailed returns failed records for settlement retry.
	ListFailed(ctx context.Context, limit int) ([]*models.EscrowRecord, error)

	// TotalsByStatus sums held amounts grouped by status, for the
	// conservation audit.
	TotalsByStatus(ctx context.Context) (map[models.EscrowStatus]int64, error)
}
