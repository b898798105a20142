// internal/assignment/store.go
package assignment

import (
	"context"
	"errors"
	"time"

	"shiftmatch/internal/models"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrSlotUnavailable signals a lost capacity race: the claim observed
	// filled_workers == required_workers and changed nothing.
	ErrSlotUnavailable = errors.New("SLOT_UNAVAILABLE")

	// ErrNotFound signals a missing shift or assignment row.
	ErrNotFound = errors.New("RECORD_NOT_FOUND")

	// ErrStaleTransition signals that the guarded status update matched no
	// row: a concurrent transition got there first.
	ErrStaleTransition = errors.New("STALE_TRANSITION")
)

// Store is the persistence contract for the assignment state machine.
//
// ClaimSlot and Transition are the two atomic units over shared state: a
// claim performs the capacity check and the counter increment as one
// operation, and a transition only applies when the row is still in the
// expected from-status. Implementations must never split either into a
// separate read and write.
type Store interface {
	GetShift(ctx context.Context, shiftID string) (*models.Shift, error)
	GetAssignment(ctx context.Context, assignmentID string) (*models.Assignment, error)
	FindByShiftWorker(ctx context.Context, shiftID, workerID string) (*models.Assignment, error)
	CreateAssignment(ctx context.Context, a *models.Assignment) error

	// ClaimSlot atomically increments filled_workers iff capacity remains,
	// flipping the shift to assigned when the claim fills the last slot.
	ClaimSlot(ctx context.Context, shiftID string) error

	// ReleaseSlot undoes a claim, reopening the shift when a slot frees up.
	ReleaseSlot(ctx context.Context, shiftID string) error

	// Transition applies from -> to iff the assignment is still in from,
	// stamping the to-status timestamp column with at.
	Transition(ctx context.Context, assignmentID string, from, to models.AssignmentStatus, at time.Time) error

	SetShiftStatus(ctx context.Context, shiftID string, status models.ShiftStatus) error
	SetEscrowRef(ctx context.Context, assignmentID, escrowID string) error
}
