// internal/models/assignment.go
package models

import "time"

// AssignmentStatus is the lifecycle status of a (shift, worker) pairing.
type AssignmentStatus string

const (
	AssignmentApplied   AssignmentStatus = "applied"
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentCheckedIn AssignmentStatus = "checked_in"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentCancelled AssignmentStatus = "cancelled"
	AssignmentNoShow    AssignmentStatus = "no_show"
)

// assignmentTransitions is the closed transition table. The rare
// assigned -> no_show edge covers a lapsed check-in window.
var assignmentTransitions = map[AssignmentStatus][]AssignmentStatus{
	AssignmentApplied:   {AssignmentAssigned, AssignmentCancelled},
	AssignmentAssigned:  {AssignmentCheckedIn, AssignmentCancelled, AssignmentNoShow},
	AssignmentCheckedIn: {AssignmentCompleted, AssignmentNoShow},
	AssignmentCompleted: {},
	AssignmentCancelled: {},
	AssignmentNoShow:    {},
}

// CanTransition reports whether from -> to is a legal assignment transition.
func (from AssignmentStatus) CanTransition(to AssignmentStatus) bool {
	for _, next := range assignmentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s AssignmentStatus) Terminal() bool {
	return len(assignmentTransitions[s]) == 0
}

// Valid reports whether s is a known assignment status.
func (s AssignmentStatus) Valid() bool {
	_, ok := assignmentTransitions[s]
	return ok
}

// Assignment pairs a shift with a worker. Mutated only by the assignment
// state machine and never deleted; terminal rows are retained for audit
// and rating eligibility.
type Assignment struct {
	ID          string           `json:"id"`
	ShiftID     string           `json:"shiftId"`
	WorkerID    string           `json:"workerId"`
	Status      AssignmentStatus `json:"status"`
	EscrowID    string           `json:"escrowId,omitempty"`
	AppliedAt   time.Time        `json:"appliedAt"`
	AssignedAt  *time.Time       `json:"assignedAt,omitempty"`
	CheckedInAt *time.Time       `json:"checkedInAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	CancelledAt *time.Time       `json:"cancelledAt,omitempty"`
	NoShowAt    *time.Time       `json:"noShowAt,omitempty"`
}
