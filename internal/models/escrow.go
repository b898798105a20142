// internal/models/escrow.go
package models

import (
	"math"
	"time"
)

// EscrowStatus is the settlement status of a held amount.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowFailed   EscrowStatus = "failed"
)

// escrowTransitions is the closed transition table. held reaches exactly
// one of released/refunded; failed records stay retryable toward either.
var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowHeld:     {EscrowReleased, EscrowRefunded, EscrowFailed},
	EscrowFailed:   {EscrowReleased, EscrowRefunded},
	EscrowReleased: {},
	EscrowRefunded: {},
}

// CanTransition reports whether from -> to is a legal escrow transition.
func (from EscrowStatus) CanTransition(to EscrowStatus) bool {
	for _, next := range escrowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the record is settled for good.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// EscrowRecord tracks the money held against one assignment. Created at
// most once per assignment; the stored amount is the only amount ever
// released or refunded.
type EscrowRecord struct {
	ID           string       `json:"id"`
	AssignmentID string       `json:"assignmentId"`
	AmountMinor  int64        `json:"amountMinor"`
	Status       EscrowStatus `json:"status"`
	Version      int64        `json:"version"` // bumped on every status change

	// PendingOutcome is the settlement direction claimed before the first
	// provider call. Once set, only that direction may settle the record;
	// the opposite direction conflicts even across retries.
	PendingOutcome EscrowStatus `json:"pendingOutcome,omitempty"`

	EligibleAt    *time.Time `json:"eligibleAt,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	HeldAt        time.Time  `json:"heldAt"`
	SettledAt     *time.Time `json:"settledAt,omitempty"`
}

// HoldAmountMinor computes the amount to hold for a shift in integer minor
// currency units. The surge multiplier is applied and rounded exactly once,
// here; release and refund reuse the stored result so later surge changes
// cannot cause drift.
func HoldAmountMinor(s *Shift) int64 {
	hours := float64(s.ScheduledMinutes()) / 60.0
	surge := s.SurgeMultiplier
	if surge < 1.0 {
		surge = 1.0
	}
	return int64(math.Round(float64(s.HourlyRateMinor) * hours * surge))
}
