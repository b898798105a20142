// internal/models/models_test.go
package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAssignmentStatus_CanTransition(t *testing.T) {
	assert.True(t, AssignmentApplied.CanTransition(AssignmentAssigned))
	assert.True(t, AssignmentApplied.CanTransition(AssignmentCancelled))
	assert.True(t, AssignmentAssigned.CanTransition(AssignmentCheckedIn))
	assert.True(t, AssignmentAssigned.CanTransition(AssignmentCancelled))
	assert.True(t, AssignmentAssigned.CanTransition(AssignmentNoShow))
	assert.True(t, AssignmentCheckedIn.CanTransition(AssignmentCompleted))
	assert.True(t, AssignmentCheckedIn.CanTransition(AssignmentNoShow))

	assert.False(t, AssignmentApplied.CanTransition(AssignmentCheckedIn))
	assert.False(t, AssignmentApplied.CanTransition(AssignmentCompleted))
	assert.False(t, AssignmentCheckedIn.CanTransition(AssignmentCancelled))
}

func TestAssignmentStatus_TerminalStatesAdmitNothing(t *testing.T) {
	terminals := []AssignmentStatus{AssignmentCompleted, AssignmentCancelled, AssignmentNoShow}
	all := []AssignmentStatus{
		AssignmentApplied, AssignmentAssigned, AssignmentCheckedIn,
		AssignmentCompleted, AssignmentCancelled, AssignmentNoShow,
	}

	for _, from := range terminals {
		assert.True(t, from.Terminal(), "expected %s to be terminal", from)
		for _, to := range all {
			assert.False(t, from.CanTransition(to), "%s -> %s should be illegal", from, to)
		}
	}
}

func TestEscrowStatus_HeldSettlesExactlyOnce(t *testing.T) {
	assert.True(t, EscrowHeld.CanTransition(EscrowReleased))
	assert.True(t, EscrowHeld.CanTransition(EscrowRefunded))
	assert.True(t, EscrowHeld.CanTransition(EscrowFailed))

	// no record may be both released and refunded
	assert.False(t, EscrowReleased.CanTransition(EscrowRefunded))
	assert.False(t, EscrowRefunded.CanTransition(EscrowReleased))

	// failed records stay retryable
	assert.True(t, EscrowFailed.CanTransition(EscrowReleased))
	assert.True(t, EscrowFailed.CanTransition(EscrowRefunded))
	assert.False(t, EscrowFailed.Terminal())
}

func TestHoldAmountMinor(t *testing.T) {
	start := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)

	shift := &Shift{
		StartsAt:        start,
		EndsAt:          start.Add(4 * time.Hour),
		HourlyRateMinor: 2150, // $21.50/h
		SurgeMultiplier: 1.25,
	}

	// 2150 * 4 * 1.25 = 10750
	assert.Equal(t, int64(10750), HoldAmountMinor(shift))
}

func TestHoldAmountMinor_RoundsOnce(t *testing.T) {
	start := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)

	shift := &Shift{
		StartsAt:        start,
		EndsAt:          start.Add(90 * time.Minute),
		HourlyRateMinor: 1333,
		SurgeMultiplier: 1.1,
	}

	// 1333 * 1.5 * 1.1 = 2199.45 -> 2199
	assert.Equal(t, int64(2199), HoldAmountMinor(shift))
}

func TestHoldAmountMinor_SurgeFloorsAtOne(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	shift := &Shift{
		StartsAt:        start,
		EndsAt:          start.Add(2 * time.Hour),
		HourlyRateMinor: 1000,
		SurgeMultiplier: 0, // unset in older rows
	}

	assert.Equal(t, int64(2000), HoldAmountMinor(shift))
}
