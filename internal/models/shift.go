// internal/models/shift.go
package models

import "time"

// ShiftStatus is the lifecycle status of a posted shift.
type ShiftStatus string

const (
	ShiftOpen       ShiftStatus = "open"
	ShiftAssigned   ShiftStatus = "assigned"
	ShiftInProgress ShiftStatus = "in_progress"

	// completed and cancelled close the shift across all its workers.
	// Closing is the shift administration surface's call, not any single
	// assignment's; the assignment machine only moves a shift between
	// open, assigned and in_progress.
	ShiftCompleted ShiftStatus = "completed"
	ShiftCancelled ShiftStatus = "cancelled"
)

// Location is a WGS84 coordinate.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Shift is a postable unit of work. FilledWorkers never exceeds
// RequiredWorkers; only the assignment store mutates the counter.
type Shift struct {
	ID              string      `json:"id"`
	BusinessID      string      `json:"businessId"`
	RequiredWorkers int         `json:"requiredWorkers"`
	FilledWorkers   int         `json:"filledWorkers"`
	StartsAt        time.Time   `json:"startsAt"`
	EndsAt          time.Time   `json:"endsAt"`
	Location        Location    `json:"location"`
	RequiredSkills  []string    `json:"requiredSkills"`
	PreferredSkills []string    `json:"preferredSkills,omitempty"`
	HourlyRateMinor int64       `json:"hourlyRateMinor"`
	SurgeMultiplier float64     `json:"surgeMultiplier"`
	Status          ShiftStatus `json:"status"`
}

// ScheduledMinutes returns the scheduled duration in whole minutes.
func (s *Shift) ScheduledMinutes() int64 {
	return int64(s.EndsAt.Sub(s.StartsAt) / time.Minute)
}

// HasCapacity reports whether at least one slot is still open. Advisory
// only; the authoritative check is the store's atomic slot claim.
func (s *Shift) HasCapacity() bool {
	return s.FilledWorkers < s.RequiredWorkers
}
