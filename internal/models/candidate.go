// internal/models/candidate.go
package models

import "time"

// AvailabilityWindow is one declared block of worker availability.
// Partial windows earn partial scoring credit instead of full credit.
type AvailabilityWindow struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Partial bool      `json:"partial,omitempty"`
}

// WorkerCandidate is a read projection of a worker profile consumed by the
// match engine. It is an immutable snapshot for the duration of one scoring
// pass; staleness beyond a single request is acceptable.
type WorkerCandidate struct {
	WorkerID        string               `json:"workerId"`
	Skills          []string             `json:"skills"`
	Location        Location             `json:"location"`
	HasLocation     bool                 `json:"hasLocation"`
	TravelRadiusKm  float64              `json:"travelRadiusKm"`
	Reliability     float64              `json:"reliability"` // 0..1
	Availability    []AvailabilityWindow `json:"availability"`
	Industries      []string             `json:"industries,omitempty"`
	FeaturedBoost   float64              `json:"featuredBoost,omitempty"` // >= 1 when active, 0 when none
	AppliedAt       time.Time            `json:"appliedAt"`
	CompletedShifts int                  `json:"completedShifts"`
	NoShows         int                  `json:"noShows"`
}

// ScoreBreakdown is the per-factor decomposition of a match score. All
// factor values are normalized to 0..1 before weighting.
type ScoreBreakdown struct {
	SkillOverlap  float64 `json:"skillOverlap"`
	Distance      float64 `json:"distance"`
	Availability  float64 `json:"availability"`
	Reliability   float64 `json:"reliability"`
	FeaturedBoost float64 `json:"featuredBoost"` // multiplicative, 1 when inactive
}

// ScoreWeights are the sub-factor weights applied to a scoring pass.
type ScoreWeights struct {
	SkillOverlap float64 `json:"skillOverlap" mapstructure:"skill_overlap"`
	Distance     float64 `json:"distance" mapstructure:"distance"`
	Availability float64 `json:"availability" mapstructure:"availability"`
	Reliability  float64 `json:"reliability" mapstructure:"reliability"`
}

// MatchScore is the engine output for one (shift, candidate) pair.
// Ephemeral: cached for display only, never persisted as source of truth.
type MatchScore struct {
	ShiftID   string         `json:"shiftId"`
	WorkerID  string         `json:"workerId"`
	Score     float64        `json:"score"` // 0..100
	Breakdown ScoreBreakdown `json:"breakdown"`
	Weights   ScoreWeights   `json:"weights"`
}
