// internal/matching/engine.go
package matching

import (
	"math"
	"sort"
	"time"

	"shiftmatch/internal/common/config"
	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/common/metrics"
	"shiftmatch/internal/models"
)

// Exclusion reasons attached to candidates dropped from a scoring pass.
const (
	ReasonMissingLocation = "missing_location"
	ReasonOutsideRadius   = "outside_travel_radius"
	ReasonNoAvailability  = "no_availability_overlap"
	ReasonSnapshotInvalid = "snapshot_invalid"
)

// Exclusion is the diagnostic for one candidate dropped from a pass.
// Exclusions never abort the pass.
type Exclusion struct {
	WorkerID string `json:"workerId"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// Weights for the required/preferred skill tiers inside the skill factor.
const (
	requiredTierWeight  = 0.7
	preferredTierWeight = 0.3

	// partial availability windows earn half credit
	partialWindowCredit = 0.5
)

// Engine scores worker candidates against a shift. It is purely
// functional: no side effects, deterministic for identical inputs, and
// safe to call concurrently.
type Engine struct {
	weights       models.ScoreWeights
	defaultRadius float64
	logger        logger.Logger
}

func NewEngine(cfg config.MatchingConfig, log logger.Logger) *Engine {
	return &Engine{
		weights:       cfg.Weights,
		defaultRadius: cfg.DefaultTravelRadiusKm,
		logger:        log.WithFields(map[string]interface{}{"component": "match-engine"}),
	}
}

// Score returns the ranked scores for all scoreable candidates, best first.
// An empty candidate pool yields an empty result, not an error.
func (e *Engine) Score(shift *models.Shift, candidates []models.WorkerCandidate) []models.MatchScore {
	scores, _ := e.ScoreAll(shift, candidates)
	return scores
}

// ScoreAll is Score plus the per-candidate exclusion diagnostics.
func (e *Engine) ScoreAll(shift *models.Shift, candidates []models.WorkerCandidate) ([]models.MatchScore, []Exclusion) {
	start := time.Now()
	defer func() {
		metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	}()

	scores := make([]models.MatchScore, 0, len(candidates))
	var excluded []Exclusion

	// index for tie-breaking on reliability then application time
	byWorker := make(map[string]models.WorkerCandidate, len(candidates))

	for _, c := range candidates {
		score, exclusion := e.scoreOne(shift, c)
		if exclusion != nil {
			metrics.CandidatesExcluded.WithLabelValues(exclusion.Reason).Inc()
			excluded = append(excluded, *exclusion)
			continue
		}
		byWorker[c.WorkerID] = c
		scores = append(scores, score)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		ci, cj := byWorker[scores[i].WorkerID], byWorker[scores[j].WorkerID]
		if ci.Reliability != cj.Reliability {
			return ci.Reliability > cj.Reliability
		}
		if !ci.AppliedAt.Equal(cj.AppliedAt) {
			return ci.AppliedAt.Before(cj.AppliedAt)
		}
		return scores[i].WorkerID < scores[j].WorkerID
	})

	if len(excluded) > 0 {
		e.logger.Debug("candidates excluded from scoring", map[string]interface{}{
			"shiftId":  shift.ID,
			"excluded": excluded,
		})
	}

	return scores, excluded
}

func (e *Engine) scoreOne(shift *models.Shift, c models.WorkerCandidate) (models.MatchScore, *Exclusion) {
	// Distance: hard exclusion outside the travel radius, and a candidate
	// without a usable location cannot be distance-filtered at all.
	if !c.HasLocation {
		return models.MatchScore{}, &Exclusion{
			WorkerID: c.WorkerID,
			Reason:   ReasonMissingLocation,
			Detail:   "candidate has no location, distance filtering impossible",
		}
	}

	radius := c.TravelRadiusKm
	if radius <= 0 {
		radius = e.defaultRadius
	}

	distKm := haversineKm(c.Location, shift.Location)
	if distKm > radius {
		return models.MatchScore{}, &Exclusion{
			WorkerID: c.WorkerID,
			Reason:   ReasonOutsideRadius,
		}
	}
	distanceFactor := 1.0 - distKm/radius

	// Availability: no overlap at all is a hard exclusion.
	availFactor := availabilityFit(shift, c.Availability)
	if availFactor == 0 {
		return models.MatchScore{}, &Exclusion{
			WorkerID: c.WorkerID,
			Reason:   ReasonNoAvailability,
		}
	}

	skillFactor := skillOverlap(shift.RequiredSkills, shift.PreferredSkills, c.Skills)
	reliability := clamp01(c.Reliability)

	boost := c.FeaturedBoost
	if boost < 1.0 {
		boost = 1.0
	}

	weighted := e.weights.SkillOverlap*skillFactor +
		e.weights.Distance*distanceFactor +
		e.weights.Availability*availFactor +
		e.weights.Reliability*reliability

	final := 100.0 * weighted * boost
	if final > 100 {
		final = 100
	}
	if final < 0 {
		final = 0
	}

	return models.MatchScore{
		ShiftID:  shift.ID,
		WorkerID: c.WorkerID,
		Score:    final,
		Breakdown: models.ScoreBreakdown{
			SkillOverlap:  skillFactor,
			Distance:      distanceFactor,
			Availability:  availFactor,
			Reliability:   reliability,
			FeaturedBoost: boost,
		},
		Weights: e.weights,
	}, nil
}

// skillOverlap blends the fraction of required and preferred skills the
// candidate holds. A shift with no skill requirements scores full.
func skillOverlap(required, preferred, skills []string) float64 {
	have := make(map[string]bool, len(skills))
	for _, s := range skills {
		have[s] = true
	}

	fraction := func(wanted []string) float64 {
		if len(wanted) == 0 {
			return 1.0
		}
		hit := 0
		for _, s := range wanted {
			if have[s] {
				hit++
			}
		}
		return float64(hit) / float64(len(wanted))
	}

	reqFrac := fraction(required)
	if len(preferred) == 0 {
		return reqFrac
	}
	return requiredTierWeight*reqFrac + preferredTierWeight*fraction(preferred)
}

// availabilityFit returns the fraction of the shift duration covered by the
// candidate's declared windows. Partial windows earn partial credit.
func availabilityFit(shift *models.Shift, windows []models.AvailabilityWindow) float64 {
	total := shift.EndsAt.Sub(shift.StartsAt)
	if total <= 0 {
		return 0
	}

	covered := 0.0
	for _, w := range windows {
		from := maxTime(w.From, shift.StartsAt)
		to := minTime(w.To, shift.EndsAt)
		if !to.After(from) {
			continue
		}
		credit := 1.0
		if w.Partial {
			credit = partialWindowCredit
		}
		covered += credit * float64(to.Sub(from))
	}

	fit := covered / float64(total)
	return clamp01(fit)
}

const earthRadiusKm = 6371.0

// haversineKm is the great-circle distance between two coordinates.
func haversineKm(a, b models.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
