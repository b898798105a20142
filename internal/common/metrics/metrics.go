// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignment_transitions_total",
			Help: "Total number of committed assignment state transitions",
		},
		[]string{"from", "to"},
	)

	SlotConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assignment_slot_conflicts_total",
			Help: "Total number of assign attempts that lost a capacity race",
		},
	)

	EscrowOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_operations_total",
			Help: "Total number of escrow operations by type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	ScoringDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "match_scoring_duration_seconds",
			Help: "Duration of one match scoring pass in seconds",
		},
	)

	CandidatesExcluded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_candidates_excluded_total",
			Help: "Candidates excluded from scoring by reason",
		},
		[]string{"reason"},
	)

	ReleaseLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "escrow_release_lag_seconds",
			Help: "Delay between a release becoming eligible and its execution",
			// lateness is acceptable, earliness is not; track how late we run
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)
)
