// internal/matching/source.go
package matching

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"shiftmatch/internal/common/config"
	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	snapshotKeyPrefix = "candidate:snapshot:"
	scoreKeyPrefix    = "match:scores:"
)

// Source provides worker candidate snapshots for scoring. Snapshots are
// read from postgres and cached in redis; staleness up to the cache TTL is
// acceptable, there is no invalidation protocol beyond the reliability
// write side below.
type Source struct {
	db          *sql.DB
	redis       *redis.Client
	snapshotTTL time.Duration
	scoreTTL    time.Duration
	logger      logger.Logger
}

func NewSource(cfg config.MatchingConfig, db *sql.DB, rdb *redis.Client, log logger.Logger) *Source {
	return &Source{
		db:          db,
		redis:       rdb,
		snapshotTTL: config.GetDuration(cfg.SnapshotCacheTTL),
		scoreTTL:    config.GetDuration(cfg.ScoreCacheTTL),
		logger:      log.WithFields(map[string]interface{}{"component": "candidate-source"}),
	}
}

// Snapshot returns immutable candidate snapshots for the given workers.
// Workers that cannot be loaded are skipped with a warning; a partial pool
// is more useful than a failed scoring pass.
func (s *Source) Snapshot(ctx context.Context, workerIDs []string) ([]models.WorkerCandidate, error) {
	candidates := make([]models.WorkerCandidate, 0, len(workerIDs))
	for _, id := range workerIDs {
		c, err := s.snapshotOne(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load candidate snapshot", map[string]interface{}{
				"workerId": id,
				"error":    err,
			})
			continue
		}
		candidates = append(candidates, *c)
	}
	return candidates, nil
}

func (s *Source) snapshotOne(ctx context.Context, workerID string) (*models.WorkerCandidate, error) {
	cacheKey := snapshotKeyPrefix + workerID
	if val, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
		var c models.WorkerCandidate
		if err := json.Unmarshal([]byte(val), &c); err == nil {
			return &c, nil
		}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT skills, lat, lng, travel_radius_km, reliability_score,
		       availability, industries, featured_boost, applied_at,
		       completed_shifts, no_shows
		FROM worker_profiles WHERE worker_id = $1`, workerID)

	c := models.WorkerCandidate{WorkerID: workerID}
	var skills, availability, industries []byte
	var lat, lng sql.NullFloat64
	err := row.Scan(&skills, &lat, &lng, &c.TravelRadiusKm, &c.Reliability,
		&availability, &industries, &c.FeaturedBoost, &c.AppliedAt,
		&c.CompletedShifts, &c.NoShows)
	if err != nil {
		return nil, err
	}

	if lat.Valid && lng.Valid {
		c.Location = models.Location{Lat: lat.Float64, Lng: lng.Float64}
		c.HasLocation = true
	}
	if err := json.Unmarshal(skills, &c.Skills); err != nil {
		c.Skills = []string{}
	}
	if err := json.Unmarshal(availability, &c.Availability); err != nil {
		c.Availability = nil
	}
	if err := json.Unmarshal(industries, &c.Industries); err != nil {
		c.Industries = nil
	}

	data, _ := json.Marshal(c)
	s.redis.Set(ctx, cacheKey, data, s.snapshotTTL)

	return &c, nil
}

// CacheScores stores a ranked result for display. Never source of truth.
func (s *Source) CacheScores(ctx context.Context, shiftID string, scores []models.MatchScore) {
	data, err := json.Marshal(scores)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, scoreKeyPrefix+shiftID, data, s.scoreTTL).Err(); err != nil {
		s.logger.Warn("failed to cache match scores", map[string]interface{}{
			"shiftId": shiftID,
			"error":   err,
		})
	}
}

// CachedScores returns a previously cached ranking, or nil on any miss.
func (s *Source) CachedScores(ctx context.Context, shiftID string) []models.MatchScore {
	val, err := s.redis.Get(ctx, scoreKeyPrefix+shiftID).Result()
	if err != nil {
		return nil
	}
	var scores []models.MatchScore
	if err := json.Unmarshal([]byte(val), &scores); err != nil {
		return nil
	}
	return scores
}

// ReliabilityRecorder is the write side of the candidate projection. The
// assignment state machine calls it fire-and-forget after no-show and
// completion transitions; updates are eventually consistent with matching
// since reliability only affects future scoring passes.
type ReliabilityRecorder struct {
	db     *sql.DB
	redis  *redis.Client
	logger logger.Logger
}

func NewReliabilityRecorder(db *sql.DB, rdb *redis.Client, log logger.Logger) *ReliabilityRecorder {
	return &ReliabilityRecorder{
		db:     db,
		redis:  rdb,
		logger: log.WithFields(map[string]interface{}{"component": "reliability-recorder"}),
	}
}

// RecordNoShow bumps the worker's no-show count and recomputes the stored
// reliability ratio in a single statement.
func (r *ReliabilityRecorder) RecordNoShow(ctx context.Context, workerID string) error {
	return r.record(ctx, workerID, `
		UPDATE worker_profiles
		SET no_shows = no_shows + 1,
		    reliability_score = completed_shifts::float / NULLIF(completed_shifts + no_shows + 1, 0)
		WHERE worker_id = $1`)
}

// RecordCompletion bumps the worker's completed count and recomputes the
// stored reliability ratio.
func (r *ReliabilityRecorder) RecordCompletion(ctx context.Context, workerID string) error {
	return r.record(ctx, workerID, `
		UPDATE worker_profiles
		SET completed_shifts = completed_shifts + 1,
		    reliability_score = (completed_shifts + 1)::float / NULLIF(completed_shifts + no_shows + 1, 0)
		WHERE worker_id = $1`)
}

func (r *ReliabilityRecorder) record(ctx context.Context, workerID, query string) error {
	res, err := r.db.ExecContext(ctx, query, workerID)
	if err != nil {
		return fmt.Errorf("reliability update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker profile %s not found", workerID)
	}

	// next snapshot read sees the fresh ratio
	if err := r.redis.Del(ctx, snapshotKeyPrefix+workerID).Err(); err != nil {
		r.logger.Warn("failed to invalidate candidate snapshot", map[string]interface{}{
			"workerId": workerID,
			"error":    err,
		})
	}
	return nil
}
