// internal/matching/espool.go
package matching

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"shiftmatch/internal/common/config"
	"shiftmatch/internal/common/logger"
	"shiftmatch/internal/common/metrics"
	"shiftmatch/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/xeipuuv/gojsonschema"
)

// candidateDocSchema validates raw candidate documents coming back from the
// search index before they are admitted to a scoring pool. Documents are
// produced by an external indexer we do not control.
const candidateDocSchema = `{
	"type": "object",
	"required": ["worker_id", "skills", "reliability_score"],
	"properties": {
		"worker_id":         {"type": "string", "minLength": 1},
		"skills":            {"type": "array", "items": {"type": "string"}},
		"reliability_score": {"type": "number", "minimum": 0, "maximum": 1},
		"travel_radius_km":  {"type": "number", "minimum": 0},
		"featured_boost":    {"type": "number", "minimum": 1},
		"location": {
			"type": "object",
			"required": ["lat", "lon"],
			"properties": {
				"lat": {"type": "number"},
				"lon": {"type": "number"}
			}
		},
		"availability": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["from", "to"],
				"properties": {
					"from":    {"type": "string"},
					"to":      {"type": "string"},
					"partial": {"type": "boolean"}
				}
			}
		}
	}
}`

type candidateDoc struct {
	WorkerID         string   `json:"worker_id"`
	Skills           []string `json:"skills"`
	ReliabilityScore float64  `json:"reliability_score"`
	TravelRadiusKm   float64  `json:"travel_radius_km"`
	FeaturedBoost    float64  `json:"featured_boost"`
	Location         *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"location"`
	Availability []models.AvailabilityWindow `json:"availability"`
	Industries   []string                    `json:"industries"`
	AppliedAt    string                      `json:"applied_at"`
}

// PoolSearcher discovers candidate pools for open shifts from the worker
// search index, filtered by skill and geo distance.
type PoolSearcher struct {
	es       *elasticsearch.Client
	index    string
	poolSize int
	radiusKm float64
	schema   *gojsonschema.Schema
	logger   logger.Logger
}

func NewPoolSearcher(cfg config.MatchingConfig, esCfg config.ElasticsearchConfig, es *elasticsearch.Client, log logger.Logger) (*PoolSearcher, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(candidateDocSchema))
	if err != nil {
		return nil, fmt.Errorf("compile candidate schema: %w", err)
	}

	return &PoolSearcher{
		es:       es,
		index:    esCfg.CandidateIndex,
		poolSize: cfg.PoolSize,
		radiusKm: cfg.DefaultTravelRadiusKm,
		schema:   schema,
		logger:   log.WithFields(map[string]interface{}{"component": "pool-searcher"}),
	}, nil
}

// SearchPool finds workers near the shift holding at least one required
// skill. Invalid documents are excluded with diagnostics, never fatal.
func (p *PoolSearcher) SearchPool(ctx context.Context, shift *models.Shift) ([]models.WorkerCandidate, []Exclusion, error) {
	query := map[string]interface{}{
		"size": p.poolSize,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []map[string]interface{}{
					{"terms": map[string]interface{}{"skills": shift.RequiredSkills}},
				},
				"filter": []map[string]interface{}{
					{"geo_distance": map[string]interface{}{
						"distance": fmt.Sprintf("%.0fkm", p.radiusKm),
						"location": map[string]float64{
							"lat": shift.Location.Lat,
							"lon": shift.Location.Lng,
						},
					}},
				},
			},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, nil, fmt.Errorf("encode pool query: %w", err)
	}

	res, err := p.es.Search(
		p.es.Search.WithContext(ctx),
		p.es.Search.WithIndex(p.index),
		p.es.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("pool search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, nil, fmt.Errorf("pool search error: %s", res.Status())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, nil, fmt.Errorf("decode pool search response: %w", err)
	}

	candidates := make([]models.WorkerCandidate, 0, len(parsed.Hits.Hits))
	var excluded []Exclusion

	for _, hit := range parsed.Hits.Hits {
		c, exclusion := p.parseDoc(hit.Source)
		if exclusion != nil {
			metrics.CandidatesExcluded.WithLabelValues(exclusion.Reason).Inc()
			excluded = append(excluded, *exclusion)
			continue
		}
		candidates = append(candidates, *c)
	}

	return candidates, excluded, nil
}

func (p *PoolSearcher) parseDoc(raw json.RawMessage) (*models.WorkerCandidate, *Exclusion) {
	result, err := p.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil || !result.Valid() {
		detail := "unreadable document"
		workerID := "unknown"

		var peek struct {
			WorkerID string `json:"worker_id"`
		}
		if json.Unmarshal(raw, &peek) == nil && peek.WorkerID != "" {
			workerID = peek.WorkerID
		}
		if result != nil && len(result.Errors()) > 0 {
			detail = result.Errors()[0].String()
		}

		return nil, &Exclusion{
			WorkerID: workerID,
			Reason:   ReasonSnapshotInvalid,
			Detail:   detail,
		}
	}

	var doc candidateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &Exclusion{
			WorkerID: "unknown",
			Reason:   ReasonSnapshotInvalid,
			Detail:   err.Error(),
		}
	}

	c := models.WorkerCandidate{
		WorkerID:       doc.WorkerID,
		Skills:         doc.Skills,
		Reliability:    doc.ReliabilityScore,
		TravelRadiusKm: doc.TravelRadiusKm,
		FeaturedBoost:  doc.FeaturedBoost,
		Availability:   doc.Availability,
		Industries:     doc.Industries,
	}
	if doc.Location != nil {
		c.Location = models.Location{Lat: doc.Location.Lat, Lng: doc.Location.Lon}
		c.HasLocation = true
	}
	return &c, nil
}
