package enrich

import (
	"context"
	"errors"
	"fmt"

	"github.com/cascadegis/parcelflow/internal/config"
	"github.com/cascadegis/parcelflow/internal/logger"
	"github.com/cascadegis/parcelflow/internal/models"
	"github.com/cascadegis/parcelflow/internal/repository"
)

// DefaultZoningDesc is assigned to parcels that intersect no zoning
// polygon while the zoning layer itself is present.
const DefaultZoningDesc = "Not Defined"

// Layer names as they appear in degradation reports and logs.
const (
	LayerWatershed    = "watershed"
	LayerSurveyGrid   = "survey_grid"
	LayerFireDistrict = "fire_district"
	LayerZoning       = "zoning"
	LayerElevation    = "elevation"
)

// Joiner builds application candidate rows by joining consolidated
// parcels against the auxiliary layers. Each parcel takes the
// largest-intersection candidate per layer (left-join semantics); a
// missing layer degrades that layer's attributes to NULL for every
// parcel instead of failing the run.
type Joiner struct {
	st   *config.StateConfig
	repo repository.EnrichmentRepository
	log  *logger.Logger
}

// Result is the outcome of one enrichment pass.
type Result struct {
	Records        []models.AppRecord
	DegradedLayers []string
	ElevationRows  int64
	ElevationKept  int64
}

// NewJoiner creates a Joiner for one state's run.
func NewJoiner(repo repository.EnrichmentRepository, st *config.StateConfig, log *logger.Logger) *Joiner {
	return &Joiner{st: st, repo: repo, log: log}
}

// Enrich produces one candidate application row per consolidated parcel.
func (j *Joiner) Enrich(ctx context.Context) (*Result, error) {
	parcels, err := j.repo.FetchParcels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch parcels for enrichment: %w", err)
	}

	result := &Result{}
	sourceLabel := fmt.Sprintf("%s_taxlots", j.st.Abbr)

	records := make([]models.AppRecord, len(parcels))
	index := make(map[string]int, len(parcels))
	for i, p := range parcels {
		records[i] = models.AppRecord{
			MapTaxlot:   p.Maptaxlot,
			County:      p.County,
			SourceLabel: sourceLabel,
			Geohash:     p.Geohash,
		}
		index[p.Maptaxlot] = i
	}

	watershed, err := j.layerOverlaps(ctx, result, LayerWatershed, j.repo.WatershedOverlaps)
	if err != nil {
		return nil, err
	}
	for key, c := range watershed {
		if i, found := index[key]; found {
			records[i].WatershedID = ptr(c.Value)
			records[i].WatershedName = ptr(c.Label)
		}
	}

	survey, err := j.layerOverlaps(ctx, result, LayerSurveyGrid, j.repo.SurveyGridOverlaps)
	if err != nil {
		return nil, err
	}
	for key, c := range survey {
		if i, found := index[key]; found {
			records[i].MapID = ptr(c.Value)
			records[i].LegalDescription = ptr(c.Label)
		}
	}

	fire, err := j.layerOverlaps(ctx, result, LayerFireDistrict, j.repo.FireDistrictOverlaps)
	if err != nil {
		return nil, err
	}
	for key, c := range fire {
		if i, found := index[key]; found {
			records[i].FireDistrict = ptr(c.Value)
			records[i].Agency = ptr(c.Label)
		}
	}

	zoning, err := j.layerOverlaps(ctx, result, LayerZoning, j.repo.ZoningOverlaps)
	if err != nil {
		return nil, err
	}
	if !degraded(result, LayerZoning) {
		// The default only applies when the layer exists: a degraded
		// zoning layer leaves NULLs, a present one labels the gaps.
		for i := range records {
			if c, found := zoning[records[i].MapTaxlot]; found {
				records[i].ZoningDesc = ptr(c.Label)
			} else {
				records[i].ZoningDesc = ptr(DefaultZoningDesc)
			}
		}
	}

	if err := j.joinElevation(ctx, result, records, index); err != nil {
		return nil, err
	}

	result.Records = records
	return result, nil
}

// layerOverlaps fetches one layer's candidates and reduces them to the
// best overlap per parcel. A missing layer is logged and recorded as
// degraded; the returned map is then empty.
func (j *Joiner) layerOverlaps(ctx context.Context, result *Result, layer string, fetch func(context.Context) ([]models.OverlapCandidate, error)) (map[string]models.OverlapCandidate, error) {
	candidates, err := fetch(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrLayerMissing) {
			j.log.Warn("Auxiliary layer unavailable, attributes degraded to NULL", map[string]interface{}{
				"layer": layer,
				"state": j.st.Name,
			})
			result.DegradedLayers = append(result.DegradedLayers, layer)
			return map[string]models.OverlapCandidate{}, nil
		}
		return nil, fmt.Errorf("failed to join %s layer: %w", layer, err)
	}
	return BestOverlaps(candidates), nil
}

func (j *Joiner) joinElevation(ctx context.Context, result *Result, records []models.AppRecord, index map[string]int) error {
	stats, err := j.repo.ElevationStats(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrLayerMissing) {
			j.log.Warn("Auxiliary layer unavailable, attributes degraded to NULL", map[string]interface{}{
				"layer": LayerElevation,
				"state": j.st.Name,
			})
			result.DegradedLayers = append(result.DegradedLayers, LayerElevation)
			return nil
		}
		return fmt.Errorf("failed to join elevation statistics: %w", err)
	}

	result.ElevationRows = int64(len(stats))
	for _, s := range stats {
		if Excluded(s, j.st.ElevMinAreaSqm, j.st.ForestFracMin) {
			continue
		}
		result.ElevationKept++
		if i, found := index[s.Maptaxlot]; found {
			minElev, maxElev := s.MinElev, s.MaxElev
			records[i].MinElevation = &minElev
			records[i].MaxElevation = &maxElev
		}
	}
	return nil
}

// BestOverlaps reduces overlap candidates to one winner per parcel key:
// the candidate with the largest intersection area, ties broken by the
// lowest auxiliary id.
func BestOverlaps(candidates []models.OverlapCandidate) map[string]models.OverlapCandidate {
	best := make(map[string]models.OverlapCandidate)
	for _, c := range candidates {
		cur, found := best[c.Maptaxlot]
		if !found {
			best[c.Maptaxlot] = c
			continue
		}
		if c.IntersectionSqm > cur.IntersectionSqm ||
			(c.IntersectionSqm == cur.IntersectionSqm && c.AuxID < cur.AuxID) {
			best[c.Maptaxlot] = c
		}
	}
	return best
}

// Excluded reports whether an elevation-statistics row should be dropped:
// the parcel sits inside a populated place and is either below the
// minimum area or below the forest-cover fraction threshold.
func Excluded(s models.ElevationStat, minAreaSqm, forestFracMin float64) bool {
	if !s.InsidePlace {
		return false
	}
	return s.AreaSqm < minAreaSqm || s.ForestFraction() < forestFracMin
}

func degraded(result *Result, layer string) bool {
	for _, l := range result.DegradedLayers {
		if l == layer {
			return true
		}
	}
	return false
}

func ptr(s string) *string {
	return &s
}
