package repository

import (
	"context"
	"fmt"

	"github.com/cascadegis/parcelflow/internal/config"
	"github.com/cascadegis/parcelflow/internal/models"
)

// EnrichmentRepository exposes the spatial-join queries for auxiliary
// layers against the consolidated parcel table. Every overlap method
// returns ALL intersecting candidates with intersection areas; picking
// the best candidate per parcel is the joiner's job, not SQL's.
//
// A missing auxiliary staging table surfaces as ErrLayerMissing so the
// caller can degrade the layer instead of failing the run.
type EnrichmentRepository interface {
	// FetchParcels returns the consolidated parcel attribute rows
	// (no geometry) for the enrichment pass.
	FetchParcels(ctx context.Context) ([]models.ConsolidatedParcel, error)

	// WatershedOverlaps returns (parcel, watershed) intersection
	// candidates. Value is the 12-digit hydrologic unit code, Label the
	// watershed name.
	WatershedOverlaps(ctx context.Context) ([]models.OverlapCandidate, error)

	// SurveyGridOverlaps returns (parcel, survey cell) intersection
	// candidates. Value is the first-division identifier, Label the
	// township/range legal description.
	SurveyGridOverlaps(ctx context.Context) ([]models.OverlapCandidate, error)

	// FireDistrictOverlaps returns (parcel, district) intersection
	// candidates. Value is the district name, Label the agency.
	FireDistrictOverlaps(ctx context.Context) ([]models.OverlapCandidate, error)

	// ZoningOverlaps returns (parcel, zone) intersection candidates.
	// Value is the zoning code, Label the zoning description.
	ZoningOverlaps(ctx context.Context) ([]models.OverlapCandidate, error)

	// ElevationStats returns the externally produced elevation/forest
	// statistics joined to current parcels, each annotated with whether
	// the parcel centroid falls inside a populated place. A missing
	// places table degrades to inside_place = false for every row.
	ElevationStats(ctx context.Context) ([]models.ElevationStat, error)
}

type enrichmentRepository struct {
	q  Querier
	st *config.StateConfig
}

// NewEnrichmentRepository creates an EnrichmentRepository bound to one
// state's configuration.
func NewEnrichmentRepository(q Querier, st *config.StateConfig) EnrichmentRepository {
	return &enrichmentRepository{q: q, st: st}
}

func (r *enrichmentRepository) FetchParcels(ctx context.Context) ([]models.ConsolidatedParcel, error) {
	query := fmt.Sprintf(`
		SELECT county, maptaxlot, landuse_code, area_sqm, perimeter_m, geohash11
		FROM %s
		ORDER BY maptaxlot
	`, r.st.ConsolidatedTable())

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query consolidated parcels: %w", err)
	}
	defer rows.Close()

	var parcels []models.ConsolidatedParcel
	for rows.Next() {
		var p models.ConsolidatedParcel
		err := rows.Scan(&p.County, &p.Maptaxlot, &p.LanduseCode,
			&p.AreaSqm, &p.PerimeterM, &p.Geohash)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consolidated parcel: %w", err)
		}
		parcels = append(parcels, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consolidated parcels: %w", err)
	}

	return parcels, nil
}

func (r *enrichmentRepository) WatershedOverlaps(ctx context.Context) ([]models.OverlapCandidate, error) {
	return r.overlaps(ctx, "watershed", r.st.Layers.Watershed, "huc12", "name")
}

func (r *enrichmentRepository) SurveyGridOverlaps(ctx context.Context) ([]models.OverlapCandidate, error) {
	return r.overlaps(ctx, "survey grid", r.st.Layers.SurveyGrid, "frstdivid", "trs")
}

func (r *enrichmentRepository) FireDistrictOverlaps(ctx context.Context) ([]models.OverlapCandidate, error) {
	return r.overlaps(ctx, "fire district", r.st.Layers.FireDistrict, "district", "agency")
}

func (r *enrichmentRepository) ZoningOverlaps(ctx context.Context) ([]models.OverlapCandidate, error) {
	return r.overlaps(ctx, "zoning", r.st.Layers.Zoning, "code", "description")
}

// overlaps runs the shared intersection query for one polygonal layer.
// Intersection areas are computed in the equal-area projection; zero-area
// contacts (shared boundaries) are filtered out.
func (r *enrichmentRepository) overlaps(ctx context.Context, layer, table, valueCol, labelCol string) ([]models.OverlapCandidate, error) {
	if table == "" {
		return nil, fmt.Errorf("%s layer not configured for %s: %w", layer, r.st.Name, ErrLayerMissing)
	}

	query := fmt.Sprintf(`
		SELECT maptaxlot, aux_id, intersection_sqm, value, label
		FROM (
			SELECT p.maptaxlot,
			       a.id AS aux_id,
			       ST_Area(ST_Intersection(
			           ST_Transform(p.geom, %d), ST_Transform(a.geom, %d))) AS intersection_sqm,
			       COALESCE(a.%s::text, '') AS value,
			       COALESCE(a.%s::text, '') AS label
			FROM %s p
			JOIN %s a ON ST_Intersects(p.geom, a.geom)
		) candidates
		WHERE intersection_sqm > 0
		ORDER BY maptaxlot, aux_id
	`, r.st.EqualAreaSRID, r.st.EqualAreaSRID, valueCol, labelCol,
		r.st.ConsolidatedTable(), table)

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, fmt.Errorf("%s layer table %s: %w", layer, table, ErrLayerMissing)
		}
		return nil, fmt.Errorf("failed to query %s overlaps: %w", layer, err)
	}
	defer rows.Close()

	var candidates []models.OverlapCandidate
	for rows.Next() {
		var c models.OverlapCandidate
		err := rows.Scan(&c.Maptaxlot, &c.AuxID, &c.IntersectionSqm, &c.Value, &c.Label)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s overlap: %w", layer, err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s overlaps: %w", layer, err)
	}

	return candidates, nil
}

func (r *enrichmentRepository) ElevationStats(ctx context.Context) ([]models.ElevationStat, error) {
	if r.st.Layers.Elevation == "" {
		return nil, fmt.Errorf("elevation layer not configured for %s: %w", r.st.Name, ErrLayerMissing)
	}

	placeExpr := "false"
	if r.st.Layers.Places != "" {
		placeExpr = fmt.Sprintf(`EXISTS (
			SELECT 1 FROM %s c WHERE ST_Intersects(c.geom, ST_Centroid(p.geom))
		)`, r.st.Layers.Places)
	}

	query := fmt.Sprintf(`
		SELECT e.maptaxlot, e.geohash11, e.min_elev, e.max_elev,
		       e.forest_pix, e.total_pix, e.area_sqm,
		       %s AS inside_place
		FROM %s e
		JOIN %s p USING (maptaxlot)
		ORDER BY e.maptaxlot
	`, placeExpr, r.st.Layers.Elevation, r.st.ConsolidatedTable())

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		if isUndefinedTable(err) {
			return nil, fmt.Errorf("elevation layer table %s: %w", r.st.Layers.Elevation, ErrLayerMissing)
		}
		return nil, fmt.Errorf("failed to query elevation statistics: %w", err)
	}
	defer rows.Close()

	var stats []models.ElevationStat
	for rows.Next() {
		var s models.ElevationStat
		err := rows.Scan(&s.Maptaxlot, &s.Geohash, &s.MinElev, &s.MaxElev,
			&s.ForestPix, &s.TotalPix, &s.AreaSqm, &s.InsidePlace)
		if err != nil {
			return nil, fmt.Errorf("failed to scan elevation statistics: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating elevation statistics: %w", err)
	}

	return stats, nil
}
