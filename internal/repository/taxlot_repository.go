package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"

	"github.com/cascadegis/parcelflow/internal/config"
	"github.com/cascadegis/parcelflow/internal/models"
)

// TaxlotRepository defines the data access operations for one state's
// consolidation run: loading and repairing raw county records into the
// working table, the dedup/merge passes, and publishing the
// consolidated parcel table.
//
// Table and column names come from the validated sources configuration;
// they are interpolated into statements because PostgreSQL does not
// accept identifiers as bind parameters.
type TaxlotRepository interface {
	// CreateWorkingTables (re)creates the run-scoped working, merged and
	// final tables. Existing leftovers from a crashed run are dropped.
	CreateWorkingTables(ctx context.Context) error

	// LoadSource copies one county staging table into the working table,
	// repairing geometries to valid multipolygons and computing equal-area
	// metrics. Returns the number of records loaded.
	LoadSource(ctx context.Context, src *config.CountySource) (int64, error)

	// FetchSourceRecords returns every working-table record with its key
	// parts and WGS84 geometry, for identity resolution and shape
	// filtering.
	FetchSourceRecords(ctx context.Context) ([]models.SourceRecord, error)

	// ApplyKeyAssignments writes resolved keys, location hashes and
	// exclusion decisions back to the working table.
	ApplyKeyAssignments(ctx context.Context, assignments []models.KeyAssignment) error

	// KeyCardinality counts distinct keys among non-excluded records:
	// keys held by exactly one record, and keys held by more than one.
	KeyCardinality(ctx context.Context) (unique, duplicated int64, err error)

	// MergeClusters clusters same-key records per county with DBSCAN
	// (neighbor distance eps in equal-area units, minimum cluster size 1)
	// and unions each (key, county, cluster) group into one merged-table
	// row with recomputed metrics. Returns the merged row count.
	MergeClusters(ctx context.Context, eps float64) (int64, error)

	// ReconcileCounties merges keys that appear in more than one county
	// into a single final-table row, unioning geometry across counties
	// and attributing the row to the county contributing the largest
	// total area across its rows (ties broken by county name). Single-county rows pass through
	// unchanged. Returns the final candidate count.
	ReconcileCounties(ctx context.Context) (int64, error)

	// FetchFinalCandidates returns every final-table row with its WGS84
	// centroid, ordered so that rows sharing a key come grouped with the
	// largest area first.
	FetchFinalCandidates(ctx context.Context) ([]models.FinalCandidate, error)

	// ApplyFinalKeys writes finalized keys and location hashes back to
	// the final table.
	ApplyFinalKeys(ctx context.Context, keys []models.FinalKey) error

	// CountResidualKeyCollisions counts keys still shared by more than
	// one final row after disambiguation.
	CountResidualKeyCollisions(ctx context.Context) (int64, error)

	// CountHashCollisions counts location hashes shared by more than one
	// distinct final key. Reported, never resolved.
	CountHashCollisions(ctx context.Context) (int64, error)

	// Publish rebuilds the consolidated parcel table from the final
	// table. Rows violating key uniqueness are dropped, not errored.
	// Returns the number of rows inserted.
	Publish(ctx context.Context) (int64, error)

	// CountyCodeForPoint derives a jurisdiction code by point-in-county
	// containment against the county boundary table. The point is WGS84
	// lon/lat. Returns 0, nil when no county contains the point.
	CountyCodeForPoint(ctx context.Context, lon, lat float64) (int, error)

	// DropWorkingTables removes the run-scoped tables. Safe to call when
	// they do not exist.
	DropWorkingTables(ctx context.Context) error
}

// taxlotRepository is the concrete implementation of TaxlotRepository.
type taxlotRepository struct {
	q  Querier
	st *config.StateConfig
}

// NewTaxlotRepository creates a TaxlotRepository bound to one state's
// configuration. Pass a pgx.Tx as the querier to scope all operations to
// a single transaction.
func NewTaxlotRepository(q Querier, st *config.StateConfig) TaxlotRepository {
	return &taxlotRepository{q: q, st: st}
}

func (r *taxlotRepository) CreateWorkingTables(ctx context.Context) error {
	if err := r.DropWorkingTables(ctx); err != nil {
		return err
	}

	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE %s (
				id          bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
				county      text NOT NULL,
				key_parts   text[] NOT NULL DEFAULT '{}',
				landuse     text,
				maptaxlot   text NOT NULL DEFAULT '',
				geohash     text NOT NULL DEFAULT '',
				excluded    boolean NOT NULL DEFAULT false,
				reason      text NOT NULL DEFAULT '',
				area_sqm    double precision NOT NULL DEFAULT 0,
				perimeter_m double precision NOT NULL DEFAULT 0,
				geom        geometry(MultiPolygon, %d) NOT NULL
			)`, r.st.WorkingTable(), r.st.DisplaySRID),
		fmt.Sprintf(`
			CREATE TABLE %s (
				id          bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
				county      text NOT NULL,
				maptaxlot   text NOT NULL,
				landuse     text,
				area_sqm    double precision NOT NULL,
				perimeter_m double precision NOT NULL,
				geom        geometry(MultiPolygon, %d) NOT NULL
			)`, r.st.MergedTable(), r.st.DisplaySRID),
		fmt.Sprintf(`
			CREATE TABLE %s (
				id          bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
				county      text NOT NULL,
				maptaxlot   text NOT NULL,
				landuse     text,
				geohash     text NOT NULL DEFAULT '',
				area_sqm    double precision NOT NULL,
				perimeter_m double precision NOT NULL,
				geom        geometry(MultiPolygon, %d) NOT NULL
			)`, r.st.FinalTable(), r.st.DisplaySRID),
		fmt.Sprintf(`CREATE INDEX ON %s (maptaxlot)`, r.st.WorkingTable()),
		fmt.Sprintf(`CREATE INDEX ON %s (maptaxlot)`, r.st.MergedTable()),
		fmt.Sprintf(`CREATE INDEX ON %s (maptaxlot)`, r.st.FinalTable()),
	}

	for _, stmt := range stmts {
		if _, err := r.q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create working tables for %s: %w", r.st.Name, err)
		}
	}
	return nil
}

// LoadSource repairs geometries on the way in:
// ST_Multi(ST_CollectionExtract(ST_MakeValid(...), 3)) keeps only the
// polygonal parts of whatever MakeValid produced, promoted to
// multipolygon. Empty repairs are retained with zero metrics so the
// shape filter can decide their fate.
func (r *taxlotRepository) LoadSource(ctx context.Context, src *config.CountySource) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (county, key_parts, landuse, area_sqm, perimeter_m, geom)
		SELECT
			$1,
			%s,
			%s,
			COALESCE(ST_Area(ST_Transform(rep.geom, %d)), 0),
			COALESCE(ST_Perimeter(ST_Transform(rep.geom, %d)), 0),
			rep.geom
		FROM %s src
		CROSS JOIN LATERAL (
			SELECT ST_Multi(ST_CollectionExtract(ST_MakeValid(ST_Transform(src.geom, %d)), 3)) AS geom
		) rep
	`,
		r.st.WorkingTable(),
		keyPartsExpr(src.KeyFields),
		landuseExpr(src.LanduseField),
		r.st.EqualAreaSRID,
		r.st.EqualAreaSRID,
		src.Table,
		r.st.DisplaySRID,
	)

	tag, err := r.q.Exec(ctx, query, src.Name)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, fmt.Errorf("staging table %s for county %s does not exist: %w", src.Table, src.Name, err)
		}
		return 0, fmt.Errorf("failed to load county %s from %s: %w", src.Name, src.Table, err)
	}
	return tag.RowsAffected(), nil
}

// keyPartsExpr builds the text[] expression holding the county's key
// field values in configured order. Field names are validated
// identifiers from the sources file.
func keyPartsExpr(fields []config.KeyField) string {
	if len(fields) == 0 {
		return "'{}'::text[]"
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("COALESCE(src.%s::text, '')", f.Field)
	}
	return "ARRAY[" + strings.Join(parts, ", ") + "]"
}

func landuseExpr(field string) string {
	if field == "" {
		return "NULL::text"
	}
	return fmt.Sprintf("NULLIF(btrim(src.%s::text), '')", field)
}

func (r *taxlotRepository) FetchSourceRecords(ctx context.Context) ([]models.SourceRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, county, key_parts, landuse, area_sqm, perimeter_m,
		       ST_AsGeoJSON(ST_Transform(geom, 4326))
		FROM %s
		ORDER BY id
	`, r.st.WorkingTable())

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query working records: %w", err)
	}
	defer rows.Close()

	var records []models.SourceRecord
	for rows.Next() {
		var rec models.SourceRecord
		var geomJSON []byte

		err := rows.Scan(&rec.ID, &rec.County, &rec.KeyParts, &rec.Landuse,
			&rec.AreaSqm, &rec.PerimeterM, &geomJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan working record: %w", err)
		}

		if err := rec.Geom.Scan(geomJSON); err != nil {
			return nil, fmt.Errorf("failed to parse geometry for working record %d: %w", rec.ID, err)
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating working records: %w", err)
	}

	return records, nil
}

func (r *taxlotRepository) ApplyKeyAssignments(ctx context.Context, assignments []models.KeyAssignment) error {
	if len(assignments) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET maptaxlot = $1, geohash = $2, excluded = $3, reason = $4
		WHERE id = $5
	`, r.st.WorkingTable())

	batch := &pgx.Batch{}
	for _, a := range assignments {
		batch.Queue(query, a.Maptaxlot, a.Geohash, a.Excluded, a.Reason, a.ID)
	}

	results := r.q.SendBatch(ctx, batch)
	defer results.Close()

	for range assignments {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to apply key assignment: %w", err)
		}
	}
	return results.Close()
}

func (r *taxlotRepository) KeyCardinality(ctx context.Context) (int64, int64, error) {
	query := fmt.Sprintf(`
		SELECT
			COALESCE(COUNT(*) FILTER (WHERE n = 1), 0),
			COALESCE(COUNT(*) FILTER (WHERE n > 1), 0)
		FROM (
			SELECT COUNT(*) AS n FROM %s WHERE NOT excluded GROUP BY maptaxlot
		) keys
	`, r.st.WorkingTable())

	var unique, duplicated int64
	if err := r.q.QueryRow(ctx, query).Scan(&unique, &duplicated); err != nil {
		return 0, 0, fmt.Errorf("failed to count key cardinality: %w", err)
	}
	return unique, duplicated, nil
}

// MergeClusters runs ST_ClusterDBSCAN per (key, county) partition with
// minpoints 1, so unique records land in singleton clusters and pass
// through, while same-key records within eps of each other union into
// one row. Metrics are recomputed from the unioned shape.
func (r *taxlotRepository) MergeClusters(ctx context.Context, eps float64) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (county, maptaxlot, landuse, area_sqm, perimeter_m, geom)
		WITH clustered AS (
			SELECT county, maptaxlot, landuse, geom,
			       ST_ClusterDBSCAN(ST_Transform(geom, %d), eps := $1, minpoints := 1)
			           OVER (PARTITION BY maptaxlot, county) AS cluster
			FROM %s
			WHERE NOT excluded
		),
		unioned AS (
			SELECT county, maptaxlot, MIN(landuse) AS landuse,
			       ST_Multi(ST_Union(geom)) AS geom
			FROM clustered
			GROUP BY county, maptaxlot, cluster
		)
		SELECT county, maptaxlot, landuse,
		       ST_Area(ST_Transform(geom, %d)),
		       ST_Perimeter(ST_Transform(geom, %d)),
		       geom
		FROM unioned
	`, r.st.MergedTable(), r.st.EqualAreaSRID, r.st.WorkingTable(),
		r.st.EqualAreaSRID, r.st.EqualAreaSRID)

	tag, err := r.q.Exec(ctx, query, eps)
	if err != nil {
		return 0, fmt.Errorf("failed to merge key clusters: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *taxlotRepository) ReconcileCounties(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (county, maptaxlot, landuse, area_sqm, perimeter_m, geom)
		WITH spans AS (
			SELECT maptaxlot FROM %s GROUP BY maptaxlot HAVING COUNT(DISTINCT county) > 1
		),
		contrib AS (
			SELECT m.maptaxlot, m.county, MIN(m.landuse) AS landuse,
			       SUM(m.area_sqm) AS contrib_sqm
			FROM %s m JOIN spans USING (maptaxlot)
			GROUP BY m.maptaxlot, m.county
		),
		attributed AS (
			SELECT DISTINCT ON (maptaxlot) maptaxlot, county, landuse
			FROM contrib
			ORDER BY maptaxlot, contrib_sqm DESC, county ASC
		),
		unioned AS (
			SELECT m.maptaxlot, ST_Multi(ST_Union(m.geom)) AS geom
			FROM %s m JOIN spans USING (maptaxlot)
			GROUP BY m.maptaxlot
		)
		SELECT a.county, a.maptaxlot, a.landuse,
		       ST_Area(ST_Transform(u.geom, %d)),
		       ST_Perimeter(ST_Transform(u.geom, %d)),
		       u.geom
		FROM attributed a JOIN unioned u USING (maptaxlot)
		UNION ALL
		SELECT m.county, m.maptaxlot, m.landuse, m.area_sqm, m.perimeter_m, m.geom
		FROM %s m
		WHERE NOT EXISTS (SELECT 1 FROM spans s WHERE s.maptaxlot = m.maptaxlot)
	`, r.st.FinalTable(), r.st.MergedTable(), r.st.MergedTable(), r.st.MergedTable(),
		r.st.EqualAreaSRID, r.st.EqualAreaSRID, r.st.MergedTable())

	tag, err := r.q.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile keys across counties: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *taxlotRepository) FetchFinalCandidates(ctx context.Context) ([]models.FinalCandidate, error) {
	query := fmt.Sprintf(`
		SELECT id, maptaxlot, area_sqm,
		       ST_X(ST_Transform(ST_Centroid(geom), 4326)),
		       ST_Y(ST_Transform(ST_Centroid(geom), 4326))
		FROM %s
		ORDER BY maptaxlot, area_sqm DESC, id
	`, r.st.FinalTable())

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query final candidates: %w", err)
	}
	defer rows.Close()

	var candidates []models.FinalCandidate
	for rows.Next() {
		var c models.FinalCandidate
		var lon, lat float64
		if err := rows.Scan(&c.RowID, &c.Maptaxlot, &c.AreaSqm, &lon, &lat); err != nil {
			return nil, fmt.Errorf("failed to scan final candidate: %w", err)
		}
		c.Centroid = orb.Point{lon, lat}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating final candidates: %w", err)
	}

	return candidates, nil
}

func (r *taxlotRepository) ApplyFinalKeys(ctx context.Context, keys []models.FinalKey) error {
	if len(keys) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET maptaxlot = $1, geohash = $2 WHERE id = $3
	`, r.st.FinalTable())

	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(query, k.Maptaxlot, k.Geohash, k.RowID)
	}

	results := r.q.SendBatch(ctx, batch)
	defer results.Close()

	for range keys {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to apply final key: %w", err)
		}
	}
	return results.Close()
}

func (r *taxlotRepository) CountResidualKeyCollisions(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(COUNT(*), 0) FROM (
			SELECT 1 FROM %s GROUP BY maptaxlot HAVING COUNT(*) > 1
		) collisions
	`, r.st.FinalTable())

	var n int64
	if err := r.q.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count residual key collisions: %w", err)
	}
	return n, nil
}

func (r *taxlotRepository) CountHashCollisions(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(COUNT(*), 0) FROM (
			SELECT 1 FROM %s
			WHERE geohash <> ''
			GROUP BY geohash HAVING COUNT(DISTINCT maptaxlot) > 1
		) collisions
	`, r.st.FinalTable())

	var n int64
	if err := r.q.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count hash collisions: %w", err)
	}
	return n, nil
}

func (r *taxlotRepository) Publish(ctx context.Context) (int64, error) {
	drop := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, r.st.ConsolidatedTable())
	if _, err := r.q.Exec(ctx, drop); err != nil {
		return 0, fmt.Errorf("failed to drop consolidated table: %w", err)
	}

	create := fmt.Sprintf(`
		CREATE TABLE %s (
			county       text NOT NULL,
			maptaxlot    text NOT NULL UNIQUE,
			landuse_code text,
			area_sqm     double precision NOT NULL,
			perimeter_m  double precision NOT NULL,
			geohash11    text NOT NULL,
			geom         geometry(MultiPolygon, %d) NOT NULL
		)
	`, r.st.ConsolidatedTable(), r.st.DisplaySRID)
	if _, err := r.q.Exec(ctx, create); err != nil {
		return 0, fmt.Errorf("failed to create consolidated table: %w", err)
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (county, maptaxlot, landuse_code, area_sqm, perimeter_m, geohash11, geom)
		SELECT county, maptaxlot, landuse, area_sqm, perimeter_m, geohash, geom
		FROM %s
		ON CONFLICT (maptaxlot) DO NOTHING
	`, r.st.ConsolidatedTable(), r.st.FinalTable())

	tag, err := r.q.Exec(ctx, insert)
	if err != nil {
		return 0, fmt.Errorf("failed to publish consolidated parcels: %w", err)
	}

	index := fmt.Sprintf(`CREATE INDEX ON %s USING GIST (geom)`, r.st.ConsolidatedTable())
	if _, err := r.q.Exec(ctx, index); err != nil {
		return 0, fmt.Errorf("failed to index consolidated parcels: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (r *taxlotRepository) CountyCodeForPoint(ctx context.Context, lon, lat float64) (int, error) {
	query := fmt.Sprintf(`
		SELECT code FROM %s
		WHERE ST_Contains(geom, ST_Transform(ST_SetSRID(ST_MakePoint($1, $2), 4326), %d))
		LIMIT 1
	`, r.st.CountiesTable(), r.st.DisplaySRID)

	var code int
	err := r.q.QueryRow(ctx, query, lon, lat).Scan(&code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to derive county code at (%f, %f): %w", lon, lat, err)
	}
	return code, nil
}

func (r *taxlotRepository) DropWorkingTables(ctx context.Context) error {
	for _, table := range []string{r.st.WorkingTable(), r.st.MergedTable(), r.st.FinalTable()} {
		if _, err := r.q.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
			return fmt.Errorf("failed to drop working table %s: %w", table, err)
		}
	}
	return nil
}
