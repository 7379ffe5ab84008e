package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cascadegis/parcelflow/internal/config"
	"github.com/cascadegis/parcelflow/internal/models"
)

// AppRepository manages the persistent application table. Unlike the
// consolidated table it is never rebuilt: rows are inserted for new
// keys, rewritten when tracked attributes change, and deleted when the
// key disappears from the consolidated set.
type AppRepository interface {
	// EnsureTable creates the application table if it does not exist.
	EnsureTable(ctx context.Context) error

	// FetchTracked returns the change-tracked attributes of every
	// existing application row, keyed by map taxlot.
	FetchTracked(ctx context.Context) (map[string]models.TrackedAttrs, error)

	// InsertRecords inserts candidate rows for keys not yet present,
	// copying geometry from the consolidated table by key. Returns the
	// number of rows inserted.
	InsertRecords(ctx context.Context, records []models.AppRecord) (int64, error)

	// UpdateRecords rewrites existing rows, refreshing attributes and
	// geometry from the current consolidated parcel. Returns the number
	// of rows updated.
	UpdateRecords(ctx context.Context, records []models.AppRecord) (int64, error)

	// DeleteOrphans removes application rows whose key no longer exists
	// in the consolidated table. Returns the number of rows deleted.
	DeleteOrphans(ctx context.Context) (int64, error)
}

type appRepository struct {
	q  Querier
	st *config.StateConfig
}

// NewAppRepository creates an AppRepository bound to one state's
// configuration.
func NewAppRepository(q Querier, st *config.StateConfig) AppRepository {
	return &appRepository{q: q, st: st}
}

func (r *appRepository) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			map_taxlot        text PRIMARY KEY,
			map_id            text,
			county            text NOT NULL,
			source_label      text NOT NULL,
			fire_district     text,
			agency            text,
			zoning_desc       text,
			watershed_id      text,
			watershed_name    text,
			min_elevation     integer,
			max_elevation     integer,
			legal_description text,
			geohash           text NOT NULL DEFAULT '',
			geom              geometry(MultiPolygon, %d) NOT NULL
		)
	`, r.st.AppTable(), r.st.DisplaySRID)

	if _, err := r.q.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure application table %s: %w", r.st.AppTable(), err)
	}
	return nil
}

func (r *appRepository) FetchTracked(ctx context.Context) (map[string]models.TrackedAttrs, error) {
	query := fmt.Sprintf(`
		SELECT map_taxlot, geohash, zoning_desc, min_elevation, max_elevation, legal_description
		FROM %s
	`, r.st.AppTable())

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query application rows: %w", err)
	}
	defer rows.Close()

	tracked := make(map[string]models.TrackedAttrs)
	for rows.Next() {
		var key string
		var t models.TrackedAttrs
		err := rows.Scan(&key, &t.Geohash, &t.ZoningDesc, &t.MinElevation,
			&t.MaxElevation, &t.LegalDescription)
		if err != nil {
			return nil, fmt.Errorf("failed to scan application row: %w", err)
		}
		tracked[key] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating application rows: %w", err)
	}

	return tracked, nil
}

func (r *appRepository) InsertRecords(ctx context.Context, records []models.AppRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	// Geometry is copied from the consolidated parcel, never carried in
	// the candidate row.
	query := fmt.Sprintf(`
		INSERT INTO %s (map_taxlot, map_id, county, source_label, fire_district,
		                agency, zoning_desc, watershed_id, watershed_name,
		                min_elevation, max_elevation, legal_description, geohash, geom)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, c.geom
		FROM %s c
		WHERE c.maptaxlot = $1
	`, r.st.AppTable(), r.st.ConsolidatedTable())

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(query, rec.MapTaxlot, rec.MapID, rec.County, rec.SourceLabel,
			rec.FireDistrict, rec.Agency, rec.ZoningDesc, rec.WatershedID,
			rec.WatershedName, rec.MinElevation, rec.MaxElevation,
			rec.LegalDescription, rec.Geohash)
	}

	return r.runBatch(ctx, batch, len(records), "insert")
}

func (r *appRepository) UpdateRecords(ctx context.Context, records []models.AppRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s a SET
			map_id = $2, county = $3, source_label = $4, fire_district = $5,
			agency = $6, zoning_desc = $7, watershed_id = $8, watershed_name = $9,
			min_elevation = $10, max_elevation = $11, legal_description = $12,
			geohash = $13, geom = c.geom
		FROM %s c
		WHERE a.map_taxlot = $1 AND c.maptaxlot = $1
	`, r.st.AppTable(), r.st.ConsolidatedTable())

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(query, rec.MapTaxlot, rec.MapID, rec.County, rec.SourceLabel,
			rec.FireDistrict, rec.Agency, rec.ZoningDesc, rec.WatershedID,
			rec.WatershedName, rec.MinElevation, rec.MaxElevation,
			rec.LegalDescription, rec.Geohash)
	}

	return r.runBatch(ctx, batch, len(records), "update")
}

func (r *appRepository) runBatch(ctx context.Context, batch *pgx.Batch, n int, op string) (int64, error) {
	results := r.q.SendBatch(ctx, batch)
	defer results.Close()

	var affected int64
	for i := 0; i < n; i++ {
		tag, err := results.Exec()
		if err != nil {
			return affected, fmt.Errorf("failed to %s application row: %w", op, err)
		}
		affected += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return affected, fmt.Errorf("failed to finish application %s batch: %w", op, err)
	}
	return affected, nil
}

func (r *appRepository) DeleteOrphans(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s a
		WHERE NOT EXISTS (SELECT 1 FROM %s c WHERE c.maptaxlot = a.map_taxlot)
	`, r.st.AppTable(), r.st.ConsolidatedTable())

	tag, err := r.q.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphaned application rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
