package repository

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/cascadegis/parcelflow/internal/config"
	"github.com/cascadegis/parcelflow/internal/database"
	"github.com/cascadegis/parcelflow/internal/models"
)

func TestKeyPartsExpr(t *testing.T) {
	tests := []struct {
		name   string
		fields []config.KeyField
		want   string
	}{
		{
			name:   "no fields",
			fields: nil,
			want:   "'{}'::text[]",
		},
		{
			name:   "single field",
			fields: []config.KeyField{{Field: "maptaxlot"}},
			want:   "ARRAY[COALESCE(src.maptaxlot::text, '')]",
		},
		{
			name:   "composite key",
			fields: []config.KeyField{{Field: "mapnum", Pad: 8}, {Field: "taxlot", Pad: 5}},
			want:   "ARRAY[COALESCE(src.mapnum::text, ''), COALESCE(src.taxlot::text, '')]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := keyPartsExpr(tt.fields); got != tt.want {
				t.Errorf("keyPartsExpr() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLanduseExpr(t *testing.T) {
	if got := landuseExpr(""); got != "NULL::text" {
		t.Errorf("landuseExpr(\"\") = %q, want NULL::text", got)
	}
	if got := landuseExpr("prop_class"); got != "NULLIF(btrim(src.prop_class::text), '')" {
		t.Errorf("landuseExpr(prop_class) = %q", got)
	}
}

// Integration tests below require a PostGIS database and are skipped in
// short mode.

func getTestDBConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Host:     getEnvOrDefault("DB_HOST", "localhost"),
		Port:     getEnvOrDefault("DB_PORT", "5432"),
		Name:     getEnvOrDefault("DB_NAME", "parcelflow"),
		User:     getEnvOrDefault("DB_USER", "postgres"),
		Password: getEnvOrDefault("DB_PASSWORD", "postgres"),
		PoolMin:  2,
		PoolMax:  5,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// testStateConfig returns a state configuration pointing at
// test-scoped table names.
func testStateConfig() *config.StateConfig {
	return &config.StateConfig{
		Name:             "itest",
		Abbr:             "it",
		DisplaySRID:      config.DefaultDisplaySRID,
		EqualAreaSRID:    config.DefaultEqualAreaSRID,
		GeohashPrecision: config.DefaultGeohashPrecision,
		ClusterEps:       config.DefaultClusterEps,
		Counties: []config.CountySource{
			{
				Name:      "alpha",
				Code:      1,
				Table:     "s_itest_taxlots_alpha",
				KeyFields: []config.KeyField{{Field: "maptaxlot"}},
			},
		},
	}
}

func setupTestRepository(t *testing.T) (TaxlotRepository, *database.Database, *config.StateConfig) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := database.NewPostgresPool(ctx, getTestDBConfig())
	if err != nil {
		t.Fatalf("Failed to create database connection: %v", err)
	}

	st := testStateConfig()
	repo := NewTaxlotRepository(db.Pool, st)

	// Scratch staging table with two identical-key records and one
	// unique-key record, 100m squares in web mercator.
	stmts := []string{
		`DROP TABLE IF EXISTS s_itest_taxlots_alpha`,
		`CREATE TABLE s_itest_taxlots_alpha (
			maptaxlot text,
			geom geometry(Polygon, 3857)
		)`,
		`INSERT INTO s_itest_taxlots_alpha VALUES
			('1001', ST_SetSRID(ST_MakeEnvelope(0, 0, 100, 100), 3857)),
			('1001', ST_SetSRID(ST_MakeEnvelope(100, 0, 200, 100), 3857)),
			('1002', ST_SetSRID(ST_MakeEnvelope(1000, 1000, 1100, 1100), 3857))`,
	}
	for _, stmt := range stmts {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			db.Close()
			t.Fatalf("Failed to seed staging table: %v", err)
		}
	}

	t.Cleanup(func() {
		_, _ = db.Pool.Exec(ctx, `DROP TABLE IF EXISTS s_itest_taxlots_alpha`)
		_ = repo.DropWorkingTables(ctx)
		_, _ = db.Pool.Exec(ctx, `DROP TABLE IF EXISTS s_itest_taxlots_post`)
		db.Close()
	})

	return repo, db, st
}

func TestWorkingTableLifecycle(t *testing.T) {
	repo, _, st := setupTestRepository(t)
	ctx := context.Background()

	if err := repo.CreateWorkingTables(ctx); err != nil {
		t.Fatalf("CreateWorkingTables returned error: %v", err)
	}

	n, err := repo.LoadSource(ctx, &st.Counties[0])
	if err != nil {
		t.Fatalf("LoadSource returned error: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 records loaded, got %d", n)
	}

	records, err := repo.FetchSourceRecords(ctx)
	if err != nil {
		t.Fatalf("FetchSourceRecords returned error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 source records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.County != "alpha" {
			t.Errorf("Expected county alpha, got %s", rec.County)
		}
		if len(rec.KeyParts) != 1 {
			t.Errorf("Expected 1 key part, got %d", len(rec.KeyParts))
		}
		if rec.AreaSqm <= 0 {
			t.Error("Expected positive repaired area")
		}
		if rec.Geom.IsEmpty() {
			t.Error("Expected non-empty repaired geometry")
		}
	}
}

func TestDedupSequence(t *testing.T) {
	repo, db, st := setupTestRepository(t)
	ctx := context.Background()

	if err := repo.CreateWorkingTables(ctx); err != nil {
		t.Fatalf("CreateWorkingTables returned error: %v", err)
	}
	if _, err := repo.LoadSource(ctx, &st.Counties[0]); err != nil {
		t.Fatalf("LoadSource returned error: %v", err)
	}

	records, err := repo.FetchSourceRecords(ctx)
	if err != nil {
		t.Fatalf("FetchSourceRecords returned error: %v", err)
	}

	assignments := make([]models.KeyAssignment, 0, len(records))
	for _, rec := range records {
		assignments = append(assignments, models.KeyAssignment{
			ID:        rec.ID,
			Maptaxlot: rec.KeyParts[0],
		})
	}
	if err := repo.ApplyKeyAssignments(ctx, assignments); err != nil {
		t.Fatalf("ApplyKeyAssignments returned error: %v", err)
	}

	unique, duplicated, err := repo.KeyCardinality(ctx)
	if err != nil {
		t.Fatalf("KeyCardinality returned error: %v", err)
	}
	if unique != 1 || duplicated != 1 {
		t.Errorf("Expected 1 unique / 1 duplicated key, got %d / %d", unique, duplicated)
	}

	// The two adjacent 1001 squares sit within eps and union into one
	// merged row; 1002 passes through.
	merged, err := repo.MergeClusters(ctx, st.ClusterEps)
	if err != nil {
		t.Fatalf("MergeClusters returned error: %v", err)
	}
	if merged != 2 {
		t.Errorf("Expected 2 merged rows, got %d", merged)
	}

	// The two 1001 squares are disjoint, so their union's area must
	// equal the sum of the input areas.
	var inputSum float64
	for _, rec := range records {
		if rec.KeyParts[0] == "1001" {
			inputSum += rec.AreaSqm
		}
	}
	var mergedArea float64
	row := db.Pool.QueryRow(ctx,
		`SELECT area_sqm FROM `+st.MergedTable()+` WHERE maptaxlot = '1001'`)
	if err := row.Scan(&mergedArea); err != nil {
		t.Fatalf("Failed to read merged area: %v", err)
	}
	if math.Abs(mergedArea-inputSum) > inputSum*1e-6 {
		t.Errorf("Expected merged area %.2f to equal input sum %.2f", mergedArea, inputSum)
	}

	final, err := repo.ReconcileCounties(ctx)
	if err != nil {
		t.Fatalf("ReconcileCounties returned error: %v", err)
	}
	if final != 2 {
		t.Errorf("Expected 2 final candidates, got %d", final)
	}

	candidates, err := repo.FetchFinalCandidates(ctx)
	if err != nil {
		t.Fatalf("FetchFinalCandidates returned error: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(candidates))
	}

	keys := make([]models.FinalKey, 0, len(candidates))
	for _, c := range candidates {
		keys = append(keys, models.FinalKey{
			RowID:     c.RowID,
			Maptaxlot: c.Maptaxlot,
			Geohash:   "u09tvw0f6sz",
		})
	}
	if err := repo.ApplyFinalKeys(ctx, keys); err != nil {
		t.Fatalf("ApplyFinalKeys returned error: %v", err)
	}

	collisions, err := repo.CountResidualKeyCollisions(ctx)
	if err != nil {
		t.Fatalf("CountResidualKeyCollisions returned error: %v", err)
	}
	if collisions != 0 {
		t.Errorf("Expected 0 residual key collisions, got %d", collisions)
	}

	// Both rows were given the same hash above, so the collision scan
	// must notice exactly one colliding hash.
	hashCollisions, err := repo.CountHashCollisions(ctx)
	if err != nil {
		t.Fatalf("CountHashCollisions returned error: %v", err)
	}
	if hashCollisions != 1 {
		t.Errorf("Expected 1 hash collision, got %d", hashCollisions)
	}

	published, err := repo.Publish(ctx)
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if published != 2 {
		t.Errorf("Expected 2 published parcels, got %d", published)
	}
}

func TestLoadSourceMissingTable(t *testing.T) {
	repo, _, st := setupTestRepository(t)
	ctx := context.Background()

	if err := repo.CreateWorkingTables(ctx); err != nil {
		t.Fatalf("CreateWorkingTables returned error: %v", err)
	}

	missing := config.CountySource{
		Name:      "ghost",
		Code:      99,
		Table:     "s_itest_taxlots_ghost",
		KeyFields: st.Counties[0].KeyFields,
	}
	if _, err := repo.LoadSource(ctx, &missing); err == nil {
		t.Error("Expected error loading from missing staging table")
	}
}

// runDedupSequence runs the full load-through-publish sequence against
// the seeded staging table and returns the consolidated set as
// maptaxlot -> area. Keys double as location hashes so re-runs produce
// byte-identical final keys.
func runDedupSequence(t *testing.T, ctx context.Context, repo TaxlotRepository, db *database.Database, st *config.StateConfig) map[string]float64 {
	t.Helper()

	if err := repo.DropWorkingTables(ctx); err != nil {
		t.Fatalf("DropWorkingTables returned error: %v", err)
	}
	if err := repo.CreateWorkingTables(ctx); err != nil {
		t.Fatalf("CreateWorkingTables returned error: %v", err)
	}
	if _, err := repo.LoadSource(ctx, &st.Counties[0]); err != nil {
		t.Fatalf("LoadSource returned error: %v", err)
	}

	records, err := repo.FetchSourceRecords(ctx)
	if err != nil {
		t.Fatalf("FetchSourceRecords returned error: %v", err)
	}
	assignments := make([]models.KeyAssignment, 0, len(records))
	for _, rec := range records {
		assignments = append(assignments, models.KeyAssignment{
			ID:        rec.ID,
			Maptaxlot: rec.KeyParts[0],
		})
	}
	if err := repo.ApplyKeyAssignments(ctx, assignments); err != nil {
		t.Fatalf("ApplyKeyAssignments returned error: %v", err)
	}

	if _, err := repo.MergeClusters(ctx, st.ClusterEps); err != nil {
		t.Fatalf("MergeClusters returned error: %v", err)
	}
	if _, err := repo.ReconcileCounties(ctx); err != nil {
		t.Fatalf("ReconcileCounties returned error: %v", err)
	}

	candidates, err := repo.FetchFinalCandidates(ctx)
	if err != nil {
		t.Fatalf("FetchFinalCandidates returned error: %v", err)
	}
	keys := make([]models.FinalKey, 0, len(candidates))
	for _, c := range candidates {
		keys = append(keys, models.FinalKey{
			RowID:     c.RowID,
			Maptaxlot: c.Maptaxlot,
			Geohash:   c.Maptaxlot,
		})
	}
	if err := repo.ApplyFinalKeys(ctx, keys); err != nil {
		t.Fatalf("ApplyFinalKeys returned error: %v", err)
	}
	if _, err := repo.Publish(ctx); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	rows, err := db.Pool.Query(ctx,
		`SELECT maptaxlot, area_sqm FROM `+st.ConsolidatedTable())
	if err != nil {
		t.Fatalf("Failed to read consolidated table: %v", err)
	}
	defer rows.Close()

	consolidated := make(map[string]float64)
	for rows.Next() {
		var key string
		var area float64
		if err := rows.Scan(&key, &area); err != nil {
			t.Fatalf("Failed to scan consolidated row: %v", err)
		}
		consolidated[key] = area
	}
	return consolidated
}

func TestDedupSequenceIdempotent(t *testing.T) {
	repo, db, st := setupTestRepository(t)
	ctx := context.Background()

	first := runDedupSequence(t, ctx, repo, db, st)
	second := runDedupSequence(t, ctx, repo, db, st)

	if len(first) != len(second) {
		t.Fatalf("Expected both runs to produce %d parcels, got %d", len(first), len(second))
	}
	for key, area := range first {
		got, found := second[key]
		if !found {
			t.Errorf("Second run missing key %s", key)
			continue
		}
		if math.Abs(got-area) > area*1e-9 {
			t.Errorf("Key %s: area %.4f on first run, %.4f on second", key, area, got)
		}
	}
}

func TestMergeOverlappingDuplicatesLoseArea(t *testing.T) {
	repo, db, st := setupTestRepository(t)
	ctx := context.Background()

	// A third 1001 square overlapping both seeded squares: the union
	// must come out strictly smaller than the sum of the inputs.
	_, err := db.Pool.Exec(ctx, `INSERT INTO s_itest_taxlots_alpha VALUES
		('1001', ST_SetSRID(ST_MakeEnvelope(50, 0, 150, 100), 3857))`)
	if err != nil {
		t.Fatalf("Failed to seed overlapping record: %v", err)
	}

	if err := repo.CreateWorkingTables(ctx); err != nil {
		t.Fatalf("CreateWorkingTables returned error: %v", err)
	}
	if _, err := repo.LoadSource(ctx, &st.Counties[0]); err != nil {
		t.Fatalf("LoadSource returned error: %v", err)
	}

	records, err := repo.FetchSourceRecords(ctx)
	if err != nil {
		t.Fatalf("FetchSourceRecords returned error: %v", err)
	}
	var inputSum float64
	assignments := make([]models.KeyAssignment, 0, len(records))
	for _, rec := range records {
		if rec.KeyParts[0] == "1001" {
			inputSum += rec.AreaSqm
		}
		assignments = append(assignments, models.KeyAssignment{
			ID:        rec.ID,
			Maptaxlot: rec.KeyParts[0],
		})
	}
	if err := repo.ApplyKeyAssignments(ctx, assignments); err != nil {
		t.Fatalf("ApplyKeyAssignments returned error: %v", err)
	}
	if _, err := repo.MergeClusters(ctx, st.ClusterEps); err != nil {
		t.Fatalf("MergeClusters returned error: %v", err)
	}

	var mergedArea float64
	row := db.Pool.QueryRow(ctx,
		`SELECT area_sqm FROM `+st.MergedTable()+` WHERE maptaxlot = '1001'`)
	if err := row.Scan(&mergedArea); err != nil {
		t.Fatalf("Failed to read merged area: %v", err)
	}
	if mergedArea >= inputSum {
		t.Errorf("Expected union area %.2f to be strictly below input sum %.2f", mergedArea, inputSum)
	}
}

func TestReconcileCountiesByContributingArea(t *testing.T) {
	repo, db, st := setupTestRepository(t)
	ctx := context.Background()

	if err := repo.CreateWorkingTables(ctx); err != nil {
		t.Fatalf("CreateWorkingTables returned error: %v", err)
	}

	// Key 9001 spans two counties: alpha contributes two rows of 40m²
	// each, beta a single 50m² row. Alpha's total contribution (80m²)
	// wins even though beta owns the largest single row.
	_, err := db.Pool.Exec(ctx, `INSERT INTO `+st.MergedTable()+`
		(county, maptaxlot, landuse, area_sqm, perimeter_m, geom) VALUES
		('alpha', '9001', NULL, 40, 26, ST_Multi(ST_SetSRID(ST_MakeEnvelope(0, 0, 5, 8), 3857))),
		('alpha', '9001', NULL, 40, 26, ST_Multi(ST_SetSRID(ST_MakeEnvelope(900, 0, 905, 8), 3857))),
		('beta',  '9001', NULL, 50, 30, ST_Multi(ST_SetSRID(ST_MakeEnvelope(2000, 0, 2005, 10), 3857)))`)
	if err != nil {
		t.Fatalf("Failed to seed merged rows: %v", err)
	}

	n, err := repo.ReconcileCounties(ctx)
	if err != nil {
		t.Fatalf("ReconcileCounties returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 reconciled row, got %d", n)
	}

	var county string
	row := db.Pool.QueryRow(ctx,
		`SELECT county FROM `+st.FinalTable()+` WHERE maptaxlot = '9001'`)
	if err := row.Scan(&county); err != nil {
		t.Fatalf("Failed to read reconciled row: %v", err)
	}
	if county != "alpha" {
		t.Errorf("Expected attribution to alpha (80m² total), got %s", county)
	}
}

func TestDropWorkingTablesIdempotent(t *testing.T) {
	repo, _, _ := setupTestRepository(t)
	ctx := context.Background()

	if err := repo.DropWorkingTables(ctx); err != nil {
		t.Errorf("DropWorkingTables on absent tables returned error: %v", err)
	}
	if err := repo.DropWorkingTables(ctx); err != nil {
		t.Errorf("Second DropWorkingTables returned error: %v", err)
	}
}
