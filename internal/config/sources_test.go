package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleSources = `
states:
  oregon:
    abbr: "or"
    placeholder_keys: ["0", "COMMON AREA"]
    sentinel_keys: ["ROADS", "WATER", "RAILS", "ROW", "NONTL"]
    counties:
      - name: Lincoln
        code: 21
        table: s_oregon_taxlots_lincoln
        key_fields:
          - field: maptaxlot
        landuse_field: prop_class
      - name: Benton
        code: 2
        table: s_oregon_taxlots_benton
        key_fields:
          - field: mapnum
            pad: 8
          - field: taxlot
            pad: 5
    layers:
      watershed: s_oregon_huc12
      survey_grid: s_oregon_plss
      fire_district: s_oregon_fpd
      zoning: s_oregon_zoning
      places: s_oregon_cities
      elevation: s_oregon_elevation
  washington:
    abbr: "wa"
    geohash_precision: 10
    cluster_eps: 400
    counties:
      - name: Clark
        code: 6
        table: s_washington_taxlots_clark
        key_fields:
          - field: parcel_id
`

func writeSampleSources(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write sample sources: %v", err)
	}
	return path
}

func TestLoadSources_Valid(t *testing.T) {
	path := writeSampleSources(t, sampleSources)

	sources, err := LoadSources(path)
	if err != nil {
		t.Fatalf("LoadSources() failed: %v", err)
	}

	if len(sources.States) != 2 {
		t.Fatalf("Expected 2 states, got %d", len(sources.States))
	}

	or, err := sources.State("oregon")
	if err != nil {
		t.Fatalf("State(oregon) failed: %v", err)
	}
	if or.Name != "oregon" {
		t.Errorf("Expected state name oregon, got %s", or.Name)
	}
	if len(or.Counties) != 2 {
		t.Errorf("Expected 2 counties, got %d", len(or.Counties))
	}
	if or.Layers.Zoning != "s_oregon_zoning" {
		t.Errorf("Expected zoning layer s_oregon_zoning, got %s", or.Layers.Zoning)
	}
}

func TestLoadSources_Defaults(t *testing.T) {
	path := writeSampleSources(t, sampleSources)

	sources, err := LoadSources(path)
	if err != nil {
		t.Fatalf("LoadSources() failed: %v", err)
	}

	or, _ := sources.State("oregon")
	if or.GeohashPrecision != DefaultGeohashPrecision {
		t.Errorf("Expected default precision %d, got %d", DefaultGeohashPrecision, or.GeohashPrecision)
	}
	if or.ClusterEps != DefaultClusterEps {
		t.Errorf("Expected default cluster eps %f, got %f", DefaultClusterEps, or.ClusterEps)
	}
	if or.DisplaySRID != DefaultDisplaySRID {
		t.Errorf("Expected default display srid %d, got %d", DefaultDisplaySRID, or.DisplaySRID)
	}
	if or.ElevMinAreaSqm != DefaultElevMinAreaSqm {
		t.Errorf("Expected default elevation area threshold %f, got %f", DefaultElevMinAreaSqm, or.ElevMinAreaSqm)
	}

	// Explicit values must win over defaults.
	wa, _ := sources.State("washington")
	if wa.GeohashPrecision != 10 {
		t.Errorf("Expected configured precision 10, got %d", wa.GeohashPrecision)
	}
	if wa.ClusterEps != 400 {
		t.Errorf("Expected configured cluster eps 400, got %f", wa.ClusterEps)
	}
}

func TestState_ByAbbreviation(t *testing.T) {
	path := writeSampleSources(t, sampleSources)

	sources, err := LoadSources(path)
	if err != nil {
		t.Fatalf("LoadSources() failed: %v", err)
	}

	for _, lookup := range []string{"OR", "or", "Oregon", "OREGON"} {
		st, err := sources.State(lookup)
		if err != nil {
			t.Errorf("State(%q) failed: %v", lookup, err)
			continue
		}
		if st.Name != "oregon" {
			t.Errorf("State(%q) resolved to %s, expected oregon", lookup, st.Name)
		}
	}

	if _, err := sources.State("idaho"); err == nil {
		t.Error("Expected error for unknown state")
	}
}

func TestLoadSources_RejectsBadIdentifiers(t *testing.T) {
	bad := `
states:
  oregon:
    abbr: "or"
    counties:
      - name: Lincoln
        code: 21
        table: "s_oregon; DROP TABLE app_oregon_taxlots"
        key_fields:
          - field: maptaxlot
`
	path := writeSampleSources(t, bad)

	if _, err := LoadSources(path); err == nil {
		t.Error("Expected validation error for table name that is not a plain identifier")
	}
}

func TestLoadSources_MissingFile(t *testing.T) {
	if _, err := LoadSources("/nonexistent/sources.yaml"); err == nil {
		t.Error("Expected error for missing sources file")
	}
}

func TestStateConfig_TableNames(t *testing.T) {
	st := &StateConfig{Name: "oregon"}

	if st.WorkingTable() != "w_oregon_taxlots" {
		t.Errorf("Unexpected working table name %s", st.WorkingTable())
	}
	if st.MergedTable() != "w_oregon_taxlots_merged" {
		t.Errorf("Unexpected merged table name %s", st.MergedTable())
	}
	if st.FinalTable() != "w_oregon_taxlots_final" {
		t.Errorf("Unexpected final table name %s", st.FinalTable())
	}
	if st.ConsolidatedTable() != "s_oregon_taxlots_post" {
		t.Errorf("Unexpected consolidated table name %s", st.ConsolidatedTable())
	}
	if st.AppTable() != "app_oregon_taxlots" {
		t.Errorf("Unexpected app table name %s", st.AppTable())
	}
}
