package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Default processing parameters, applied when a state omits them.
// Thresholds are empirical and expected to be tuned per state in the
// sources file rather than edited here.
const (
	DefaultDisplaySRID      = 3857
	DefaultEqualAreaSRID    = 5070
	DefaultGeohashPrecision = 11
	DefaultClusterEps       = 500.0
	DefaultCompactnessMin   = 0.025
	DefaultAreaCeilingSqm   = 10_000_000.0
	DefaultElevMinAreaSqm   = 2023.0 // half acre
	DefaultForestFracMin    = 0.20
)

// pgIdentPattern restricts configured table/column names to plain SQL
// identifiers. Table names from the sources file are interpolated into
// statements, so anything fancier is rejected at load time.
var pgIdentPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Sources is the parsed sources file: one entry per state pipeline.
type Sources struct {
	States map[string]*StateConfig `mapstructure:"states" validate:"required,min=1,dive,required"`
}

// StateConfig describes everything needed to run one state's pipeline:
// which staging tables to consolidate, how to resolve parcel keys per
// county, which auxiliary layers to join, and the tunable thresholds.
type StateConfig struct {
	// Name is the full state name; filled from the map key on load.
	Name string `mapstructure:"-" validate:"required,pgident"`
	Abbr string `mapstructure:"abbr" validate:"required,len=2,pgident"`

	DisplaySRID      int  `mapstructure:"display_srid" validate:"gte=0"`
	EqualAreaSRID    int  `mapstructure:"equal_area_srid" validate:"gte=0"`
	GeohashPrecision uint `mapstructure:"geohash_precision" validate:"lte=12"`

	// ClusterEps is the DBSCAN neighbor distance in equal-area projection
	// units (meters for EPSG:5070).
	ClusterEps     float64 `mapstructure:"cluster_eps" validate:"gte=0"`
	CompactnessMin float64 `mapstructure:"compactness_min" validate:"gte=0,lte=1"`
	AreaCeilingSqm float64 `mapstructure:"area_ceiling_sqm" validate:"gte=0"`
	ElevMinAreaSqm float64 `mapstructure:"elevation_min_area_sqm" validate:"gte=0"`
	ForestFracMin  float64 `mapstructure:"forest_fraction_min" validate:"gte=0,lte=1"`

	// PlaceholderKeys are native key values that mean "no key": identity
	// resolution replaces them with a synthetic key.
	PlaceholderKeys []string `mapstructure:"placeholder_keys"`

	// SentinelKeys mark non-parcel artifacts (rights of way, water,
	// tribal/allotted placeholders). Records carrying one and no land-use
	// classification are excluded by the shape filter.
	SentinelKeys []string `mapstructure:"sentinel_keys"`

	Counties []CountySource `mapstructure:"counties" validate:"required,min=1,dive"`
	Layers   AuxLayers      `mapstructure:"layers"`
}

// CountySource maps one raw staging table to the canonical schema.
type CountySource struct {
	Name  string `mapstructure:"name" validate:"required"`
	Code  int    `mapstructure:"code" validate:"gte=0,lte=99"`
	Table string `mapstructure:"table" validate:"required,pgident"`

	// KeyFields are concatenated in order to form the native parcel key.
	// An empty list means the source has no native key at all and every
	// record gets a synthetic key.
	KeyFields []KeyField `mapstructure:"key_fields" validate:"dive"`

	// LanduseField names an independent land-use classification column,
	// when the source has one.
	LanduseField string `mapstructure:"landuse_field" validate:"omitempty,pgident"`
}

// KeyField is one component of a composite native key. Pad > 0 zero-pads
// the value to that width before concatenation (county map-number formats
// document these widths).
type KeyField struct {
	Field string `mapstructure:"field" validate:"required,pgident"`
	Pad   int    `mapstructure:"pad" validate:"gte=0,lte=20"`
}

// AuxLayers holds auxiliary staging table names. An empty name means the
// layer is not available for the state; enrichment degrades to NULL for
// its attributes.
type AuxLayers struct {
	Watershed    string `mapstructure:"watershed" validate:"omitempty,pgident"`
	SurveyGrid   string `mapstructure:"survey_grid" validate:"omitempty,pgident"`
	FireDistrict string `mapstructure:"fire_district" validate:"omitempty,pgident"`
	Zoning       string `mapstructure:"zoning" validate:"omitempty,pgident"`
	Places       string `mapstructure:"places" validate:"omitempty,pgident"`
	Elevation    string `mapstructure:"elevation" validate:"omitempty,pgident"`
}

// LoadSources reads and validates the sources YAML file.
func LoadSources(path string) (*Sources, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read sources file %s: %w", path, err)
	}

	var sources Sources
	if err := v.Unmarshal(&sources); err != nil {
		return nil, fmt.Errorf("failed to parse sources file %s: %w", path, err)
	}

	for name, st := range sources.States {
		st.Name = strings.ToLower(name)
		st.applyDefaults()
	}

	if err := sources.Validate(); err != nil {
		return nil, fmt.Errorf("sources file %s is invalid: %w", path, err)
	}

	return &sources, nil
}

// Validate runs struct validation over the parsed sources.
func (s *Sources) Validate() error {
	validate := validator.New()
	if err := validate.RegisterValidation("pgident", func(fl validator.FieldLevel) bool {
		return pgIdentPattern.MatchString(fl.Field().String())
	}); err != nil {
		return fmt.Errorf("failed to register identifier validation: %w", err)
	}
	if err := validate.Struct(s); err != nil {
		return err
	}
	return nil
}

// State resolves a state by full name or two-letter abbreviation,
// case-insensitively ("oregon", "OR" and "or" all match).
func (s *Sources) State(nameOrAbbr string) (*StateConfig, error) {
	key := strings.ToLower(strings.TrimSpace(nameOrAbbr))
	if st, ok := s.States[key]; ok {
		return st, nil
	}
	for _, st := range s.States {
		if st.Abbr == key {
			return st, nil
		}
	}
	return nil, fmt.Errorf("state %q not found in sources file", nameOrAbbr)
}

func (st *StateConfig) applyDefaults() {
	if st.DisplaySRID == 0 {
		st.DisplaySRID = DefaultDisplaySRID
	}
	if st.EqualAreaSRID == 0 {
		st.EqualAreaSRID = DefaultEqualAreaSRID
	}
	if st.GeohashPrecision == 0 {
		st.GeohashPrecision = DefaultGeohashPrecision
	}
	if st.ClusterEps == 0 {
		st.ClusterEps = DefaultClusterEps
	}
	if st.CompactnessMin == 0 {
		st.CompactnessMin = DefaultCompactnessMin
	}
	if st.AreaCeilingSqm == 0 {
		st.AreaCeilingSqm = DefaultAreaCeilingSqm
	}
	if st.ElevMinAreaSqm == 0 {
		st.ElevMinAreaSqm = DefaultElevMinAreaSqm
	}
	if st.ForestFracMin == 0 {
		st.ForestFracMin = DefaultForestFracMin
	}
}

// Working and output table names for the state. The w_ tables are
// transient scratch space owned by a single run; the _post table is the
// consolidated parcel set; the app_ table is the final application table.

// WorkingTable is the per-run raw working table.
func (st *StateConfig) WorkingTable() string {
	return fmt.Sprintf("w_%s_taxlots", st.Name)
}

// MergedTable holds per-(key, county, cluster) unions.
func (st *StateConfig) MergedTable() string {
	return fmt.Sprintf("w_%s_taxlots_merged", st.Name)
}

// FinalTable holds cross-county reconciled candidates prior to key
// disambiguation and the final insert.
func (st *StateConfig) FinalTable() string {
	return fmt.Sprintf("w_%s_taxlots_final", st.Name)
}

// ConsolidatedTable is the rebuilt-per-run consolidated parcel table.
func (st *StateConfig) ConsolidatedTable() string {
	return fmt.Sprintf("s_%s_taxlots_post", st.Name)
}

// AppTable is the persistent application table for the taxlot domain.
func (st *StateConfig) AppTable() string {
	return fmt.Sprintf("app_%s_taxlots", st.Name)
}

// CountiesTable holds county boundaries with jurisdiction codes, used to
// derive a jurisdiction code by centroid containment when a source does
// not configure one.
func (st *StateConfig) CountiesTable() string {
	return fmt.Sprintf("s_%s_counties", st.Name)
}

// County returns the configured source for a county name.
func (st *StateConfig) County(name string) (*CountySource, error) {
	for i := range st.Counties {
		if strings.EqualFold(st.Counties[i].Name, name) {
			return &st.Counties[i], nil
		}
	}
	return nil, fmt.Errorf("county %q not configured for state %s", name, st.Name)
}
