package models

import (
	"github.com/paulmach/orb"
)

// SourceRecord is a repaired raw record loaded into the working table,
// before key assignment. KeyParts holds the values of the county's
// configured key fields in order; Geom is the repaired geometry in WGS84
// (used only for centroid hashing — metrics are computed in the
// equal-area projection server-side).
type SourceRecord struct {
	ID         int64
	County     string
	KeyParts   []string
	Landuse    *string
	AreaSqm    float64
	PerimeterM float64
	Geom       MultiPolygon
}

// HasLanduse reports whether the record carries an independent land-use
// classification (non-empty value in the configured land-use field).
func (r SourceRecord) HasLanduse() bool {
	return r.Landuse != nil && *r.Landuse != ""
}

// KeyAssignment carries the resolved key and filter decision back to the
// working table for one record.
type KeyAssignment struct {
	ID        int64
	Maptaxlot string
	Geohash   string
	Excluded  bool
	// Reason is the exclusion reason label, empty for kept records.
	Reason string
}

// ConsolidatedParcel is one row of the consolidated parcel table: one
// physical parcel, unique key, valid multipart geometry.
type ConsolidatedParcel struct {
	County      string
	Maptaxlot   string
	LanduseCode *string
	AreaSqm     float64
	PerimeterM  float64
	Geohash     string
}

// FinalCandidate is one reconciled candidate row awaiting key
// finalization. The centroid (WGS84 lon/lat) feeds the location hash;
// rows still sharing a key are disambiguated with a hash suffix.
type FinalCandidate struct {
	RowID     int64
	Maptaxlot string
	AreaSqm   float64
	Centroid  orb.Point
}

// FinalKey carries the finalized key and recomputed location hash back
// to a candidate row.
type FinalKey struct {
	RowID     int64
	Maptaxlot string
	Geohash   string
}

// OverlapCandidate is an auxiliary-layer record intersecting a parcel,
// with the area of intersection in square meters (equal-area projection).
// Value and Label carry the layer's two attribute slots; what they mean
// depends on the layer (e.g. HUC code and watershed name).
type OverlapCandidate struct {
	Maptaxlot       string
	AuxID           int64
	IntersectionSqm float64
	Value           string
	Label           string
}

// ElevationStat is one row of the externally produced elevation/forest
// statistics staging table, annotated with whether the parcel centroid
// falls inside a populated-place boundary.
type ElevationStat struct {
	Maptaxlot   string
	Geohash     string
	MinElev     int
	MaxElev     int
	ForestPix   int64
	TotalPix    int64
	AreaSqm     float64
	InsidePlace bool
}

// ForestFraction returns the forest-cover pixel fraction, 0 when the
// statistics are empty.
func (e ElevationStat) ForestFraction() float64 {
	if e.TotalPix == 0 {
		return 0
	}
	return float64(e.ForestPix) / float64(e.TotalPix)
}

// AppRecord is a candidate application-table row: a consolidated parcel
// plus enrichment attributes. Geometry is not carried here — the final
// insert copies it from the consolidated table by key.
type AppRecord struct {
	MapTaxlot        string
	MapID            *string
	County           string
	SourceLabel      string
	FireDistrict     *string
	Agency           *string
	ZoningDesc       *string
	WatershedID      *string
	WatershedName    *string
	MinElevation     *int
	MaxElevation     *int
	LegalDescription *string
	Geohash          string
}

// TrackedAttrs are the attributes compared during change-aware upsert.
// An existing application row is rewritten only when one of these
// differs from the incoming candidate.
type TrackedAttrs struct {
	Geohash          string
	ZoningDesc       *string
	MinElevation     *int
	MaxElevation     *int
	LegalDescription *string
}

// Tracked extracts the change-tracked attribute set from a candidate.
func (r AppRecord) Tracked() TrackedAttrs {
	return TrackedAttrs{
		Geohash:          r.Geohash,
		ZoningDesc:       r.ZoningDesc,
		MinElevation:     r.MinElevation,
		MaxElevation:     r.MaxElevation,
		LegalDescription: r.LegalDescription,
	}
}

// Equal compares two tracked attribute sets, treating nil and non-nil
// pointers as different values.
func (a TrackedAttrs) Equal(b TrackedAttrs) bool {
	return a.Geohash == b.Geohash &&
		strPtrEq(a.ZoningDesc, b.ZoningDesc) &&
		intPtrEq(a.MinElevation, b.MinElevation) &&
		intPtrEq(a.MaxElevation, b.MaxElevation) &&
		strPtrEq(a.LegalDescription, b.LegalDescription)
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intPtrEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
