package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// MultiPolygon represents a PostGIS MultiPolygon geometry exchanged with
// the database as GeoJSON (ST_AsGeoJSON / ST_GeomFromGeoJSON). Parcel
// geometries are always stored multipart, so a bare Polygon read from the
// database is promoted to a single-part MultiPolygon.
type MultiPolygon struct {
	orb.MultiPolygon
}

// Scan implements sql.Scanner for reading geometry from the database.
func (mp *MultiPolygon) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("failed to scan MultiPolygon: expected []byte or string, got %T", value)
	}

	geom, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return fmt.Errorf("failed to unmarshal geometry: %w", err)
	}

	switch g := geom.Geometry().(type) {
	case orb.MultiPolygon:
		mp.MultiPolygon = g
	case orb.Polygon:
		mp.MultiPolygon = orb.MultiPolygon{g}
	default:
		return fmt.Errorf("expected MultiPolygon or Polygon geometry, got %T", g)
	}

	return nil
}

// Value implements driver.Valuer for writing geometry to the database.
// Returns a GeoJSON string for use with ST_GeomFromGeoJSON.
func (mp MultiPolygon) Value() (driver.Value, error) {
	if mp.IsEmpty() {
		return nil, nil
	}

	data, err := geojson.NewGeometry(mp.MultiPolygon).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal geometry to GeoJSON: %w", err)
	}

	return string(data), nil
}

// MarshalJSON implements json.Marshaler, emitting GeoJSON.
func (mp MultiPolygon) MarshalJSON() ([]byte, error) {
	return geojson.NewGeometry(mp.MultiPolygon).MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler for parsing GeoJSON input.
func (mp *MultiPolygon) UnmarshalJSON(data []byte) error {
	return mp.Scan(data)
}

// IsEmpty reports whether the geometry has no rings. Geometry repair can
// legitimately produce empty geometries; those records stay in the
// working set for the shape filter to reject.
func (mp MultiPolygon) IsEmpty() bool {
	return len(mp.MultiPolygon) == 0
}

// Centroid returns the planar centroid of the geometry. For geometries in
// WGS84 this is the point the location hash is derived from.
func (mp MultiPolygon) Centroid() orb.Point {
	centroid, _ := planar.CentroidArea(mp.MultiPolygon)
	return centroid
}
