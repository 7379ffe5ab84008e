package identity

import (
	"fmt"
	"strings"

	"github.com/mmcloughlin/geohash"
	"github.com/paulmach/orb"

	"github.com/cascadegis/parcelflow/internal/config"
	"github.com/cascadegis/parcelflow/internal/models"
)

// Resolver derives the canonical parcel key (maptaxlot) for raw records.
// Per-county extraction rules come from the sources file; records without
// a usable native key get a deterministic synthetic key derived from the
// jurisdiction code and the centroid location hash, so re-runs with
// unchanged geometry produce byte-identical keys.
type Resolver struct {
	precision    uint
	placeholders map[string]struct{}
}

// Resolution is the outcome of key resolution for one record.
type Resolution struct {
	// Maptaxlot is the resolved canonical key, never empty for records
	// with a non-empty geometry.
	Maptaxlot string
	// RawKey is the trimmed native key before any synthesis; empty when
	// the source had no usable key. The shape filter tests sentinel
	// tokens against this, not against the synthesized key.
	RawKey string
	// Synthetic is true when Maptaxlot was generated rather than taken
	// from the source.
	Synthetic bool
	// Geohash is the centroid location hash at the configured precision,
	// empty for empty geometries.
	Geohash string
}

// NewResolver builds a resolver from the state configuration.
func NewResolver(st *config.StateConfig) *Resolver {
	placeholders := make(map[string]struct{}, len(st.PlaceholderKeys))
	for _, p := range st.PlaceholderKeys {
		placeholders[strings.ToUpper(strings.TrimSpace(p))] = struct{}{}
	}
	return &Resolver{
		precision:    st.GeohashPrecision,
		placeholders: placeholders,
	}
}

// Resolve maps one raw record to its canonical key.
func (r *Resolver) Resolve(src *config.CountySource, rec models.SourceRecord) Resolution {
	raw := NativeKey(src.KeyFields, rec.KeyParts)
	hash := r.Hash(rec.Geom)

	if raw == "" || r.isPlaceholder(raw) {
		return Resolution{
			Maptaxlot: SyntheticKey(src.Code, hash),
			RawKey:    raw,
			Synthetic: true,
			Geohash:   hash,
		}
	}

	return Resolution{
		Maptaxlot: raw,
		RawKey:    raw,
		Geohash:   hash,
	}
}

// Hash returns the location hash of the geometry centroid at the
// resolver's precision. Empty geometries hash to the empty string.
func (r *Resolver) Hash(geom models.MultiPolygon) string {
	if geom.IsEmpty() {
		return ""
	}
	return HashPoint(geom.Centroid(), r.precision)
}

// HashPoint returns the location hash of a WGS84 point at the given
// precision.
func HashPoint(p orb.Point, precision uint) string {
	// orb points are (lon, lat); geohash wants (lat, lng).
	return geohash.EncodeWithPrecision(p.Lat(), p.Lon(), precision)
}

// NativeKey builds the native key from the configured field list:
// values are whitespace-trimmed, zero-padded to their configured widths
// and concatenated in order. Returns "" when every part is empty.
func NativeKey(fields []config.KeyField, parts []string) string {
	if len(fields) == 0 || len(parts) == 0 {
		return ""
	}

	var b strings.Builder
	empty := true
	for i, f := range fields {
		if i >= len(parts) {
			break
		}
		v := strings.TrimSpace(parts[i])
		if v != "" {
			empty = false
		}
		if f.Pad > 0 && len(v) < f.Pad {
			b.WriteString(strings.Repeat("0", f.Pad-len(v)))
		}
		b.WriteString(v)
	}
	if empty {
		return ""
	}
	return b.String()
}

// SyntheticKey builds the fallback key for records without a usable
// native key: a zero-padded jurisdiction code joined with the location
// hash.
func SyntheticKey(jurisdictionCode int, hash string) string {
	return fmt.Sprintf("%02d_%s", jurisdictionCode, hash)
}

// SuffixKey appends a location-hash suffix to a key during residual
// duplicate disambiguation.
func SuffixKey(key, hash string) string {
	return key + "_" + hash
}

func (r *Resolver) isPlaceholder(key string) bool {
	_, ok := r.placeholders[strings.ToUpper(key)]
	return ok
}
