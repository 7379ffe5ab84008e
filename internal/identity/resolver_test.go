package identity

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadegis/parcelflow/internal/config"
	"github.com/cascadegis/parcelflow/internal/models"
)

func testState() *config.StateConfig {
	return &config.StateConfig{
		Name:             "oregon",
		Abbr:             "or",
		GeohashPrecision: 11,
		PlaceholderKeys:  []string{"0", "COMMON AREA"},
	}
}

// squareAt builds a small square parcel with its lower-left corner at
// the given WGS84 coordinate.
func squareAt(lon, lat float64) models.MultiPolygon {
	geo := fmt.Sprintf(
		`{"type":"MultiPolygon","coordinates":[[[[%[1]f,%[2]f],[%[3]f,%[2]f],[%[3]f,%[4]f],[%[1]f,%[4]f],[%[1]f,%[2]f]]]]}`,
		lon, lat, lon+0.001, lat+0.001,
	)
	var mp models.MultiPolygon
	if err := mp.Scan([]byte(geo)); err != nil {
		panic(err)
	}
	return mp
}

func TestResolve_SingleField(t *testing.T) {
	resolver := NewResolver(testState())
	src := &config.CountySource{
		Name:      "Lincoln",
		Code:      21,
		KeyFields: []config.KeyField{{Field: "maptaxlot"}},
	}

	rec := models.SourceRecord{
		ID:       1,
		County:   "Lincoln",
		KeyParts: []string{"  09-10-25-CD-01400  "},
		Geom:     squareAt(-124.05, 44.63),
	}

	res := resolver.Resolve(src, rec)

	assert.Equal(t, "09-10-25-CD-01400", res.Maptaxlot)
	assert.Equal(t, "09-10-25-CD-01400", res.RawKey)
	assert.False(t, res.Synthetic)
	assert.Len(t, res.Geohash, 11)
}

func TestResolve_CompositeKeyPadding(t *testing.T) {
	resolver := NewResolver(testState())
	src := &config.CountySource{
		Name: "Benton",
		Code: 2,
		KeyFields: []config.KeyField{
			{Field: "mapnum", Pad: 8},
			{Field: "taxlot", Pad: 5},
		},
	}

	rec := models.SourceRecord{
		ID:       2,
		County:   "Benton",
		KeyParts: []string{"123456", "700"},
		Geom:     squareAt(-123.26, 44.56),
	}

	res := resolver.Resolve(src, rec)

	assert.Equal(t, "0012345600700", res.Maptaxlot)
	assert.False(t, res.Synthetic)
}

func TestResolve_PlaceholderKeyGetsSyntheticKey(t *testing.T) {
	resolver := NewResolver(testState())
	src := &config.CountySource{
		Name:      "Lincoln",
		Code:      21,
		KeyFields: []config.KeyField{{Field: "maptaxlot"}},
	}

	for _, raw := range []string{"0", "common area", "COMMON AREA", ""} {
		rec := models.SourceRecord{
			ID:       3,
			County:   "Lincoln",
			KeyParts: []string{raw},
			Geom:     squareAt(-124.05, 44.63),
		}

		res := resolver.Resolve(src, rec)

		require.True(t, res.Synthetic, "key %q should be synthesized", raw)
		assert.Regexp(t, `^21_[0-9a-z]{11}$`, res.Maptaxlot)
	}
}

func TestResolve_MissingKeyFields(t *testing.T) {
	resolver := NewResolver(testState())
	src := &config.CountySource{Name: "Wheeler", Code: 35}

	rec := models.SourceRecord{
		ID:     4,
		County: "Wheeler",
		Geom:   squareAt(-120.0, 44.8),
	}

	res := resolver.Resolve(src, rec)

	assert.True(t, res.Synthetic)
	assert.Empty(t, res.RawKey)
	assert.NotEmpty(t, res.Maptaxlot)
}

func TestResolve_SyntheticKeyStability(t *testing.T) {
	resolver := NewResolver(testState())
	src := &config.CountySource{
		Name:      "Lincoln",
		Code:      21,
		KeyFields: []config.KeyField{{Field: "maptaxlot"}},
	}

	rec := models.SourceRecord{
		ID:       5,
		County:   "Lincoln",
		KeyParts: []string{"0"},
		Geom:     squareAt(-124.05, 44.63),
	}

	first := resolver.Resolve(src, rec)
	for i := 0; i < 10; i++ {
		again := resolver.Resolve(src, rec)
		require.Equal(t, first.Maptaxlot, again.Maptaxlot,
			"synthetic key must be byte-identical across runs for unchanged geometry")
	}

	// A different location must produce a different synthetic key.
	moved := rec
	moved.Geom = squareAt(-123.0, 45.2)
	other := resolver.Resolve(src, moved)
	assert.NotEqual(t, first.Maptaxlot, other.Maptaxlot)
}

func TestResolve_EmptyGeometry(t *testing.T) {
	resolver := NewResolver(testState())
	src := &config.CountySource{
		Name:      "Lincoln",
		Code:      21,
		KeyFields: []config.KeyField{{Field: "maptaxlot"}},
	}

	rec := models.SourceRecord{ID: 6, County: "Lincoln", KeyParts: []string{""}}
	res := resolver.Resolve(src, rec)

	// The key is synthesized from an empty hash; the shape filter is
	// responsible for dropping degenerate geometries, not identity
	// resolution.
	assert.True(t, res.Synthetic)
	assert.Empty(t, res.Geohash)
}

func TestNativeKey(t *testing.T) {
	tests := []struct {
		name   string
		fields []config.KeyField
		parts  []string
		want   string
	}{
		{
			name:   "trims whitespace",
			fields: []config.KeyField{{Field: "a"}},
			parts:  []string{" 100 "},
			want:   "100",
		},
		{
			name:   "pads short values",
			fields: []config.KeyField{{Field: "a", Pad: 5}},
			parts:  []string{"42"},
			want:   "00042",
		},
		{
			name:   "does not truncate long values",
			fields: []config.KeyField{{Field: "a", Pad: 3}},
			parts:  []string{"123456"},
			want:   "123456",
		},
		{
			name:   "all empty parts",
			fields: []config.KeyField{{Field: "a", Pad: 4}, {Field: "b", Pad: 4}},
			parts:  []string{"", "  "},
			want:   "",
		},
		{
			name:   "one empty part still padded",
			fields: []config.KeyField{{Field: "a", Pad: 4}, {Field: "b", Pad: 3}},
			parts:  []string{"12", ""},
			want:   "0012000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NativeKey(tt.fields, tt.parts))
		})
	}
}

func TestSuffixKey(t *testing.T) {
	assert.Equal(t, "1S210AB00100_9r9p8xq4w2m", SuffixKey("1S210AB00100", "9r9p8xq4w2m"))
}
