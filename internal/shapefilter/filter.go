package shapefilter

import (
	"strings"

	"github.com/cascadegis/parcelflow/internal/config"
)

// Reason identifies why a record was excluded. An empty reason means the
// record passed the filter.
type Reason string

const (
	Keep Reason = ""
	// ReasonSentinel marks records whose native key is a non-parcel
	// token (right-of-way, water, rail, tribal/allotted placeholders)
	// with no independent land-use classification.
	ReasonSentinel Reason = "sentinel_key"
	// ReasonShape marks slivers: compactness below the configured
	// minimum, typical of roads and waterways misrepresented as
	// polygons. Degenerate geometries (zero area or perimeter) fall
	// here as well.
	ReasonShape Reason = "shape_degenerate"
	// ReasonSize marks implausibly large polygons, treated as data
	// errors or aggregate boundary artifacts rather than parcels.
	ReasonSize Reason = "size_outlier"
)

// Filter excludes records that are not genuine taxable parcels. The
// thresholds are empirical, tuned per state through the sources file.
type Filter struct {
	sentinels      map[string]struct{}
	compactnessMin float64
	areaCeilingSqm float64
}

// New builds a filter from the state configuration.
func New(st *config.StateConfig) *Filter {
	sentinels := make(map[string]struct{}, len(st.SentinelKeys))
	for _, s := range st.SentinelKeys {
		sentinels[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return &Filter{
		sentinels:      sentinels,
		compactnessMin: st.CompactnessMin,
		areaCeilingSqm: st.AreaCeilingSqm,
	}
}

// Evaluate decides whether a record is kept, returning the first
// matching exclusion reason so each record is counted exactly once even
// when it fails several predicates. rawKey is the native key before any
// synthesis; area and perimeter must come from the equal-area
// projection so ratios are comparable across the state.
func (f *Filter) Evaluate(rawKey string, hasLanduse bool, areaSqm, perimeterM float64) Reason {
	if f.isSentinel(rawKey) && !hasLanduse {
		return ReasonSentinel
	}
	if Compactness(areaSqm, perimeterM) < f.compactnessMin {
		return ReasonShape
	}
	if areaSqm > f.areaCeilingSqm {
		return ReasonSize
	}
	return Keep
}

// Compactness is 4·area/perimeter², near 1 for compact shapes and near
// 0 for elongated slivers. Degenerate inputs return 0 so they always
// fall below any sensible threshold.
func Compactness(areaSqm, perimeterM float64) float64 {
	if areaSqm <= 0 || perimeterM <= 0 {
		return 0
	}
	return 4 * areaSqm / (perimeterM * perimeterM)
}

func (f *Filter) isSentinel(key string) bool {
	if key == "" {
		return false
	}
	_, ok := f.sentinels[strings.ToUpper(key)]
	return ok
}
