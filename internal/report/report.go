package report

import (
	"time"
)

// RunReport is the structured count report emitted for every pipeline
// run. Each consolidation step accounts for its inputs and outputs so
// operators can audit correctness of the run without replaying it: a
// degraded enrichment layer or a burst of key collisions shows up here,
// not as a failure.
type RunReport struct {
	RunID      string
	State      string
	StartedAt  time.Time
	FinishedAt time.Time

	// Cleaning and filtering.
	Input            int64
	ExcludedSentinel int64
	ExcludedShape    int64
	ExcludedSize     int64
	Cleaned          int64

	// Key partition.
	UniqueKeys     int64
	DuplicatedKeys int64

	// Cluster merge and cross-county reconciliation.
	AfterClusterMerge int64
	AfterCrossCounty  int64

	// Residual disambiguation and final insert.
	SuffixedKeys          int64
	DroppedOnConflict     int64
	Final                 int64
	ResidualKeyCollisions int64
	HashCollisions        int64

	// Enrichment.
	DegradedLayers []string
	ElevationRows  int64
	ElevationKept  int64

	// Application table sync.
	Inserted  int64
	Updated   int64
	Unchanged int64
	Deleted   int64

	StageDurations map[string]time.Duration
}

// New starts a report for a run.
func New(runID, state string, startedAt time.Time) *RunReport {
	return &RunReport{
		RunID:          runID,
		State:          state,
		StartedAt:      startedAt,
		StageDurations: make(map[string]time.Duration),
	}
}

// Excluded is the total number of shape-filtered records. Each record is
// counted under exactly one reason.
func (r *RunReport) Excluded() int64 {
	return r.ExcludedSentinel + r.ExcludedShape + r.ExcludedSize
}

// Duration is the wall-clock duration of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RecordStage stores a stage duration.
func (r *RunReport) RecordStage(name string, d time.Duration) {
	r.StageDurations[name] = d
}

// Fields flattens the report for structured logging.
func (r *RunReport) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"run_id":                  r.RunID,
		"state":                   r.State,
		"input":                   r.Input,
		"excluded_sentinel":       r.ExcludedSentinel,
		"excluded_shape":          r.ExcludedShape,
		"excluded_size":           r.ExcludedSize,
		"cleaned":                 r.Cleaned,
		"unique_keys":             r.UniqueKeys,
		"duplicated_keys":         r.DuplicatedKeys,
		"after_cluster_merge":     r.AfterClusterMerge,
		"after_cross_county":      r.AfterCrossCounty,
		"suffixed_keys":           r.SuffixedKeys,
		"dropped_on_conflict":     r.DroppedOnConflict,
		"final":                   r.Final,
		"residual_key_collisions": r.ResidualKeyCollisions,
		"hash_collisions":         r.HashCollisions,
		"elevation_rows":          r.ElevationRows,
		"elevation_kept":          r.ElevationKept,
		"inserted":                r.Inserted,
		"updated":                 r.Updated,
		"unchanged":               r.Unchanged,
		"deleted":                 r.Deleted,
		"duration":                r.Duration().String(),
	}
	if len(r.DegradedLayers) > 0 {
		fields["degraded_layers"] = r.DegradedLayers
	}
	return fields
}
