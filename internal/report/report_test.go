package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExcluded_SumsReasons(t *testing.T) {
	r := New("run-1", "oregon", time.Now())
	r.ExcludedSentinel = 10
	r.ExcludedShape = 7
	r.ExcludedSize = 2

	assert.Equal(t, int64(19), r.Excluded())
}

func TestDuration(t *testing.T) {
	start := time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)
	r := New("run-1", "oregon", start)
	r.FinishedAt = start.Add(42 * time.Minute)

	assert.Equal(t, 42*time.Minute, r.Duration())
}

func TestFields_IncludesAllCounts(t *testing.T) {
	start := time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)
	r := New("run-1", "oregon", start)
	r.FinishedAt = start.Add(time.Minute)
	r.Input = 1000
	r.Cleaned = 950
	r.UniqueKeys = 900
	r.DuplicatedKeys = 50
	r.Final = 920

	fields := r.Fields()

	assert.Equal(t, int64(1000), fields["input"])
	assert.Equal(t, int64(950), fields["cleaned"])
	assert.Equal(t, int64(900), fields["unique_keys"])
	assert.Equal(t, int64(50), fields["duplicated_keys"])
	assert.Equal(t, int64(920), fields["final"])
	assert.Equal(t, "oregon", fields["state"])
	assert.NotContains(t, fields, "degraded_layers")
}

func TestFields_DegradedLayers(t *testing.T) {
	r := New("run-1", "oregon", time.Now())
	r.DegradedLayers = []string{"zoning"}

	assert.Contains(t, r.Fields(), "degraded_layers")
}

func TestRecordStage(t *testing.T) {
	r := New("run-1", "oregon", time.Now())
	r.RecordStage("dedup", 3*time.Second)

	assert.Equal(t, 3*time.Second, r.StageDurations["dedup"])
}
