package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cascadegis/parcelflow/internal/report"
)

// Metrics holds the Prometheus collectors for the consolidation
// pipeline. Gauges carry the latest run's count report per state;
// counters accumulate across runs.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec // labels: state, outcome={success,error}
	PipelineRunning prometheus.Gauge
	RunDuration     *prometheus.HistogramVec // labels: state

	RecordsInput    *prometheus.GaugeVec // labels: state
	RecordsExcluded *prometheus.GaugeVec // labels: state, reason
	RecordsFinal    *prometheus.GaugeVec // labels: state
	KeysSuffixed    *prometheus.GaugeVec // labels: state
	KeyCollisions   *prometheus.GaugeVec // labels: state
	HashCollisions  *prometheus.GaugeVec // labels: state
	AppRowsUpserted *prometheus.GaugeVec // labels: state, op={inserted,updated,deleted}
	LayersDegraded  *prometheus.GaugeVec // labels: state
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RunsTotal,
		m.PipelineRunning,
		m.RunDuration,
		m.RecordsInput,
		m.RecordsExcluded,
		m.RecordsFinal,
		m.KeysSuffixed,
		m.KeyCollisions,
		m.HashCollisions,
		m.AppRowsUpserted,
		m.LayersDegraded,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, to
// avoid "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parcelflow",
			Name:      "runs_total",
			Help:      "Pipeline runs by state and outcome.",
		}, []string{"state", "outcome"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parcelflow",
			Name:      "pipeline_running",
			Help:      "1 while a pipeline run is active, 0 otherwise.",
		}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "parcelflow",
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete consolidation run.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}, []string{"state"}),
		RecordsInput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parcelflow",
			Name:      "records_input",
			Help:      "Raw staging records read in the latest run.",
		}, []string{"state"}),
		RecordsExcluded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parcelflow",
			Name:      "records_excluded",
			Help:      "Records excluded by the shape filter in the latest run, by reason.",
		}, []string{"state", "reason"}),
		RecordsFinal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parcelflow",
			Name:      "records_final",
			Help:      "Consolidated parcels produced by the latest run.",
		}, []string{"state"}),
		KeysSuffixed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parcelflow",
			Name:      "keys_suffixed",
			Help:      "Residual duplicate keys disambiguated with a hash suffix in the latest run.",
		}, []string{"state"}),
		KeyCollisions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parcelflow",
			Name:      "key_collisions",
			Help:      "Keys still colliding after disambiguation in the latest run.",
		}, []string{"state"}),
		HashCollisions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parcelflow",
			Name:      "hash_collisions",
			Help:      "Distinct final keys sharing a location hash in the latest run.",
		}, []string{"state"}),
		AppRowsUpserted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parcelflow",
			Name:      "app_rows",
			Help:      "Application table mutations in the latest run, by operation.",
		}, []string{"state", "op"}),
		LayersDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parcelflow",
			Name:      "layers_degraded",
			Help:      "Auxiliary layers missing or empty during the latest run.",
		}, []string{"state"}),
	}
}

// ObserveRun publishes a completed run's count report.
func (m *Metrics) ObserveRun(r *report.RunReport) {
	state := r.State

	m.RunDuration.WithLabelValues(state).Observe(r.Duration().Seconds())
	m.RecordsInput.WithLabelValues(state).Set(float64(r.Input))
	m.RecordsExcluded.WithLabelValues(state, "sentinel_key").Set(float64(r.ExcludedSentinel))
	m.RecordsExcluded.WithLabelValues(state, "shape_degenerate").Set(float64(r.ExcludedShape))
	m.RecordsExcluded.WithLabelValues(state, "size_outlier").Set(float64(r.ExcludedSize))
	m.RecordsFinal.WithLabelValues(state).Set(float64(r.Final))
	m.KeysSuffixed.WithLabelValues(state).Set(float64(r.SuffixedKeys))
	m.KeyCollisions.WithLabelValues(state).Set(float64(r.ResidualKeyCollisions))
	m.HashCollisions.WithLabelValues(state).Set(float64(r.HashCollisions))
	m.AppRowsUpserted.WithLabelValues(state, "inserted").Set(float64(r.Inserted))
	m.AppRowsUpserted.WithLabelValues(state, "updated").Set(float64(r.Updated))
	m.AppRowsUpserted.WithLabelValues(state, "deleted").Set(float64(r.Deleted))
	m.LayersDegraded.WithLabelValues(state).Set(float64(len(r.DegradedLayers)))
}
