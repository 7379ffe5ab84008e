package consolidate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/cascadegis/parcelflow/internal/appsync"
	"github.com/cascadegis/parcelflow/internal/config"
	"github.com/cascadegis/parcelflow/internal/database"
	"github.com/cascadegis/parcelflow/internal/enrich"
	"github.com/cascadegis/parcelflow/internal/logger"
	"github.com/cascadegis/parcelflow/internal/observability"
	"github.com/cascadegis/parcelflow/internal/report"
	"github.com/cascadegis/parcelflow/internal/repository"
)

// Pipeline runs the complete consolidation for one state:
// dedup/merge, enrichment, and application-table sync, inside a single
// transaction. A failed run rolls everything back, leaving the
// consolidated and application tables exactly as they were; the
// run-scoped working tables live and die inside the same transaction.
type Pipeline struct {
	db      *database.Database
	st      *config.StateConfig
	log     *logger.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
}

// NewPipeline assembles a pipeline for one state.
func NewPipeline(db *database.Database, st *config.StateConfig, log *logger.Logger, metrics *observability.Metrics, clock clockwork.Clock) *Pipeline {
	return &Pipeline{db: db, st: st, log: log, metrics: metrics, clock: clock}
}

// Run executes one consolidation run and returns its count report. The
// report is returned even on failure, with the counters filled up to
// the failing stage.
func (p *Pipeline) Run(ctx context.Context) (*report.RunReport, error) {
	runID := uuid.NewString()
	rpt := report.New(runID, p.st.Name, p.clock.Now())
	log := p.log.WithRun(runID, p.st.Name)

	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	log.Info("Pipeline run starting", map[string]interface{}{
		"counties": len(p.st.Counties),
	})

	err := p.run(ctx, rpt, log)
	rpt.FinishedAt = p.clock.Now()

	if err != nil {
		p.metrics.RunsTotal.WithLabelValues(p.st.Name, "error").Inc()
		log.Error("Pipeline run failed", err, rpt.Fields())
		return rpt, err
	}

	p.metrics.RunsTotal.WithLabelValues(p.st.Name, "success").Inc()
	p.metrics.ObserveRun(rpt)
	log.Info("Pipeline run complete", rpt.Fields())
	return rpt, nil
}

func (p *Pipeline) run(ctx context.Context, rpt *report.RunReport, log *logger.Logger) error {
	tx, err := p.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin pipeline transaction: %w", err)
	}
	// Rollback is a no-op after a successful commit; on any failure it
	// also takes the in-transaction working tables with it.
	defer func() { _ = tx.Rollback(ctx) }()

	taxlots := repository.NewTaxlotRepository(tx, p.st)

	engine := NewEngine(taxlots, p.st, log, p.clock)
	if err := engine.Consolidate(ctx, rpt); err != nil {
		return err
	}

	start := p.clock.Now()
	joiner := enrich.NewJoiner(repository.NewEnrichmentRepository(tx, p.st), p.st, log)
	enriched, err := joiner.Enrich(ctx)
	if err != nil {
		return err
	}
	rpt.DegradedLayers = enriched.DegradedLayers
	rpt.ElevationRows = enriched.ElevationRows
	rpt.ElevationKept = enriched.ElevationKept
	rpt.RecordStage("enrich", p.clock.Now().Sub(start))

	start = p.clock.Now()
	syncer := appsync.NewSyncer(repository.NewAppRepository(tx, p.st), log)
	synced, err := syncer.Sync(ctx, enriched.Records)
	if err != nil {
		return err
	}
	rpt.Inserted = synced.Inserted
	rpt.Updated = synced.Updated
	rpt.Unchanged = synced.Unchanged
	rpt.Deleted = synced.Deleted
	rpt.RecordStage("sync", p.clock.Now().Sub(start))

	if err := taxlots.DropWorkingTables(ctx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit pipeline transaction: %w", err)
	}
	return nil
}
