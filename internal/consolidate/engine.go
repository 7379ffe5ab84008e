package consolidate

import (
	"context"
	"fmt"
	"sort"

	"github.com/jonboulle/clockwork"

	"github.com/cascadegis/parcelflow/internal/config"
	"github.com/cascadegis/parcelflow/internal/identity"
	"github.com/cascadegis/parcelflow/internal/logger"
	"github.com/cascadegis/parcelflow/internal/models"
	"github.com/cascadegis/parcelflow/internal/report"
	"github.com/cascadegis/parcelflow/internal/repository"
	"github.com/cascadegis/parcelflow/internal/shapefilter"
)

// Engine runs the consolidation passes for one state: load and repair
// raw county records, resolve identities, filter degenerate shapes, and
// the dedup/merge sequence ending in the published consolidated table.
// Every pass accounts its inputs and outputs in the run report.
type Engine struct {
	st    *config.StateConfig
	repo  repository.TaxlotRepository
	log   *logger.Logger
	clock clockwork.Clock
}

// NewEngine creates an Engine for one state's run.
func NewEngine(repo repository.TaxlotRepository, st *config.StateConfig, log *logger.Logger, clock clockwork.Clock) *Engine {
	return &Engine{st: st, repo: repo, log: log, clock: clock}
}

// Consolidate executes the full merge sequence and fills the report's
// consolidation counters.
func (e *Engine) Consolidate(ctx context.Context, rpt *report.RunReport) error {
	if err := e.repo.CreateWorkingTables(ctx); err != nil {
		return err
	}

	if err := e.stage(rpt, "load", func() error { return e.load(ctx, rpt) }); err != nil {
		return err
	}
	if err := e.stage(rpt, "identity", func() error { return e.resolveAndFilter(ctx, rpt) }); err != nil {
		return err
	}
	if err := e.stage(rpt, "merge", func() error { return e.merge(ctx, rpt) }); err != nil {
		return err
	}
	if err := e.stage(rpt, "finalize", func() error { return e.finalize(ctx, rpt) }); err != nil {
		return err
	}

	return nil
}

func (e *Engine) stage(rpt *report.RunReport, name string, fn func() error) error {
	start := e.clock.Now()
	err := fn()
	rpt.RecordStage(name, e.clock.Now().Sub(start))
	return err
}

func (e *Engine) load(ctx context.Context, rpt *report.RunReport) error {
	for i := range e.st.Counties {
		src := &e.st.Counties[i]
		n, err := e.repo.LoadSource(ctx, src)
		if err != nil {
			return err
		}
		rpt.Input += n
		e.log.Info("County source loaded", map[string]interface{}{
			"county":  src.Name,
			"table":   src.Table,
			"records": n,
		})
	}
	return nil
}

// resolveAndFilter assigns canonical keys and exclusion decisions to
// every working record. Jurisdiction codes missing from the sources
// file are derived once per county by centroid-in-county containment.
func (e *Engine) resolveAndFilter(ctx context.Context, rpt *report.RunReport) error {
	records, err := e.repo.FetchSourceRecords(ctx)
	if err != nil {
		return err
	}

	sources := make(map[string]*config.CountySource, len(e.st.Counties))
	for i := range e.st.Counties {
		sources[e.st.Counties[i].Name] = &e.st.Counties[i]
	}

	resolver := identity.NewResolver(e.st)
	filter := shapefilter.New(e.st)
	derivedCodes := make(map[string]int)

	assignments := make([]models.KeyAssignment, 0, len(records))
	for _, rec := range records {
		src, found := sources[rec.County]
		if !found {
			return fmt.Errorf("working record %d references unconfigured county %q", rec.ID, rec.County)
		}

		if src.Code == 0 && !rec.Geom.IsEmpty() {
			if err := e.deriveCountyCode(ctx, src, rec, derivedCodes); err != nil {
				return err
			}
		}

		res := resolver.Resolve(src, rec)
		reason := filter.Evaluate(res.RawKey, rec.HasLanduse(), rec.AreaSqm, rec.PerimeterM)

		switch reason {
		case shapefilter.Keep:
		case shapefilter.ReasonSentinel:
			rpt.ExcludedSentinel++
		case shapefilter.ReasonShape:
			rpt.ExcludedShape++
		case shapefilter.ReasonSize:
			rpt.ExcludedSize++
		}

		assignments = append(assignments, models.KeyAssignment{
			ID:        rec.ID,
			Maptaxlot: res.Maptaxlot,
			Geohash:   res.Geohash,
			Excluded:  reason != shapefilter.Keep,
			Reason:    string(reason),
		})
	}

	rpt.Cleaned = rpt.Input - rpt.Excluded()

	if err := e.repo.ApplyKeyAssignments(ctx, assignments); err != nil {
		return err
	}

	rpt.UniqueKeys, rpt.DuplicatedKeys, err = e.repo.KeyCardinality(ctx)
	return err
}

// deriveCountyCode fills a zero jurisdiction code from the county
// boundary table, once per county per run.
func (e *Engine) deriveCountyCode(ctx context.Context, src *config.CountySource, rec models.SourceRecord, derived map[string]int) error {
	if code, done := derived[src.Name]; done {
		src.Code = code
		return nil
	}

	c := rec.Geom.Centroid()
	code, err := e.repo.CountyCodeForPoint(ctx, c.Lon(), c.Lat())
	if err != nil {
		return err
	}
	derived[src.Name] = code
	src.Code = code
	e.log.Debug("Derived jurisdiction code", map[string]interface{}{
		"county": src.Name,
		"code":   code,
	})
	return nil
}

func (e *Engine) merge(ctx context.Context, rpt *report.RunReport) error {
	var err error

	rpt.AfterClusterMerge, err = e.repo.MergeClusters(ctx, e.st.ClusterEps)
	if err != nil {
		return err
	}

	rpt.AfterCrossCounty, err = e.repo.ReconcileCounties(ctx)
	return err
}

func (e *Engine) finalize(ctx context.Context, rpt *report.RunReport) error {
	candidates, err := e.repo.FetchFinalCandidates(ctx)
	if err != nil {
		return err
	}

	keys, suffixed := FinalizeKeys(candidates, e.st.GeohashPrecision)
	rpt.SuffixedKeys = suffixed

	if err := e.repo.ApplyFinalKeys(ctx, keys); err != nil {
		return err
	}

	rpt.ResidualKeyCollisions, err = e.repo.CountResidualKeyCollisions(ctx)
	if err != nil {
		return err
	}
	if rpt.ResidualKeyCollisions > 0 {
		e.log.Warn("Keys still collide after disambiguation", map[string]interface{}{
			"collisions": rpt.ResidualKeyCollisions,
		})
	}

	rpt.HashCollisions, err = e.repo.CountHashCollisions(ctx)
	if err != nil {
		return err
	}
	if rpt.HashCollisions > 0 {
		e.log.Warn("Distinct keys share a location hash", map[string]interface{}{
			"collisions": rpt.HashCollisions,
		})
	}

	rpt.Final, err = e.repo.Publish(ctx)
	if err != nil {
		return err
	}
	rpt.DroppedOnConflict = int64(len(candidates)) - rpt.Final

	return nil
}

// FinalizeKeys assigns every candidate its centroid location hash and
// disambiguates keys shared by multiple candidates: the largest-area
// member keeps the bare key (ties broken by row id) and every other
// member gets a hash suffix. Returns the per-row key set and the number
// of suffixed rows.
func FinalizeKeys(candidates []models.FinalCandidate, precision uint) ([]models.FinalKey, int64) {
	sorted := make([]models.FinalCandidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Maptaxlot != sorted[j].Maptaxlot {
			return sorted[i].Maptaxlot < sorted[j].Maptaxlot
		}
		if sorted[i].AreaSqm != sorted[j].AreaSqm {
			return sorted[i].AreaSqm > sorted[j].AreaSqm
		}
		return sorted[i].RowID < sorted[j].RowID
	})

	keys := make([]models.FinalKey, 0, len(sorted))
	var suffixed int64
	for i, c := range sorted {
		hash := identity.HashPoint(c.Centroid, precision)
		key := c.Maptaxlot
		if i > 0 && sorted[i-1].Maptaxlot == c.Maptaxlot {
			key = identity.SuffixKey(c.Maptaxlot, hash)
			suffixed++
		}
		keys = append(keys, models.FinalKey{
			RowID:     c.RowID,
			Maptaxlot: key,
			Geohash:   hash,
		})
	}

	return keys, suffixed
}
