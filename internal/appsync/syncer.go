package appsync

import (
	"context"
	"fmt"

	"github.com/cascadegis/parcelflow/internal/logger"
	"github.com/cascadegis/parcelflow/internal/models"
	"github.com/cascadegis/parcelflow/internal/repository"
)

// Syncer applies a candidate row set to the application table with
// change-aware upsert semantics: new keys are inserted, existing keys
// rewritten only when a tracked attribute differs, and rows whose key
// left the consolidated set are deleted. Re-running on unchanged input
// performs zero writes.
type Syncer struct {
	repo repository.AppRepository
	log  *logger.Logger
}

// Result summarizes one synchronization pass.
type Result struct {
	Inserted  int64
	Updated   int64
	Unchanged int64
	Deleted   int64
}

// NewSyncer creates a Syncer over the given application repository.
func NewSyncer(repo repository.AppRepository, log *logger.Logger) *Syncer {
	return &Syncer{repo: repo, log: log}
}

// Sync reconciles the application table against the candidate rows.
func (s *Syncer) Sync(ctx context.Context, records []models.AppRecord) (*Result, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, err
	}

	existing, err := s.repo.FetchTracked(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch existing application rows: %w", err)
	}

	var inserts, updates []models.AppRecord
	var unchanged int64
	for _, rec := range records {
		tracked, found := existing[rec.MapTaxlot]
		switch {
		case !found:
			inserts = append(inserts, rec)
		case !tracked.Equal(rec.Tracked()):
			updates = append(updates, rec)
		default:
			unchanged++
		}
	}

	result := &Result{Unchanged: unchanged}

	result.Inserted, err = s.repo.InsertRecords(ctx, inserts)
	if err != nil {
		return nil, fmt.Errorf("failed to insert application rows: %w", err)
	}

	result.Updated, err = s.repo.UpdateRecords(ctx, updates)
	if err != nil {
		return nil, fmt.Errorf("failed to update application rows: %w", err)
	}

	result.Deleted, err = s.repo.DeleteOrphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to delete orphaned application rows: %w", err)
	}

	s.log.Info("Application table synchronized", map[string]interface{}{
		"inserted":  result.Inserted,
		"updated":   result.Updated,
		"unchanged": result.Unchanged,
		"deleted":   result.Deleted,
	})

	return result, nil
}
