package portal

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/internal/common"
	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
)

// BatchProgress is a point-in-time snapshot of a sync batch.
type BatchProgress struct {
	BatchID     uuid.UUID `json:"batch_id"`
	Total       int       `json:"total"`
	Pending     int       `json:"pending"`
	Processing  int       `json:"processing"`
	Completed   int       `json:"completed"`
	Errors      int       `json:"errors"`
	UnitsSynced int       `json:"units_synced"`
	Done        bool      `json:"done"`
	Percent     float64   `json:"percent"`
}

// Aggregator summarizes batch state from job counts.
type Aggregator struct {
	jobs repository.SyncJobRepository
}

func NewAggregator(jobs repository.SyncJobRepository) *Aggregator {
	return &Aggregator{jobs: jobs}
}

// Progress reports the batch's counts. The snapshot is consistent: it comes
// from a single aggregate query, so the parts always sum to the total.
func (a *Aggregator) Progress(ctx context.Context, batchID uuid.UUID) (*BatchProgress, error) {
	counts, err := a.jobs.Counts(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("batch counts: %w", err)
	}
	if counts.Total == 0 {
		return nil, fmt.Errorf("batch %s: %w", batchID, common.ErrNotFound)
	}

	settled := counts.Completed + counts.Errors
	progress := &BatchProgress{
		BatchID:     batchID,
		Total:       counts.Total,
		Pending:     counts.Pending,
		Processing:  counts.Processing,
		Completed:   counts.Completed,
		Errors:      counts.Errors,
		UnitsSynced: counts.UnitsSynced,
		Done:        settled == counts.Total,
		Percent:     float64(settled) / float64(counts.Total) * 100,
	}
	return progress, nil
}
