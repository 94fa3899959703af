package portal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/internal/common"
	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
)

// ScheduleResult reports a created batch.
type ScheduleResult struct {
	BatchID   uuid.UUID `json:"batch_id"`
	TotalJobs int       `json:"total_jobs"`
}

// Scheduler validates a sync request, persists one job per authorized target,
// and fires the trigger that starts the first run.
type Scheduler struct {
	logger      *slog.Logger
	jobs        repository.SyncJobRepository
	memberships repository.MembershipRepository
	trigger     Trigger
}

func NewScheduler(
	logger *slog.Logger,
	jobs repository.SyncJobRepository,
	memberships repository.MembershipRepository,
	trigger Trigger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, jobs: jobs, memberships: memberships, trigger: trigger}
}

// Schedule creates a batch covering the targets ownerID may sync for one
// tax period (YYYY-MM). Unauthorized targets are dropped silently; the batch
// is created over whatever remains. Only when nothing remains does the call
// fail.
func (s *Scheduler) Schedule(ctx context.Context, ownerID uuid.UUID, period string, targetIDs []uuid.UUID) (*ScheduleResult, error) {
	if len(targetIDs) == 0 {
		return nil, fmt.Errorf("no targets requested: %w", common.ErrInvalidInput)
	}
	if _, err := time.Parse("2006-01", period); err != nil {
		return nil, fmt.Errorf("period %q is not YYYY-MM: %w", period, common.ErrInvalidInput)
	}

	authorized, err := s.memberships.FilterAuthorized(ctx, ownerID, dedupeIDs(targetIDs))
	if err != nil {
		return nil, fmt.Errorf("authorize targets: %w", err)
	}
	if dropped := len(dedupeIDs(targetIDs)) - len(authorized); dropped > 0 {
		s.logger.Warn("scheduler.targets.dropped", "owner_id", ownerID, "dropped", dropped)
	}
	if len(authorized) == 0 {
		return nil, fmt.Errorf("no authorized targets: %w", common.ErrUnauthorized)
	}

	batchID := uuid.New()
	created, err := s.jobs.CreateBatch(ctx, batchID, period, authorized)
	if err != nil {
		return nil, fmt.Errorf("create sync batch: %w", err)
	}

	s.logger.Info("scheduler.batch.created", "batch_id", batchID, "owner_id", ownerID, "period", period, "jobs", created)

	// The schedule call answers before any job runs; failure to dispatch
	// only delays the batch, it does not invalidate it.
	if err := s.trigger.TriggerRun(ctx, batchID.String()); err != nil {
		s.logger.Error("scheduler.trigger.failed", "batch_id", batchID, "err", err)
	}

	return &ScheduleResult{BatchID: batchID, TotalJobs: created}, nil
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
