package portal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
	"github.com/agustin-herrera/taxdocs-tracker/internal/telemetry"
)

// RunReport summarizes one runner invocation over a batch.
type RunReport struct {
	Processed int
	Errors    int
	Remaining int
	// HasMore is set when the runner stopped on its time budget and
	// dispatched a continuation for the pending remainder.
	HasMore bool
}

// Runner drains a batch's pending jobs within a fixed time budget. When the
// budget runs out before the batch does, the runner triggers itself again
// for the same batch and returns, so arbitrarily large batches finish as a
// chain of bounded runs.
type Runner struct {
	logger  *slog.Logger
	jobs    repository.SyncJobRepository
	syncer  Syncer
	trigger Trigger

	budget    time.Duration
	claimSize int
	now       func() time.Time
}

func NewRunner(
	logger *slog.Logger,
	jobs repository.SyncJobRepository,
	syncer Syncer,
	trigger Trigger,
	budget time.Duration,
	claimSize int,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if budget <= 0 {
		budget = 50 * time.Second
	}
	if claimSize <= 0 {
		claimSize = 20
	}
	return &Runner{
		logger:    logger,
		jobs:      jobs,
		syncer:    syncer,
		trigger:   trigger,
		budget:    budget,
		claimSize: claimSize,
		now:       time.Now,
	}
}

// RunBatch processes pending jobs oldest first until the batch drains or the
// elapsed time crosses the safety threshold. Claiming is conditional, so two
// runners racing over the same batch never process a job twice.
func (r *Runner) RunBatch(ctx context.Context, batchID uuid.UUID) (RunReport, error) {
	start := r.now()
	cutoff := time.Duration(float64(r.budget) * 0.9)
	report := RunReport{}

	r.logger.Info("runner.batch.start", "batch_id", batchID, "budget", r.budget)

claim:
	for {
		if r.now().Sub(start) >= cutoff {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		pending, err := r.jobs.PendingForBatch(ctx, batchID, r.claimSize)
		if err != nil {
			return report, fmt.Errorf("list pending jobs: %w", err)
		}
		if len(pending) == 0 {
			break
		}

		for _, job := range pending {
			if r.now().Sub(start) >= cutoff {
				break claim
			}
			claimed, err := r.jobs.Claim(ctx, job.ID)
			if err != nil {
				return report, fmt.Errorf("claim job %s: %w", job.ID, err)
			}
			if !claimed {
				continue
			}
			r.runJob(ctx, job, &report)
		}
	}

	remaining, err := r.jobs.CountPending(ctx, batchID)
	if err != nil {
		return report, fmt.Errorf("count pending jobs: %w", err)
	}
	report.Remaining = remaining

	if remaining > 0 {
		report.HasMore = true
		telemetry.RunnerContinuations.Inc()
		if err := r.trigger.TriggerRun(ctx, batchID.String()); err != nil {
			// The continuation is lost until something re-triggers the
			// batch; surface that loudly.
			r.logger.Error("runner.continuation.failed", "batch_id", batchID, "remaining", remaining, "err", err)
		} else {
			r.logger.Info("runner.continuation.dispatched", "batch_id", batchID, "remaining", remaining)
		}
	}

	r.logger.Info("runner.batch.done",
		"batch_id", batchID, "processed", report.Processed, "errors", report.Errors,
		"remaining", report.Remaining, "elapsed", r.now().Sub(start))
	return report, nil
}

func (r *Runner) runJob(ctx context.Context, job *entity.SyncJob, report *RunReport) {
	result, err := r.syncer.Sync(ctx, job.TargetID, job.Period)
	switch {
	case err != nil:
		report.Errors++
		telemetry.JobsErrored.Inc()
		if merr := r.jobs.MarkError(ctx, job.ID, err.Error()); merr != nil {
			r.logger.Error("runner.job.mark_error_failed", "job_id", job.ID, "err", merr)
		}
		r.logger.Error("runner.job.failed", "job_id", job.ID, "target_id", job.TargetID, "err", err)
	case result.Failed():
		report.Errors++
		telemetry.JobsErrored.Inc()
		reason := result.FailureReason()
		if merr := r.jobs.MarkError(ctx, job.ID, reason); merr != nil {
			r.logger.Error("runner.job.mark_error_failed", "job_id", job.ID, "err", merr)
		}
		r.logger.Warn("runner.job.rejected", "job_id", job.ID, "target_id", job.TargetID, "reason", reason)
	default:
		telemetry.JobsSynced.Inc()
		if merr := r.jobs.MarkCompleted(ctx, job.ID, result.UnitsSynced); merr != nil {
			r.logger.Error("runner.job.mark_completed_failed", "job_id", job.ID, "err", merr)
		}
		r.logger.Info("runner.job.completed", "job_id", job.ID, "target_id", job.TargetID, "units", result.UnitsSynced)
	}
	report.Processed++
}
