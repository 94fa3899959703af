package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
	"github.com/agustin-herrera/taxdocs-tracker/internal/common"
	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
)

// BatchCounts is the per-status aggregate over one batch, always read from
// the persisted rows.
type BatchCounts struct {
	Total       int
	Pending     int
	Processing  int
	Completed   int
	Errors      int
	UnitsSynced int
}

type SyncJobRepository interface {
	// CreateBatch inserts one pending job per target under batchID, atomically.
	// Every job carries the batch's tax period.
	CreateBatch(ctx context.Context, batchID uuid.UUID, period string, targetIDs []uuid.UUID) (int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.SyncJob, error)
	// PendingForBatch returns up to limit pending jobs, oldest first.
	PendingForBatch(ctx context.Context, batchID uuid.UUID, limit int) ([]*entity.SyncJob, error)
	// Claim transitions pending -> processing. Reports false when the job was
	// already claimed or terminal, which makes double-running a batch a no-op.
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, unitsSynced int) error
	MarkError(ctx context.Context, id uuid.UUID, message string) error
	CountPending(ctx context.Context, batchID uuid.UUID) (int, error)
	Counts(ctx context.Context, batchID uuid.UUID) (BatchCounts, error)
	// ReleaseStale re-pends processing jobs claimed before olderThan and
	// returns the batch ids that regained pending work, so a restarted daemon
	// can recover batches orphaned by a crashed runner.
	ReleaseStale(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error)
}

type syncJobRepo struct {
	db  *sql.DB
	log *slog.Logger
}

func NewSyncJobRepository(db *sql.DB, log *slog.Logger) SyncJobRepository {
	return &syncJobRepo{db: db, log: log}
}

const syncJobColumns = `id, batch_id, target_id, period, status, error_message, units_synced, created_at, started_at, completed_at`

func (r *syncJobRepo) CreateBatch(ctx context.Context, batchID uuid.UUID, period string, targetIDs []uuid.UUID) (int, error) {
	if len(targetIDs) == 0 {
		return 0, common.ErrInvalidInput
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	now := time.Now().UTC()
	for i, targetID := range targetIDs {
		// Preserve scheduling order so the runner drains oldest-first.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_jobs (id, batch_id, target_id, period, status, units_synced, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6)
		`, uuid.New().String(), batchID.String(), targetID.String(), period,
			string(constants.SyncStatusPending), toMillis(now)+int64(i))
		if err != nil {
			r.log.Error("sync_job batch insert failed", "batch_id", batchID, "target_id", targetID, "err", err)
			return 0, fmt.Errorf("insert sync job: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	r.log.Info("sync_job batch created", "batch_id", batchID, "period", period, "jobs", len(targetIDs))
	return len(targetIDs), nil
}

func (r *syncJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.SyncJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = $1
	`, id.String())
	job, err := scanSyncJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return job, err
}

func (r *syncJobRepo) PendingForBatch(ctx context.Context, batchID uuid.UUID, limit int) ([]*entity.SyncJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+syncJobColumns+` FROM sync_jobs
		WHERE batch_id = $1 AND status = $2
		ORDER BY created_at ASC LIMIT $3
	`, batchID.String(), string(constants.SyncStatusPending), limit)
	if err != nil {
		r.log.Error("sync_job list pending failed", "batch_id", batchID, "err", err)
		return nil, err
	}
	defer rows.Close()

	var jobs []*entity.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *syncJobRepo) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4
	`, string(constants.SyncStatusProcessing), toMillis(time.Now()),
		id.String(), string(constants.SyncStatusPending))
	if err != nil {
		r.log.Error("sync_job claim failed", "job_id", id, "err", err)
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *syncJobRepo) MarkCompleted(ctx context.Context, id uuid.UUID, unitsSynced int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = $1, units_synced = $2, completed_at = $3, error_message = NULL
		WHERE id = $4 AND status = $5
	`, string(constants.SyncStatusCompleted), unitsSynced, toMillis(time.Now()),
		id.String(), string(constants.SyncStatusProcessing))
	if err != nil {
		r.log.Error("sync_job mark completed failed", "job_id", id, "err", err)
		return err
	}
	r.log.Info("sync_job completed", "job_id", id, "units_synced", unitsSynced)
	return nil
}

func (r *syncJobRepo) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = $1, error_message = $2, completed_at = $3
		WHERE id = $4 AND status = $5
	`, string(constants.SyncStatusError), message, toMillis(time.Now()),
		id.String(), string(constants.SyncStatusProcessing))
	if err != nil {
		r.log.Error("sync_job mark error failed", "job_id", id, "err", err)
		return err
	}
	r.log.Warn("sync_job errored", "job_id", id, "error", message)
	return nil
}

func (r *syncJobRepo) CountPending(ctx context.Context, batchID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_jobs WHERE batch_id = $1 AND status = $2
	`, batchID.String(), string(constants.SyncStatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func (r *syncJobRepo) Counts(ctx context.Context, batchID uuid.UUID) (BatchCounts, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(units_synced), 0)
		FROM sync_jobs WHERE batch_id = $1 GROUP BY status
	`, batchID.String())
	if err != nil {
		r.log.Error("sync_job counts failed", "batch_id", batchID, "err", err)
		return BatchCounts{}, err
	}
	defer rows.Close()

	var counts BatchCounts
	for rows.Next() {
		var status string
		var n, units int
		if err := rows.Scan(&status, &n, &units); err != nil {
			return BatchCounts{}, err
		}
		counts.Total += n
		counts.UnitsSynced += units
		switch constants.SyncStatus(status) {
		case constants.SyncStatusPending:
			counts.Pending = n
		case constants.SyncStatusProcessing:
			counts.Processing = n
		case constants.SyncStatusCompleted:
			counts.Completed = n
		case constants.SyncStatusError:
			counts.Errors = n
		}
	}
	return counts, rows.Err()
}

func (r *syncJobRepo) ReleaseStale(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT batch_id FROM sync_jobs
		WHERE status = $1 AND started_at < $2
	`, string(constants.SyncStatusProcessing), toMillis(olderThan))
	if err != nil {
		return nil, fmt.Errorf("list stale batches: %w", err)
	}
	var batchIDs []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("parse batch id: %w", err)
		}
		batchIDs = append(batchIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(batchIDs) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_jobs SET status = $1, started_at = NULL
		WHERE status = $2 AND started_at < $3
	`, string(constants.SyncStatusPending),
		string(constants.SyncStatusProcessing), toMillis(olderThan))
	if err != nil {
		return nil, fmt.Errorf("release stale jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit release: %w", err)
	}
	r.log.Warn("sync_job stale claims released", "batches", len(batchIDs))
	return batchIDs, nil
}

func scanSyncJob(row rowScanner) (*entity.SyncJob, error) {
	var (
		job         entity.SyncJob
		idStr       string
		batchStr    string
		targetStr   string
		status      string
		errMsg      sql.NullString
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&idStr, &batchStr, &targetStr, &job.Period, &status, &errMsg,
		&job.UnitsSynced, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	var err error
	if job.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	if job.BatchID, err = uuid.Parse(batchStr); err != nil {
		return nil, fmt.Errorf("parse batch id: %w", err)
	}
	if job.TargetID, err = uuid.Parse(targetStr); err != nil {
		return nil, fmt.Errorf("parse target id: %w", err)
	}
	job.Status = constants.SyncStatus(status)
	job.ErrorMessage = nullStr(errMsg)
	job.CreatedAt = fromMillis(createdAt)
	job.StartedAt = fromMillisNull(startedAt)
	job.CompletedAt = fromMillisNull(completedAt)
	return &job, nil
}
