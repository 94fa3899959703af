package portal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
	"github.com/agustin-herrera/taxdocs-tracker/internal/common"
	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
)

// jobStore is an in-memory SyncJobRepository with the same claim semantics
// as the SQL implementation.
type jobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*entity.SyncJob
	seq  int
}

func newJobStore() *jobStore {
	return &jobStore{jobs: make(map[uuid.UUID]*entity.SyncJob)}
}

func (s *jobStore) CreateBatch(_ context.Context, batchID uuid.UUID, period string, targetIDs []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := time.Now().UTC()
	for i, targetID := range targetIDs {
		s.seq++
		job := &entity.SyncJob{
			ID:        uuid.New(),
			BatchID:   batchID,
			TargetID:  targetID,
			Period:    period,
			Status:    constants.SyncStatusPending,
			CreatedAt: base.Add(time.Duration(s.seq+i) * time.Millisecond),
		}
		s.jobs[job.ID] = job
	}
	return len(targetIDs), nil
}

func (s *jobStore) GetByID(_ context.Context, id uuid.UUID) (*entity.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		return job, nil
	}
	return nil, common.ErrNotFound
}

func (s *jobStore) PendingForBatch(_ context.Context, batchID uuid.UUID, limit int) ([]*entity.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.SyncJob
	for _, job := range s.jobs {
		if job.BatchID == batchID && job.Status == constants.SyncStatusPending {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *jobStore) Claim(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != constants.SyncStatusPending {
		return false, nil
	}
	job.Status = constants.SyncStatusProcessing
	now := time.Now().UTC()
	job.StartedAt = &now
	return true, nil
}

func (s *jobStore) MarkCompleted(_ context.Context, id uuid.UUID, unitsSynced int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return common.ErrNotFound
	}
	job.Status = constants.SyncStatusCompleted
	job.UnitsSynced = unitsSynced
	return nil
}

func (s *jobStore) MarkError(_ context.Context, id uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return common.ErrNotFound
	}
	job.Status = constants.SyncStatusError
	job.ErrorMessage = &message
	return nil
}

func (s *jobStore) CountPending(_ context.Context, batchID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.BatchID == batchID && job.Status == constants.SyncStatusPending {
			n++
		}
	}
	return n, nil
}

func (s *jobStore) ReleaseStale(_ context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var batchIDs []uuid.UUID
	for _, job := range s.jobs {
		if job.Status != constants.SyncStatusProcessing || job.StartedAt == nil || !job.StartedAt.Before(olderThan) {
			continue
		}
		job.Status = constants.SyncStatusPending
		job.StartedAt = nil
		if !seen[job.BatchID] {
			seen[job.BatchID] = true
			batchIDs = append(batchIDs, job.BatchID)
		}
	}
	return batchIDs, nil
}

func (s *jobStore) Counts(_ context.Context, batchID uuid.UUID) (repository.BatchCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c repository.BatchCounts
	for _, job := range s.jobs {
		if job.BatchID != batchID {
			continue
		}
		c.Total++
		c.UnitsSynced += job.UnitsSynced
		switch job.Status {
		case constants.SyncStatusPending:
			c.Pending++
		case constants.SyncStatusProcessing:
			c.Processing++
		case constants.SyncStatusCompleted:
			c.Completed++
		case constants.SyncStatusError:
			c.Errors++
		}
	}
	return c, nil
}

type fakeSyncer struct {
	mu      sync.Mutex
	calls   int
	periods []string
	respond func(call int, targetID uuid.UUID) (SyncResult, error)
}

func (f *fakeSyncer) Sync(_ context.Context, targetID uuid.UUID, period string) (SyncResult, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.periods = append(f.periods, period)
	f.mu.Unlock()
	if f.respond == nil {
		return SyncResult{Success: true, UnitsSynced: 3}, nil
	}
	return f.respond(call, targetID)
}

type recordingTrigger struct {
	mu       sync.Mutex
	batchIDs []string
	err      error
}

func (t *recordingTrigger) TriggerRun(_ context.Context, batchID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.batchIDs = append(t.batchIDs, batchID)
	return nil
}

type fakeMemberships struct {
	allowed map[uuid.UUID]bool
}

func (m *fakeMemberships) FilterAuthorized(_ context.Context, _ uuid.UUID, targetIDs []uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, id := range targetIDs {
		if m.allowed[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *fakeMemberships) Grant(_ context.Context, _, targetID uuid.UUID) error {
	m.allowed[targetID] = true
	return nil
}

func targetIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

func TestRunnerDrainsBatchWithinBudget(t *testing.T) {
	jobs := newJobStore()
	batchID := uuid.New()
	_, err := jobs.CreateBatch(context.Background(), batchID, "2025-06",targetIDs(7))
	require.NoError(t, err)

	trigger := &recordingTrigger{}
	runner := NewRunner(nil, jobs, &fakeSyncer{}, trigger, 10*time.Second, 3)

	report, err := runner.RunBatch(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, 7, report.Processed)
	require.Zero(t, report.Errors)
	require.Zero(t, report.Remaining)
	require.False(t, report.HasMore)
	require.Empty(t, trigger.batchIDs)

	counts, err := jobs.Counts(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, 7, counts.Completed)
	require.Equal(t, 7*3, counts.UnitsSynced)
}

func TestRunnerStopsOnBudgetAndContinues(t *testing.T) {
	jobs := newJobStore()
	batchID := uuid.New()
	_, err := jobs.CreateBatch(context.Background(), batchID, "2025-06",targetIDs(5))
	require.NoError(t, err)

	trigger := &recordingTrigger{}
	runner := NewRunner(nil, jobs, &fakeSyncer{}, trigger, 10*time.Second, 2)

	// Advance the clock two seconds per observation so the 9s cutoff lands
	// after two jobs have been claimed.
	fake := time.Now()
	ticks := 0
	runner.now = func() time.Time {
		ticks++
		return fake.Add(time.Duration(ticks) * 2 * time.Second)
	}

	report, err := runner.RunBatch(context.Background(), batchID)
	require.NoError(t, err)
	require.True(t, report.HasMore)
	require.Greater(t, report.Remaining, 0)
	require.Equal(t, []string{batchID.String()}, trigger.batchIDs)
	require.Equal(t, 5, report.Processed+report.Remaining)
}

// Chained runs, each under its own budget, eventually drain any batch.
func TestRunnerContinuationChainDrainsBatch(t *testing.T) {
	jobs := newJobStore()
	batchID := uuid.New()
	_, err := jobs.CreateBatch(context.Background(), batchID, "2025-06",targetIDs(9))
	require.NoError(t, err)

	trigger := &recordingTrigger{}
	totalProcessed := 0
	for i := 0; i < 20; i++ {
		runner := NewRunner(nil, jobs, &fakeSyncer{}, trigger, 10*time.Second, 2)
		fake := time.Now()
		ticks := 0
		runner.now = func() time.Time {
			ticks++
			return fake.Add(time.Duration(ticks) * 2 * time.Second)
		}
		report, err := runner.RunBatch(context.Background(), batchID)
		require.NoError(t, err)
		totalProcessed += report.Processed
		if !report.HasMore {
			break
		}
	}
	require.Equal(t, 9, totalProcessed)

	counts, err := jobs.Counts(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, 9, counts.Completed)
	require.Zero(t, counts.Pending)
}

func TestRunnerRecordsPortalRejectionAsError(t *testing.T) {
	jobs := newJobStore()
	batchID := uuid.New()
	ids := targetIDs(2)
	_, err := jobs.CreateBatch(context.Background(), batchID, "2025-06",ids)
	require.NoError(t, err)

	// An HTTP 200 carrying success=false is still a failed job.
	syncer := &fakeSyncer{respond: func(call int, _ uuid.UUID) (SyncResult, error) {
		if call == 1 {
			return SyncResult{Success: false, ErrorMessage: "target suspended"}, nil
		}
		return SyncResult{Success: true, MissingConfiguration: map[string]bool{"portal_credentials": true}}, nil
	}}
	runner := NewRunner(nil, jobs, syncer, &recordingTrigger{}, 10*time.Second, 5)

	report, err := runner.RunBatch(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, 2, report.Processed)
	require.Equal(t, 2, report.Errors)

	counts, err := jobs.Counts(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, 2, counts.Errors)
	require.Zero(t, counts.Completed)
}

func TestRunnerTransportErrorMarksJobFailed(t *testing.T) {
	jobs := newJobStore()
	batchID := uuid.New()
	_, err := jobs.CreateBatch(context.Background(), batchID, "2025-06",targetIDs(1))
	require.NoError(t, err)

	syncer := &fakeSyncer{respond: func(int, uuid.UUID) (SyncResult, error) {
		return SyncResult{}, errors.New("connection refused")
	}}
	runner := NewRunner(nil, jobs, syncer, &recordingTrigger{}, 10*time.Second, 5)

	report, err := runner.RunBatch(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, 1, report.Errors)
	require.False(t, report.HasMore)
}

func TestSchedulerDropsUnauthorizedTargetsSilently(t *testing.T) {
	ownerID := uuid.New()
	allowed := targetIDs(2)
	denied := targetIDs(1)
	memberships := &fakeMemberships{allowed: map[uuid.UUID]bool{
		allowed[0]: true,
		allowed[1]: true,
	}}
	jobs := newJobStore()
	trigger := &recordingTrigger{}
	scheduler := NewScheduler(nil, jobs, memberships, trigger)

	result, err := scheduler.Schedule(context.Background(), ownerID, "2025-06", append(allowed, denied...))
	require.NoError(t, err)
	require.Equal(t, 2, result.TotalJobs)
	require.Equal(t, []string{result.BatchID.String()}, trigger.batchIDs)
}

func TestSchedulerStampsPeriodOnEveryJob(t *testing.T) {
	ownerID := uuid.New()
	ids := targetIDs(3)
	memberships := &fakeMemberships{allowed: map[uuid.UUID]bool{
		ids[0]: true, ids[1]: true, ids[2]: true,
	}}
	jobs := newJobStore()
	scheduler := NewScheduler(nil, jobs, memberships, &recordingTrigger{})

	result, err := scheduler.Schedule(context.Background(), ownerID, "2025-06", ids)
	require.NoError(t, err)

	pending, err := jobs.PendingForBatch(context.Background(), result.BatchID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, job := range pending {
		require.Equal(t, "2025-06", job.Period)
	}
}

func TestSchedulerRejectsMalformedPeriod(t *testing.T) {
	id := uuid.New()
	memberships := &fakeMemberships{allowed: map[uuid.UUID]bool{id: true}}
	scheduler := NewScheduler(nil, newJobStore(), memberships, &recordingTrigger{})

	for _, period := range []string{"", "June 2025", "2025-13", "2025/06"} {
		_, err := scheduler.Schedule(context.Background(), uuid.New(), period, []uuid.UUID{id})
		require.ErrorIs(t, err, common.ErrInvalidInput, "period %q", period)
	}
}

// The runner hands each job's stored period to the portal call.
func TestRunnerForwardsJobPeriodToPortal(t *testing.T) {
	jobs := newJobStore()
	batchID := uuid.New()
	_, err := jobs.CreateBatch(context.Background(), batchID, "2024-11", targetIDs(3))
	require.NoError(t, err)

	syncer := &fakeSyncer{}
	runner := NewRunner(nil, jobs, syncer, &recordingTrigger{}, 10*time.Second, 5)

	_, err = runner.RunBatch(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, []string{"2024-11", "2024-11", "2024-11"}, syncer.periods)
}

func TestSchedulerRejectsWhenNothingAuthorized(t *testing.T) {
	memberships := &fakeMemberships{allowed: map[uuid.UUID]bool{}}
	scheduler := NewScheduler(nil, newJobStore(), memberships, &recordingTrigger{})

	_, err := scheduler.Schedule(context.Background(), uuid.New(), "2025-06", targetIDs(3))
	require.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestSchedulerRejectsEmptyRequest(t *testing.T) {
	scheduler := NewScheduler(nil, newJobStore(), &fakeMemberships{}, &recordingTrigger{})
	_, err := scheduler.Schedule(context.Background(), uuid.New(), "2025-06", nil)
	require.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestSchedulerSurvivesTriggerFailure(t *testing.T) {
	id := uuid.New()
	memberships := &fakeMemberships{allowed: map[uuid.UUID]bool{id: true}}
	trigger := &recordingTrigger{err: errors.New("queue down")}
	scheduler := NewScheduler(nil, newJobStore(), memberships, trigger)

	result, err := scheduler.Schedule(context.Background(), uuid.New(), "2025-06", []uuid.UUID{id})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalJobs)
}

func TestAggregatorProgressCounts(t *testing.T) {
	jobs := newJobStore()
	batchID := uuid.New()
	_, err := jobs.CreateBatch(context.Background(), batchID, "2025-06",targetIDs(4))
	require.NoError(t, err)

	pending, err := jobs.PendingForBatch(context.Background(), batchID, 4)
	require.NoError(t, err)
	_, err = jobs.Claim(context.Background(), pending[0].ID)
	require.NoError(t, err)
	require.NoError(t, jobs.MarkCompleted(context.Background(), pending[0].ID, 5))
	_, err = jobs.Claim(context.Background(), pending[1].ID)
	require.NoError(t, err)
	require.NoError(t, jobs.MarkError(context.Background(), pending[1].ID, "boom"))
	_, err = jobs.Claim(context.Background(), pending[2].ID)
	require.NoError(t, err)

	agg := NewAggregator(jobs)
	progress, err := agg.Progress(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, 4, progress.Total)
	require.Equal(t, 1, progress.Pending)
	require.Equal(t, 1, progress.Processing)
	require.Equal(t, 1, progress.Completed)
	require.Equal(t, 1, progress.Errors)
	require.Equal(t, 5, progress.UnitsSynced)
	require.False(t, progress.Done)
	require.InEpsilon(t, 50.0, progress.Percent, 1e-9)
	// The snapshot is internally consistent.
	require.Equal(t, progress.Total, progress.Pending+progress.Processing+progress.Completed+progress.Errors)
}

func TestAggregatorUnknownBatchIsNotFound(t *testing.T) {
	agg := NewAggregator(newJobStore())
	_, err := agg.Progress(context.Background(), uuid.New())
	require.ErrorIs(t, err, common.ErrNotFound)
}
