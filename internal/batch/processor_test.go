package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
	"github.com/agustin-herrera/taxdocs-tracker/internal/common"
	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
	"github.com/agustin-herrera/taxdocs-tracker/internal/extract"
	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
)

// goodFields passes every gate check.
var goodFields = entity.DocumentFields{
	TaxID:          "20-12345678-6",
	IssuerName:     "Acme Construcciones SA",
	IssueDate:      time.Now().UTC().AddDate(0, -1, 0).Format("2006-01-02"),
	TotalAmount:    "10000.00",
	WithheldAmount: "1050.00",
	Category:       "services",
}

type fakeExtractor struct {
	mu          sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
	// respond decides the outcome of the nth call (1-based).
	respond func(call int) (entity.DocumentFields, error)
}

func (f *fakeExtractor) ExtractFields(ctx context.Context, _ extract.ExtractRequest) (entity.DocumentFields, []byte, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.respond == nil {
		return goodFields, nil, nil
	}
	fields, err := f.respond(call)
	return fields, nil, err
}

type fakeItemsRepo struct {
	mu           sync.Mutex
	statuses     map[uuid.UUID]constants.ItemStatus
	attempts     map[uuid.UUID]int
	finished     map[uuid.UUID]constants.ItemStatus
	staleCutoffs []time.Time
}

func newFakeItemsRepo(items []*entity.QueueItem) *fakeItemsRepo {
	r := &fakeItemsRepo{
		statuses: make(map[uuid.UUID]constants.ItemStatus),
		attempts: make(map[uuid.UUID]int),
		finished: make(map[uuid.UUID]constants.ItemStatus),
	}
	for _, item := range items {
		r.statuses[item.ID] = item.Status
	}
	return r
}

func (r *fakeItemsRepo) Enqueue(context.Context, *entity.QueueItem) error { return nil }
func (r *fakeItemsRepo) GetByID(context.Context, uuid.UUID) (*entity.QueueItem, error) {
	return nil, common.ErrNotFound
}
func (r *fakeItemsRepo) ListPending(context.Context, int) ([]*entity.QueueItem, error) {
	return nil, nil
}

func (r *fakeItemsRepo) ReleaseStale(_ context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staleCutoffs = append(r.staleCutoffs, olderThan)
	return 0, nil
}

func (r *fakeItemsRepo) MarkProcessing(_ context.Context, id uuid.UUID, attempts int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[id]
	if !ok || status.Terminal() {
		return false, nil
	}
	r.statuses[id] = constants.ItemStatusProcessing
	r.attempts[id] = attempts
	return true, nil
}

func (r *fakeItemsRepo) UpdateAttempts(_ context.Context, id uuid.UUID, attempts int, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[id] = attempts
	return nil
}

func (r *fakeItemsRepo) FinishCompleted(_ context.Context, id uuid.UUID, _ *entity.DocumentFields, _ float64, _ []string) error {
	return r.finish(id, constants.ItemStatusCompleted)
}

func (r *fakeItemsRepo) FinishNeedsReview(_ context.Context, id uuid.UUID, _ *entity.DocumentFields, _ []string) error {
	return r.finish(id, constants.ItemStatusNeedsReview)
}

func (r *fakeItemsRepo) FinishError(_ context.Context, id uuid.UUID, attempts int, _ string) error {
	r.mu.Lock()
	r.attempts[id] = attempts
	r.mu.Unlock()
	return r.finish(id, constants.ItemStatusError)
}

func (r *fakeItemsRepo) finish(id uuid.UUID, status constants.ItemStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.finished[id]; done {
		return errors.New("item finished twice")
	}
	r.finished[id] = status
	r.statuses[id] = status
	return nil
}

type fakeRecordsRepo struct {
	mu      sync.Mutex
	created []*repository.CreateRecordRequest
	fail    error
}

func (r *fakeRecordsRepo) CreateFromFields(_ context.Context, req *repository.CreateRecordRequest) (*entity.TaxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	r.created = append(r.created, req)
	return &entity.TaxRecord{ID: uuid.New(), OwnerID: req.OwnerID}, nil
}

func (r *fakeRecordsRepo) ListByOwner(context.Context, uuid.UUID, *time.Time, *time.Time) ([]*entity.TaxRecord, error) {
	return nil, nil
}
func (r *fakeRecordsRepo) GetByID(context.Context, uuid.UUID) (*entity.TaxRecord, error) {
	return nil, common.ErrNotFound
}
func (r *fakeRecordsRepo) Delete(context.Context, uuid.UUID) error { return nil }

func pendingItems(n int) []*entity.QueueItem {
	items := make([]*entity.QueueItem, n)
	for i := range items {
		items[i] = &entity.QueueItem{
			ID:        uuid.New(),
			OwnerID:   uuid.New(),
			FileName:  "doc.pdf",
			MediaType: "application/pdf",
			Payload:   []byte("payload"),
			Status:    constants.ItemStatusPending,
			CreatedAt: time.Now().UTC(),
		}
	}
	return items
}

// newTestProcessor wires a processor whose sleeps return immediately but are
// recorded for assertions.
func newTestProcessor(ext *fakeExtractor, items *fakeItemsRepo, records *fakeRecordsRepo, opts Options) (*Processor, *[]time.Duration) {
	p := NewProcessor(nil, ext, items, records, opts)
	var mu sync.Mutex
	sleeps := &[]time.Duration{}
	p.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		*sleeps = append(*sleeps, d)
		mu.Unlock()
		return nil
	}
	return p, sleeps
}

func TestProcessBatchChunksAndPaces(t *testing.T) {
	items := pendingItems(12)
	ext := &fakeExtractor{}
	repo := newFakeItemsRepo(items)
	records := &fakeRecordsRepo{}
	p, sleeps := newTestProcessor(ext, repo, records, Options{
		ConcurrencyLimit: 5,
		ChunkDelay:       time.Second,
	})

	out, err := p.ProcessBatch(context.Background(), items, nil)
	require.NoError(t, err)
	require.Len(t, out, 12)

	// 12 items at a limit of 5 make three chunks with two pauses between them.
	require.Equal(t, []time.Duration{time.Second, time.Second}, *sleeps)
	require.Equal(t, 12, ext.calls)
	require.LessOrEqual(t, ext.maxInFlight, 5)
	require.Len(t, records.created, 12)
	for _, item := range out {
		require.Equal(t, constants.ItemStatusCompleted, item.Status)
	}
}

func TestProcessBatchRetriesTransientWithBackoff(t *testing.T) {
	items := pendingItems(1)
	ext := &fakeExtractor{respond: func(call int) (entity.DocumentFields, error) {
		if call <= 2 {
			return entity.DocumentFields{}, common.Transient(errors.New("portal timeout"))
		}
		return goodFields, nil
	}}
	repo := newFakeItemsRepo(items)
	records := &fakeRecordsRepo{}
	p, sleeps := newTestProcessor(ext, repo, records, Options{
		ConcurrencyLimit: 1,
		MaxRetries:       3,
		RetryBaseDelay:   2 * time.Second,
	})

	out, err := p.ProcessBatch(context.Background(), items, nil)
	require.NoError(t, err)
	require.Equal(t, constants.ItemStatusCompleted, out[0].Status)
	require.Equal(t, 3, out[0].Attempts)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *sleeps)
	require.Len(t, records.created, 1)
}

func TestProcessBatchPermanentErrorDoesNotRetry(t *testing.T) {
	items := pendingItems(1)
	ext := &fakeExtractor{respond: func(int) (entity.DocumentFields, error) {
		return entity.DocumentFields{}, errors.New("schema validation failed")
	}}
	repo := newFakeItemsRepo(items)
	p, sleeps := newTestProcessor(ext, repo, &fakeRecordsRepo{}, Options{
		ConcurrencyLimit: 1,
		MaxRetries:       3,
	})

	out, err := p.ProcessBatch(context.Background(), items, nil)
	require.NoError(t, err)
	require.Equal(t, constants.ItemStatusError, out[0].Status)
	require.Equal(t, 1, out[0].Attempts)
	require.Equal(t, 1, ext.calls)
	require.Empty(t, *sleeps)
}

func TestProcessBatchExhaustsRetries(t *testing.T) {
	items := pendingItems(1)
	ext := &fakeExtractor{respond: func(int) (entity.DocumentFields, error) {
		return entity.DocumentFields{}, common.Transient(errors.New("still down"))
	}}
	repo := newFakeItemsRepo(items)
	p, _ := newTestProcessor(ext, repo, &fakeRecordsRepo{}, Options{
		ConcurrencyLimit: 1,
		MaxRetries:       2,
	})

	out, err := p.ProcessBatch(context.Background(), items, nil)
	require.NoError(t, err)
	require.Equal(t, constants.ItemStatusError, out[0].Status)
	// maxRetries plus the initial attempt, never more.
	require.Equal(t, 3, out[0].Attempts)
	require.Equal(t, 3, ext.calls)
	require.NotNil(t, out[0].ErrorMessage)
}

func TestProcessBatchCriticalFailureParksForReview(t *testing.T) {
	bad := goodFields
	bad.TaxID = "" // critical gate failure
	items := pendingItems(1)
	ext := &fakeExtractor{respond: func(int) (entity.DocumentFields, error) {
		return bad, nil
	}}
	repo := newFakeItemsRepo(items)
	records := &fakeRecordsRepo{}
	p, _ := newTestProcessor(ext, repo, records, Options{ConcurrencyLimit: 1, MaxRetries: 3})

	out, err := p.ProcessBatch(context.Background(), items, nil)
	require.NoError(t, err)
	require.Equal(t, constants.ItemStatusNeedsReview, out[0].Status)
	require.NotNil(t, out[0].Confidence)
	require.Equal(t, 0.0, *out[0].Confidence)
	// A gate rejection is not an extraction failure: exactly one attempt,
	// and nothing is published.
	require.Equal(t, 1, ext.calls)
	require.Empty(t, records.created)
}

func TestProcessBatchSkipsItemsItCannotClaim(t *testing.T) {
	items := pendingItems(2)
	items[1].Status = constants.ItemStatusCompleted
	ext := &fakeExtractor{}
	repo := newFakeItemsRepo(items)
	records := &fakeRecordsRepo{}
	p, _ := newTestProcessor(ext, repo, records, Options{ConcurrencyLimit: 2})

	_, err := p.ProcessBatch(context.Background(), items, nil)
	require.NoError(t, err)
	require.Equal(t, 1, ext.calls)
	require.Len(t, records.created, 1)
}

func TestProcessBatchEmitsTerminalProgressOnce(t *testing.T) {
	items := pendingItems(6)
	ext := &fakeExtractor{}
	repo := newFakeItemsRepo(items)
	p, _ := newTestProcessor(ext, repo, &fakeRecordsRepo{}, Options{ConcurrencyLimit: 3})

	var events []ProgressEvent
	_, err := p.ProcessBatch(context.Background(), items, func(ev ProgressEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	terminal := make(map[uuid.UUID]int)
	for _, ev := range events {
		if ev.Status.Terminal() {
			terminal[ev.ItemID]++
		}
	}
	require.Len(t, terminal, 6)
	for id, n := range terminal {
		require.Equal(t, 1, n, "item %s", id)
	}
}

func TestProcessBatchPublishFailureMarksError(t *testing.T) {
	items := pendingItems(1)
	ext := &fakeExtractor{}
	repo := newFakeItemsRepo(items)
	records := &fakeRecordsRepo{fail: errors.New("disk full")}
	p, _ := newTestProcessor(ext, repo, records, Options{ConcurrencyLimit: 1})

	out, err := p.ProcessBatch(context.Background(), items, nil)
	require.NoError(t, err)
	require.Equal(t, constants.ItemStatusError, out[0].Status)
	require.Contains(t, *out[0].ErrorMessage, "publish record")
}
