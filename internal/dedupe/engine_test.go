package dedupe

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
	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
)

func record(mod func(*entity.TaxRecord)) *entity.TaxRecord {
	r := &entity.TaxRecord{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		TaxID:     "20123456786",
		Status:    constants.RecordStatusExtracted,
		IssueDate: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		CreatedAt: time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC),
	}
	if mod != nil {
		mod(r)
	}
	return r
}

func TestFindDuplicatesByCertifiedCode(t *testing.T) {
	a := record(func(r *entity.TaxRecord) { r.CertifiedCode = "71234567890123" })
	b := record(func(r *entity.TaxRecord) {
		r.CertifiedCode = "71234567890123"
		r.TaxID = "27000000000" // differing secondary fields do not matter
	})
	c := record(func(r *entity.TaxRecord) { r.CertifiedCode = "99999999999999" })

	groups := FindDuplicates([]*entity.TaxRecord{a, b, c})
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Records, 2)
}

func TestFindDuplicatesByCompoundKey(t *testing.T) {
	a := record(func(r *entity.TaxRecord) { r.CertificateNumber = "0001-00042" })
	b := record(func(r *entity.TaxRecord) { r.CertificateNumber = "0001-00042" })
	differentDay := record(func(r *entity.TaxRecord) {
		r.CertificateNumber = "0001-00042"
		r.IssueDate = r.IssueDate.AddDate(0, 0, 1)
	})

	groups := FindDuplicates([]*entity.TaxRecord{a, b, differentDay})
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Records, 2)
}

func TestFindDuplicatesIgnoresUnkeyedRecords(t *testing.T) {
	// No certified code and no certificate number: never groupable, even
	// when every other field matches.
	a := record(nil)
	b := record(nil)
	require.Empty(t, FindDuplicates([]*entity.TaxRecord{a, b}))
}

func TestResolvePrefersConfirmed(t *testing.T) {
	older := record(func(r *entity.TaxRecord) { r.CertifiedCode = "X1" })
	confirmed := record(func(r *entity.TaxRecord) {
		r.CertifiedCode = "X1"
		r.Status = constants.RecordStatusConfirmed
		r.CreatedAt = older.CreatedAt.Add(time.Hour)
	})

	groups := FindDuplicates([]*entity.TaxRecord{older, confirmed})
	require.Len(t, groups, 1)
	res := Resolve(groups[0])
	require.Equal(t, confirmed.ID, res.KeepID)
	require.Equal(t, []uuid.UUID{older.ID}, res.DeleteIDs)
}

func TestResolvePrefersEarliestWhenNoneConfirmed(t *testing.T) {
	first := record(func(r *entity.TaxRecord) { r.CertifiedCode = "X2" })
	later := record(func(r *entity.TaxRecord) {
		r.CertifiedCode = "X2"
		r.CreatedAt = first.CreatedAt.Add(time.Minute)
	})

	res := Resolve(FindDuplicates([]*entity.TaxRecord{later, first})[0])
	require.Equal(t, first.ID, res.KeepID)
}

// recordStore is an in-memory TaxRecordRepository good enough for the engine.
type recordStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*entity.TaxRecord
}

func newRecordStore(recs ...*entity.TaxRecord) *recordStore {
	s := &recordStore{records: make(map[uuid.UUID]*entity.TaxRecord)}
	for _, r := range recs {
		s.records[r.ID] = r
	}
	return s
}

func (s *recordStore) CreateFromFields(context.Context, *repository.CreateRecordRequest) (*entity.TaxRecord, error) {
	return nil, errors.New("not implemented")
}

func (s *recordStore) ListByOwner(_ context.Context, ownerID uuid.UUID, _, _ *time.Time) ([]*entity.TaxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.TaxRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *recordStore) GetByID(_ context.Context, id uuid.UUID) (*entity.TaxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		return r, nil
	}
	return nil, common.ErrNotFound
}

func (s *recordStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

type flakyAssets struct {
	mu      sync.Mutex
	removed []string
	err     error
	done    chan struct{}
}

func (a *flakyAssets) Remove(_ context.Context, path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, path)
	if a.done != nil {
		close(a.done)
		a.done = nil
	}
	return a.err
}

func TestDeduplicateRemovesLosersAndIsIdempotent(t *testing.T) {
	keep := record(func(r *entity.TaxRecord) {
		r.CertifiedCode = "DUP"
		r.Status = constants.RecordStatusConfirmed
	})
	lose := record(func(r *entity.TaxRecord) {
		r.CertifiedCode = "DUP"
		r.OwnerID = keep.OwnerID
		r.CreatedAt = keep.CreatedAt.Add(time.Hour)
	})
	store := newRecordStore(keep, lose)
	engine := NewEngine(nil, store, nil)

	deleted, err := engine.Deduplicate(context.Background(), keep.OwnerID)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
	_, err = store.GetByID(context.Background(), keep.ID)
	require.NoError(t, err)
	_, err = store.GetByID(context.Background(), lose.ID)
	require.ErrorIs(t, err, common.ErrNotFound)

	// Second pass over the already-clean set changes nothing.
	deleted, err = engine.Deduplicate(context.Background(), keep.OwnerID)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestDeduplicateAssetCleanupFailureDoesNotBlock(t *testing.T) {
	keep := record(func(r *entity.TaxRecord) { r.CertifiedCode = "DUP2" })
	lose := record(func(r *entity.TaxRecord) {
		r.CertifiedCode = "DUP2"
		r.OwnerID = keep.OwnerID
		r.CreatedAt = keep.CreatedAt.Add(time.Hour)
		r.AssetPath = "/blobs/dup2.pdf"
	})
	store := newRecordStore(keep, lose)
	assets := &flakyAssets{err: errors.New("blob store down"), done: make(chan struct{})}
	done := assets.done
	engine := NewEngine(nil, store, assets)

	deleted, err := engine.Deduplicate(context.Background(), keep.OwnerID)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("asset cleanup never ran")
	}
	require.Equal(t, []string{"/blobs/dup2.pdf"}, assets.removed)
}
