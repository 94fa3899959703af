// Package dedupe detects and resolves duplicate tax records that slipped in
// through repeated uploads of the same certificate.
package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
)

// AssetStore removes stored document files. Cleanup is best effort and never
// blocks record deletion.
type AssetStore interface {
	Remove(ctx context.Context, path string) error
}

// DuplicateGroup is a set of two or more records considered the same document.
type DuplicateGroup struct {
	Key     string
	Records []*entity.TaxRecord
}

// Resolution names the survivor of a group and the records to remove.
type Resolution struct {
	KeepID    uuid.UUID
	DeleteIDs []uuid.UUID
}

type Engine struct {
	logger  *slog.Logger
	records repository.TaxRecordRepository
	assets  AssetStore
}

func NewEngine(logger *slog.Logger, records repository.TaxRecordRepository, assets AssetStore) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, records: records, assets: assets}
}

// FindDuplicates groups records by identity key. The certified code alone is
// a sufficient identity when present; otherwise issuer tax id, certificate
// number, and issue date must all match. Records with neither key are never
// grouped. Output order is deterministic: groups sorted by key, records
// within a group by creation time.
func FindDuplicates(records []*entity.TaxRecord) []DuplicateGroup {
	byKey := make(map[string][]*entity.TaxRecord)
	for _, rec := range records {
		key, ok := identityKey(rec)
		if !ok {
			continue
		}
		byKey[key] = append(byKey[key], rec)
	}

	groups := make([]DuplicateGroup, 0)
	for key, recs := range byKey {
		if len(recs) < 2 {
			continue
		}
		sort.Slice(recs, func(i, j int) bool {
			if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
				return recs[i].ID.String() < recs[j].ID.String()
			}
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		})
		groups = append(groups, DuplicateGroup{Key: key, Records: recs})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })
	return groups
}

func identityKey(rec *entity.TaxRecord) (string, bool) {
	if code := strings.TrimSpace(rec.CertifiedCode); code != "" {
		return "code:" + strings.ToUpper(code), true
	}
	taxID := strings.TrimSpace(rec.TaxID)
	number := strings.TrimSpace(rec.CertificateNumber)
	if taxID == "" || number == "" {
		return "", false
	}
	return fmt.Sprintf("cert:%s|%s|%s", taxID, strings.ToUpper(number), rec.IssueDate.UTC().Format("2006-01-02")), true
}

// Resolve picks the survivor: a confirmed record wins over extracted ones,
// ties broken by earliest creation. The input group must not be empty.
func Resolve(group DuplicateGroup) Resolution {
	keep := group.Records[0]
	for _, rec := range group.Records[1:] {
		if betterKeep(rec, keep) {
			keep = rec
		}
	}
	res := Resolution{KeepID: keep.ID}
	for _, rec := range group.Records {
		if rec.ID != keep.ID {
			res.DeleteIDs = append(res.DeleteIDs, rec.ID)
		}
	}
	return res
}

func betterKeep(a, b *entity.TaxRecord) bool {
	aConfirmed := a.Status == constants.RecordStatusConfirmed
	bConfirmed := b.Status == constants.RecordStatusConfirmed
	if aConfirmed != bConfirmed {
		return aConfirmed
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Deduplicate scans the owner's records, resolves every duplicate group, and
// deletes the losers. Running it again over a clean set is a no-op. Returns
// the number of records deleted.
func (e *Engine) Deduplicate(ctx context.Context, ownerID uuid.UUID) (int, error) {
	records, err := e.records.ListByOwner(ctx, ownerID, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("list records for dedupe: %w", err)
	}

	byID := make(map[uuid.UUID]*entity.TaxRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	deleted := 0
	for _, group := range FindDuplicates(records) {
		res := Resolve(group)
		e.logger.Info("dedupe.group",
			"owner_id", ownerID, "key", group.Key, "size", len(group.Records), "keep_id", res.KeepID)
		for _, id := range res.DeleteIDs {
			if err := e.records.Delete(ctx, id); err != nil {
				return deleted, fmt.Errorf("delete duplicate %s: %w", id, err)
			}
			deleted++
			e.cleanupAsset(byID[id])
		}
	}

	if deleted > 0 {
		e.logger.Info("dedupe.done", "owner_id", ownerID, "deleted", deleted)
	}
	return deleted, nil
}

// cleanupAsset removes the stored file in the background. A failure leaves an
// orphaned file behind, which is acceptable; the record deletion already won.
func (e *Engine) cleanupAsset(rec *entity.TaxRecord) {
	if e.assets == nil || rec == nil || rec.AssetPath == "" {
		return
	}
	path := rec.AssetPath
	id := rec.ID
	go func() {
		if err := e.assets.Remove(context.Background(), path); err != nil {
			e.logger.Warn("dedupe.asset_cleanup.failed", "record_id", id, "path", path, "err", err)
		}
	}()
}
