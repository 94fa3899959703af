package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
	"github.com/agustin-herrera/taxdocs-tracker/internal/common"
	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
)

// QueueItemRepository persists ingestion work units and their status transitions.
type QueueItemRepository interface {
	Enqueue(ctx context.Context, item *entity.QueueItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.QueueItem, error)
	ListPending(ctx context.Context, limit int) ([]*entity.QueueItem, error)
	// MarkProcessing claims an item. It reports false when the item was not
	// claimable (already terminal or claimed by someone else).
	MarkProcessing(ctx context.Context, id uuid.UUID, attempts int) (bool, error)
	UpdateAttempts(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error
	FinishCompleted(ctx context.Context, id uuid.UUID, fields *entity.DocumentFields, confidence float64, warnings []string) error
	FinishNeedsReview(ctx context.Context, id uuid.UUID, fields *entity.DocumentFields, warnings []string) error
	FinishError(ctx context.Context, id uuid.UUID, attempts int, message string) error
	// ReleaseStale re-pends processing items claimed before olderThan,
	// recovering work orphaned by a crashed worker. Reports how many items
	// were released.
	ReleaseStale(ctx context.Context, olderThan time.Time) (int, error)
}

type queueItemRepo struct {
	db  *sql.DB
	log *slog.Logger
}

func NewQueueItemRepository(db *sql.DB, log *slog.Logger) QueueItemRepository {
	return &queueItemRepo{db: db, log: log}
}

const queueItemColumns = `id, owner_id, file_name, media_type, payload, status, fields_json, confidence, warnings_json, attempts, error_message, created_at, started_at, completed_at`

func (r *queueItemRepo) Enqueue(ctx context.Context, item *entity.QueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = constants.ItemStatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, owner_id, file_name, media_type, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID.String(), item.OwnerID.String(), item.FileName, item.MediaType, item.Payload,
		string(item.Status), item.Attempts, toMillis(item.CreatedAt))
	if err != nil {
		r.log.Error("queue_item enqueue failed", "item_id", item.ID, "err", err)
		return err
	}
	r.log.Info("queue_item enqueued", "item_id", item.ID, "owner_id", item.OwnerID, "file", item.FileName)
	return nil
}

func (r *queueItemRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.QueueItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+queueItemColumns+` FROM queue_items WHERE id = $1
	`, id.String())
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		r.log.Error("queue_item get failed", "item_id", id, "err", err)
		return nil, err
	}
	return item, nil
}

func (r *queueItemRepo) ListPending(ctx context.Context, limit int) ([]*entity.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+queueItemColumns+` FROM queue_items
		WHERE status = $1 ORDER BY created_at ASC LIMIT $2
	`, string(constants.ItemStatusPending), limit)
	if err != nil {
		r.log.Error("queue_item list pending failed", "err", err)
		return nil, err
	}
	defer rows.Close()

	var items []*entity.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *queueItemRepo) MarkProcessing(ctx context.Context, id uuid.UUID, attempts int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_items SET status = $1, attempts = $2, started_at = $3
		WHERE id = $4 AND status IN ($5, $6)
	`, string(constants.ItemStatusProcessing), attempts, toMillis(time.Now()),
		id.String(), string(constants.ItemStatusPending), string(constants.ItemStatusProcessing))
	if err != nil {
		r.log.Error("queue_item mark processing failed", "item_id", id, "err", err)
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *queueItemRepo) UpdateAttempts(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE queue_items SET attempts = $1, error_message = $2 WHERE id = $3
	`, attempts, lastErr, id.String())
	if err != nil {
		r.log.Error("queue_item update attempts failed", "item_id", id, "err", err)
	}
	return err
}

func (r *queueItemRepo) ReleaseStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_items SET status = $1, started_at = NULL
		WHERE status = $2 AND started_at < $3
	`, string(constants.ItemStatusPending),
		string(constants.ItemStatusProcessing), toMillis(olderThan))
	if err != nil {
		r.log.Error("queue_item release stale failed", "err", err)
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Warn("queue_item stale claims released", "items", n)
	}
	return int(n), nil
}

func (r *queueItemRepo) FinishCompleted(ctx context.Context, id uuid.UUID, fields *entity.DocumentFields, confidence float64, warnings []string) error {
	return r.finish(ctx, id, constants.ItemStatusCompleted, fields, &confidence, warnings, nil)
}

func (r *queueItemRepo) FinishNeedsReview(ctx context.Context, id uuid.UUID, fields *entity.DocumentFields, warnings []string) error {
	zero := 0.0
	return r.finish(ctx, id, constants.ItemStatusNeedsReview, fields, &zero, warnings, nil)
}

func (r *queueItemRepo) FinishError(ctx context.Context, id uuid.UUID, attempts int, message string) error {
	if err := r.UpdateAttempts(ctx, id, attempts, message); err != nil {
		return err
	}
	return r.finish(ctx, id, constants.ItemStatusError, nil, nil, nil, &message)
}

func (r *queueItemRepo) finish(ctx context.Context, id uuid.UUID, status constants.ItemStatus, fields *entity.DocumentFields, confidence *float64, warnings []string, msg *string) error {
	var fieldsJSON any
	if fields != nil {
		b, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
		fieldsJSON = string(b)
	}
	var warningsJSON any
	if len(warnings) > 0 {
		b, err := json.Marshal(warnings)
		if err != nil {
			return fmt.Errorf("marshal warnings: %w", err)
		}
		warningsJSON = string(b)
	}
	var conf any
	if confidence != nil {
		conf = *confidence
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = $1, fields_json = $2, confidence = $3, warnings_json = $4, error_message = $5, completed_at = $6
		WHERE id = $7
	`, string(status), fieldsJSON, conf, warningsJSON, strOrNil(msg), toMillis(time.Now()), id.String())
	if err != nil {
		r.log.Error("queue_item finish failed", "item_id", id, "status", status, "err", err)
		return err
	}
	r.log.Info("queue_item finished", "item_id", id, "status", status)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*entity.QueueItem, error) {
	var (
		item         entity.QueueItem
		idStr        string
		ownerStr     string
		status       string
		fieldsJSON   sql.NullString
		confidence   sql.NullFloat64
		warningsJSON sql.NullString
		errMsg       sql.NullString
		createdAt    int64
		startedAt    sql.NullInt64
		completedAt  sql.NullInt64
	)
	if err := row.Scan(&idStr, &ownerStr, &item.FileName, &item.MediaType, &item.Payload,
		&status, &fieldsJSON, &confidence, &warningsJSON, &item.Attempts, &errMsg,
		&createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	var err error
	if item.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse item id: %w", err)
	}
	if item.OwnerID, err = uuid.Parse(ownerStr); err != nil {
		return nil, fmt.Errorf("parse owner id: %w", err)
	}
	item.Status = constants.ItemStatus(status)
	if fieldsJSON.Valid {
		var f entity.DocumentFields
		if err := json.Unmarshal([]byte(fieldsJSON.String), &f); err != nil {
			return nil, fmt.Errorf("unmarshal fields: %w", err)
		}
		item.Fields = &f
	}
	if confidence.Valid {
		item.Confidence = &confidence.Float64
	}
	if warningsJSON.Valid {
		if err := json.Unmarshal([]byte(warningsJSON.String), &item.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	item.ErrorMessage = nullStr(errMsg)
	item.CreatedAt = fromMillis(createdAt)
	item.StartedAt = fromMillisNull(startedAt)
	item.CompletedAt = fromMillisNull(completedAt)
	return &item, nil
}
