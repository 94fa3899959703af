package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
)

// CreateRecordRequest wraps parameters for publishing an admitted document.
type CreateRecordRequest struct {
	OwnerID      uuid.UUID
	SourceItemID uuid.UUID
	Fields       entity.DocumentFields
	CategoryName string
	AssetPath    string
}

type TaxRecordRepository interface {
	CreateFromFields(ctx context.Context, request *CreateRecordRequest) (*entity.TaxRecord, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, fromDate, toDate *time.Time) ([]*entity.TaxRecord, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.TaxRecord, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type taxRecordRepo struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewTaxRecordRepository(db *sql.DB, logger *slog.Logger) TaxRecordRepository {
	return &taxRecordRepo{db: db, logger: logger}
}

const recordColumns = `id, owner_id, source_item_id, tax_id, issuer_name, certificate_number, certified_code, issue_date, total_amount, withheld_amount, category, currency_code, description, status, asset_path, created_at`

func (r *taxRecordRepo) CreateFromFields(ctx context.Context, request *CreateRecordRequest) (*entity.TaxRecord, error) {
	f := request.Fields

	issueDate, err := time.ParseInLocation("2006-01-02", f.IssueDate, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parse issue date: %w", err)
	}

	dec := func(s string) float64 {
		if s == "" {
			return 0
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return v
	}

	rec := &entity.TaxRecord{
		ID:                uuid.New(),
		OwnerID:           request.OwnerID,
		TaxID:             f.TaxID,
		IssuerName:        f.IssuerName,
		CertificateNumber: f.CertificateNumber,
		CertifiedCode:     f.CertifiedCode,
		IssueDate:         issueDate,
		TotalAmount:       dec(f.TotalAmount),
		WithheldAmount:    dec(f.WithheldAmount),
		Category:          request.CategoryName,
		CurrencyCode:      f.CurrencyCode,
		Description:       f.Description,
		Status:            constants.RecordStatusExtracted,
		AssetPath:         request.AssetPath,
		CreatedAt:         time.Now().UTC(),
	}
	if request.SourceItemID != uuid.Nil {
		src := request.SourceItemID
		rec.SourceItemID = &src
	}

	var sourceID any
	if rec.SourceItemID != nil {
		sourceID = rec.SourceItemID.String()
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tax_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, rec.ID.String(), rec.OwnerID.String(), sourceID, rec.TaxID, rec.IssuerName,
		rec.CertificateNumber, rec.CertifiedCode, toMillis(rec.IssueDate), rec.TotalAmount,
		rec.WithheldAmount, rec.Category, rec.CurrencyCode, rec.Description,
		string(rec.Status), rec.AssetPath, toMillis(rec.CreatedAt))
	if err != nil {
		r.logger.Error("tax_record create failed", "owner_id", rec.OwnerID, "err", err)
		return nil, err
	}
	r.logger.Info("tax_record created", "record_id", rec.ID, "issuer", rec.IssuerName, "total", rec.TotalAmount)
	return rec, nil
}

func (r *taxRecordRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, fromDate, toDate *time.Time) ([]*entity.TaxRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM tax_records WHERE owner_id = $1`
	args := []any{ownerID.String()}
	if fromDate != nil {
		args = append(args, toMillis(*fromDate))
		query += fmt.Sprintf(" AND issue_date >= $%d", len(args))
	}
	if toDate != nil {
		args = append(args, toMillis(*toDate))
		query += fmt.Sprintf(" AND issue_date <= $%d", len(args))
	}
	query += " ORDER BY issue_date ASC, created_at ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to list tax records", "owner_id", ownerID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var recs []*entity.TaxRecord
	for rows.Next() {
		rec, err := scanTaxRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (r *taxRecordRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.TaxRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM tax_records WHERE id = $1
	`, id.String())
	return scanTaxRecord(row)
}

func (r *taxRecordRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tax_records WHERE id = $1`, id.String())
	if err != nil {
		r.logger.Error("tax_record delete failed", "record_id", id, "err", err)
		return err
	}
	r.logger.Info("tax_record deleted", "record_id", id)
	return nil
}

func scanTaxRecord(row rowScanner) (*entity.TaxRecord, error) {
	var (
		rec       entity.TaxRecord
		idStr     string
		ownerStr  string
		srcStr    sql.NullString
		issueDate int64
		status    string
		createdAt int64
	)
	if err := row.Scan(&idStr, &ownerStr, &srcStr, &rec.TaxID, &rec.IssuerName,
		&rec.CertificateNumber, &rec.CertifiedCode, &issueDate, &rec.TotalAmount,
		&rec.WithheldAmount, &rec.Category, &rec.CurrencyCode, &rec.Description,
		&status, &rec.AssetPath, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if rec.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse record id: %w", err)
	}
	if rec.OwnerID, err = uuid.Parse(ownerStr); err != nil {
		return nil, fmt.Errorf("parse owner id: %w", err)
	}
	if srcStr.Valid {
		src, err := uuid.Parse(srcStr.String)
		if err != nil {
			return nil, fmt.Errorf("parse source item id: %w", err)
		}
		rec.SourceItemID = &src
	}
	rec.IssueDate = fromMillis(issueDate)
	rec.Status = constants.RecordStatus(status)
	rec.CreatedAt = fromMillis(createdAt)
	return &rec, nil
}
