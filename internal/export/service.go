package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
)

// Service is a tiny façade over the records repository that produces XLSX
// bytes for exports.
type Service struct {
	records repository.TaxRecordRepository
	logger  *slog.Logger
}

func NewService(records repository.TaxRecordRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{records: records, logger: logger}
}

// ExportRecordsXLSX returns an XLSX workbook (as bytes) for the given owner and date window.
// If only from is provided -> from..today (inclusive).
// If only to is provided   -> beginning..to (inclusive).
// If neither is provided   -> all records for the owner.
func (s *Service) ExportRecordsXLSX(ctx context.Context, ownerID uuid.UUID, from, to *time.Time) ([]byte, error) {
	start := time.Now()

	// Normalize dates (date-only, UTC)
	var fromDate, toDate *time.Time
	if from != nil {
		f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
		fromDate = &f
	}
	if to != nil {
		t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
		toDate = &t
	}
	if fromDate != nil && toDate == nil {
		today := time.Now().UTC()
		t := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
		toDate = &t
	}

	recs, err := s.records.ListByOwner(ctx, ownerID, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Withholdings"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		_, err := f.NewSheet(sheet)
		if err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Issue Date",
		"Issuer Tax ID",
		"Issuer Name",
		"Certificate Number",
		"Certified Code",
		"Regime",
		"Total Amount",
		"Withheld Amount",
		"Currency",
		"Status",
		"Notes",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, r := range recs {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		if !r.IssueDate.IsZero() {
			write(1, r.IssueDate.Format("2006-01-02"))
		} else {
			write(1, "")
		}
		write(2, r.TaxID)
		write(3, r.IssuerName)
		write(4, r.CertificateNumber)
		write(5, r.CertifiedCode)
		write(6, r.Category)
		write(7, r.TotalAmount)
		write(8, r.WithheldAmount)
		write(9, r.CurrencyCode)
		write(10, string(r.Status))
		write(11, truncate(r.Description, 140))

		row++
	}

	// Widen a few columns
	_ = f.SetColWidth(sheet, "A", "A", 12) // date
	_ = f.SetColWidth(sheet, "B", "B", 16) // tax id
	_ = f.SetColWidth(sheet, "C", "C", 30) // issuer
	_ = f.SetColWidth(sheet, "D", "E", 20) // numbers
	_ = f.SetColWidth(sheet, "F", "F", 22) // regime
	_ = f.SetColWidth(sheet, "G", "H", 14) // amounts
	_ = f.SetColWidth(sheet, "K", "K", 48) // notes

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"owner_id", ownerID.String(),
		"rows", len(recs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
