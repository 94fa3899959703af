package export

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
	"github.com/agustin-herrera/taxdocs-tracker/internal/store"
)

func seedRecords(t *testing.T) (repository.TaxRecordRepository, uuid.UUID) {
	t.Helper()
	logger := slog.Default()
	st, err := store.OpenSQLite("", logger)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(context.Background()))

	repo := repository.NewTaxRecordRepository(st.DB, logger)
	ownerID := uuid.New()
	for _, f := range []entity.DocumentFields{
		{TaxID: "20-12345678-6", IssuerName: "Acme SA", IssueDate: "2025-03-10",
			TotalAmount: "1000.00", WithheldAmount: "105.00", CertifiedCode: "71234567890123"},
		{TaxID: "20-12345678-6", IssuerName: "Beta SRL", IssueDate: "2025-05-02",
			TotalAmount: "500.00", WithheldAmount: "30.00"},
	} {
		_, err := repo.CreateFromFields(context.Background(), &repository.CreateRecordRequest{
			OwnerID:      ownerID,
			Fields:       f,
			CategoryName: "Services",
		})
		require.NoError(t, err)
	}
	return repo, ownerID
}

func TestExportRecordsXLSX(t *testing.T) {
	repo, ownerID := seedRecords(t)
	svc := NewService(repo, nil)

	out, err := svc.ExportRecordsXLSX(context.Background(), ownerID, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	f, err := excelize.OpenReader(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Withholdings")
	require.NoError(t, err)
	require.Len(t, rows, 3) // header plus two records
	require.Equal(t, "Issue Date", rows[0][0])
	require.Equal(t, "Issuer Name", rows[0][2])

	issuers := []string{rows[1][2], rows[2][2]}
	require.Contains(t, issuers, "Acme SA")
	require.Contains(t, issuers, "Beta SRL")
}

func TestExportRecordsXLSXWindowFilters(t *testing.T) {
	repo, ownerID := seedRecords(t)
	svc := NewService(repo, nil)

	from := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)
	out, err := svc.ExportRecordsXLSX(context.Background(), ownerID, &from, &to)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Withholdings")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "Beta SRL", rows[1][2])
}

func TestExportRecordsXLSXEmptyOwner(t *testing.T) {
	repo, _ := seedRecords(t)
	svc := NewService(repo, nil)

	out, err := svc.ExportRecordsXLSX(context.Background(), uuid.New(), nil, nil)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Withholdings")
	require.NoError(t, err)
	require.Len(t, rows, 1) // header only
}
