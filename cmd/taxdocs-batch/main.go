package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
	"github.com/agustin-herrera/taxdocs-tracker/internal/batch"
	"github.com/agustin-herrera/taxdocs-tracker/internal/common"
	"github.com/agustin-herrera/taxdocs-tracker/internal/dedupe"
	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
	"github.com/agustin-herrera/taxdocs-tracker/internal/export"
	"github.com/agustin-herrera/taxdocs-tracker/internal/extract"
	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
	"github.com/agustin-herrera/taxdocs-tracker/internal/store"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

var mediaTypeByExt = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".txt":  "text/plain",
}

func main() {
	var (
		inmem   = flag.Bool("inmem", false, "use in-memory SQLite database")
		dbPath  = flag.String("db", "", "SQLite database file (ignored with -inmem)")
		dir     = flag.String("dir", "", "directory to process documents from (required)")
		out     = flag.String("out", "", "output XLSX file path (optional, defaults to parent directory)")
		fromStr = flag.String("from", "", "from date YYYY-MM-DD")
		toStr   = flag.String("to", "", "to date YYYY-MM-DD")
	)
	flag.Parse()

	if *dir == "" {
		printError("Error: --dir is required\n")
		os.Exit(1)
	}
	if *out == "" {
		parentDir := filepath.Dir(*dir)
		*out = filepath.Join(parentDir, "withholdings.xlsx")
	}

	var from, to *time.Time
	if *fromStr != "" {
		if parsed, err := time.Parse("2006-01-02", *fromStr); err != nil {
			printError("Error: invalid --from date format, use YYYY-MM-DD: %v\n", err)
			os.Exit(1)
		} else {
			from = &parsed
		}
	}
	if *toStr != "" {
		if parsed, err := time.Parse("2006-01-02", *toStr); err != nil {
			printError("Error: invalid --to date format, use YYYY-MM-DD: %v\n", err)
			os.Exit(1)
		} else {
			to = &parsed
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()
	cfg := common.LoadConfig()

	path := *dbPath
	if *inmem {
		path = ""
	}
	db, err := store.OpenSQLite(path, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	itemsRepo := repository.NewQueueItemRepository(db.DB, logger)
	recordsRepo := repository.NewTaxRecordRepository(db.DB, logger)

	if cfg.Extractor.APIKey == "" {
		logger.Error("EXTRACTOR_API_KEY is required to parse documents")
		os.Exit(1)
	}
	extractor := extract.NewClient(extract.Config{
		BaseURL: cfg.Extractor.BaseURL,
		APIKey:  cfg.Extractor.APIKey,
		Model:   cfg.Extractor.Model,
		Timeout: cfg.Extractor.Timeout,
	}, logger)

	// Single owner for a local run.
	ownerID := uuid.New()
	logger.Info("using local owner", "id", ownerID)

	items, skipped, err := ingestDirectory(ctx, itemsRepo, ownerID, *dir, logger)
	if err != nil {
		logger.Error("failed to ingest directory", "error", err)
		os.Exit(1)
	}
	logger.Info("ingestion complete", "files_ingested", len(items), "skipped", skipped)

	processor := batch.NewProcessor(logger, extractor, itemsRepo, recordsRepo, batch.Options{
		ConcurrencyLimit: cfg.Batch.ConcurrencyLimit,
		MaxRetries:       cfg.Batch.MaxRetries,
		RetryBaseDelay:   cfg.Batch.RetryBaseDelay,
		ChunkDelay:       cfg.Batch.ChunkDelay,
		ItemTimeout:      cfg.Batch.ItemTimeout,
	})
	processed, err := processor.ProcessBatch(ctx, items, nil)
	if err != nil {
		logger.Error("batch processing failed", "error", err)
		os.Exit(1)
	}

	completed, review, failed := 0, 0, 0
	for _, item := range processed {
		switch item.Status {
		case constants.ItemStatusCompleted:
			completed++
		case constants.ItemStatusNeedsReview:
			review++
		default:
			failed++
		}
	}

	// Repeated files in the input land as duplicate records; collapse them.
	engine := dedupe.NewEngine(logger, recordsRepo, nil)
	removed, err := engine.Deduplicate(ctx, ownerID)
	if err != nil {
		logger.Error("deduplication failed", "error", err)
		os.Exit(1)
	}

	logger.Info("exporting to XLSX", "output", *out)
	exportService := export.NewService(recordsRepo, logger)
	xlsxBytes, err := exportService.ExportRecordsXLSX(ctx, ownerID, from, to)
	if err != nil {
		logger.Error("failed to export records", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, xlsxBytes, 0644); err != nil {
		logger.Error("failed to write output file", "error", err)
		os.Exit(1)
	}

	logger.Info("batch processing complete",
		"files_ingested", len(items),
		"completed", completed,
		"needs_review", review,
		"failed", failed,
		"duplicates_removed", removed,
		"output_file", *out)

	fmt.Printf("Batch processing complete!\n")
	fmt.Printf("- Files ingested: %d\n", len(items))
	fmt.Printf("- Completed: %d\n", completed)
	fmt.Printf("- Needs review: %d\n", review)
	fmt.Printf("- Failed: %d\n", failed)
	fmt.Printf("- Duplicates removed: %d\n", removed)
	fmt.Printf("- Output: %s\n", *out)
}

// ingestDirectory enqueues every supported file directly under dir. Files
// with an unknown extension or over the size cap are skipped with a log line.
func ingestDirectory(ctx context.Context, repo repository.QueueItemRepository, ownerID uuid.UUID, dir string, logger *slog.Logger) ([]*entity.QueueItem, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("read directory %s: %w", dir, err)
	}

	var items []*entity.QueueItem
	skipped := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		mediaType, ok := mediaTypeByExt[strings.ToLower(filepath.Ext(name))]
		if !ok {
			logger.Warn("skipping unsupported file", "file", name)
			skipped++
			continue
		}

		payload, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, skipped, fmt.Errorf("read %s: %w", name, err)
		}
		if len(payload) == 0 || len(payload) > constants.MaxDocumentBytes {
			logger.Warn("skipping file outside size limits", "file", name, "bytes", len(payload))
			skipped++
			continue
		}

		item := &entity.QueueItem{
			ID:        uuid.New(),
			OwnerID:   ownerID,
			FileName:  name,
			MediaType: mediaType,
			Payload:   payload,
			Status:    constants.ItemStatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.Enqueue(ctx, item); err != nil {
			return nil, skipped, fmt.Errorf("enqueue %s: %w", name, err)
		}
		items = append(items, item)
	}
	return items, skipped, nil
}
