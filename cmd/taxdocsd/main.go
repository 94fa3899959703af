package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agustin-herrera/taxdocs-tracker/internal/batch"
	"github.com/agustin-herrera/taxdocs-tracker/internal/common"
	"github.com/agustin-herrera/taxdocs-tracker/internal/extract"
	"github.com/agustin-herrera/taxdocs-tracker/internal/portal"
	"github.com/agustin-herrera/taxdocs-tracker/internal/queue"
	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
	"github.com/agustin-herrera/taxdocs-tracker/internal/server"
	"github.com/agustin-herrera/taxdocs-tracker/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenPostgres(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.HealthCheck(ctx, 3*time.Second); err != nil {
		logger.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(ctx); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}

	// Repositories
	itemsRepo := repository.NewQueueItemRepository(db.DB, logger)
	recordsRepo := repository.NewTaxRecordRepository(db.DB, logger)
	jobsRepo := repository.NewSyncJobRepository(db.DB, logger)
	membershipsRepo := repository.NewMembershipRepository(db.DB, logger)

	// Extraction pipeline
	extractor := extract.NewClient(extract.Config{
		BaseURL: cfg.Extractor.BaseURL,
		APIKey:  cfg.Extractor.APIKey,
		Model:   cfg.Extractor.Model,
		Timeout: cfg.Extractor.Timeout,
	}, logger)
	processor := batch.NewProcessor(logger, extractor, itemsRepo, recordsRepo, batch.Options{
		ConcurrencyLimit: cfg.Batch.ConcurrencyLimit,
		MaxRetries:       cfg.Batch.MaxRetries,
		RetryBaseDelay:   cfg.Batch.RetryBaseDelay,
		ChunkDelay:       cfg.Batch.ChunkDelay,
		ItemTimeout:      cfg.Batch.ItemTimeout,
	})
	worker := batch.NewWorker(logger, itemsRepo, processor, 5*time.Second, 50)

	// Sync pipeline: schedule writes jobs and pushes the batch id to Redis;
	// the consumer pops it and runs within the configured budget.
	trigger := queue.NewRedisTrigger(redisClient, logger)
	syncer := portal.NewClient(portal.ClientConfig{
		EndpointURL:    cfg.Sync.EndpointURL,
		APIKey:         cfg.Sync.APIKey,
		Mode:           cfg.Sync.Mode,
		RequestTimeout: cfg.Sync.RequestTimeout,
		RatePerSecond:  cfg.Sync.RatePerSecond,
		RateBurst:      cfg.Sync.RateBurst,
	}, logger)
	runner := portal.NewRunner(logger, jobsRepo, syncer, trigger, cfg.Sync.RunBudget, cfg.Sync.ClaimBatchSize)

	// Recover batches a crashed runner left mid-claim: re-pend their stale
	// jobs and re-trigger each batch so the chain resumes.
	if staleBatches, err := jobsRepo.ReleaseStale(ctx, time.Now().Add(-10*time.Minute)); err != nil {
		logger.Error("stale sync job recovery failed", "error", err)
	} else {
		for _, id := range staleBatches {
			if err := trigger.TriggerRun(ctx, id.String()); err != nil {
				logger.Error("failed to re-trigger recovered batch", "batch_id", id, "error", err)
			}
		}
	}
	scheduler := portal.NewScheduler(logger, jobsRepo, membershipsRepo, trigger)
	progress := portal.NewAggregator(jobsRepo)

	consumer := queue.NewConsumer(redisClient, logger, func(ctx context.Context, rawID string) {
		batchID, err := uuid.Parse(rawID)
		if err != nil {
			logger.Error("discarding malformed batch id", "raw", rawID, "error", err)
			return
		}
		if _, err := runner.RunBatch(ctx, batchID); err != nil {
			logger.Error("batch run failed", "batch_id", batchID, "error", err)
		}
	})

	srv := server.New(cfg.Server.HTTPAddr, logger, itemsRepo, scheduler, progress, db)

	errCh := make(chan error, 3)
	go func() { errCh <- worker.Run(ctx) }()
	go func() { errCh <- consumer.Run(ctx) }()
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("component failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	logger.Info("stopped")
}
