package batch

import (
	"context"
	"log/slog"
	"time"

	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
)

// Worker polls the queue for pending items and hands them to the processor.
// One worker runs per daemon; concurrency lives inside ProcessBatch.
type Worker struct {
	logger     *slog.Logger
	items      repository.QueueItemRepository
	processor  *Processor
	interval   time.Duration
	fetchSize  int
	staleAfter time.Duration
}

func NewWorker(logger *slog.Logger, items repository.QueueItemRepository, processor *Processor, interval time.Duration, fetchSize int) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if fetchSize <= 0 {
		fetchSize = 50
	}
	return &Worker{
		logger:     logger,
		items:      items,
		processor:  processor,
		interval:   interval,
		fetchSize:  fetchSize,
		staleAfter: 10 * time.Minute,
	}
}

// Run polls until ctx is canceled. A drained poll waits the full interval;
// a full fetch polls again immediately to keep draining a backlog.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker.start", "interval", w.interval, "fetch_size", w.fetchSize)
	w.recoverStale(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		n, err := w.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker.stop")
				return ctx.Err()
			}
			w.logger.Error("worker.poll.failed", "err", err)
		}
		if n >= w.fetchSize {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Info("worker.stop")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// recoverStale re-pends items a previous process claimed but never finished,
// so a restart does not strand work in processing forever.
func (w *Worker) recoverStale(ctx context.Context) {
	released, err := w.items.ReleaseStale(ctx, time.Now().Add(-w.staleAfter))
	if err != nil {
		w.logger.Error("worker.recover.failed", "err", err)
		return
	}
	if released > 0 {
		w.logger.Warn("worker.recover.released", "items", released)
	}
}

func (w *Worker) poll(ctx context.Context) (int, error) {
	pending, err := w.items.ListPending(ctx, w.fetchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	w.logger.Debug("worker.poll", "pending", len(pending))
	if _, err := w.processor.ProcessBatch(ctx, pending, nil); err != nil {
		return len(pending), err
	}
	return len(pending), nil
}
