// Package batch drives queued documents through extraction and validation
// with bounded concurrency, chunk pacing, and exponential retry backoff.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
	"github.com/agustin-herrera/taxdocs-tracker/internal/common"
	"github.com/agustin-herrera/taxdocs-tracker/internal/confidence"
	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
	"github.com/agustin-herrera/taxdocs-tracker/internal/extract"
	"github.com/agustin-herrera/taxdocs-tracker/internal/repository"
	"github.com/agustin-herrera/taxdocs-tracker/internal/telemetry"
)

// Options tunes the processor.
type Options struct {
	ConcurrencyLimit int           // items processed in parallel within one chunk
	MaxRetries       int           // transient retries after the first attempt
	RetryBaseDelay   time.Duration // backoff base: base * 2^(attempt-1)
	ChunkDelay       time.Duration // pause between chunks for external rate limits
	ItemTimeout      time.Duration // per-attempt extraction deadline
}

func (o *Options) normalize() {
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = 5
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 2 * time.Second
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = 2 * time.Minute
	}
}

// ProgressEvent is emitted when an item changes state: on claim, on each
// retry, and exactly once at the terminal state.
type ProgressEvent struct {
	ItemID     uuid.UUID
	Status     constants.ItemStatus
	Attempt    int
	Confidence *float64
	Warnings   []string
	Err        string
}

// ProgressFunc receives progress events. Calls are serialized.
type ProgressFunc func(ProgressEvent)

// Processor coordinates extraction, the confidence gate, and persistence.
type Processor struct {
	logger      *slog.Logger
	extractor   extract.FieldExtractor
	itemsRepo   repository.QueueItemRepository
	recordsRepo repository.TaxRecordRepository
	opts        Options

	// sleep is swappable so tests can observe pacing without waiting it out.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewProcessor(
	logger *slog.Logger,
	extractor extract.FieldExtractor,
	itemsRepo repository.QueueItemRepository,
	recordsRepo repository.TaxRecordRepository,
	opts Options,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	opts.normalize()
	return &Processor{
		logger:      logger,
		extractor:   extractor,
		itemsRepo:   itemsRepo,
		recordsRepo: recordsRepo,
		opts:        opts,
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

// ProcessBatch partitions items into consecutive chunks of the concurrency
// limit and settles each chunk fully before starting the next. An error in
// one item never aborts its siblings; the returned items carry final states.
func (p *Processor) ProcessBatch(ctx context.Context, items []*entity.QueueItem, onProgress ProgressFunc) ([]*entity.QueueItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	emit := serializeProgress(onProgress)

	limit := p.opts.ConcurrencyLimit
	chunks := 0
	for start := 0; start < len(items); start += limit {
		end := start + limit
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]
		chunks++

		p.logger.Debug("processor.chunk.start", "chunk", chunks, "size", len(chunk))

		var wg sync.WaitGroup
		for _, item := range chunk {
			wg.Add(1)
			go func(item *entity.QueueItem) {
				defer wg.Done()
				p.processItem(ctx, item, emit)
			}(item)
		}
		wg.Wait()

		if end < len(items) && p.opts.ChunkDelay > 0 {
			if err := p.sleep(ctx, p.opts.ChunkDelay); err != nil {
				return items, err
			}
		}
	}

	p.logger.Info("processor.batch.done", "items", len(items), "chunks", chunks)
	return items, nil
}

// processItem runs the retry loop for one item and persists its terminal
// state. Safe to run twice for the same id: a second claim on a terminal
// item is refused by the store and the item is skipped.
func (p *Processor) processItem(ctx context.Context, item *entity.QueueItem, emit ProgressFunc) {
	attempt := 1
	claimed, err := p.itemsRepo.MarkProcessing(ctx, item.ID, attempt)
	if err != nil {
		p.logger.Error("processor.claim.failed", "item_id", item.ID, "err", err)
		return
	}
	if !claimed {
		p.logger.Debug("processor.claim.skipped", "item_id", item.ID)
		return
	}
	item.Status = constants.ItemStatusProcessing
	item.Attempts = attempt
	telemetry.ItemsInFlight.Inc()
	defer telemetry.ItemsInFlight.Dec()
	emit(ProgressEvent{ItemID: item.ID, Status: constants.ItemStatusProcessing, Attempt: attempt})

	maxAttempts := p.opts.MaxRetries + 1
	var lastErr error
	for {
		fields, _, err := p.extractOnce(ctx, item)
		if err == nil {
			p.settle(ctx, item, fields, emit)
			return
		}
		lastErr = err

		if !common.IsTransient(err) || attempt >= maxAttempts {
			break
		}

		backoff := p.opts.RetryBaseDelay * (1 << (attempt - 1))
		attempt++
		item.Attempts = attempt
		telemetry.ItemRetries.Inc()
		if uerr := p.itemsRepo.UpdateAttempts(ctx, item.ID, attempt, err.Error()); uerr != nil {
			p.logger.Error("processor.attempts.update_failed", "item_id", item.ID, "err", uerr)
		}
		emit(ProgressEvent{ItemID: item.ID, Status: constants.ItemStatusProcessing, Attempt: attempt, Err: err.Error()})
		p.logger.Warn("processor.extract.retry",
			"item_id", item.ID, "attempt", attempt, "backoff", backoff, "err", err)

		if serr := p.sleep(ctx, backoff); serr != nil {
			lastErr = serr
			break
		}
	}

	msg := lastErr.Error()
	item.Status = constants.ItemStatusError
	item.ErrorMessage = &msg
	telemetry.ItemsErrored.Inc()
	if err := p.itemsRepo.FinishError(ctx, item.ID, item.Attempts, msg); err != nil {
		p.logger.Error("processor.finish.error_failed", "item_id", item.ID, "err", err)
	}
	p.logger.Error("processor.item.failed", "item_id", item.ID, "attempts", item.Attempts, "err", msg)
	emit(ProgressEvent{ItemID: item.ID, Status: constants.ItemStatusError, Attempt: item.Attempts, Err: msg})
}

func (p *Processor) extractOnce(ctx context.Context, item *entity.QueueItem) (entity.DocumentFields, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.opts.ItemTimeout)
	defer cancel()
	return p.extractor.ExtractFields(attemptCtx, extract.ExtractRequest{
		Payload:      item.Payload,
		MediaType:    item.MediaType,
		FileNameHint: item.FileName,
	})
}

// settle applies the confidence gate to a successful extraction. A critical
// failure parks the item in needs_review without publishing; otherwise the
// record is persisted and the item completes.
func (p *Processor) settle(ctx context.Context, item *entity.QueueItem, fields entity.DocumentFields, emit ProgressFunc) {
	gate := confidence.Evaluate(fields, p.now())
	item.Fields = &fields
	item.Warnings = gate.Warnings

	if gate.CriticalFailure() {
		zero := 0.0
		item.Status = constants.ItemStatusNeedsReview
		item.Confidence = &zero
		telemetry.ItemsNeedsReview.Inc()
		if err := p.itemsRepo.FinishNeedsReview(ctx, item.ID, &fields, gate.Warnings); err != nil {
			p.logger.Error("processor.finish.review_failed", "item_id", item.ID, "err", err)
		}
		p.logger.Warn("processor.item.needs_review",
			"item_id", item.ID, "warnings", gate.Warnings)
		emit(ProgressEvent{ItemID: item.ID, Status: constants.ItemStatusNeedsReview, Attempt: item.Attempts, Confidence: &zero, Warnings: gate.Warnings})
		return
	}

	canon, _ := constants.Canonicalize(fields.Category)
	if _, err := p.recordsRepo.CreateFromFields(ctx, &repository.CreateRecordRequest{
		OwnerID:      item.OwnerID,
		SourceItemID: item.ID,
		Fields:       fields,
		CategoryName: string(canon),
	}); err != nil {
		msg := fmt.Sprintf("publish record: %v", err)
		item.Status = constants.ItemStatusError
		item.ErrorMessage = &msg
		telemetry.ItemsErrored.Inc()
		if ferr := p.itemsRepo.FinishError(ctx, item.ID, item.Attempts, msg); ferr != nil {
			p.logger.Error("processor.finish.error_failed", "item_id", item.ID, "err", ferr)
		}
		emit(ProgressEvent{ItemID: item.ID, Status: constants.ItemStatusError, Attempt: item.Attempts, Err: msg})
		return
	}

	conf := gate.Confidence
	item.Status = constants.ItemStatusCompleted
	item.Confidence = &conf
	telemetry.ItemsCompleted.Inc()
	if err := p.itemsRepo.FinishCompleted(ctx, item.ID, &fields, conf, gate.Warnings); err != nil {
		p.logger.Error("processor.finish.completed_failed", "item_id", item.ID, "err", err)
	}
	p.logger.Info("processor.item.completed",
		"item_id", item.ID, "confidence", conf, "warnings", len(gate.Warnings))
	emit(ProgressEvent{ItemID: item.ID, Status: constants.ItemStatusCompleted, Attempt: item.Attempts, Confidence: &conf, Warnings: gate.Warnings})
}

func serializeProgress(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(ProgressEvent) {}
	}
	var mu sync.Mutex
	return func(ev ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		fn(ev)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
