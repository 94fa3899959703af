package portal

import (
	"context"
	"log/slog"
)

// Trigger requests that a batch run be started or continued. Implementations
// must be cheap to call; the actual run happens elsewhere.
type Trigger interface {
	TriggerRun(ctx context.Context, batchID string) error
}

// GoTrigger runs batches in-process by handing the batch id to a callback on
// a fresh goroutine. It is the single-binary counterpart to a queue-backed
// trigger.
type GoTrigger struct {
	logger *slog.Logger
	run    func(ctx context.Context, batchID string)
}

func NewGoTrigger(logger *slog.Logger, run func(ctx context.Context, batchID string)) *GoTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoTrigger{logger: logger, run: run}
}

func (t *GoTrigger) TriggerRun(_ context.Context, batchID string) error {
	go func() {
		// Detached from the caller's context so a finished HTTP request
		// does not cancel the run it started.
		t.run(context.Background(), batchID)
	}()
	t.logger.Debug("trigger.dispatched", "batch_id", batchID)
	return nil
}
