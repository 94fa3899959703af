// Package queue provides a Redis list-backed dispatch channel for batch run
// requests. The daemon pushes batch ids on one end and a consumer loop pops
// them on the other, which keeps run triggers durable across restarts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const runQueueKey = "taxdocs:sync:runs"

// RedisTrigger enqueues batch run requests onto a Redis list. It satisfies
// the portal Trigger interface.
type RedisTrigger struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisTrigger(client *redis.Client, logger *slog.Logger) *RedisTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTrigger{client: client, logger: logger}
}

func (t *RedisTrigger) TriggerRun(ctx context.Context, batchID string) error {
	if err := t.client.LPush(ctx, runQueueKey, batchID).Err(); err != nil {
		return fmt.Errorf("enqueue run for batch %s: %w", batchID, err)
	}
	t.logger.Debug("queue.run.enqueued", "batch_id", batchID)
	return nil
}

// Depth reports how many run requests are waiting.
func (t *RedisTrigger) Depth(ctx context.Context) (int64, error) {
	return t.client.LLen(ctx, runQueueKey).Result()
}

// Consumer pops run requests and hands each batch id to the handler. One
// handler call runs at a time; the self-continuation protocol re-enqueues
// anything a run could not finish.
type Consumer struct {
	client  *redis.Client
	logger  *slog.Logger
	handler func(ctx context.Context, batchID string)
}

func NewConsumer(client *redis.Client, logger *slog.Logger, handler func(ctx context.Context, batchID string)) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{client: client, logger: logger, handler: handler}
}

// Run blocks until ctx is canceled, popping run requests as they arrive.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("queue.consumer.start", "key", runQueueKey)
	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("queue.consumer.stop")
			return err
		}

		vals, err := c.client.BRPop(ctx, 5*time.Second, runQueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Info("queue.consumer.stop")
				return err
			}
			c.logger.Error("queue.consumer.pop_failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		// BRPop returns [key, value].
		if len(vals) != 2 {
			continue
		}
		batchID := vals[1]
		c.logger.Debug("queue.run.dequeued", "batch_id", batchID)
		c.handler(ctx, batchID)
	}
}
