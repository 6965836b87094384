// Package queue provides durable at-least-once job queues on Redis lists.
//
// Each logical queue is a list; consumers claim jobs with BLMOVE into a
// per-queue processing list and acknowledge with LREM after the handler
// returns. A crash between claim and ack leaves the job in the processing
// list, where the requeue sweep returns it to the main queue. Handlers
// must therefore be idempotent; every consumer here keys on natural ids
// (txHash:logIndex, group keys) so redelivery collapses.
//
// Failed jobs retry with exponential backoff up to a cap, then park on a
// dead-letter list for inspection.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Logical queue names.
const (
	QueueReconcile   = "copytrader:reconcile"
	QueueIngestPost  = "copytrader:ingest-post"
	QueueCopyAttempt = "copytrader:copy-attempt"
)

const (
	claimTimeout   = 2 * time.Second
	maxAttempts    = 5
	baseRetryDelay = time.Second
	maxRetryDelay  = 30 * time.Second
	requeueSweep   = time.Minute
)

// Job is the envelope stored on the list.
type Job struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Handler processes one job payload. A returned error schedules a retry.
type Handler func(ctx context.Context, payload []byte) error

// Client wraps the Redis connection for all three queues.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient connects to the broker at the given URL.
func NewClient(url string, logger *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Client{
		rdb:    redis.NewClient(opts),
		logger: logger.With("component", "queue"),
	}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping reports broker connectivity for the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Enqueue serializes payload and pushes a new job.
func (c *Client) Enqueue(ctx context.Context, queue string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	job := Job{
		ID:         uuid.NewString(),
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}
	return c.push(ctx, queue, job)
}

func (c *Client) push(ctx context.Context, queue string, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := c.rdb.LPush(ctx, queue, data).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", queue, err)
	}
	return nil
}

// Depth returns pending and in-flight counts for a queue.
func (c *Client) Depth(ctx context.Context, queue string) (pending, processing int64, err error) {
	pending, err = c.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen %s: %w", queue, err)
	}
	processing, err = c.rdb.LLen(ctx, processingList(queue)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen %s processing: %w", queue, err)
	}
	return pending, processing, nil
}

// Consume claims and processes jobs until ctx is cancelled. Run one
// Consume goroutine per unit of desired concurrency; the copy-attempt
// queue runs exactly one to keep per-scope decisions FIFO.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) {
	logger := c.logger.With("queue", queue)
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := c.rdb.BLMove(ctx, queue, processingList(queue), "RIGHT", "LEFT", claimTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Error("claim job", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.process(ctx, queue, raw, handler, logger)
	}
}

func (c *Client) process(ctx context.Context, queue, raw string, handler Handler, logger *slog.Logger) {
	ack := func() {
		if err := c.rdb.LRem(ctx, processingList(queue), 1, raw).Err(); err != nil {
			logger.Error("ack job", "error", err)
		}
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		logger.Error("malformed job, dropping", "error", err)
		ack()
		return
	}

	if err := handler(ctx, job.Payload); err != nil {
		ack()
		c.retry(ctx, queue, job, err, logger)
		return
	}
	ack()
}

func (c *Client) retry(ctx context.Context, queue string, job Job, cause error, logger *slog.Logger) {
	job.Attempts++
	if job.Attempts >= maxAttempts {
		logger.Error("job exhausted retries, parking on dead letter",
			"job", job.ID, "attempts", job.Attempts, "error", cause)
		if err := c.push(ctx, deadLetterList(queue), job); err != nil {
			logger.Error("park dead letter", "job", job.ID, "error", err)
		}
		return
	}

	delay := baseRetryDelay << (job.Attempts - 1)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	logger.Warn("job failed, retrying", "job", job.ID, "attempt", job.Attempts,
		"delay", delay, "error", cause)

	// Delayed requeue without blocking the consumer loop.
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := c.push(context.WithoutCancel(ctx), queue, job); err != nil {
			logger.Error("requeue job", "job", job.ID, "error", err)
		}
	}()
}

// RequeueStuck sweeps each processing list back onto its queue. Called on
// startup to recover jobs orphaned by a crash mid-claim.
func (c *Client) RequeueStuck(ctx context.Context, queues ...string) {
	for _, q := range queues {
		moved := 0
		for {
			_, err := c.rdb.LMove(ctx, processingList(q), q, "RIGHT", "LEFT").Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					c.logger.Error("requeue stuck jobs", "queue", q, "error", err)
				}
				break
			}
			moved++
		}
		if moved > 0 {
			c.logger.Info("requeued stuck jobs", "queue", q, "count", moved)
		}
	}
}

func processingList(queue string) string { return queue + ":processing" }
func deadLetterList(queue string) string { return queue + ":dead" }
