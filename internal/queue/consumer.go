package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"creative-job-scheduler/internal/scheduler"
	"creative-job-scheduler/internal/telemetry"
)

// Consumer drains a RedisQueue, running one ProcessNext per trigger.
type Consumer struct {
	queue *RedisQueue
	proc  scheduler.Processor
	poll  time.Duration
	log   zerolog.Logger
}

func NewConsumer(q *RedisQueue, proc scheduler.Processor, poll time.Duration, log zerolog.Logger) *Consumer {
	if poll <= 0 {
		poll = time.Second
	}
	return &Consumer{
		queue: q,
		proc:  proc,
		poll:  poll,
		log:   log.With().Str("component", "redis_consumer").Logger(),
	}
}

// Run loops until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		handled, err := c.Step(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("consume trigger")
		}
		if handled && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

// Step reclaims expired leases, then handles at most one trigger. It reports
// whether a trigger was consumed.
func (c *Consumer) Step(ctx context.Context) (bool, error) {
	if reclaimed, err := c.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
		c.log.Warn().Err(err).Msg("requeue expired leases")
	} else if len(reclaimed) > 0 {
		c.log.Info().Int("count", len(reclaimed)).Msg("requeued expired triggers")
	}
	if depth, err := c.queue.ReadyDepth(ctx); err == nil {
		telemetry.HandoffQueueDepth.Set(float64(depth))
	}

	t, ok, err := c.queue.DequeueWithLease(ctx)
	if err != nil || !ok {
		return false, err
	}
	stop := c.holdLease(ctx, t.ID)
	out, procErr := c.proc.ProcessNext(ctx)
	stop()
	if procErr != nil {
		// Leave the lease in place; RequeueExpired hands the trigger out again.
		return true, procErr
	}
	if err := c.queue.Ack(ctx, t.ID); err != nil {
		return true, err
	}
	if out.Processed {
		c.log.Debug().Str("trigger_id", t.ID).Str("job_id", out.JobID).Str("status", string(out.Status)).Msg("trigger handled")
	}
	return true, nil
}

// holdLease extends the lease on id every third of the visibility timeout
// until the returned func is called, so a job that runs longer than the
// timeout is not handed to a second consumer.
func (c *Consumer) holdLease(ctx context.Context, id string) func() {
	visibility := c.queue.visibilityTTL
	if visibility <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(visibility / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.queue.ExtendLease(ctx, id, visibility); err != nil {
					c.log.Warn().Err(err).Str("trigger_id", id).Msg("extend lease")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
