package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"creative-job-scheduler/internal/telemetry"
	"creative-job-scheduler/internal/worker"
)

var (
	ErrHandoffTimeout = errors.New("handoff not acknowledged in time")
	ErrHandoffClosed  = errors.New("handoff closed")
)

// Trigger asks a worker to run one ProcessNext cycle. JobID names the job
// that prompted it, but the worker always claims the best pending job.
type Trigger struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handoff delivers triggers to workers. Submit returns nil once the transport
// has acknowledged the trigger.
type Handoff interface {
	Submit(ctx context.Context, t Trigger) error
}

// Processor is satisfied by *worker.Worker.
type Processor interface {
	ProcessNext(ctx context.Context) (worker.Outcome, error)
}

// LocalHandoff runs triggers on an in-process pool of goroutines fed by a
// bounded channel.
type LocalHandoff struct {
	proc       Processor
	triggers   chan Trigger
	workers    int
	ackTimeout time.Duration
	log        zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewLocalHandoff(proc Processor, workers, buffer int, ackTimeout time.Duration, log zerolog.Logger) *LocalHandoff {
	if workers < 1 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	if ackTimeout <= 0 {
		ackTimeout = 2 * time.Second
	}
	return &LocalHandoff{
		proc:       proc,
		triggers:   make(chan Trigger, buffer),
		workers:    workers,
		ackTimeout: ackTimeout,
		log:        log.With().Str("component", "local_handoff").Logger(),
	}
}

// Start launches the worker goroutines. ctx is passed to every ProcessNext.
func (h *LocalHandoff) Start(ctx context.Context) {
	for i := 0; i < h.workers; i++ {
		h.wg.Add(1)
		go func(id int) {
			defer h.wg.Done()
			for t := range h.triggers {
				telemetry.HandoffQueueDepth.Set(float64(len(h.triggers)))
				out, err := h.proc.ProcessNext(ctx)
				if err != nil {
					h.log.Error().Err(err).Int("worker", id).Str("trigger_id", t.ID).Msg("process next")
					continue
				}
				if out.Processed {
					h.log.Debug().Int("worker", id).Str("job_id", out.JobID).Str("status", string(out.Status)).Msg("trigger handled")
				}
			}
		}(i)
	}
}

// Submit enqueues t or fails with ErrHandoffTimeout when the buffer stays
// full for the ack timeout.
func (h *LocalHandoff) Submit(ctx context.Context, t Trigger) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHandoffClosed
	}
	timer := time.NewTimer(h.ackTimeout)
	defer timer.Stop()
	select {
	case h.triggers <- t:
		telemetry.HandoffQueueDepth.Set(float64(len(h.triggers)))
		return nil
	case <-timer.C:
		return ErrHandoffTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new triggers and waits for queued ones to drain.
func (h *LocalHandoff) Stop() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.triggers)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
