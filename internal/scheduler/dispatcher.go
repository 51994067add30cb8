package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"creative-job-scheduler/internal/jobs"
	"creative-job-scheduler/internal/store"
	"creative-job-scheduler/internal/telemetry"
)

const (
	MaxBatch     = 10
	statusWindow = 24 * time.Hour
)

// Dispatcher selects pending jobs and hands one trigger per job to workers.
// It never changes job state itself.
type Dispatcher struct {
	store   store.Store
	handoff Handoff
	backend string
	batch   int
	log     zerolog.Logger
	now     func() time.Time
}

func NewDispatcher(s store.Store, h Handoff, backend string, batch int, log zerolog.Logger) *Dispatcher {
	if batch < 1 {
		batch = 1
	}
	if batch > MaxBatch {
		batch = MaxBatch
	}
	return &Dispatcher{
		store:   s,
		handoff: h,
		backend: backend,
		batch:   batch,
		log:     log.With().Str("component", "dispatcher").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type TickResult struct {
	PendingJobsCount int      `json:"pendingJobsCount"`
	Dispatched       int      `json:"dispatched"`
	JobIDs           []string `json:"jobIds,omitempty"`
	Message          string   `json:"message"`
	HandoffErrors    []string `json:"handoffErrors,omitempty"`
}

// Tick hands the current best pending jobs to the handoff in dispatch order.
func (d *Dispatcher) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	defer func() { telemetry.DispatcherTickDuration.Observe(time.Since(start).Seconds()) }()

	pending, err := d.store.ListPending(ctx, d.batch)
	if err != nil {
		return TickResult{}, fmt.Errorf("list pending jobs: %w", err)
	}
	telemetry.DispatcherPending.Set(float64(len(pending)))
	if len(pending) == 0 {
		return TickResult{Message: "no pending jobs"}, nil
	}

	res := TickResult{PendingJobsCount: len(pending)}
	for _, job := range pending {
		t := Trigger{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			Priority:   job.Priority,
			EnqueuedAt: d.now(),
		}
		err := d.handoff.Submit(ctx, t)
		telemetry.ObserveHandoff(d.backend, err)
		if err != nil {
			d.log.Warn().Err(err).Str("job_id", job.ID).Str("backend", d.backend).Msg("handoff failed")
			res.HandoffErrors = append(res.HandoffErrors, fmt.Sprintf("%s: %v", job.ID, err))
			continue
		}
		res.Dispatched++
		res.JobIDs = append(res.JobIDs, job.ID)
	}
	res.Message = fmt.Sprintf("dispatched %d of %d pending jobs", res.Dispatched, len(pending))
	d.log.Info().Int("pending", len(pending)).Int("dispatched", res.Dispatched).Msg("tick")
	return res, nil
}

// Status counts jobs by status over the trailing 24 hours.
func (d *Dispatcher) Status(ctx context.Context) (jobs.Stats, error) {
	counts, err := d.store.CountByStatus(ctx, store.CountFilter{Since: d.now().Add(-statusWindow)})
	if err != nil {
		return jobs.Stats{}, fmt.Errorf("count jobs: %w", err)
	}
	return jobs.StatsFromCounts(counts), nil
}

// Run ticks every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				d.log.Error().Err(err).Msg("tick failed")
			}
		}
	}
}
