package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"creative-job-scheduler/internal/models"
	"creative-job-scheduler/internal/store"
	"creative-job-scheduler/internal/telemetry"
)

// ProgressFunc lets a handler report completion percentage. Values that
// would move progress backwards are ignored by the store.
type ProgressFunc func(percent int)

// Handler executes a job of one type and returns its result object.
type Handler func(ctx context.Context, job models.Job, report ProgressFunc) (map[string]any, error)

// Outcome describes what one ProcessNext call did.
type Outcome struct {
	Processed      bool             `json:"processed"`
	JobID          string           `json:"jobId,omitempty"`
	Status         models.JobStatus `json:"status,omitempty"`
	ProcessingTime int64            `json:"processingTime"` // milliseconds
	Stale          bool             `json:"stale,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// recordTimeout bounds each outcome write once the handler has returned.
const recordTimeout = 10 * time.Second

// Worker claims one pending job at a time and runs its handler.
type Worker struct {
	store      store.Store
	log        zerolog.Logger
	jobTimeout time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	handlers map[models.JobType]Handler
}

func New(s store.Store, log zerolog.Logger, jobTimeout time.Duration) *Worker {
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	return &Worker{
		store:      s,
		log:        log.With().Str("component", "worker").Logger(),
		jobTimeout: jobTimeout,
		now:        func() time.Time { return time.Now().UTC() },
		handlers:   make(map[models.JobType]Handler),
	}
}

// RegisterHandler binds a handler to a job type.
func (w *Worker) RegisterHandler(jobType models.JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = handler
}

func (w *Worker) handler(jobType models.JobType) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// ProcessNext claims the best pending job, runs it and records the result.
// An error is returned only when the claim itself fails; problems while
// recording the outcome are logged and reported in Outcome.Error.
//
// Only the claim and the handler observe ctx. Once a job is claimed its
// outcome is written even if ctx is cancelled, so the job never stays in
// processing.
func (w *Worker) ProcessNext(ctx context.Context) (Outcome, error) {
	job, ok, err := w.store.ClaimNext(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim next job: %w", err)
	}
	if !ok {
		return Outcome{Processed: false}, nil
	}
	log := w.log.With().Str("job_id", job.ID).Str("type", string(job.Type)).Logger()
	log.Info().Int("priority", job.Priority).Msg("job claimed")
	w.record(ctx, job.ID, models.EventClaimed, "")

	start := w.now()
	result, runErr := w.run(ctx, job)
	finished := w.now()
	elapsed := finished.Sub(start)

	out := Outcome{Processed: true, JobID: job.ID, ProcessingTime: elapsed.Milliseconds()}

	wctx, cancel := w.detached(ctx)
	defer cancel()
	var applied bool
	if runErr == nil {
		began := start
		if job.StartedAt != nil {
			began = *job.StartedAt
		}
		applied, err = w.store.Complete(wctx, job.ID, store.Completion{
			Result:         result,
			CompletedAt:    finished,
			ActualDuration: int(math.Round(finished.Sub(began).Seconds())),
		})
		out.Status = models.StatusCompleted
	} else {
		log.Warn().Err(runErr).Msg("job failed")
		applied, err = w.store.Fail(wctx, job.ID, runErr.Error(), finished)
		out.Status = models.StatusFailed
		out.Error = runErr.Error()
	}
	if err != nil {
		log.Error().Err(err).Str("status", string(out.Status)).Msg("record job outcome")
		out.Error = fmt.Sprintf("record outcome: %v", err)
		return out, nil
	}
	if !applied {
		// The job left processing while the handler ran, most likely a cancel.
		out.Stale = true
		if current, err := w.store.GetJob(wctx, job.ID); err == nil {
			out.Status = current.Status
		}
		telemetry.ObserveStale(string(job.Type), elapsed)
		w.record(ctx, job.ID, models.EventStale, fmt.Sprintf("discarded %s result", statusWord(runErr)))
		log.Info().Str("status", string(out.Status)).Msg("stale result discarded")
		return out, nil
	}

	telemetry.ObserveJob(string(job.Type), runErr == nil, elapsed)
	if runErr == nil {
		w.record(ctx, job.ID, models.EventCompleted, fmt.Sprintf("elapsed=%s", elapsed.Round(time.Millisecond)))
		log.Info().Dur("elapsed", elapsed).Msg("job completed")
	} else {
		w.record(ctx, job.ID, models.EventFailed, runErr.Error())
	}
	return out, nil
}

// detached returns a context for store writes that outlives cancellation of
// ctx but keeps its values.
func (w *Worker) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

// run invokes the handler under the job timeout and converts panics into
// errors.
func (w *Worker) run(ctx context.Context, job models.Job) (result map[string]any, err error) {
	h, ok := w.handler(job.Type)
	if !ok {
		return nil, fmt.Errorf("no handler registered for type %q", job.Type)
	}
	runCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()

	report := func(percent int) {
		wctx, cancel := w.detached(ctx)
		defer cancel()
		if _, err := w.store.UpdateProgress(wctx, job.ID, percent); err != nil {
			w.log.Warn().Err(err).Str("job_id", job.ID).Int("progress", percent).Msg("update progress")
		}
	}
	result, err = h(runCtx, job, report)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("job timed out after %s: %w", w.jobTimeout, err)
	}
	if err == nil && result == nil {
		result = map[string]any{}
	}
	return result, err
}

func (w *Worker) record(ctx context.Context, jobID, event, detail string) {
	wctx, cancel := w.detached(ctx)
	defer cancel()
	if err := store.Record(wctx, w.store, jobID, event, detail); err != nil {
		w.log.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("append audit event")
	}
}

func statusWord(err error) string {
	if err == nil {
		return "completed"
	}
	return "failed"
}
