package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creative-job-scheduler/internal/models"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound  = errors.New("job not found")
	ErrDuplicate = errors.New("job already exists")
)

// Store is the durable source of truth for job records. Every mutation is a
// predicate-guarded update: it reports false instead of writing when the row
// is not in one of the legal source states for the transition.
type Store interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f ListFilter) ([]models.Job, int, error)
	CountByStatus(ctx context.Context, f CountFilter) (map[models.JobStatus]int, error)

	// ListPending returns up to limit pending jobs ordered by priority desc,
	// created_at asc. It does not change any state.
	ListPending(ctx context.Context, limit int) ([]models.Job, error)
	// ClaimNext atomically moves the best pending job to processing. ok is
	// false when nothing is pending. Two concurrent callers never receive the
	// same job.
	ClaimNext(ctx context.Context) (job models.Job, ok bool, err error)

	UpdateProgress(ctx context.Context, id string, progress int) (bool, error)
	Complete(ctx context.Context, id string, c Completion) (bool, error)
	Fail(ctx context.Context, id string, message string, at time.Time) (bool, error)
	// Cancel is conditioned on both owner and a cancellable status.
	Cancel(ctx context.Context, id, userID string) (bool, error)

	AppendEvent(ctx context.Context, ev models.JobEvent) error
	ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)

	Close() error
}

// ListFilter narrows ListJobs. Results are ordered by created_at desc.
type ListFilter struct {
	UserID string
	Status models.JobStatus
	Type   models.JobType
	Offset int
	Limit  int
}

// CountFilter narrows CountByStatus. Zero values mean "any".
type CountFilter struct {
	UserID string
	Since  time.Time
}

// Completion carries the fields written when a processing job succeeds.
type Completion struct {
	Result         map[string]any
	CompletedAt    time.Time
	ActualDuration int
}

// Migrator is implemented by backends with schema to install.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Options selects and configures a backend for Open.
type Options struct {
	Driver   string // postgres, sqlite, mysql, memory
	DSN      string
	MaxConns int32
}

// Open returns the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "postgres", "":
		return NewPostgres(ctx, opts.DSN, opts.MaxConns)
	case "sqlite", "mysql":
		return NewGorm(opts.Driver, opts.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

func errDuplicate(id string) error {
	return fmt.Errorf("%w: %s", ErrDuplicate, id)
}

func newEvent(jobID, event, detail string) models.JobEvent {
	return models.JobEvent{JobID: jobID, Event: event, Detail: detail, RecordedAt: time.Now().UTC()}
}

// Record appends an audit event stamped with the current time.
func Record(ctx context.Context, s Store, jobID, event, detail string) error {
	return s.AppendEvent(ctx, newEvent(jobID, event, detail))
}
