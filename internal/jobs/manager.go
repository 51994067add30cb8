package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"creative-job-scheduler/internal/models"
	"creative-job-scheduler/internal/store"
	"creative-job-scheduler/internal/telemetry"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 50
)

// Manager is the client-facing side of the job lifecycle: it validates and
// persists new jobs and answers owner-scoped queries.
type Manager struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
	newID func() string
}

func NewManager(s store.Store, log zerolog.Logger) *Manager {
	return &Manager{
		store: s,
		log:   log.With().Str("component", "jobs").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// CreateJobRequest is the caller-supplied part of a new job.
type CreateJobRequest struct {
	Type              models.JobType
	Payload           map[string]any
	Priority          *int
	EstimatedDuration *int
}

type CreateJobResult struct {
	JobID             string         `json:"jobId"`
	Message           string         `json:"message"`
	EstimatedDuration int            `json:"estimatedDuration"`
	JobType           models.JobType `json:"jobType"`
}

// CreateJob validates req and persists a pending job owned by userID. Nothing
// is written when validation fails.
func (m *Manager) CreateJob(ctx context.Context, userID string, req CreateJobRequest) (CreateJobResult, error) {
	if userID == "" {
		return CreateJobResult{}, ErrUnauthenticated
	}
	if req.Type == "" {
		return CreateJobResult{}, fmt.Errorf("%w: type is required", ErrValidation)
	}
	if !req.Type.Valid() {
		return CreateJobResult{}, fmt.Errorf("%w: unsupported job type %q", ErrValidation, req.Type)
	}
	payload, err := models.PayloadFromMap(req.Type, req.Payload)
	if err != nil {
		return CreateJobResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	estimate := models.EstimateDuration(req.Type, len(req.Payload))
	if req.EstimatedDuration != nil && *req.EstimatedDuration > 0 {
		estimate = *req.EstimatedDuration
	}

	now := m.now()
	job := models.Job{
		ID:                m.newID(),
		UserID:            userID,
		Type:              req.Type,
		Payload:           payload,
		Status:            models.StatusPending,
		Priority:          models.ClampPriority(req.Priority),
		EstimatedDuration: estimate,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		m.log.Error().Err(err).Str("user_id", userID).Str("type", string(req.Type)).Msg("persist job")
		return CreateJobResult{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	m.record(ctx, job.ID, models.EventCreated, fmt.Sprintf("type=%s priority=%d", job.Type, job.Priority))
	telemetry.JobsCreated.WithLabelValues(string(job.Type)).Inc()

	m.log.Info().Str("job_id", job.ID).Str("user_id", userID).Str("type", string(job.Type)).
		Int("priority", job.Priority).Msg("job created")
	return CreateJobResult{
		JobID:             job.ID,
		Message:           "Job created successfully",
		EstimatedDuration: estimate,
		JobType:           job.Type,
	}, nil
}

// GetJob returns the job when it exists and is owned by userID.
func (m *Manager) GetJob(ctx context.Context, jobID, userID string) (models.Job, error) {
	if userID == "" {
		return models.Job{}, ErrUnauthenticated
	}
	job, err := m.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if job.UserID != userID {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

// CancelJob cancels an owned pending or processing job. It reports false
// without error for anything else, including jobs already cancelled.
func (m *Manager) CancelJob(ctx context.Context, jobID, userID string) (bool, error) {
	if userID == "" {
		return false, ErrUnauthenticated
	}
	ok, err := m.store.Cancel(ctx, jobID, userID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if ok {
		m.record(ctx, jobID, models.EventCancelled, "cancelled by owner")
		telemetry.JobsCancelled.Inc()
		m.log.Info().Str("job_id", jobID).Str("user_id", userID).Msg("job cancelled")
	}
	return ok, nil
}

// Events returns the audit trail of an owned job.
func (m *Manager) Events(ctx context.Context, jobID, userID string) ([]models.JobEvent, error) {
	if _, err := m.GetJob(ctx, jobID, userID); err != nil {
		return nil, err
	}
	events, err := m.store.ListEvents(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return events, nil
}

type ListOptions struct {
	Page   int
	Limit  int
	Status string
	Type   string
}

type JobPage struct {
	Items   []models.Job `json:"items"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	Limit   int          `json:"limit"`
	HasMore bool         `json:"hasMore"`
}

// normalize clamps page and limit into range.
func (o ListOptions) normalize() (page, limit int) {
	page, limit = o.Page, o.Limit
	if page < 1 {
		page = 1
	}
	switch {
	case limit == 0:
		limit = DefaultPageSize
	case limit < 1:
		limit = 1
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	return page, limit
}

// GetUserJobs lists the caller's jobs, newest first.
func (m *Manager) GetUserJobs(ctx context.Context, userID string, opts ListOptions) (JobPage, error) {
	if userID == "" {
		return JobPage{}, ErrUnauthenticated
	}
	status := models.JobStatus(opts.Status)
	if status != "" && !status.Valid() {
		return JobPage{}, fmt.Errorf("%w: unknown status %q", ErrValidation, opts.Status)
	}
	jobType := models.JobType(opts.Type)
	if jobType != "" && !jobType.Valid() {
		return JobPage{}, fmt.Errorf("%w: unknown type %q", ErrValidation, opts.Type)
	}
	page, limit := opts.normalize()

	items, total, err := m.store.ListJobs(ctx, store.ListFilter{
		UserID: userID,
		Status: status,
		Type:   jobType,
		Offset: (page - 1) * limit,
		Limit:  limit,
	})
	if err != nil {
		return JobPage{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if items == nil {
		items = []models.Job{}
	}
	return JobPage{
		Items:   items,
		Total:   total,
		Page:    page,
		Limit:   limit,
		HasMore: page*limit < total,
	}, nil
}

// Stats counts jobs by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

type Summary struct {
	SuccessRate float64 `json:"successRate"`
	FailureRate float64 `json:"failureRate"`
	ActiveJobs  int     `json:"activeJobs"`
}

// StatsFromCounts folds per-status counts into Stats.
func StatsFromCounts(counts map[models.JobStatus]int) Stats {
	s := Stats{
		Pending:    counts[models.StatusPending],
		Processing: counts[models.StatusProcessing],
		Completed:  counts[models.StatusCompleted],
		Failed:     counts[models.StatusFailed],
		Cancelled:  counts[models.StatusCancelled],
	}
	s.Total = s.Pending + s.Processing + s.Completed + s.Failed + s.Cancelled
	return s
}

// Summary derives rates as percentages of Total, rounded to two decimals.
func (s Stats) Summary() Summary {
	out := Summary{ActiveJobs: s.Pending + s.Processing}
	if s.Total == 0 {
		return out
	}
	out.SuccessRate = percent(s.Completed, s.Total)
	out.FailureRate = percent(s.Failed, s.Total)
	return out
}

func percent(n, total int) float64 {
	return math.Round(float64(n)/float64(total)*10000) / 100
}

// GetUserJobStats counts the caller's jobs by status over all time.
func (m *Manager) GetUserJobStats(ctx context.Context, userID string) (Stats, error) {
	if userID == "" {
		return Stats{}, ErrUnauthenticated
	}
	counts, err := m.store.CountByStatus(ctx, store.CountFilter{UserID: userID})
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return StatsFromCounts(counts), nil
}

func (m *Manager) record(ctx context.Context, jobID, event, detail string) {
	if err := store.Record(ctx, m.store, jobID, event, detail); err != nil {
		m.log.Warn().Err(err).Str("job_id", jobID).Str("event", event).Msg("append audit event")
	}
}
