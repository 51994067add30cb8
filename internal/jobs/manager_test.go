package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"creative-job-scheduler/internal/models"
	"creative-job-scheduler/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemory()
	m := NewManager(s, zerolog.Nop())
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return m, s
}

func intp(v int) *int { return &v }

func TestCreateJobTextScenario(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	res, err := m.CreateJob(ctx, "user-1", CreateJobRequest{
		Type:    models.TypeTextGeneration,
		Payload: map[string]any{"useCase": "cv", "choices": map[string]any{"a": 1, "b": 2, "c": 3}},
	})
	require.NoError(t, err)
	require.Equal(t, 30, res.EstimatedDuration)
	require.Equal(t, models.TypeTextGeneration, res.JobType)
	require.NotEmpty(t, res.JobID)

	job, err := s.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, job.Status)
	require.Equal(t, 0, job.Progress)
	require.Equal(t, 0, job.RetryCount)
	require.Equal(t, models.DefaultPriority, job.Priority)
	require.Equal(t, "user-1", job.UserID)

	events, err := s.ListEvents(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.EventCreated, events[0].Event)
}

func TestCreateJobRejectsUnknownType(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateJob(ctx, "user-1", CreateJobRequest{Type: "podcast", Payload: map[string]any{"prompt": "x"}})
	require.ErrorIs(t, err, ErrValidation)

	_, err = m.CreateJob(ctx, "user-1", CreateJobRequest{Payload: map[string]any{"prompt": "x"}})
	require.ErrorIs(t, err, ErrValidation)

	_, total, err := s.ListJobs(ctx, store.ListFilter{})
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestCreateJobValidatesPayload(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateJob(context.Background(), "u", CreateJobRequest{
		Type:    models.TypeImageGeneration,
		Payload: map[string]any{"prompt": "a fox", "count": 9},
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = m.CreateJob(context.Background(), "u", CreateJobRequest{
		Type:    models.TypeVideoCreation,
		Payload: map[string]any{"prompt": "waves", "fps": 60},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateJobRequiresUser(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateJob(context.Background(), "", CreateJobRequest{Type: models.TypeTextGeneration})
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestCreateJobPriorityAndEstimateOverrides(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	res, err := m.CreateJob(ctx, "u", CreateJobRequest{
		Type:              models.Type3DModeling,
		Payload:           map[string]any{"prompt": "chair"},
		Priority:          intp(42),
		EstimatedDuration: intp(15),
	})
	require.NoError(t, err)
	require.Equal(t, 15, res.EstimatedDuration)
	job, err := s.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, models.MaxPriority, job.Priority)

	res, err = m.CreateJob(ctx, "u", CreateJobRequest{
		Type:              models.TypeGraphicDesign,
		Payload:           map[string]any{"prompt": "logo", "format": "svg", "width": 64, "height": 64, "extra": nil},
		Priority:          intp(-3),
		EstimatedDuration: intp(0),
	})
	require.ErrorIs(t, err, ErrValidation)

	res, err = m.CreateJob(ctx, "u", CreateJobRequest{
		Type:     models.TypeGraphicDesign,
		Payload:  map[string]any{"prompt": "logo", "format": "svg", "width": 64, "height": 64},
		Priority: intp(-3),
	})
	require.NoError(t, err)
	require.Equal(t, 160, res.EstimatedDuration)
	job, err = s.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, models.MinPriority, job.Priority)
}

type brokenStore struct {
	store.Store
}

func (brokenStore) CreateJob(context.Context, models.Job) error {
	return errors.New("connection reset")
}

func TestCreateJobStoreFailure(t *testing.T) {
	m := NewManager(brokenStore{Store: store.NewMemory()}, zerolog.Nop())
	_, err := m.CreateJob(context.Background(), "u", CreateJobRequest{
		Type:    models.TypeTextGeneration,
		Payload: map[string]any{"prompt": "hi"},
	})
	require.ErrorIs(t, err, ErrStore)
}

func TestGetJobOwnership(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	res, err := m.CreateJob(ctx, "bob", CreateJobRequest{Type: models.TypeTextGeneration, Payload: map[string]any{"prompt": "hi"}})
	require.NoError(t, err)

	_, err = m.GetJob(ctx, res.JobID, "alice")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetJob(ctx, "does-not-exist", "alice")
	require.ErrorIs(t, err, ErrNotFound)

	job, err := m.GetJob(ctx, res.JobID, "bob")
	require.NoError(t, err)
	require.Equal(t, res.JobID, job.ID)

	_, err = m.Events(ctx, res.JobID, "alice")
	require.ErrorIs(t, err, ErrNotFound)
	events, err := m.Events(ctx, res.JobID, "bob")
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestCancelJob(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	res, err := m.CreateJob(ctx, "bob", CreateJobRequest{Type: models.TypeTextGeneration, Payload: map[string]any{"prompt": "hi"}})
	require.NoError(t, err)

	ok, err := m.CancelJob(ctx, res.JobID, "alice")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = m.CancelJob(ctx, res.JobID, "bob")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.CancelJob(ctx, res.JobID, "bob")
	require.NoError(t, err)
	require.False(t, ok)

	job, err := s.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, job.Status)
}

func TestCancelCompletedJobIsNoop(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	res, err := m.CreateJob(ctx, "bob", CreateJobRequest{Type: models.TypeTextGeneration, Payload: map[string]any{"prompt": "hi"}})
	require.NoError(t, err)
	_, _, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = s.Complete(ctx, res.JobID, store.Completion{Result: map[string]any{}, CompletedAt: time.Now()})
	require.NoError(t, err)

	ok, err := m.CancelJob(ctx, res.JobID, "bob")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetUserJobsPagination(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 12; i++ {
		res, err := m.CreateJob(ctx, "alice", CreateJobRequest{
			Type:    models.TypeTextGeneration,
			Payload: map[string]any{"prompt": fmt.Sprintf("p%d", i)},
		})
		require.NoError(t, err)
		ids = append(ids, res.JobID)
	}
	_, err := m.CreateJob(ctx, "bob", CreateJobRequest{Type: models.TypeTextGeneration, Payload: map[string]any{"prompt": "x"}})
	require.NoError(t, err)

	page, err := m.GetUserJobs(ctx, "alice", ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Page)
	require.Equal(t, DefaultPageSize, page.Limit)
	require.Equal(t, 12, page.Total)
	require.True(t, page.HasMore)
	require.Len(t, page.Items, 10)
	require.Equal(t, ids[11], page.Items[0].ID, "newest first")

	page, err = m.GetUserJobs(ctx, "alice", ListOptions{Page: 2, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.False(t, page.HasMore)

	page, err = m.GetUserJobs(ctx, "alice", ListOptions{Page: -5, Limit: 500})
	require.NoError(t, err)
	require.Equal(t, 1, page.Page)
	require.Equal(t, MaxPageSize, page.Limit)
	require.False(t, page.HasMore)

	page, err = m.GetUserJobs(ctx, "alice", ListOptions{Page: 4, Limit: -1})
	require.NoError(t, err)
	require.Equal(t, 1, page.Limit)
	require.True(t, page.HasMore)
	require.Len(t, page.Items, 1)

	page, err = m.GetUserJobs(ctx, "alice", ListOptions{Page: 12, Limit: 1})
	require.NoError(t, err)
	require.False(t, page.HasMore)

	page, err = m.GetUserJobs(ctx, "alice", ListOptions{Page: 9})
	require.NoError(t, err)
	require.NotNil(t, page.Items)
	require.Empty(t, page.Items)
}

func TestGetUserJobsFilters(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateJob(ctx, "alice", CreateJobRequest{Type: models.TypeImageGeneration, Payload: map[string]any{"prompt": "x"}})
	require.NoError(t, err)
	_, err = m.CreateJob(ctx, "alice", CreateJobRequest{Type: models.TypeTextGeneration, Payload: map[string]any{"prompt": "x"}})
	require.NoError(t, err)

	page, err := m.GetUserJobs(ctx, "alice", ListOptions{Type: "image_generation"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)

	_, err = m.GetUserJobs(ctx, "alice", ListOptions{Status: "archived"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = m.GetUserJobs(ctx, "alice", ListOptions{Type: "podcast"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestStatsSummary(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := m.CreateJob(ctx, "alice", CreateJobRequest{Type: models.TypeTextGeneration, Payload: map[string]any{"prompt": "x"}})
		require.NoError(t, err)
	}
	job, ok, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.Complete(ctx, job.ID, store.Completion{Result: map[string]any{}, CompletedAt: time.Now()})
	require.NoError(t, err)
	job, _, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = s.Fail(ctx, job.ID, "boom", time.Now())
	require.NoError(t, err)
	_, _, err = s.ClaimNext(ctx)
	require.NoError(t, err)

	stats, err := m.GetUserJobStats(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, Stats{Pending: 1, Processing: 1, Completed: 1, Failed: 1, Total: 4}, stats)

	sum := stats.Summary()
	require.Equal(t, 25.0, sum.SuccessRate)
	require.Equal(t, 25.0, sum.FailureRate)
	require.Equal(t, 2, sum.ActiveJobs)

	require.Equal(t, Summary{}, Stats{}.Summary())
	require.Equal(t, 33.33, Stats{Completed: 1, Failed: 2, Total: 3}.Summary().SuccessRate)
}
