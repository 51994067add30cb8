// Package storetest is a conformance suite shared by every store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"creative-job-scheduler/internal/models"
	"creative-job-scheduler/internal/store"
)

// Factory returns an empty, migrated store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// NewJob builds a pending job the way the job manager would persist it.
func NewJob(userID string, jobType models.JobType, priority int, createdAt time.Time) models.Job {
	return models.Job{
		ID:                uuid.NewString(),
		UserID:            userID,
		Type:              jobType,
		Payload:           models.TextPayload{Prompt: "write a haiku"},
		Status:            models.StatusPending,
		Priority:          priority,
		EstimatedDuration: 30,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
}

func mustCreate(t *testing.T, s store.Store, job models.Job) models.Job {
	t.Helper()
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

// Run executes every conformance case against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"GetMissing", testGetMissing},
		{"DuplicateID", testDuplicateID},
		{"PendingOrder", testPendingOrder},
		{"ClaimNextOrderAndEmpty", testClaimNext},
		{"ClaimNextExclusive", testClaimExclusive},
		{"CompleteGuarded", testCompleteGuarded},
		{"FailIncrementsRetry", testFail},
		{"CancelOwnerAndStatus", testCancel},
		{"CancelledResultIsStale", testStaleCompletion},
		{"ProgressMonotonic", testProgress},
		{"ListJobsPaging", testListJobs},
		{"CountByStatus", testCountByStatus},
		{"Events", testEvents},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := mustCreate(t, s, NewJob("user-a", models.TypeTextGeneration, 5, base))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, "user-a", got.UserID)
	require.Equal(t, models.StatusPending, got.Status)
	require.Equal(t, 0, got.Progress)
	require.Equal(t, 0, got.RetryCount)
	require.Equal(t, 30, got.EstimatedDuration)
	require.Nil(t, got.Result)
	require.Nil(t, got.Error)
	require.Nil(t, got.StartedAt)
	require.WithinDuration(t, base, got.CreatedAt, time.Millisecond)
	require.Equal(t, models.TextPayload{Prompt: "write a haiku"}, got.Payload)
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.GetJob(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateID(t *testing.T, s store.Store) {
	job := mustCreate(t, s, NewJob("user-a", models.TypeTextGeneration, 5, base))
	err := s.CreateJob(context.Background(), job)
	require.ErrorIs(t, err, store.ErrDuplicate)
}

func testPendingOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	older := mustCreate(t, s, NewJob("u", models.TypeTextGeneration, 5, base))
	urgent := mustCreate(t, s, NewJob("u", models.TypeTextGeneration, 9, base.Add(time.Minute)))
	newer := mustCreate(t, s, NewJob("u", models.TypeTextGeneration, 5, base.Add(2*time.Minute)))
	low := mustCreate(t, s, NewJob("u", models.TypeTextGeneration, 1, base.Add(-time.Hour)))

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{urgent.ID, older.ID, newer.ID, low.ID}, ids(pending))

	pending, err = s.ListPending(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{urgent.ID, older.ID}, ids(pending))
}

func testClaimNext(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, ok, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	first := mustCreate(t, s, NewJob("u", models.TypeTextGeneration, 5, base))
	second := mustCreate(t, s, NewJob("u", models.TypeImageGeneration, 9, base.Add(time.Second)))

	claimed, ok, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second.ID, claimed.ID)
	require.Equal(t, models.StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	claimed, ok, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.ID, claimed.ID)

	_, ok, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func testClaimExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	const jobs, workers = 20, 6
	for i := 0; i < jobs; i++ {
		mustCreate(t, s, NewJob("u", models.TypeTextGeneration, 1+i%10, base.Add(time.Duration(i)*time.Second)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
		errs = make(chan error, workers)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := s.ClaimNext(ctx)
				if err != nil {
					errs <- err
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, seen, jobs)
	for id, n := range seen {
		require.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func testCompleteGuarded(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := mustCreate(t, s, NewJob("u", models.TypeTextGeneration, 5, base))
	done := store.Completion{Result: map[string]any{"content": "ok"}, CompletedAt: base.Add(time.Minute), ActualDuration: 42}

	ok, err := s.Complete(ctx, job.ID, done)
	require.NoError(t, err)
	require.False(t, ok, "pending job must not complete")

	_, claimed, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	ok, err = s.Complete(ctx, job.ID, done)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, "ok", got.Result["content"])
	require.NotNil(t, got.ActualDuration)
	require.Equal(t, 42, *got.ActualDuration)
	require.NotNil(t, got.CompletedAt)

	ok, err = s.Fail(ctx, job.ID, "late", time.Now())
	require.NoError(t, err)
	require.False(t, ok, "completed is terminal")
	ok, err = s.Cancel(ctx, job.ID, "u")
	require.NoError(t, err)
	require.False(t, ok, "completed is terminal")
}

func testFail(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := mustCreate(t, s, NewJob("u", models.TypeVideoCreation, 5, base))
	_, claimed, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	ok, err := s.Fail(ctx, job.ID, "provider exploded", base.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.Error)
	require.Equal(t, "provider exploded", *got.Error)
	require.Nil(t, got.Result)

	ok, err = s.Fail(ctx, job.ID, "again", base.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)
	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.RetryCount)
}

func testCancel(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := mustCreate(t, s, NewJob("owner", models.TypeMusicComposition, 5, base))

	ok, err := s.Cancel(ctx, job.ID, "intruder")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.Cancel(ctx, job.ID, "owner")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Cancel(ctx, job.ID, "owner")
	require.NoError(t, err)
	require.False(t, ok, "second cancel is a no-op")

	ok, err = s.Cancel(ctx, uuid.NewString(), "owner")
	require.NoError(t, err)
	require.False(t, ok)

	_, claimed, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, claimed, "cancelled jobs are never claimed")
}

func testStaleCompletion(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := mustCreate(t, s, NewJob("owner", models.TypeTextGeneration, 5, base))
	_, claimed, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	ok, err := s.Cancel(ctx, job.ID, "owner")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Complete(ctx, job.ID, store.Completion{Result: map[string]any{"x": 1}, CompletedAt: time.Now()})
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	require.Nil(t, got.Result)
}

func testProgress(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := mustCreate(t, s, NewJob("u", models.TypeTextGeneration, 5, base))

	ok, err := s.UpdateProgress(ctx, job.ID, 10)
	require.NoError(t, err)
	require.False(t, ok, "progress only moves while processing")

	_, _, err = s.ClaimNext(ctx)
	require.NoError(t, err)

	for _, step := range []struct {
		value int
		ok    bool
	}{{20, true}, {60, true}, {40, false}, {60, true}, {101, false}} {
		ok, err := s.UpdateProgress(ctx, job.ID, step.value)
		require.NoError(t, err)
		require.Equal(t, step.ok, ok, "progress %d", step.value)
	}
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 60, got.Progress)
}

func testListJobs(t *testing.T, s store.Store) {
	ctx := context.Background()
	var created []models.Job
	for i := 0; i < 7; i++ {
		jt := models.TypeTextGeneration
		if i%2 == 1 {
			jt = models.TypeImageGeneration
		}
		created = append(created, mustCreate(t, s, NewJob("alice", jt, 5, base.Add(time.Duration(i)*time.Minute))))
	}
	mustCreate(t, s, NewJob("bob", models.TypeTextGeneration, 5, base))

	page, total, err := s.ListJobs(ctx, store.ListFilter{UserID: "alice", Offset: 0, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, 7, total)
	require.Equal(t, []string{created[6].ID, created[5].ID, created[4].ID}, ids(page))

	page, total, err = s.ListJobs(ctx, store.ListFilter{UserID: "alice", Offset: 6, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, 7, total)
	require.Equal(t, []string{created[0].ID}, ids(page))

	page, total, err = s.ListJobs(ctx, store.ListFilter{UserID: "alice", Offset: 9, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, 7, total)
	require.Empty(t, page)

	page, total, err = s.ListJobs(ctx, store.ListFilter{UserID: "alice", Type: models.TypeImageGeneration, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	for _, j := range page {
		require.Equal(t, models.TypeImageGeneration, j.Type)
	}

	_, total, err = s.ListJobs(ctx, store.ListFilter{UserID: "alice", Status: models.StatusCompleted, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 0, total)
}

func testCountByStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	old := mustCreate(t, s, NewJob("alice", models.TypeTextGeneration, 5, now.Add(-48*time.Hour)))
	a := mustCreate(t, s, NewJob("alice", models.TypeTextGeneration, 5, now.Add(-time.Hour)))
	mustCreate(t, s, NewJob("alice", models.TypeTextGeneration, 5, now.Add(-30*time.Minute)))
	mustCreate(t, s, NewJob("bob", models.TypeTextGeneration, 5, now.Add(-10*time.Minute)))

	ok, err := s.Cancel(ctx, a.ID, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Cancel(ctx, old.ID, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	counts, err := s.CountByStatus(ctx, store.CountFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Equal(t, 1, counts[models.StatusPending])
	require.Equal(t, 2, counts[models.StatusCancelled])

	counts, err = s.CountByStatus(ctx, store.CountFilter{Since: now.Add(-24 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, 2, counts[models.StatusPending])
	require.Equal(t, 1, counts[models.StatusCancelled])
}

func testEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := mustCreate(t, s, NewJob("u", models.TypeTextGeneration, 5, base))
	for i, ev := range []string{models.EventCreated, models.EventClaimed, models.EventCompleted} {
		require.NoError(t, s.AppendEvent(ctx, models.JobEvent{
			JobID:      job.ID,
			Event:      ev,
			Detail:     fmt.Sprintf("step %d", i),
			RecordedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	events, err := s.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, models.EventCreated, events[0].Event)
	require.Equal(t, models.EventCompleted, events[2].Event)
	require.Equal(t, "step 1", events[1].Detail)
}

func ids(jobs []models.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
