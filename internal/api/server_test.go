package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"creative-job-scheduler/internal/jobs"
	"creative-job-scheduler/internal/models"
	"creative-job-scheduler/internal/ratelimit"
	"creative-job-scheduler/internal/scheduler"
	"creative-job-scheduler/internal/store"
	"creative-job-scheduler/internal/worker"
)

const (
	testSecret   = "test-secret"
	testInternal = "internal-token"
)

type fakeHandoff struct {
	mu       sync.Mutex
	triggers []scheduler.Trigger
}

func (f *fakeHandoff) Submit(_ context.Context, t scheduler.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, t)
	return nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{RetryAfter: time.Second}, nil
}

type fixture struct {
	handler http.Handler
	store   *store.MemoryStore
	handoff *fakeHandoff
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	s := store.NewMemory()
	log := zerolog.Nop()
	h := &fakeHandoff{}
	w := worker.New(s, log, time.Second)
	w.RegisterHandler(models.TypeTextGeneration, func(context.Context, models.Job, worker.ProgressFunc) (map[string]any, error) {
		return map[string]any{"content": "done"}, nil
	})
	opts.Manager = jobs.NewManager(s, log)
	opts.Dispatcher = scheduler.NewDispatcher(s, h, "test", 10, log)
	opts.Worker = w
	opts.Logger = log
	if opts.JWTSecret == "" {
		opts.JWTSecret = testSecret
	}
	return fixture{handler: New(opts).Router(), store: s, handoff: h}
}

type response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Message   string          `json:"message"`
	Timestamp string          `json:"timestamp"`
}

func userToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := SignUserToken(testSecret, userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f fixture) do(t *testing.T, method, path, token string, body any) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var env response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	_, err := time.Parse(time.RFC3339, env.Timestamp)
	require.NoError(t, err)
	return rec.Code, env
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Options{})
	code, env := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)
	require.JSONEq(t, `{"status":"ok"}`, string(env.Data))
}

func TestCreateJobRequiresAuth(t *testing.T) {
	f := newFixture(t, Options{})
	code, env := f.do(t, http.MethodPost, "/jobs", "", map[string]any{"prompt": "hi"})
	require.Equal(t, http.StatusUnauthorized, code)
	require.False(t, env.Success)
	require.NotEmpty(t, env.Error)

	code, _ = f.do(t, http.MethodPost, "/jobs", "not-a-jwt", map[string]any{"prompt": "hi"})
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestRejectsTokenWithWrongSecretOrAlgorithm(t *testing.T) {
	f := newFixture(t, Options{})

	forged, err := SignUserToken("other-secret", "user-1", time.Hour)
	require.NoError(t, err)
	code, _ := f.do(t, http.MethodGet, "/jobs", forged, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	code, _ = f.do(t, http.MethodGet, "/jobs", unsigned, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	expired, err := SignUserToken(testSecret, "user-1", -time.Minute)
	require.NoError(t, err)
	code, _ = f.do(t, http.MethodGet, "/jobs", expired, nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestCreateJobFlatBody(t *testing.T) {
	f := newFixture(t, Options{})
	code, env := f.do(t, http.MethodPost, "/jobs", userToken(t, "user-1"), map[string]any{
		"useCase": "cv",
		"choices": map[string]any{"a": 1, "b": 2, "c": 3},
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	require.True(t, env.Success)
	require.Equal(t, "Job created successfully", env.Message)

	var res jobs.CreateJobResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.Equal(t, 30, res.EstimatedDuration)
	require.Equal(t, models.TypeTextGeneration, res.JobType)

	job, err := f.store.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	require.Equal(t, "user-1", job.UserID)
	require.Equal(t, models.StatusPending, job.Status)
	require.Equal(t, models.DefaultPriority, job.Priority)
}

func TestCreateJobExplicitPayload(t *testing.T) {
	f := newFixture(t, Options{})
	code, env := f.do(t, http.MethodPost, "/jobs", userToken(t, "user-1"), map[string]any{
		"type":               "image_generation",
		"payload":            map[string]any{"prompt": "a red fox", "size": "512x512"},
		"priority":           42,
		"estimated_duration": 15,
	})
	require.Equal(t, http.StatusOK, code, env.Error)

	var res jobs.CreateJobResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.Equal(t, 15, res.EstimatedDuration)

	job, err := f.store.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	require.Equal(t, models.MaxPriority, job.Priority)
	require.Equal(t, models.ImagePayload{Prompt: "a red fox", Size: "512x512"}, job.Payload)
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, Options{})
	tok := userToken(t, "user-1")

	code, env := f.do(t, http.MethodPost, "/jobs", tok, map[string]any{"type": "podcast", "payload": map[string]any{}})
	require.Equal(t, http.StatusBadRequest, code)
	require.False(t, env.Success)

	code, _ = f.do(t, http.MethodPost, "/jobs", tok, map[string]any{"type": "video_creation", "payload": map[string]any{}})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/jobs", tok, map[string]any{"prompt": "hi", "priority": "urgent"})
	require.Equal(t, http.StatusBadRequest, code)

	pending, err := f.store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestCreateJobRateLimited(t *testing.T) {
	f := newFixture(t, Options{Limiter: denyAll{}})
	code, env := f.do(t, http.MethodPost, "/jobs", userToken(t, "user-1"), map[string]any{"prompt": "hi"})
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Contains(t, env.Error, "rate limit")
}

func createJob(t *testing.T, f fixture, userID string, body map[string]any) string {
	t.Helper()
	code, env := f.do(t, http.MethodPost, "/jobs", userToken(t, userID), body)
	require.Equal(t, http.StatusOK, code, env.Error)
	var res jobs.CreateJobResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res.JobID
}

func TestGetJobOwnership(t *testing.T) {
	f := newFixture(t, Options{})
	id := createJob(t, f, "owner", map[string]any{"prompt": "hi"})

	code, env := f.do(t, http.MethodGet, "/jobs/"+id, userToken(t, "owner"), nil)
	require.Equal(t, http.StatusOK, code)
	var job map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &job))
	require.Equal(t, id, job["id"])
	require.Equal(t, "pending", job["status"])

	code, _ = f.do(t, http.MethodGet, "/jobs/"+id, userToken(t, "intruder"), nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/jobs/missing", userToken(t, "owner"), nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, Options{})
	id := createJob(t, f, "owner", map[string]any{"prompt": "hi"})

	code, _ := f.do(t, http.MethodDelete, "/jobs/"+id, userToken(t, "intruder"), nil)
	require.Equal(t, http.StatusNotFound, code)

	code, env := f.do(t, http.MethodDelete, "/jobs/"+id, userToken(t, "owner"), nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"jobId":"`+id+`","status":"cancelled"}`, string(env.Data))

	code, _ = f.do(t, http.MethodDelete, "/jobs/"+id, userToken(t, "owner"), nil)
	require.Equal(t, http.StatusNotFound, code)

	code, env = f.do(t, http.MethodGet, "/jobs/"+id+"/events", userToken(t, "owner"), nil)
	require.Equal(t, http.StatusOK, code)
	var events struct {
		Items []models.JobEvent `json:"items"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &events))
	require.Len(t, events.Items, 2)
	require.Equal(t, models.EventCancelled, events.Items[1].Event)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, Options{})
	for i := 0; i < 3; i++ {
		createJob(t, f, "owner", map[string]any{"prompt": "hi"})
	}
	createJob(t, f, "owner", map[string]any{"type": "music_composition", "payload": map[string]any{"prompt": "jazz"}})
	createJob(t, f, "someone-else", map[string]any{"prompt": "hi"})

	code, env := f.do(t, http.MethodGet, "/jobs?page=1&limit=2", userToken(t, "owner"), nil)
	require.Equal(t, http.StatusOK, code)
	var page jobs.JobPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Equal(t, 4, page.Total)
	require.Len(t, page.Items, 2)
	require.True(t, page.HasMore)

	code, env = f.do(t, http.MethodGet, "/jobs?type=music_composition", userToken(t, "owner"), nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Equal(t, 1, page.Total)
	require.Equal(t, jobs.DefaultPageSize, page.Limit)

	code, _ = f.do(t, http.MethodGet, "/jobs?status=exploded", userToken(t, "owner"), nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/jobs?page=two", userToken(t, "owner"), nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestJobStats(t *testing.T) {
	f := newFixture(t, Options{})
	id := createJob(t, f, "owner", map[string]any{"prompt": "hi"})
	createJob(t, f, "owner", map[string]any{"prompt": "hi"})
	f.do(t, http.MethodDelete, "/jobs/"+id, userToken(t, "owner"), nil)

	code, env := f.do(t, http.MethodPost, "/jobs?action=stats", userToken(t, "owner"), nil)
	require.Equal(t, http.StatusOK, code)
	var res statsResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.Equal(t, 2, res.Stats.Total)
	require.Equal(t, 1, res.Stats.Cancelled)
	require.Equal(t, 1, res.Summary.ActiveJobs)
}

func TestInternalRoutesRefusedWithoutToken(t *testing.T) {
	f := newFixture(t, Options{})
	code, _ := f.do(t, http.MethodPost, "/scheduler", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.do(t, http.MethodPost, "/worker", "anything", nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestSchedulerAndWorker(t *testing.T) {
	f := newFixture(t, Options{InternalToken: testInternal})
	id := createJob(t, f, "owner", map[string]any{"prompt": "hi"})

	code, _ := f.do(t, http.MethodPost, "/scheduler", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, env := f.do(t, http.MethodPost, "/scheduler", testInternal, nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	var tick tickResponse
	require.NoError(t, json.Unmarshal(env.Data, &tick))
	require.Equal(t, 1, tick.PendingJobsCount)
	require.Equal(t, []string{id}, tick.WorkerResult.JobIDs)
	require.Len(t, f.handoff.triggers, 1)

	req := httptest.NewRequest(http.MethodPost, "/worker", nil)
	req.Header.Set("X-Internal-Token", testInternal)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var env2 response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env2))
	require.Contains(t, string(env2.Data), `"processingTime":`)
	var out worker.Outcome
	require.NoError(t, json.Unmarshal(env2.Data, &out))
	require.True(t, out.Processed)
	require.Equal(t, id, out.JobID)
	require.Equal(t, models.StatusCompleted, out.Status)

	code, env = f.do(t, http.MethodPost, "/worker", testInternal, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "nothing to process", env.Message)

	code, env = f.do(t, http.MethodGet, "/scheduler", testInternal, nil)
	require.Equal(t, http.StatusOK, code)
	var status struct {
		Stats jobs.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &status))
	require.Equal(t, 1, status.Stats.Completed)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, Options{})
	code, env := f.do(t, http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.False(t, env.Success)
}
