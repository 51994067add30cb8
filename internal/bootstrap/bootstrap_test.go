package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"creative-job-scheduler/internal/config"
	"creative-job-scheduler/internal/jobs"
	"creative-job-scheduler/internal/models"
	"creative-job-scheduler/internal/ratelimit"
)

func testConfig() config.Config {
	return config.Config{
		StoreDriver:       "memory",
		HandoffBackend:    "local",
		HandoffAckTimeout: time.Second,
		LocalWorkers:      1,
		LocalBuffer:       4,
		DispatchBatch:     10,
		JobTimeout:        5 * time.Second,
		AIProvider:        "openai",
		ImageArchive:      "none",
	}
}

func TestLocalPipeline(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	log := zerolog.Nop()

	st, err := OpenStore(ctx, cfg)
	require.NoError(t, err)
	defer st.Close()

	w, err := NewWorker(ctx, cfg, st, log)
	require.NoError(t, err)
	h, err := NewHandoff(ctx, cfg, w, log)
	require.NoError(t, err)

	mgr := jobs.NewManager(st, log)
	res, err := mgr.CreateJob(ctx, "user-1", jobs.CreateJobRequest{
		Type:    models.TypeTextGeneration,
		Payload: map[string]any{"prompt": "write a haiku"},
	})
	require.NoError(t, err)

	tick, err := NewDispatcher(cfg, st, h, log).Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, tick.Dispatched)

	// Stop drains the buffered trigger before returning.
	h.Close()

	job, err := mgr.GetJob(ctx, res.JobID, "user-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, job.Status)
	require.Equal(t, "[synthetic] write a haiku", job.Result["content"])
}

func TestNewHandoffUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.HandoffBackend = "carrier-pigeon"
	_, err := NewHandoff(context.Background(), cfg, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestNewLimiterDisabled(t *testing.T) {
	cfg := testConfig()
	l, closeFn := NewLimiter(cfg)
	defer closeFn()
	require.IsType(t, ratelimit.Unlimited{}, l)
}
