package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"creative-job-scheduler/internal/ai"
	"creative-job-scheduler/internal/models"
	"creative-job-scheduler/internal/store"
	"creative-job-scheduler/internal/worker"
)

type blockingProcessor struct {
	release chan struct{}
	calls   atomic.Int32
}

func (p *blockingProcessor) ProcessNext(ctx context.Context) (worker.Outcome, error) {
	p.calls.Add(1)
	<-p.release
	return worker.Outcome{}, nil
}

func TestLocalHandoffTimesOutWhenSaturated(t *testing.T) {
	proc := &blockingProcessor{release: make(chan struct{})}
	h := NewLocalHandoff(proc, 1, 0, 20*time.Millisecond, zerolog.Nop())
	h.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, h.Submit(ctx, Trigger{ID: "t1"}))
	require.Eventually(t, func() bool { return proc.calls.Load() == 1 }, time.Second, time.Millisecond)

	err := h.Submit(ctx, Trigger{ID: "t2"})
	require.ErrorIs(t, err, ErrHandoffTimeout)

	close(proc.release)
	h.Stop()
	require.ErrorIs(t, h.Submit(ctx, Trigger{ID: "t3"}), ErrHandoffClosed)
}

func TestLocalHandoffSubmitHonoursContext(t *testing.T) {
	proc := &blockingProcessor{release: make(chan struct{})}
	h := NewLocalHandoff(proc, 1, 0, time.Minute, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, h.Submit(ctx, Trigger{ID: "t1"}), context.Canceled)
	h.Stop()
}

func TestLocalHandoffRunsWorker(t *testing.T) {
	s := store.NewMemory()
	w := worker.New(s, zerolog.Nop(), time.Second)
	worker.RegisterDefaults(w, ai.NewSyntheticProvider("", ""), nil)

	now := time.Now().UTC()
	low := addJob(t, s, 2, now)
	high := addJob(t, s, 8, now.Add(time.Second))

	h := NewLocalHandoff(w, 2, 10, time.Second, zerolog.Nop())
	h.Start(context.Background())
	d := NewDispatcher(s, h, "local", 10, zerolog.Nop())

	res, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Dispatched)
	h.Stop()

	for _, id := range []string{low.ID, high.ID} {
		got, err := s.GetJob(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, models.StatusCompleted, got.Status)
		require.Equal(t, 100, got.Progress)
	}
}
