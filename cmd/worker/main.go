package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"creative-job-scheduler/internal/bootstrap"
	"creative-job-scheduler/internal/config"
	"creative-job-scheduler/internal/logging"
	"creative-job-scheduler/internal/queue"
	"creative-job-scheduler/internal/queue/rabbitmq"
	"creative-job-scheduler/internal/telemetry"
	"creative-job-scheduler/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	telemetry.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	w, err := bootstrap.NewWorker(ctx, cfg, st, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build worker")
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	defer metrics.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consume(gctx, cfg, w, log) })

	// With DISPATCH_INTERVAL set this process is its own timer; otherwise
	// ticks come from POST /scheduler or jobsctl.
	if cfg.DispatchInterval > 0 {
		handoff, err := bootstrap.NewHandoff(gctx, cfg, w, log)
		if err != nil {
			log.Fatal().Err(err).Msg("build handoff")
		}
		defer handoff.Close()
		d := bootstrap.NewDispatcher(cfg, st, handoff, log)
		g.Go(func() error { return d.Run(gctx, cfg.DispatchInterval) })
	}

	log.Info().
		Str("handoff", cfg.HandoffBackend).
		Dur("dispatch_interval", cfg.DispatchInterval).
		Dur("job_timeout", cfg.JobTimeout).
		Msg("worker started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}
}

// consume drains the configured transport. The local backend has nothing to
// consume from another process, so it polls the store directly.
func consume(ctx context.Context, cfg config.Config, w *worker.Worker, log zerolog.Logger) error {
	switch cfg.HandoffBackend {
	case "redis":
		q := queue.NewRedisQueue(cfg)
		defer q.Close()
		return queue.NewConsumer(q, w, cfg.WorkerPollInterval, log).Run(ctx)
	case "rabbitmq":
		c, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, w, cfg.LocalWorkers, log)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Run(ctx)
	default:
		return poll(ctx, w, cfg.WorkerPollInterval, log)
	}
}

func poll(ctx context.Context, w *worker.Worker, interval time.Duration, log zerolog.Logger) error {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		out, err := w.ProcessNext(ctx)
		if err != nil {
			log.Error().Err(err).Msg("process next")
		}
		if err == nil && out.Processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
