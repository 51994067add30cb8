// Package bootstrap builds the components shared by the api, worker and
// jobsctl binaries from a config.Config.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"creative-job-scheduler/internal/ai"
	"creative-job-scheduler/internal/config"
	"creative-job-scheduler/internal/queue"
	"creative-job-scheduler/internal/queue/rabbitmq"
	"creative-job-scheduler/internal/ratelimit"
	"creative-job-scheduler/internal/scheduler"
	"creative-job-scheduler/internal/store"
	"creative-job-scheduler/internal/worker"
)

// OpenStore connects the configured backend and installs its schema.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	dsn := cfg.DatabaseDSN
	if cfg.StoreDriver == "postgres" || cfg.StoreDriver == "" {
		dsn = cfg.PostgresDSN
	}
	st, err := store.Open(ctx, store.Options{
		Driver:   cfg.StoreDriver,
		DSN:      dsn,
		MaxConns: int32(cfg.DBMaxConns),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	if m, ok := st.(store.Migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return st, nil
}

// NewProvider resolves the configured AI provider. Without an API key the
// synthetic provider is used.
func NewProvider(cfg config.Config) (ai.Provider, error) {
	return ai.DefaultRegistry().Resolve(cfg.AIProvider, ai.Config{
		APIKey:     cfg.AIAPIKey,
		BaseURL:    cfg.AIBaseURL,
		TextModel:  cfg.AITextModel,
		ImageModel: cfg.AIImageModel,
		Referer:    cfg.AIReferer,
		AppTitle:   cfg.AIAppTitle,
		Timeout:    cfg.AIRequestTimeout,
	})
}

// NewWorker builds a worker with a handler for every job type.
func NewWorker(ctx context.Context, cfg config.Config, st store.Store, log zerolog.Logger) (*worker.Worker, error) {
	provider, err := NewProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("ai provider: %w", err)
	}
	archiver, err := worker.NewArchiver(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("image archiver: %w", err)
	}
	w := worker.New(st, log, cfg.JobTimeout)
	worker.RegisterDefaults(w, provider, archiver)
	log.Info().Str("provider", provider.Name()).Str("image_archive", cfg.ImageArchive).Msg("worker ready")
	return w, nil
}

// Handoff is a started transport plus the function that releases it.
type Handoff struct {
	scheduler.Handoff
	Close func()
}

// NewHandoff builds the dispatcher-side transport for cfg.HandoffBackend.
// The local backend runs triggers on proc inside this process; the redis and
// rabbitmq backends only publish and rely on cmd/worker to consume.
func NewHandoff(ctx context.Context, cfg config.Config, proc scheduler.Processor, log zerolog.Logger) (Handoff, error) {
	switch cfg.HandoffBackend {
	case "", "local":
		h := scheduler.NewLocalHandoff(proc, cfg.LocalWorkers, cfg.LocalBuffer, cfg.HandoffAckTimeout, log)
		h.Start(ctx)
		return Handoff{Handoff: h, Close: h.Stop}, nil
	case "redis":
		q := queue.NewRedisQueue(cfg)
		if err := q.Ping(ctx); err != nil {
			_ = q.Close()
			return Handoff{}, fmt.Errorf("redis handoff: %w", err)
		}
		return Handoff{Handoff: q, Close: func() { _ = q.Close() }}, nil
	case "rabbitmq":
		p, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return Handoff{}, fmt.Errorf("rabbitmq handoff: %w", err)
		}
		return Handoff{Handoff: p, Close: func() { _ = p.Close() }}, nil
	default:
		return Handoff{}, fmt.Errorf("unknown handoff backend %q", cfg.HandoffBackend)
	}
}

// NewDispatcher wires a dispatcher to h.
func NewDispatcher(cfg config.Config, st store.Store, h scheduler.Handoff, log zerolog.Logger) *scheduler.Dispatcher {
	backend := cfg.HandoffBackend
	if backend == "" {
		backend = "local"
	}
	return scheduler.NewDispatcher(st, h, backend, cfg.DispatchBatch, log)
}

// NewLimiter returns the per-user create limiter, or Unlimited when disabled.
// The returned close function releases the Redis client.
func NewLimiter(cfg config.Config) (ratelimit.Limiter, func()) {
	if !cfg.RateLimitEnabled {
		return ratelimit.Unlimited{}, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(client, "ratelimit:jobs:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	return limiter, func() { _ = client.Close() }
}
