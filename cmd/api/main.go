package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "creative-job-scheduler/internal/api"
	"creative-job-scheduler/internal/bootstrap"
	"creative-job-scheduler/internal/config"
	"creative-job-scheduler/internal/jobs"
	"creative-job-scheduler/internal/logging"
	"creative-job-scheduler/internal/telemetry"
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
	handoff, err := bootstrap.NewHandoff(ctx, cfg, w, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build handoff")
	}
	defer handoff.Close()

	limiter, closeLimiter := bootstrap.NewLimiter(cfg)
	defer closeLimiter()

	server := api.New(api.Options{
		Manager:       jobs.NewManager(st, log),
		Dispatcher:    bootstrap.NewDispatcher(cfg, st, handoff, log),
		Worker:        w,
		Limiter:       limiter,
		JWTSecret:     cfg.JWTSecret,
		InternalToken: cfg.InternalToken,
		Logger:        log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Str("store", cfg.StoreDriver).Str("handoff", cfg.HandoffBackend).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
}
