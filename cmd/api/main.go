package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "sql-task-queue/internal/api"
	"sql-task-queue/internal/config"
	"sql-task-queue/internal/queue"
	"sql-task-queue/internal/ratelimit"
	"sql-task-queue/internal/store"
	"sql-task-queue/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("connect store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	q := queue.New(backend)
	if err := q.Init(ctx); err != nil {
		logger.Error("init store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}

	var limiter api.Limiter
	bucket, err := ratelimit.Open(ctx, cfg)
	if err != nil {
		logger.Error("connect rate limiter", "redis_addr", cfg.RedisAddr, "error", err,
			"hint", "set RATE_LIMIT_CAPACITY=0 to run without throttling")
		os.Exit(1)
	}
	if bucket != nil {
		defer bucket.Close()
		limiter = bucket
	}

	server := api.New(q, backend, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "backend", cfg.StoreBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
