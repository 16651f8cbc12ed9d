package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"sql-task-queue/internal/config"
	"sql-task-queue/internal/models"
	"sql-task-queue/internal/queue"
	"sql-task-queue/internal/store"
	"sql-task-queue/internal/telemetry"
	"sql-task-queue/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = uuid.NewString()
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname + "-" + workerID[:8]
		}
	}
	logger = logger.With("worker_id", workerID)

	policy, err := models.ParseHangPolicy(cfg.HangPolicy)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

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

	// Whatever a previous run left in flight is reaped before consuming.
	for _, taskType := range cfg.QueueTypes {
		n, err := q.ReapHanged(ctx, taskType, policy)
		if err != nil {
			logger.Error("startup hang sweep failed", "type", taskType, "error", err)
			continue
		}
		if n > 0 {
			telemetry.TasksHanged.WithLabelValues(taskType, string(policy)).Add(float64(n))
			logger.Warn("startup hang sweep", "type", taskType, "policy", policy, "count", n)
		}
	}

	var queues []*worker.CronQueue
	for _, taskType := range cfg.QueueTypes {
		handler, failed, err := handlersFor(ctx, cfg, taskType, logger)
		if err != nil {
			logger.Error("init handler", "type", taskType, "error", err)
			os.Exit(1)
		}
		cq, err := worker.NewCronQueue(q, worker.CronQueueConfig{
			Type:           taskType,
			Interval:       cfg.ConsumerInterval,
			Handler:        handler,
			FailedInterval: cfg.FailedInterval,
			FailedHandler:  failed,
			HangInterval:   cfg.HangInterval,
			HangPolicy:     policy,
			Logger:         logger,
		})
		if err != nil {
			logger.Error("init cron queue", "type", taskType, "error", err)
			os.Exit(1)
		}
		cq.Start(ctx)
		queues = append(queues, cq)
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"backend", cfg.StoreBackend,
		"types", cfg.QueueTypes,
		"backoff_base", cfg.BackoffBase,
		"hang_lag", cfg.HangLag,
		"hang_policy", policy,
	)
	<-ctx.Done()

	logger.Info("shutting down")
	for _, cq := range queues {
		cq.Stop()
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}

// handlersFor picks the handlers for a task type. image:resize gets the image
// pipeline; every other type gets a handler that logs the payload.
func handlersFor(ctx context.Context, cfg config.Config, taskType string, logger *slog.Logger) (worker.Handler, worker.FailedHandler, error) {
	if taskType == worker.ImageResizeType {
		h, err := worker.NewImageHandler(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return h.Handle, h.Recover, nil
	}
	logTask := func(_ context.Context, id int64, payload json.RawMessage) error {
		logger.Info("task received", "type", taskType, "task_id", id, "payload", string(payload))
		return nil
	}
	return logTask, worker.RetryWith(logTask), nil
}
