package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sql-task-queue/internal/models"
	"sql-task-queue/internal/queue"
	"sql-task-queue/internal/store"
	"sql-task-queue/internal/telemetry"
)

const maxPayloadBytes = 1 << 20

// Limiter throttles inserts per task type.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the producer and admin API.
type Server struct {
	queue     *queue.Queue
	inspector store.Inspector
	limiter   Limiter
	logger    *slog.Logger
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(q *queue.Queue, inspector store.Inspector, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		queue:     q,
		inspector: inspector,
		limiter:   limiter,
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/queues/{type}/tasks", s.handleInsert)
	r.Post("/queues/{type}/hanged/{policy}", s.handleReap)
	r.Get("/tasks/{id}", s.handleGetTask)
	return r
}

type insertResponse struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, "type")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if len(body) > maxPayloadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), taskType)
		if err != nil {
			s.logger.Error("rate limiter failed", "type", taskType, "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.WithLabelValues(taskType).Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	id, err := s.queue.InsertTask(r.Context(), taskType, json.RawMessage(body))
	if err != nil {
		s.logger.Error("insert task failed", "type", taskType, "error", err)
		writeError(w, http.StatusInternalServerError, "insert failed")
		return
	}
	telemetry.TasksInserted.WithLabelValues(taskType).Inc()
	writeJSON(w, http.StatusAccepted, insertResponse{ID: id, Type: taskType})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.inspector.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task failed", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleReap runs one hang sweep for a type on demand.
func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, "type")
	policy, err := models.ParseHangPolicy(chi.URLParam(r, "policy"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.queue.ReapHanged(r.Context(), taskType, policy)
	if err != nil {
		s.logger.Error("reap hanged tasks failed", "type", taskType, "policy", policy, "error", err)
		writeError(w, http.StatusInternalServerError, "reap failed")
		return
	}
	if n > 0 {
		telemetry.TasksHanged.WithLabelValues(taskType, string(policy)).Add(float64(n))
		s.logger.Info("reaped hung tasks", "type", taskType, "policy", policy, "count", n)
	}
	writeJSON(w, http.StatusOK, map[string]any{"type": taskType, "policy": policy, "count": n})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
