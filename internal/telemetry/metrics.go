package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksInserted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "taskqueue_tasks_inserted_total", Help: "Tasks inserted by producers"}, []string{"type"})
	TasksClaimed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "taskqueue_tasks_claimed_total", Help: "Tasks claimed by a consumer lane"}, []string{"type", "lane"})
	TaskOutcomes     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "taskqueue_task_outcomes_total", Help: "Task completions by outcome (success, failed, fatal)"}, []string{"type", "outcome"})
	TasksHanged      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "taskqueue_tasks_hanged_total", Help: "Hung tasks reaped"}, []string{"type", "policy"})
	TicksSkipped     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "taskqueue_ticks_skipped_total", Help: "Timer ticks dropped because the previous run was still in progress"}, []string{"type", "role"})
	PollerFaults     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "taskqueue_poller_faults_total", Help: "Errors and panics swallowed by timer runs"}, []string{"type", "role"})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "taskqueue_rate_limit_rejects_total", Help: "Insert requests rejected by the rate limiter"}, []string{"type"})
	HandlerDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskqueue_handler_duration_seconds",
		Help:    "Handler execution time",
		Buckets: prometheus.DefBuckets,
	}, []string{"type", "lane"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksInserted,
			TasksClaimed,
			TaskOutcomes,
			TasksHanged,
			TicksSkipped,
			PollerFaults,
			RateLimitRejects,
			HandlerDuration,
		)
	})
	return promhttp.Handler()
}
