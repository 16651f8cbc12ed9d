package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sql-task-queue/internal/models"
	"sql-task-queue/internal/telemetry"
)

// Timer roles, also used as metric labels.
const (
	RoleConsume = "consume"
	RoleFailed  = "failed"
	RoleHang    = "hang"
)

// Handler executes a freshly claimed task. A nil return completes the task;
// an error or panic fails it with backoff.
type Handler func(ctx context.Context, id int64, payload json.RawMessage) error

// FailedHandler gets a second look at a task whose earlier attempt failed.
// true completes it, false fails it again with the original error text, and
// an error or panic fails it fatally.
type FailedHandler func(ctx context.Context, id int64, payload json.RawMessage, errorText string) (bool, error)

// TaskQueue is the part of the queue the scheduler drives.
type TaskQueue interface {
	ConsumeTask(ctx context.Context, taskType string) (*models.ClaimedTask, error)
	ConsumeFailedTask(ctx context.Context, taskType string) (*models.FailedTask, error)
	CompleteSuccessTask(ctx context.Context, id int64) error
	CompleteFailedTask(ctx context.Context, id int64, errorText string) error
	CompleteFailedFatalTask(ctx context.Context, id int64, errorText string) error
	DropHangedTasks(ctx context.Context, taskType string) (int64, error)
	RestartHangedTasks(ctx context.Context, taskType string) (int64, error)
}

// CronQueueConfig binds handlers and timers to one task type. The failed lane
// runs when FailedHandler is set and FailedInterval is positive; the hang
// reaper runs when HangInterval is positive.
type CronQueueConfig struct {
	Type     string
	Interval time.Duration
	Handler  Handler

	FailedInterval time.Duration
	FailedHandler  FailedHandler

	HangInterval time.Duration
	HangPolicy   models.HangPolicy

	Logger *slog.Logger
	// OnError observes faults that could not be recorded on the task row:
	// store errors while claiming, double faults, and reaper errors.
	OnError func(role string, err error)
}

// CronQueue runs up to three non-overlapping timers for one task type.
type CronQueue struct {
	cfg     CronQueueConfig
	queue   TaskQueue
	logger  *slog.Logger
	pollers []*Poller
}

// NewCronQueue validates cfg and prepares the pollers. Nothing runs until Start.
func NewCronQueue(q TaskQueue, cfg CronQueueConfig) (*CronQueue, error) {
	if cfg.Type == "" {
		return nil, errors.New("cron queue: type is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("cron queue %s: handler is required", cfg.Type)
	}
	if cfg.HangInterval > 0 {
		if _, err := models.ParseHangPolicy(string(cfg.HangPolicy)); err != nil {
			return nil, fmt.Errorf("cron queue %s: %w", cfg.Type, err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &CronQueue{
		cfg:    cfg,
		queue:  q,
		logger: logger.With("type", cfg.Type),
	}

	if err := c.addPoller(RoleConsume, cfg.Interval, c.consumeOnce); err != nil {
		return nil, err
	}
	if cfg.FailedHandler != nil && cfg.FailedInterval > 0 {
		if err := c.addPoller(RoleFailed, cfg.FailedInterval, c.consumeFailedOnce); err != nil {
			return nil, err
		}
	}
	if cfg.HangInterval > 0 {
		if err := c.addPoller(RoleHang, cfg.HangInterval, c.reapOnce); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *CronQueue) addPoller(role string, interval time.Duration, run RunFunc) error {
	p, err := NewPoller(PollerConfig{
		Name:     c.cfg.Type + "/" + role,
		Interval: interval,
		Run:      run,
		Logger:   c.logger,
		OnError:  func(err error) { c.fault(role, err) },
		OnSkip: func() {
			telemetry.TicksSkipped.WithLabelValues(c.cfg.Type, role).Inc()
		},
	})
	if err != nil {
		return err
	}
	c.pollers = append(c.pollers, p)
	return nil
}

// Start launches every configured timer.
func (c *CronQueue) Start(ctx context.Context) {
	for _, p := range c.pollers {
		p.Start(ctx)
	}
	c.logger.Info("cron queue started", "timers", len(c.pollers))
}

// Stop halts every timer and waits for in-flight runs.
func (c *CronQueue) Stop() {
	for _, p := range c.pollers {
		p.Stop()
	}
	c.logger.Info("cron queue stopped")
}

func (c *CronQueue) fault(role string, err error) {
	telemetry.PollerFaults.WithLabelValues(c.cfg.Type, role).Inc()
	c.logger.Error("timer run failed", "role", role, "error", err)
	if c.cfg.OnError != nil {
		c.cfg.OnError(role, err)
	}
}

func (c *CronQueue) consumeOnce(ctx context.Context) error {
	task, err := c.queue.ConsumeTask(ctx, c.cfg.Type)
	if err != nil {
		return fmt.Errorf("consume %s task: %w", c.cfg.Type, err)
	}
	if task == nil {
		return nil
	}
	telemetry.TasksClaimed.WithLabelValues(c.cfg.Type, RoleConsume).Inc()

	start := time.Now()
	herr := safeCall(func() error { return c.cfg.Handler(ctx, task.ID, task.Payload) })
	telemetry.HandlerDuration.WithLabelValues(c.cfg.Type, RoleConsume).Observe(time.Since(start).Seconds())

	if herr == nil {
		err := c.queue.CompleteSuccessTask(ctx, task.ID)
		if err == nil {
			c.outcome(task.ID, "success")
			return nil
		}
		herr = fmt.Errorf("complete task: %w", err)
	}

	c.logger.Warn("task failed", "task_id", task.ID, "error", herr)
	if err := c.queue.CompleteFailedTask(ctx, task.ID, herr.Error()); err != nil {
		c.logger.Error("could not record task failure", "task_id", task.ID, "error", err, "cause", herr)
		return errors.Join(herr, fmt.Errorf("fail task %d: %w", task.ID, err))
	}
	c.outcome(task.ID, "failed")
	return nil
}

func (c *CronQueue) consumeFailedOnce(ctx context.Context) error {
	task, err := c.queue.ConsumeFailedTask(ctx, c.cfg.Type)
	if err != nil {
		return fmt.Errorf("consume failed %s task: %w", c.cfg.Type, err)
	}
	if task == nil {
		return nil
	}
	telemetry.TasksClaimed.WithLabelValues(c.cfg.Type, RoleFailed).Inc()

	var recovered bool
	start := time.Now()
	herr := safeCall(func() error {
		var err error
		recovered, err = c.cfg.FailedHandler(ctx, task.ID, task.Payload, task.ErrorText)
		return err
	})
	telemetry.HandlerDuration.WithLabelValues(c.cfg.Type, RoleFailed).Observe(time.Since(start).Seconds())

	if herr == nil {
		var err error
		outcome := "success"
		if recovered {
			err = c.queue.CompleteSuccessTask(ctx, task.ID)
		} else {
			outcome = "failed"
			err = c.queue.CompleteFailedTask(ctx, task.ID, task.ErrorText)
		}
		if err == nil {
			c.outcome(task.ID, outcome)
			return nil
		}
		herr = fmt.Errorf("record %s outcome: %w", outcome, err)
	}

	c.logger.Warn("task failed fatally", "task_id", task.ID, "error", herr, "previous_error", task.ErrorText)
	if err := c.queue.CompleteFailedFatalTask(ctx, task.ID, herr.Error()); err != nil {
		c.logger.Error("could not record fatal failure", "task_id", task.ID, "error", err, "cause", herr)
		return errors.Join(herr, fmt.Errorf("fail task %d fatally: %w", task.ID, err))
	}
	c.outcome(task.ID, "fatal")
	return nil
}

func (c *CronQueue) reapOnce(ctx context.Context) error {
	var (
		n   int64
		err error
	)
	switch c.cfg.HangPolicy {
	case models.HangDrop:
		n, err = c.queue.DropHangedTasks(ctx, c.cfg.Type)
	default:
		n, err = c.queue.RestartHangedTasks(ctx, c.cfg.Type)
	}
	if err != nil {
		return fmt.Errorf("reap hanged %s tasks: %w", c.cfg.Type, err)
	}
	if n > 0 {
		telemetry.TasksHanged.WithLabelValues(c.cfg.Type, string(c.cfg.HangPolicy)).Add(float64(n))
		c.logger.Warn("reaped hung tasks", "policy", c.cfg.HangPolicy, "count", n)
	}
	return nil
}

func (c *CronQueue) outcome(id int64, outcome string) {
	telemetry.TaskOutcomes.WithLabelValues(c.cfg.Type, outcome).Inc()
	c.logger.Debug("task completed", "task_id", id, "outcome", outcome)
}

// safeCall turns a panic in fn into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// RetryWith builds a failed-lane handler that runs h again. A nil error
// completes the task; any error leaves it failed for the next backoff round.
func RetryWith(h Handler) FailedHandler {
	return func(ctx context.Context, id int64, payload json.RawMessage, _ string) (bool, error) {
		return h(ctx, id, payload) == nil, nil
	}
}
