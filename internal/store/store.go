// Package store holds the task table contract and its backends. Every
// backend must guarantee that a claim hands a given row to at most one
// caller; the scheduler relies on that and holds no locks of its own.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"sql-task-queue/internal/models"
)

// ErrNotFound is returned by Inspector.GetTask for unknown ids.
var ErrNotFound = errors.New("task not found")

const (
	// DefaultBackoffBase is the linear backoff unit applied per attempt.
	DefaultBackoffBase = 5 * time.Minute
	// DefaultSchema qualifies the task table when no schema is configured.
	DefaultSchema = "qc"
)

// Store is the task store contract. All claim and reap operations are scoped
// by task type; completions address a single row by id.
type Store interface {
	Init(ctx context.Context) error
	InsertTask(ctx context.Context, taskType string, payload json.RawMessage) (int64, error)
	// ConsumeTask claims the oldest New task. Returns (nil, nil) when none is eligible.
	ConsumeTask(ctx context.Context, taskType string) (*models.ClaimedTask, error)
	// ConsumeFailedTask claims an Error task whose delay has elapsed. Returns
	// (nil, nil) when none is eligible.
	ConsumeFailedTask(ctx context.Context, taskType string) (*models.FailedTask, error)
	CompleteSuccessTask(ctx context.Context, id int64) error
	CompleteFailedTask(ctx context.Context, id int64, errorText string) error
	CompleteFailedFatalTask(ctx context.Context, id int64, errorText string) error
	DropHangedTasks(ctx context.Context, taskType string) (int64, error)
	RestartHangedTasks(ctx context.Context, taskType string) (int64, error)
}

// Inspector is implemented by backends that can read a task row back.
type Inspector interface {
	GetTask(ctx context.Context, id int64) (models.Task, error)
}

// Options are backend-level settings shared by all backends.
type Options struct {
	// Schema qualifies the task table (SQL backends only).
	Schema string
	// BackoffBase is multiplied by the attempt count when a task fails.
	BackoffBase time.Duration
	// HangLag is how long a task may sit InProgress without updates before the
	// reaper treats it as hung. Zero or negative makes every InProgress task
	// eligible.
	HangLag time.Duration
}

func (o Options) withDefaults() Options {
	if o.Schema == "" {
		o.Schema = DefaultSchema
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	return o
}

func nullableText(v string) any {
	if v == "" {
		return nil
	}
	return v
}
