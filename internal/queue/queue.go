// Package queue is the caller-facing task queue. It wraps a store.Store and
// encodes payloads as JSON; every other operation delegates to the store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"sql-task-queue/internal/models"
	"sql-task-queue/internal/store"
)

// ErrEmptyType is returned when a task type is blank.
var ErrEmptyType = errors.New("task type is required")

// Queue coordinates producers, consumers, and reapers over one store.
type Queue struct {
	store store.Store
}

// New builds a queue over s.
func New(s store.Store) *Queue {
	return &Queue{store: s}
}

// Store returns the backing store.
func (q *Queue) Store() store.Store { return q.store }

// Init provisions the backing store. Safe to call on every startup.
func (q *Queue) Init(ctx context.Context) error {
	return q.store.Init(ctx)
}

// InsertTask stores payload as a New task of taskType. Raw JSON and byte
// slices are stored as-is; anything else is marshalled.
func (q *Queue) InsertTask(ctx context.Context, taskType string, payload any) (int64, error) {
	if taskType == "" {
		return 0, ErrEmptyType
	}
	body, err := encode(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", taskType, err)
	}
	return q.store.InsertTask(ctx, taskType, body)
}

func encode(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("invalid json")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("invalid json")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

// ConsumeTask claims the oldest New task of taskType, or returns nil.
func (q *Queue) ConsumeTask(ctx context.Context, taskType string) (*models.ClaimedTask, error) {
	return q.store.ConsumeTask(ctx, taskType)
}

// ConsumeFailedTask claims a retry-eligible Error task of taskType, or
// returns nil. ErrorText carries the failure recorded before the claim.
func (q *Queue) ConsumeFailedTask(ctx context.Context, taskType string) (*models.FailedTask, error) {
	return q.store.ConsumeFailedTask(ctx, taskType)
}

func (q *Queue) CompleteSuccessTask(ctx context.Context, id int64) error {
	return q.store.CompleteSuccessTask(ctx, id)
}

func (q *Queue) CompleteFailedTask(ctx context.Context, id int64, errorText string) error {
	return q.store.CompleteFailedTask(ctx, id, errorText)
}

func (q *Queue) CompleteFailedFatalTask(ctx context.Context, id int64, errorText string) error {
	return q.store.CompleteFailedFatalTask(ctx, id, errorText)
}

// DropHangedTasks fails hung tasks of taskType so the failed lane picks them up.
func (q *Queue) DropHangedTasks(ctx context.Context, taskType string) (int64, error) {
	return q.store.DropHangedTasks(ctx, taskType)
}

// RestartHangedTasks returns hung tasks of taskType to New.
func (q *Queue) RestartHangedTasks(ctx context.Context, taskType string) (int64, error) {
	return q.store.RestartHangedTasks(ctx, taskType)
}

// ReapHanged applies policy to the hung tasks of taskType.
func (q *Queue) ReapHanged(ctx context.Context, taskType string, policy models.HangPolicy) (int64, error) {
	switch policy {
	case models.HangDrop:
		return q.DropHangedTasks(ctx, taskType)
	case models.HangRestart:
		return q.RestartHangedTasks(ctx, taskType)
	default:
		return 0, fmt.Errorf("unknown hang policy %q", policy)
	}
}

// Decode unmarshals a claimed payload into T.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}
