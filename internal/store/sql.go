package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sql-task-queue/internal/models"
)

// SQLStore keeps tasks in a relational table. Claims run in a transaction
// that picks one row with the dialect's skip-locked read and then moves it
// to InProgress with an update guarded by the status it was picked in.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   string
	opts    Options
	q       sqlQueries
}

type sqlQueries struct {
	insert         string
	pickNew        string
	pickFailed     string
	claim          string
	completeOK     string
	completeFailed string
	completeFatal  string
	dropHanged     string
	restartHanged  string
	get            string
}

// NewSQLStore builds a store over db. The dialect is fixed for the lifetime
// of the store.
func NewSQLStore(db *sql.DB, dialect Dialect, opts Options) *SQLStore {
	opts = opts.withDefaults()
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		table:   dialect.qualify(opts.Schema, "task"),
		opts:    opts,
	}
	s.q = s.buildQueries()
	return s
}

func (s *SQLStore) buildQueries() sqlQueries {
	d, t, now := s.dialect, s.table, s.dialect.Now
	return sqlQueries{
		insert: d.insert(t),
		pickNew: d.pickOne(t, fmt.Sprintf("type = %s AND status = %d",
			d.bind(1), models.StatusNew)),
		pickFailed: d.pickOne(t, fmt.Sprintf("type = %s AND status = %d AND delayed_to < %s",
			d.bind(1), models.StatusError, now)),
		claim: fmt.Sprintf(`UPDATE %s SET status = %d, attempt = attempt + 1, begin_time = %s, end_time = NULL, error_text = NULL, delayed_to = NULL, updated = %s WHERE id = %s AND status = %s`,
			t, models.StatusInProgress, now, now, d.bind(1), d.bind(2)),
		completeOK: fmt.Sprintf(`UPDATE %s SET status = %d, end_time = %s, delayed_to = NULL, error_text = NULL, updated = %s WHERE id = %s`,
			t, models.StatusCompleted, now, now, d.bind(1)),
		completeFailed: fmt.Sprintf(`UPDATE %s SET status = %d, end_time = %s, delayed_to = %s, error_text = %s, updated = %s WHERE id = %s`,
			t, models.StatusError, now, d.delayedTo(s.opts.BackoffBase), d.bind(1), now, d.bind(2)),
		completeFatal: fmt.Sprintf(`UPDATE %s SET status = %d, end_time = %s, delayed_to = NULL, error_text = %s, updated = %s WHERE id = %s`,
			t, models.StatusFatalError, now, d.bind(1), now, d.bind(2)),
		dropHanged: fmt.Sprintf(`UPDATE %s SET status = %d, end_time = %s, delayed_to = %s, error_text = %s, updated = %s WHERE status = %d AND type = %s AND updated < %s`,
			t, models.StatusError, now, now, d.bind(1), now, models.StatusInProgress, d.bind(2), d.staleBefore(s.opts.HangLag)),
		restartHanged: fmt.Sprintf(`UPDATE %s SET status = %d, attempt = attempt + 1, begin_time = NULL, end_time = NULL, error_text = NULL, delayed_to = NULL, updated = %s WHERE status = %d AND type = %s AND updated < %s`,
			t, models.StatusNew, now, models.StatusInProgress, d.bind(1), d.staleBefore(s.opts.HangLag)),
		get: fmt.Sprintf(`SELECT id, type, json, status, attempt, begin_time, end_time, delayed_to, error_text, created, updated FROM %s WHERE id = %s`,
			t, d.bind(1)),
	}
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the dialect the store was built with.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// InsertTask adds a New row and returns its id.
func (s *SQLStore) InsertTask(ctx context.Context, taskType string, payload json.RawMessage) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, s.q.insert, taskType, string(payload)).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// ConsumeTask claims the oldest New task of taskType.
func (s *SQLStore) ConsumeTask(ctx context.Context, taskType string) (*models.ClaimedTask, error) {
	row, err := s.claim(ctx, s.q.pickNew, taskType, models.StatusNew)
	if err != nil || row == nil {
		return nil, err
	}
	return &models.ClaimedTask{ID: row.id, Payload: row.payload}, nil
}

// ConsumeFailedTask claims an Error task of taskType whose delay elapsed.
func (s *SQLStore) ConsumeFailedTask(ctx context.Context, taskType string) (*models.FailedTask, error) {
	row, err := s.claim(ctx, s.q.pickFailed, taskType, models.StatusError)
	if err != nil || row == nil {
		return nil, err
	}
	return &models.FailedTask{ID: row.id, Payload: row.payload, ErrorText: row.errorText.String}, nil
}

type claimedRow struct {
	id        int64
	payload   json.RawMessage
	errorText sql.NullString
}

func (s *SQLStore) claim(ctx context.Context, pick, taskType string, from models.Status) (*claimedRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var (
		row  claimedRow
		body string
	)
	err = tx.QueryRowContext(ctx, pick, taskType).Scan(&row.id, &body, &row.errorText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pick %s task: %w", from, err)
	}

	res, err := tx.ExecContext(ctx, s.q.claim, row.id, int(from))
	if err != nil {
		return nil, fmt.Errorf("claim task %d: %w", row.id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim task %d: %w", row.id, err)
	}
	if n == 0 {
		// Another claimant moved the row between our read and update.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	row.payload = json.RawMessage(body)
	return &row, nil
}

// CompleteSuccessTask marks the task Completed.
func (s *SQLStore) CompleteSuccessTask(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, s.q.completeOK, id); err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	return nil
}

// CompleteFailedTask moves the task to Error and delays it by
// BackoffBase times the attempt count stored on the row.
func (s *SQLStore) CompleteFailedTask(ctx context.Context, id int64, errorText string) error {
	if _, err := s.db.ExecContext(ctx, s.q.completeFailed, nullableText(errorText), id); err != nil {
		return fmt.Errorf("fail task %d: %w", id, err)
	}
	return nil
}

// CompleteFailedFatalTask moves the task to FatalError. It is never retried.
func (s *SQLStore) CompleteFailedFatalTask(ctx context.Context, id int64, errorText string) error {
	if _, err := s.db.ExecContext(ctx, s.q.completeFatal, nullableText(errorText), id); err != nil {
		return fmt.Errorf("fail task %d fatally: %w", id, err)
	}
	return nil
}

// DropHangedTasks moves hung tasks to Error, immediately eligible for the
// failed lane.
func (s *SQLStore) DropHangedTasks(ctx context.Context, taskType string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q.dropHanged, models.HangedErrorText, taskType)
	if err != nil {
		return 0, fmt.Errorf("drop hanged %s tasks: %w", taskType, err)
	}
	return res.RowsAffected()
}

// RestartHangedTasks puts hung tasks back to New with one more attempt.
func (s *SQLStore) RestartHangedTasks(ctx context.Context, taskType string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q.restartHanged, taskType)
	if err != nil {
		return 0, fmt.Errorf("restart hanged %s tasks: %w", taskType, err)
	}
	return res.RowsAffected()
}

// GetTask reads a task row by id.
func (s *SQLStore) GetTask(ctx context.Context, id int64) (models.Task, error) {
	var (
		task                        models.Task
		body                        string
		status                      int
		beginTime, endTime, delayed sql.NullTime
		errText                     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.q.get, id).Scan(
		&task.ID, &task.Type, &body, &status, &task.Attempt,
		&beginTime, &endTime, &delayed, &errText, &task.Created, &task.Updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task %d: %w", id, err)
	}
	task.Payload = json.RawMessage(body)
	task.Status = models.Status(status)
	task.BeginTime = timePtr(beginTime)
	task.EndTime = timePtr(endTime)
	task.DelayedTo = timePtr(delayed)
	if errText.Valid {
		task.ErrorText = &errText.String
	}
	return task, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
