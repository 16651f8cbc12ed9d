package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"sql-task-queue/internal/models"
)

// clockSlack absorbs the gap between the backend clock and time.Now in tests.
const clockSlack = 3 * time.Second

type testBackend interface {
	Store
	Inspector
}

// harness lets backend-agnostic tests rewind timestamps on a single task.
type harness struct {
	store testBackend
	// age moves the task's updated timestamp d into the past.
	age func(t *testing.T, id int64, d time.Duration)
	// expire moves an Error task's delayed_to into the past.
	expire func(t *testing.T, id int64)
}

type harnessFactory func(t *testing.T, opts Options) harness

func runContract(t *testing.T, newHarness harnessFactory) {
	t.Run("EndToEndSuccess", func(t *testing.T) { testEndToEndSuccess(t, newHarness(t, Options{})) })
	t.Run("FIFO", func(t *testing.T) { testFIFO(t, newHarness(t, Options{})) })
	t.Run("TypeScoping", func(t *testing.T) { testTypeScoping(t, newHarness(t, Options{})) })
	t.Run("MutualExclusion", func(t *testing.T) { testMutualExclusion(t, newHarness(t, Options{})) })
	t.Run("Backoff", func(t *testing.T) { testBackoff(t, newHarness(t, Options{BackoffBase: time.Hour})) })
	t.Run("AttemptMonotonic", func(t *testing.T) { testAttemptMonotonic(t, newHarness(t, Options{HangLag: time.Hour})) })
	t.Run("TerminalSticky", func(t *testing.T) { testTerminalSticky(t, newHarness(t, Options{HangLag: time.Hour})) })
	t.Run("HangDrop", func(t *testing.T) { testHangDrop(t, newHarness(t, Options{HangLag: time.Hour})) })
	t.Run("HangRestart", func(t *testing.T) { testHangRestart(t, newHarness(t, Options{HangLag: time.Hour})) })
	t.Run("NonPositiveLagReapsEverything", func(t *testing.T) { testNonPositiveLag(t, newHarness(t, Options{HangLag: -time.Hour})) })
	t.Run("FatalPath", func(t *testing.T) { testFatalPath(t, newHarness(t, Options{})) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newHarness(t, Options{})) })
}

func mustInsert(t *testing.T, s Store, taskType, payload string) int64 {
	t.Helper()
	id, err := s.InsertTask(context.Background(), taskType, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func mustConsume(t *testing.T, s Store, taskType string) *models.ClaimedTask {
	t.Helper()
	task, err := s.ConsumeTask(context.Background(), taskType)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if task == nil {
		t.Fatalf("expected a %s task, got none", taskType)
	}
	return task
}

func mustConsumeFailed(t *testing.T, s Store, taskType string) *models.FailedTask {
	t.Helper()
	task, err := s.ConsumeFailedTask(context.Background(), taskType)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if task == nil {
		t.Fatalf("expected a failed %s task, got none", taskType)
	}
	return task
}

func expectNoTask(t *testing.T, s Store, taskType string) {
	t.Helper()
	task, err := s.ConsumeTask(context.Background(), taskType)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no %s task, got id=%d", taskType, task.ID)
	}
}

func expectNoFailedTask(t *testing.T, s Store, taskType string) {
	t.Helper()
	task, err := s.ConsumeFailedTask(context.Background(), taskType)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no failed %s task, got id=%d", taskType, task.ID)
	}
}

func mustGet(t *testing.T, s Inspector, id int64) models.Task {
	t.Helper()
	task, err := s.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %d: %v", id, err)
	}
	return task
}

func expectStatus(t *testing.T, task models.Task, status models.Status, attempt int) {
	t.Helper()
	if task.Status != status {
		t.Fatalf("task %d: expected status %s, got %s", task.ID, status, task.Status)
	}
	if task.Attempt != attempt {
		t.Fatalf("task %d: expected attempt %d, got %d", task.ID, attempt, task.Attempt)
	}
}

func expectNear(t *testing.T, what string, got *time.Time, want time.Time) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: expected a timestamp near %s, got nil", what, want)
	}
	if d := got.Sub(want); d > clockSlack || d < -clockSlack {
		t.Fatalf("%s: got %s, want %s (±%s)", what, got, want, clockSlack)
	}
}

func testEndToEndSuccess(t *testing.T, h harness) {
	ctx := context.Background()
	s := h.store
	id := mustInsert(t, s, "t", `{"x":1}`)

	created := mustGet(t, s, id)
	expectStatus(t, created, models.StatusNew, 0)

	claimed := mustConsume(t, s, "t")
	if claimed.ID != id {
		t.Fatalf("claimed id %d, inserted %d", claimed.ID, id)
	}
	if string(claimed.Payload) != `{"x":1}` {
		t.Fatalf("unexpected payload %s", claimed.Payload)
	}
	inFlight := mustGet(t, s, id)
	expectStatus(t, inFlight, models.StatusInProgress, 1)
	expectNear(t, "begin_time", inFlight.BeginTime, time.Now())

	if err := s.CompleteSuccessTask(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done := mustGet(t, s, id)
	expectStatus(t, done, models.StatusCompleted, 1)
	expectNear(t, "end_time", done.EndTime, time.Now())
	if done.ErrorText != nil || done.DelayedTo != nil {
		t.Fatalf("completed task should clear error_text and delayed_to: %+v", done)
	}
	expectNoTask(t, s, "t")
}

func testFIFO(t *testing.T, h harness) {
	s := h.store
	var ids []int64
	for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		ids = append(ids, mustInsert(t, s, "fifo", p))
	}
	for i, want := range ids {
		got := mustConsume(t, s, "fifo")
		if got.ID != want {
			t.Fatalf("claim %d: expected id %d, got %d", i, want, got.ID)
		}
	}
	expectNoTask(t, s, "fifo")
}

func testTypeScoping(t *testing.T, h harness) {
	s := h.store
	mustInsert(t, s, "a", `{}`)
	expectNoTask(t, s, "b")
	mustConsume(t, s, "a")
}

func testMutualExclusion(t *testing.T, h harness) {
	s := h.store
	id := mustInsert(t, s, "race", `{}`)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int64
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			task, err := s.ConsumeTask(context.Background(), "race")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if task != nil {
				winners = append(winners, task.ID)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("consume errors: %v", errs)
	}
	if len(winners) != 1 || winners[0] != id {
		t.Fatalf("expected exactly one claimant of %d, got %v", id, winners)
	}
	expectStatus(t, mustGet(t, s, id), models.StatusInProgress, 1)
}

func testBackoff(t *testing.T, h harness) {
	ctx := context.Background()
	s := h.store
	id := mustInsert(t, s, "retry", `{}`)
	mustConsume(t, s, "retry")

	if err := s.CompleteFailedTask(ctx, id, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	failed := mustGet(t, s, id)
	expectStatus(t, failed, models.StatusError, 1)
	if failed.ErrorText == nil || *failed.ErrorText != "boom" {
		t.Fatalf("expected error text boom, got %v", failed.ErrorText)
	}
	if failed.EndTime == nil {
		t.Fatalf("expected end_time on failed task")
	}
	expectNear(t, "delayed_to after attempt 1", failed.DelayedTo, failed.EndTime.Add(time.Hour))

	// Not eligible before the delay elapses.
	expectNoFailedTask(t, s, "retry")
	expectNoTask(t, s, "retry")

	h.expire(t, id)
	retried := mustConsumeFailed(t, s, "retry")
	if retried.ID != id || retried.ErrorText != "boom" {
		t.Fatalf("unexpected failed claim %+v", retried)
	}
	inFlight := mustGet(t, s, id)
	expectStatus(t, inFlight, models.StatusInProgress, 2)
	if inFlight.ErrorText != nil || inFlight.DelayedTo != nil {
		t.Fatalf("claim should clear error_text and delayed_to: %+v", inFlight)
	}

	if err := s.CompleteFailedTask(ctx, id, retried.ErrorText); err != nil {
		t.Fatalf("fail again: %v", err)
	}
	again := mustGet(t, s, id)
	expectStatus(t, again, models.StatusError, 2)
	expectNear(t, "delayed_to after attempt 2", again.DelayedTo, again.EndTime.Add(2*time.Hour))
}

func testAttemptMonotonic(t *testing.T, h harness) {
	ctx := context.Background()
	s := h.store
	id := mustInsert(t, s, "mono", `{}`)

	mustConsume(t, s, "mono")
	expectStatus(t, mustGet(t, s, id), models.StatusInProgress, 1)

	if err := s.CompleteFailedTask(ctx, id, "x"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	expectStatus(t, mustGet(t, s, id), models.StatusError, 1)

	h.expire(t, id)
	mustConsumeFailed(t, s, "mono")
	expectStatus(t, mustGet(t, s, id), models.StatusInProgress, 2)

	h.age(t, id, 2*time.Hour)
	if n, err := s.RestartHangedTasks(ctx, "mono"); err != nil || n != 1 {
		t.Fatalf("restart: n=%d err=%v", n, err)
	}
	expectStatus(t, mustGet(t, s, id), models.StatusNew, 3)

	mustConsume(t, s, "mono")
	expectStatus(t, mustGet(t, s, id), models.StatusInProgress, 4)
}

func testTerminalSticky(t *testing.T, h harness) {
	ctx := context.Background()
	s := h.store
	okID := mustInsert(t, s, "sticky", `{"ok":true}`)
	mustConsume(t, s, "sticky")
	if err := s.CompleteSuccessTask(ctx, okID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	fatalID := mustInsert(t, s, "sticky", `{"ok":false}`)
	mustConsume(t, s, "sticky")
	if err := s.CompleteFailedFatalTask(ctx, fatalID, "bad input"); err != nil {
		t.Fatalf("fatal: %v", err)
	}

	h.age(t, okID, 3*time.Hour)
	h.age(t, fatalID, 3*time.Hour)

	expectNoTask(t, s, "sticky")
	expectNoFailedTask(t, s, "sticky")
	if n, err := s.DropHangedTasks(ctx, "sticky"); err != nil || n != 0 {
		t.Fatalf("drop: n=%d err=%v", n, err)
	}
	if n, err := s.RestartHangedTasks(ctx, "sticky"); err != nil || n != 0 {
		t.Fatalf("restart: n=%d err=%v", n, err)
	}

	expectStatus(t, mustGet(t, s, okID), models.StatusCompleted, 1)
	fatal := mustGet(t, s, fatalID)
	expectStatus(t, fatal, models.StatusFatalError, 1)
	if fatal.ErrorText == nil || *fatal.ErrorText != "bad input" || fatal.DelayedTo != nil {
		t.Fatalf("unexpected fatal row %+v", fatal)
	}
}

func testHangDrop(t *testing.T, h harness) {
	ctx := context.Background()
	s := h.store
	stale := mustInsert(t, s, "hang", `{}`)
	fresh := mustInsert(t, s, "hang", `{}`)
	mustConsume(t, s, "hang")
	mustConsume(t, s, "hang")
	h.age(t, stale, 2*time.Hour)

	n, err := s.DropHangedTasks(ctx, "hang")
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 dropped task, got %d", n)
	}

	dropped := mustGet(t, s, stale)
	expectStatus(t, dropped, models.StatusError, 1)
	if dropped.ErrorText == nil || *dropped.ErrorText != models.HangedErrorText {
		t.Fatalf("expected hanged error text, got %v", dropped.ErrorText)
	}
	expectNear(t, "delayed_to", dropped.DelayedTo, time.Now())
	expectStatus(t, mustGet(t, s, fresh), models.StatusInProgress, 1)

	time.Sleep(20 * time.Millisecond)
	retried := mustConsumeFailed(t, s, "hang")
	if retried.ID != stale || retried.ErrorText != models.HangedErrorText {
		t.Fatalf("unexpected failed claim %+v", retried)
	}
}

func testHangRestart(t *testing.T, h harness) {
	ctx := context.Background()
	s := h.store
	stale := mustInsert(t, s, "hang", `{"keep":"me"}`)
	fresh := mustInsert(t, s, "hang", `{}`)
	mustConsume(t, s, "hang")
	mustConsume(t, s, "hang")
	h.age(t, stale, 2*time.Hour)

	n, err := s.RestartHangedTasks(ctx, "hang")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 restarted task, got %d", n)
	}

	restarted := mustGet(t, s, stale)
	expectStatus(t, restarted, models.StatusNew, 2)
	if restarted.BeginTime != nil || restarted.EndTime != nil || restarted.ErrorText != nil || restarted.DelayedTo != nil {
		t.Fatalf("restart should clear timestamps and error: %+v", restarted)
	}
	expectStatus(t, mustGet(t, s, fresh), models.StatusInProgress, 1)

	again := mustConsume(t, s, "hang")
	if again.ID != stale || string(again.Payload) != `{"keep":"me"}` {
		t.Fatalf("unexpected reclaim %+v", again)
	}
}

func testNonPositiveLag(t *testing.T, h harness) {
	s := h.store
	id := mustInsert(t, s, "eager", `{}`)
	mustConsume(t, s, "eager")

	n, err := s.DropHangedTasks(context.Background(), "eager")
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if n != 1 {
		t.Fatalf("negative lag should reap a just-claimed task, dropped %d", n)
	}
	expectStatus(t, mustGet(t, s, id), models.StatusError, 1)
}

func testFatalPath(t *testing.T, h harness) {
	ctx := context.Background()
	s := h.store
	id := mustInsert(t, s, "doomed", `{}`)
	mustConsume(t, s, "doomed")
	if err := s.CompleteFailedTask(ctx, id, "first"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	h.expire(t, id)
	mustConsumeFailed(t, s, "doomed")
	if err := s.CompleteFailedFatalTask(ctx, id, "panic in retry"); err != nil {
		t.Fatalf("fatal: %v", err)
	}

	expectStatus(t, mustGet(t, s, id), models.StatusFatalError, 2)
	for i := 0; i < 3; i++ {
		expectNoFailedTask(t, s, "doomed")
	}
}

func testNotFound(t *testing.T, h harness) {
	_, err := h.store.GetTask(context.Background(), 987654)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
