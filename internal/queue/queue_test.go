package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"sql-task-queue/internal/models"
	"sql-task-queue/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := New(store.NewRedisStore(client, "qt", store.Options{}))
	if err := q.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return q
}

type resize struct {
	URL   string `json:"url"`
	Width int    `json:"width"`
}

func TestInsertAndDecode(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.InsertTask(ctx, "image:resize", resize{URL: "https://example.com/a.png", Width: 64})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	task, err := q.ConsumeTask(ctx, "image:resize")
	if err != nil || task == nil {
		t.Fatalf("consume: task=%v err=%v", task, err)
	}
	if task.ID != id {
		t.Fatalf("expected id %d, got %d", id, task.ID)
	}
	got, err := Decode[resize](task.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.URL != "https://example.com/a.png" || got.Width != 64 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestInsertRawPayloads(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if _, err := q.InsertTask(ctx, "raw", json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("raw message: %v", err)
	}
	if _, err := q.InsertTask(ctx, "raw", []byte(`[1,2]`)); err != nil {
		t.Fatalf("bytes: %v", err)
	}
	if _, err := q.InsertTask(ctx, "raw", []byte(`{nope`)); err == nil {
		t.Fatalf("expected invalid json to be rejected")
	}
	if _, err := q.InsertTask(ctx, "", map[string]int{}); !errors.Is(err, ErrEmptyType) {
		t.Fatalf("expected ErrEmptyType, got %v", err)
	}

	first, _ := q.ConsumeTask(ctx, "raw")
	second, _ := q.ConsumeTask(ctx, "raw")
	if string(first.Payload) != `{"a":1}` || string(second.Payload) != `[1,2]` {
		t.Fatalf("payloads not stored verbatim: %s %s", first.Payload, second.Payload)
	}
}

func TestReapHangedPolicy(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	// A negative lag treats every in-flight task as hung.
	q := New(store.NewRedisStore(client, "qt", store.Options{HangLag: -time.Hour}))

	for i := 0; i < 2; i++ {
		if _, err := q.InsertTask(ctx, "t", map[string]int{"i": i}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, err := q.ConsumeTask(ctx, "t"); err != nil {
		t.Fatalf("consume: %v", err)
	}
	n, err := q.ReapHanged(ctx, "t", models.HangRestart)
	if err != nil || n != 1 {
		t.Fatalf("restart: n=%d err=%v", n, err)
	}
	if _, err := q.ReapHanged(ctx, "t", "bogus"); err == nil {
		t.Fatalf("expected unknown policy error")
	}
}

func TestDecodeRejectsMismatch(t *testing.T) {
	if _, err := Decode[resize](json.RawMessage(`{"width":"wide"}`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
