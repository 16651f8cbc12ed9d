package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sql-task-queue/internal/models"
)

// RedisStore keeps tasks in Redis hashes with one sorted set per lane and
// type. Every transition runs as a Lua script, so claims are atomic without
// row locks. The keys of one type share a hash tag, so each script touches a
// single cluster slot:
//
//	<prefix>:seq                      task id counter
//	<prefix>:type:<id>                task type, for lookups by id
//	<prefix>:{<type>}:task:<id>       hash with the task columns
//	<prefix>:{<type>}:new             New tasks scored by id (FIFO)
//	<prefix>:{<type>}:error           Error tasks scored by delayed_to (ms)
//	<prefix>:{<type>}:progress        InProgress tasks scored by updated (ms)
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   Options
	now    func() time.Time
}

// NewRedisStore builds a store over client. Keys are namespaced by prefix.
func NewRedisStore(client *redis.Client, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = "tq"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

func (s *RedisStore) typeKey(id int64) string {
	return fmt.Sprintf("%s:type:%d", s.prefix, id)
}

// taskPrefix is the task hash key of taskType without the id.
func (s *RedisStore) taskPrefix(taskType string) string {
	return fmt.Sprintf("%s:{%s}:task:", s.prefix, taskType)
}

func (s *RedisStore) taskKey(taskType string, id int64) string {
	return s.taskPrefix(taskType) + strconv.FormatInt(id, 10)
}

func (s *RedisStore) laneKey(lane, taskType string) string {
	return fmt.Sprintf("%s:{%s}:%s", s.prefix, taskType, lane)
}

// taskKeys are the keys a completion script touches.
func (s *RedisStore) taskKeys(taskType string, id int64) []string {
	return []string{
		s.taskKey(taskType, id),
		s.laneKey("new", taskType),
		s.laneKey("error", taskType),
		s.laneKey("progress", taskType),
	}
}

// lookupType returns the type of task id, or "" when the task is unknown.
func (s *RedisStore) lookupType(ctx context.Context, id int64) (string, error) {
	t, err := s.client.Get(ctx, s.typeKey(id)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return t, err
}

func (s *RedisStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

// Init checks connectivity; Redis needs no provisioning.
func (s *RedisStore) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// InsertTask adds a New task and returns its id. The type index is written
// before the task itself becomes claimable.
func (s *RedisStore) InsertTask(ctx context.Context, taskType string, payload json.RawMessage) (int64, error) {
	id, err := s.client.Incr(ctx, s.prefix+":seq").Result()
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	if err := s.client.Set(ctx, s.typeKey(id), taskType, 0).Err(); err != nil {
		return 0, fmt.Errorf("insert task %d: %w", id, err)
	}
	keys := []string{s.taskKey(taskType, id), s.laneKey("new", taskType)}
	if err := insertScript.Run(ctx, s.client, keys, id, taskType, string(payload), s.nowMillis()).Err(); err != nil {
		return 0, fmt.Errorf("insert task %d: %w", id, err)
	}
	return id, nil
}

// ConsumeTask claims the oldest New task of taskType.
func (s *RedisStore) ConsumeTask(ctx context.Context, taskType string) (*models.ClaimedTask, error) {
	keys := []string{s.laneKey("new", taskType), s.laneKey("progress", taskType)}
	fields, err := s.runClaim(ctx, consumeScript, keys, taskType)
	if err != nil || fields == nil {
		return nil, err
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse claimed id %q: %w", fields[0], err)
	}
	return &models.ClaimedTask{ID: id, Payload: json.RawMessage(fields[1])}, nil
}

// ConsumeFailedTask claims an Error task of taskType whose delay elapsed.
func (s *RedisStore) ConsumeFailedTask(ctx context.Context, taskType string) (*models.FailedTask, error) {
	keys := []string{s.laneKey("error", taskType), s.laneKey("progress", taskType)}
	fields, err := s.runClaim(ctx, consumeFailedScript, keys, taskType)
	if err != nil || fields == nil {
		return nil, err
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse claimed id %q: %w", fields[0], err)
	}
	return &models.FailedTask{ID: id, Payload: json.RawMessage(fields[1]), ErrorText: fields[2]}, nil
}

func (s *RedisStore) runClaim(ctx context.Context, script *redis.Script, keys []string, taskType string) ([]string, error) {
	fields, err := script.Run(ctx, s.client, keys, s.taskPrefix(taskType), s.nowMillis()).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if len(fields) < 2 {
		return nil, fmt.Errorf("unexpected claim reply %v", fields)
	}
	return fields, nil
}

// complete runs a completion script for task id. Unknown ids are a no-op.
func (s *RedisStore) complete(ctx context.Context, script *redis.Script, id int64, args ...any) error {
	taskType, err := s.lookupType(ctx, id)
	if err != nil || taskType == "" {
		return err
	}
	return script.Run(ctx, s.client, s.taskKeys(taskType, id), append([]any{id, s.nowMillis()}, args...)...).Err()
}

// CompleteSuccessTask marks the task Completed.
func (s *RedisStore) CompleteSuccessTask(ctx context.Context, id int64) error {
	if err := s.complete(ctx, completeSuccessScript, id); err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	return nil
}

// CompleteFailedTask moves the task to Error, delayed by BackoffBase times
// the attempt count stored on the task.
func (s *RedisStore) CompleteFailedTask(ctx context.Context, id int64, errorText string) error {
	if err := s.complete(ctx, completeFailedScript, id, errorText, s.opts.BackoffBase.Milliseconds()); err != nil {
		return fmt.Errorf("fail task %d: %w", id, err)
	}
	return nil
}

// CompleteFailedFatalTask moves the task to FatalError.
func (s *RedisStore) CompleteFailedFatalTask(ctx context.Context, id int64, errorText string) error {
	if err := s.complete(ctx, completeFatalScript, id, errorText); err != nil {
		return fmt.Errorf("fail task %d fatally: %w", id, err)
	}
	return nil
}

func (s *RedisStore) hangCutoff() (now, cutoff int64) {
	now = s.nowMillis()
	return now, now - s.opts.HangLag.Milliseconds()
}

// DropHangedTasks moves hung tasks to Error, immediately eligible for the
// failed lane.
func (s *RedisStore) DropHangedTasks(ctx context.Context, taskType string) (int64, error) {
	now, cutoff := s.hangCutoff()
	keys := []string{s.laneKey("progress", taskType), s.laneKey("error", taskType)}
	n, err := dropHangedScript.Run(ctx, s.client, keys, s.taskPrefix(taskType), now, cutoff, models.HangedErrorText).Int64()
	if err != nil {
		return 0, fmt.Errorf("drop hanged %s tasks: %w", taskType, err)
	}
	return n, nil
}

// RestartHangedTasks puts hung tasks back to New with one more attempt.
func (s *RedisStore) RestartHangedTasks(ctx context.Context, taskType string) (int64, error) {
	now, cutoff := s.hangCutoff()
	keys := []string{s.laneKey("progress", taskType), s.laneKey("new", taskType)}
	n, err := restartHangedScript.Run(ctx, s.client, keys, s.taskPrefix(taskType), now, cutoff).Int64()
	if err != nil {
		return 0, fmt.Errorf("restart hanged %s tasks: %w", taskType, err)
	}
	return n, nil
}

// GetTask reads a task hash by id.
func (s *RedisStore) GetTask(ctx context.Context, id int64) (models.Task, error) {
	taskType, err := s.lookupType(ctx, id)
	if err != nil {
		return models.Task{}, fmt.Errorf("read task %d: %w", id, err)
	}
	if taskType == "" {
		return models.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	h, err := s.client.HGetAll(ctx, s.taskKey(taskType, id)).Result()
	if err != nil {
		return models.Task{}, fmt.Errorf("read task %d: %w", id, err)
	}
	if len(h) == 0 {
		return models.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}

	task := models.Task{ID: id, Type: h["type"], Payload: json.RawMessage(h["json"])}
	status, err := strconv.Atoi(h["status"])
	if err != nil {
		return models.Task{}, fmt.Errorf("task %d status %q: %w", id, h["status"], err)
	}
	task.Status = models.Status(status)
	if task.Attempt, err = strconv.Atoi(h["attempt"]); err != nil {
		return models.Task{}, fmt.Errorf("task %d attempt %q: %w", id, h["attempt"], err)
	}
	task.BeginTime = millisPtr(h["begin_time"])
	task.EndTime = millisPtr(h["end_time"])
	task.DelayedTo = millisPtr(h["delayed_to"])
	if v, ok := h["error_text"]; ok {
		task.ErrorText = &v
	}
	if t := millisPtr(h["created"]); t != nil {
		task.Created = *t
	}
	if t := millisPtr(h["updated"]); t != nil {
		task.Updated = *t
	}
	return task, nil
}

// millisPtr parses a stored epoch-millisecond value. Lua may hand numbers
// back in float notation, so parse as float.
func millisPtr(v string) *time.Time {
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(int64(f)).UTC()
	return &t
}

// Claim and reap scripts build task hash keys from ARGV[1], the task key
// prefix of the type, so they stay in the slot of the lane keys.

var insertScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'type', ARGV[2], 'json', ARGV[3], 'status', 0, 'attempt', 0, 'created', ARGV[4], 'updated', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[1])
return 1
`)

var consumeScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then return false end
local id = ids[1]
local key = ARGV[1] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('HINCRBY', key, 'attempt', 1)
redis.call('HSET', key, 'status', 1, 'begin_time', ARGV[2], 'updated', ARGV[2])
redis.call('HDEL', key, 'end_time', 'error_text', 'delayed_to')
redis.call('ZADD', KEYS[2], ARGV[2], id)
return {id, redis.call('HGET', key, 'json')}
`)

var consumeFailedScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2], 'LIMIT', 0, 1)
if #ids == 0 then return false end
local id = ids[1]
local key = ARGV[1] .. id
local errText = redis.call('HGET', key, 'error_text')
if not errText then errText = '' end
redis.call('ZREM', KEYS[1], id)
redis.call('HINCRBY', key, 'attempt', 1)
redis.call('HSET', key, 'status', 1, 'begin_time', ARGV[2], 'updated', ARGV[2])
redis.call('HDEL', key, 'end_time', 'error_text', 'delayed_to')
redis.call('ZADD', KEYS[2], ARGV[2], id)
return {id, redis.call('HGET', key, 'json'), errText}
`)

// Completion scripts: KEYS = task hash, new, error, progress lanes;
// ARGV = id, now, then script-specific values.

var completeSuccessScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 2, 'end_time', ARGV[2], 'updated', ARGV[2])
redis.call('HDEL', KEYS[1], 'delayed_to', 'error_text')
return 1
`)

var completeFailedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
local attempt = tonumber(redis.call('HGET', KEYS[1], 'attempt') or '0')
local delayed = tonumber(ARGV[2]) + tonumber(ARGV[4]) * attempt
redis.call('HSET', KEYS[1], 'status', 3, 'end_time', ARGV[2], 'delayed_to', delayed, 'updated', ARGV[2])
if ARGV[3] == '' then
  redis.call('HDEL', KEYS[1], 'error_text')
else
  redis.call('HSET', KEYS[1], 'error_text', ARGV[3])
end
redis.call('ZADD', KEYS[3], delayed, ARGV[1])
return 1
`)

var completeFatalScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 4, 'end_time', ARGV[2], 'updated', ARGV[2])
redis.call('HDEL', KEYS[1], 'delayed_to')
if ARGV[3] == '' then
  redis.call('HDEL', KEYS[1], 'error_text')
else
  redis.call('HSET', KEYS[1], 'error_text', ARGV[3])
end
return 1
`)

var dropHangedScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[3])
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', key, 'status', 3, 'end_time', ARGV[2], 'delayed_to', ARGV[2], 'error_text', ARGV[4], 'updated', ARGV[2])
  redis.call('ZADD', KEYS[2], ARGV[2], id)
end
return #ids
`)

var restartHangedScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[3])
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  redis.call('ZREM', KEYS[1], id)
  redis.call('HINCRBY', key, 'attempt', 1)
  redis.call('HSET', key, 'status', 0, 'updated', ARGV[2])
  redis.call('HDEL', key, 'begin_time', 'end_time', 'error_text', 'delayed_to')
  redis.call('ZADD', KEYS[2], id, id)
end
return #ids
`)
