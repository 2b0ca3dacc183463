package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey = "scheduler:pending"
	tasksKey   = "scheduler:tasks"
)

// scheduleScript enqueues a task unless its id is already pending.
// ZADD NX is the dedupe: a retried Schedule with the same key is a no-op and
// keeps the original due time.
var scheduleScript = redis.NewScript(`
-- KEYS[1] = pending zset
-- KEYS[2] = task body hash
-- ARGV[1] = task id (dedupe key)
-- ARGV[2] = due at (unix ms)
-- ARGV[3] = task body (json)
--
-- Returns 1 if enqueued, 0 if already pending.
local added = redis.call('ZADD', KEYS[1], 'NX', ARGV[2], ARGV[1])
if added == 1 then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
end
return added
`)

// claimScript atomically claims due tasks by pushing their scores forward by
// the visibility timeout. A claimed task that is never acked becomes due
// again and is redelivered; that is the at-least-once guarantee.
var claimScript = redis.NewScript(`
-- KEYS[1] = pending zset
-- KEYS[2] = task body hash
-- ARGV[1] = now (unix ms)
-- ARGV[2] = visibility timeout (ms)
-- ARGV[3] = max batch size
--
-- Returns a flat array of task bodies.
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(due) do
  redis.call('ZADD', KEYS[1], 'XX', tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
  local body = redis.call('HGET', KEYS[2], id)
  if body then
    out[#out + 1] = body
  else
    -- Orphan member without a body; drop it.
    redis.call('ZREM', KEYS[1], id)
  end
end
return out
`)

var ackScript = redis.NewScript(`
-- KEYS[1] = pending zset
-- KEYS[2] = task body hash
-- ARGV[1] = task id
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// RedisScheduler is a delayed task queue on a Redis sorted set. Due times are
// scores; the queue survives process restarts because nothing about a task
// lives in process memory.
type RedisScheduler struct {
	rdb   *redis.Client
	clock func() time.Time
}

func NewRedisScheduler(rdb *redis.Client) *RedisScheduler {
	return &RedisScheduler{rdb: rdb, clock: time.Now}
}

func (s *RedisScheduler) Schedule(ctx context.Context, taskType string, payload []byte, delay time.Duration, dedupeKey string) (string, error) {
	if taskType == "" || dedupeKey == "" {
		return "", ErrInvalidArgument
	}
	if delay < 0 {
		return "", ErrInvalidArgument
	}

	now := s.clock().UTC()
	t := Task{
		ID:         dedupeKey,
		Type:       taskType,
		Payload:    payload,
		EnqueuedAt: now,
	}
	body, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("scheduler: marshal task: %w", err)
	}

	dueAt := now.Add(delay).UnixMilli()
	if err := scheduleScript.Run(ctx, s.rdb, []string{pendingKey, tasksKey}, t.ID, dueAt, body).Err(); err != nil {
		return "", fmt.Errorf("scheduler: enqueue: %w", err)
	}
	return t.ID, nil
}

// claim returns up to max tasks that are due now, making them invisible for
// the visibility timeout.
func (s *RedisScheduler) claim(ctx context.Context, visibility time.Duration, max int) ([]Task, error) {
	now := s.clock().UTC().UnixMilli()
	raw, err := claimScript.Run(ctx, s.rdb, []string{pendingKey, tasksKey}, now, visibility.Milliseconds(), max).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("scheduler: claim: %w", err)
	}

	out := make([]Task, 0, len(raw))
	for _, body := range raw {
		var t Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisScheduler) ack(ctx context.Context, taskID string) error {
	return ackScript.Run(ctx, s.rdb, []string{pendingKey, tasksKey}, taskID).Err()
}
