package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisQueue(t *testing.T) (*RedisScheduler, *redis.Client, func(time.Duration)) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := NewRedisScheduler(rdb)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }
	advance := func(d time.Duration) { now = now.Add(d) }
	return s, rdb, advance
}

func TestRedisScheduler_DeliversAfterDelay(t *testing.T) {
	s, _, advance := newRedisQueue(t)
	ctx := context.Background()

	id, err := s.Schedule(ctx, "call.ring_timeout", []byte(`{"call_id":"c1"}`), 30*time.Second, "ring:c1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	tasks, err := s.claim(ctx, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("claimed %d tasks before the delay elapsed", len(tasks))
	}

	advance(30 * time.Second)
	tasks, err = s.claim(ctx, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("claim after delay: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("claimed %d tasks, want 1", len(tasks))
	}
	if tasks[0].ID != id || tasks[0].Type != "call.ring_timeout" {
		t.Fatalf("task = %+v", tasks[0])
	}
	if string(tasks[0].Payload) != `{"call_id":"c1"}` {
		t.Fatalf("payload = %s", tasks[0].Payload)
	}
}

func TestRedisScheduler_Dedupes(t *testing.T) {
	s, _, advance := newRedisQueue(t)
	ctx := context.Background()

	if _, err := s.Schedule(ctx, "call.ring_timeout", []byte(`{"call_id":"c1"}`), time.Second, "ring:c1"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	// A retried schedule with the same key must not replace the task or
	// push its due time out.
	if _, err := s.Schedule(ctx, "call.ring_timeout", []byte(`{"call_id":"c1","dup":true}`), time.Hour, "ring:c1"); err != nil {
		t.Fatalf("second schedule: %v", err)
	}

	advance(time.Second)
	tasks, err := s.claim(ctx, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("claimed %d tasks, want 1", len(tasks))
	}
	if string(tasks[0].Payload) != `{"call_id":"c1"}` {
		t.Fatalf("payload = %s, want the original", tasks[0].Payload)
	}
}

func TestRedisScheduler_RedeliversUntilAck(t *testing.T) {
	s, _, advance := newRedisQueue(t)
	ctx := context.Background()

	id, err := s.Schedule(ctx, "call.ring_timeout", []byte(`{"call_id":"c1"}`), 0, "ring:c1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	tasks, err := s.claim(ctx, 30*time.Second, 10)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("first claim = (%d tasks, %v), want 1", len(tasks), err)
	}

	// Claimed but unacked: invisible until the visibility timeout lapses.
	tasks, err = s.claim(ctx, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("claim while invisible: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("claimed %d invisible tasks", len(tasks))
	}

	// A worker that died mid-task never acks; the task comes back.
	advance(31 * time.Second)
	tasks, err = s.claim(ctx, 30*time.Second, 10)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("redelivery claim = (%d tasks, %v), want 1", len(tasks), err)
	}
	if tasks[0].ID != id {
		t.Fatalf("redelivered task = %s, want %s", tasks[0].ID, id)
	}

	if err := s.ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	advance(31 * time.Second)
	tasks, err = s.claim(ctx, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("claim after ack: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("acked task redelivered: %+v", tasks)
	}
}

func TestRedisScheduler_DropsOrphanedMembers(t *testing.T) {
	s, rdb, _ := newRedisQueue(t)
	ctx := context.Background()

	// A pending member whose body is gone must not wedge the queue.
	if err := rdb.ZAdd(ctx, pendingKey, redis.Z{Score: 0, Member: "ghost"}).Err(); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	tasks, err := s.claim(ctx, 30*time.Second, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("claimed %d tasks from an orphan, want 0", len(tasks))
	}
	if err := rdb.ZScore(ctx, pendingKey, "ghost").Err(); err != redis.Nil {
		t.Fatalf("orphan still pending: %v", err)
	}
}

func TestWorker_DeliversAndAcks(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := NewRedisScheduler(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan []byte, 1)
	w := NewWorker(s, 10*time.Millisecond, time.Second, discardLogger())
	if err := w.Register("call.ring_timeout", func(ctx context.Context, payload []byte) error {
		delivered <- payload
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := s.Schedule(ctx, "call.ring_timeout", []byte(`{"call_id":"c1"}`), 0, "ring:c1"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	go w.Run(ctx)

	select {
	case payload := <-delivered:
		if string(payload) != `{"call_id":"c1"}` {
			t.Fatalf("payload = %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task was not delivered")
	}

	// The ack lands after the handler returns; poll briefly for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		ok, err := rdb.HExists(ctx, tasksKey, "ring:c1").Result()
		if err != nil {
			t.Fatalf("hexists: %v", err)
		}
		if !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task was never acked")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
