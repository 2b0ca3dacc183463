package scheduler

import (
	"context"
	"sync"
	"time"
)

// MemoryScheduler records scheduled tasks in memory for tests. Delivery is
// driven manually via Fire, which mimics the at-least-once worker: the same
// task can be fired any number of times.
type MemoryScheduler struct {
	mu    sync.Mutex
	tasks map[string]Task // keyed by dedupe key
	clock func() time.Time

	failNext error
}

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{tasks: map[string]Task{}, clock: time.Now}
}

// FailNext makes the next Schedule call return err.
func (s *MemoryScheduler) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemoryScheduler) Schedule(ctx context.Context, taskType string, payload []byte, delay time.Duration, dedupeKey string) (string, error) {
	if taskType == "" || dedupeKey == "" || delay < 0 {
		return "", ErrInvalidArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return "", err
	}
	if _, ok := s.tasks[dedupeKey]; ok {
		// Dedupe: keep the first task.
		return dedupeKey, nil
	}
	s.tasks[dedupeKey] = Task{
		ID:         dedupeKey,
		Type:       taskType,
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: s.clock().UTC(),
	}
	return dedupeKey, nil
}

// Scheduled returns the stored task for a dedupe key.
func (s *MemoryScheduler) Scheduled(dedupeKey string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[dedupeKey]
	return t, ok
}

// Len reports how many distinct tasks are pending.
func (s *MemoryScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Fire delivers a task payload to h, simulating the worker.
func (s *MemoryScheduler) Fire(ctx context.Context, dedupeKey string, h HandlerFunc) error {
	s.mu.Lock()
	t, ok := s.tasks[dedupeKey]
	s.mu.Unlock()
	if !ok {
		return ErrInvalidArgument
	}
	return h(ctx, t.Payload)
}
