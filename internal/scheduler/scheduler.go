package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Task is a delayed unit of work. ID doubles as the dedupe key: scheduling
// the same ID twice keeps the first task and its original due time.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Scheduler accepts a task with an opaque payload and a delay, and guarantees
// at-least-once delivery to a worker after the delay elapses, independent of
// the scheduling process lifetime. No ordering is guaranteed between tasks.
type Scheduler interface {
	Schedule(ctx context.Context, taskType string, payload []byte, delay time.Duration, dedupeKey string) (string, error)
}

// HandlerFunc processes a delivered task payload. Returning an error leaves
// the task eligible for redelivery after the visibility timeout.
type HandlerFunc func(ctx context.Context, payload []byte) error

var (
	ErrInvalidArgument   = errors.New("scheduler: invalid argument")
	ErrUnknownTaskType   = errors.New("scheduler: no handler for task type")
	ErrAlreadyRegistered = errors.New("scheduler: handler already registered")
)
