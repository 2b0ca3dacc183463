package scheduler

import (
	"context"
	"log/slog"
	"time"
)

const defaultBatchSize = 32

// Worker polls the Redis queue and dispatches due tasks to registered
// handlers. A task is acked only after its handler returns nil; a failed or
// interrupted task is redelivered once its visibility timeout lapses.
type Worker struct {
	queue      *RedisScheduler
	handlers   map[string]HandlerFunc
	poll       time.Duration
	visibility time.Duration
	log        *slog.Logger
}

func NewWorker(queue *RedisScheduler, poll, visibility time.Duration, log *slog.Logger) *Worker {
	if poll <= 0 {
		poll = time.Second
	}
	if visibility <= poll {
		visibility = 30 * time.Second
	}
	return &Worker{
		queue:      queue,
		handlers:   map[string]HandlerFunc{},
		poll:       poll,
		visibility: visibility,
		log:        log,
	}
}

// Register binds a handler to a task type. Must be called before Run.
func (w *Worker) Register(taskType string, h HandlerFunc) error {
	if taskType == "" || h == nil {
		return ErrInvalidArgument
	}
	if _, ok := w.handlers[taskType]; ok {
		return ErrAlreadyRegistered
	}
	w.handlers[taskType] = h
	return nil
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		tasks, err := w.queue.claim(ctx, w.visibility, defaultBatchSize)
		if err != nil {
			w.log.Error("scheduler claim failed", "err", err)
			return
		}
		if len(tasks) == 0 {
			return
		}
		for _, t := range tasks {
			w.dispatch(ctx, t)
		}
		if len(tasks) < defaultBatchSize {
			return
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, t Task) {
	h, ok := w.handlers[t.Type]
	if !ok {
		// Unroutable tasks would redeliver forever; drop them loudly.
		w.log.Error("dropping task with no handler", "task_id", t.ID, "task_type", t.Type)
		if err := w.queue.ack(ctx, t.ID); err != nil {
			w.log.Error("scheduler ack failed", "task_id", t.ID, "err", err)
		}
		return
	}

	if err := h(ctx, t.Payload); err != nil {
		// Leave the task claimed; it redelivers after the visibility timeout.
		w.log.Error("task handler failed, will redeliver", "task_id", t.ID, "task_type", t.Type, "err", err)
		return
	}

	if err := w.queue.ack(ctx, t.ID); err != nil {
		w.log.Error("scheduler ack failed", "task_id", t.ID, "err", err)
	}
}
