package calls

import (
	"context"
	"encoding/json"
	"fmt"

	"messenger-platform/internal/scheduler"
)

// TaskRingTimeout is the delayed task type that expires an unanswered call.
const TaskRingTimeout = "call.ring_timeout"

// RingTimeoutTask is the payload scheduled at initiate. Only CallID drives
// the transition; the rest travels along for worker-side logging and
// debugging of orphaned tasks.
type RingTimeoutTask struct {
	CallID         string   `json:"call_id"`
	ConversationID string   `json:"conversation_id"`
	InitiatorID    string   `json:"initiator_id"`
	CallType       CallType `json:"call_type"`
}

// TimeoutHandler decodes a ring-timeout task and drives the coordinator.
// It tolerates late and duplicate deliveries because HandleTimeout is a
// no-op for any call that already left ringing.
func TimeoutHandler(co *Coordinator) scheduler.HandlerFunc {
	return func(ctx context.Context, payload []byte) error {
		var t RingTimeoutTask
		if err := json.Unmarshal(payload, &t); err != nil {
			return fmt.Errorf("decode ring timeout task: %w", err)
		}
		return co.HandleTimeout(ctx, t.CallID)
	}
}

// RegisterTimeoutHandler binds the ring-timeout task to the coordinator.
func RegisterTimeoutHandler(w *scheduler.Worker, co *Coordinator) error {
	return w.Register(TaskRingTimeout, TimeoutHandler(co))
}
