package audit

import "time"

// Event is an immutable, append-only record of a call lifecycle transition.
//
// Invariants:
// - Events are never updated or deleted.
// - Recording is best-effort; call flows must not block on audit failures.
//
// Storage recommendation (Postgres):
// - Table call_audit_events with an INSERT-only policy.
// - Optional: partition by time for retention.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the lifecycle transition being recorded.
	Type EventType `json:"type" db:"type"`

	CallID         string `json:"call_id" db:"call_id"`
	ConversationID string `json:"conversation_id,omitempty" db:"conversation_id"`

	// ActorUserID is the user causing the transition; empty for
	// worker-driven transitions (timeout) and internal recovery.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`

	// Detail is a short human-readable description for internal ops.
	Detail string `json:"detail,omitempty" db:"detail"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeInitiated EventType = "call_initiated"
	EventTypeAnswered  EventType = "call_answered"
	EventTypeDeclined  EventType = "call_declined"
	EventTypeTimedOut  EventType = "call_timed_out"
	EventTypeEnded     EventType = "call_ended"
	EventTypeFailed    EventType = "call_failed"
)
