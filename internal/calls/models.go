package calls

import (
	"encoding/json"
	"time"

	"messenger-platform/internal/notify"
)

// Call is one voice/video session between the two participants of a direct
// conversation. Rows are never deleted; terminal calls are the call history.
type Call struct {
	ID             string   `json:"id" db:"id"`
	ConversationID string   `json:"conversation_id" db:"conversation_id"`
	InitiatorID    string   `json:"initiator_id" db:"initiator_id"`
	CallType       CallType `json:"call_type" db:"call_type"`

	Status CallStatus `json:"status" db:"status"`

	// LinkedMessageID references the chat timeline entry rendering this
	// call inline; the entry is updated in place as the status changes.
	LinkedMessageID string `json:"linked_message_id,omitempty" db:"linked_message_id"`

	// ErrorReason is set only when Status is failed.
	ErrorReason string `json:"error_reason,omitempty" db:"error_reason"`

	// StartedAt is set exactly once, at ringing -> active.
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	// EndedAt is set exactly once, on any transition into a terminal state.
	EndedAt *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Duration returns the active duration of a call that reached active, zero
// otherwise.
func (c Call) Duration() time.Duration {
	if c.StartedAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.StartedAt)
}

// CallParticipant is created at ringing -> active, one row per conversation
// participant, and closed (LeftAt set) at active -> ended. Rows are never
// deleted.
type CallParticipant struct {
	CallID   string     `json:"call_id" db:"call_id"`
	UserID   string     `json:"user_id" db:"user_id"`
	JoinedAt time.Time  `json:"joined_at" db:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty" db:"left_at"`
}

// CallWithParticipants is the shape returned to collaborators that need the
// session members alongside the call.
type CallWithParticipants struct {
	Call         Call              `json:"call"`
	Participants []CallParticipant `json:"participants"`
}

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusActive   CallStatus = "active"
	CallStatusEnded    CallStatus = "ended"
	CallStatusDeclined CallStatus = "declined"
	CallStatusMissed   CallStatus = "missed"
	CallStatusFailed   CallStatus = "failed"
)

// IsTerminal reports whether no further transition may leave this status.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusDeclined, CallStatusMissed, CallStatusFailed:
		return true
	default:
		return false
	}
}

// SignalType classifies relayed signaling payloads. The payload itself is
// opaque; the relay never inspects SDP/ICE contents.
type SignalType string

const (
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeICECandidate SignalType = "ice-candidate"
	SignalTypeGeneric      SignalType = "generic-signal"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeICECandidate, SignalTypeGeneric:
		return true
	default:
		return false
	}
}

// Events emitted via the notification fan-out, one per transition.
const (
	EventCallRinging  notify.EventType = "call_ringing"
	EventCallAnswered notify.EventType = "call_answered"
	EventCallDeclined notify.EventType = "call_declined"
	EventCallMissed   notify.EventType = "call_missed"
	EventCallEnded    notify.EventType = "call_ended"
	EventCallFailed   notify.EventType = "call_failed"
	EventCallSignal   notify.EventType = "call_signal"
)

// EventPayload accompanies every lifecycle event.
type EventPayload struct {
	Call            Call `json:"call"`
	DurationSeconds int  `json:"duration_seconds,omitempty"`
}

// SignalEventPayload carries a relayed signaling payload to its target.
type SignalEventPayload struct {
	CallID     string          `json:"call_id"`
	FromUserID string          `json:"from_user_id"`
	SignalType SignalType      `json:"signal_type"`
	Payload    json.RawMessage `json:"payload"`
}
