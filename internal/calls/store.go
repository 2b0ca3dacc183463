package calls

import (
	"context"
	"time"
)

// StatusUpdate carries the fields written alongside a status transition.
// Nil pointers leave the stored value untouched.
type StatusUpdate struct {
	NewStatus   CallStatus
	StartedAt   *time.Time
	EndedAt     *time.Time
	ErrorReason *string
	UpdatedAt   time.Time
}

// Store is the durable session store for calls.
//
// UpdateCallStatus is the linearization point of the whole state machine: it
// must be an atomic conditional write (matched only when the row's current
// status equals expected) so racing answer/decline/timeout resolve to exactly
// one winner.
type Store interface {
	CreateCall(ctx context.Context, c Call) error
	GetCall(ctx context.Context, id string) (Call, error)

	// UpdateCallStatus transitions callID from expected to upd.NewStatus.
	// matched is false when the row's status was not expected; the call is
	// returned in its post-write state when matched.
	UpdateCallStatus(ctx context.Context, callID string, expected CallStatus, upd StatusUpdate) (c Call, matched bool, err error)

	// ForceFail transitions any non-terminal call to failed. matched is
	// false when the call was already terminal (or missing).
	ForceFail(ctx context.Context, callID, reason string, endedAt time.Time) (c Call, matched bool, err error)

	// SetLinkedMessage records the timeline entry rendering this call.
	SetLinkedMessage(ctx context.Context, callID, messageID string, updatedAt time.Time) error

	// GetActiveCallByConversation returns the single non-terminal call of a
	// conversation, if any.
	GetActiveCallByConversation(ctx context.Context, conversationID string) (Call, bool, error)

	// ListNonTerminalCallsForUsers returns every ringing/active call any of
	// the given users takes part in, across all conversations. This backs
	// the busy check: a user can be in at most one call system-wide.
	ListNonTerminalCallsForUsers(ctx context.Context, userIDs []string) ([]Call, error)

	CreateParticipants(ctx context.Context, rows []CallParticipant) error
	CloseOpenParticipants(ctx context.Context, callID string, leftAt time.Time) error
	ListParticipants(ctx context.Context, callID string) ([]CallParticipant, error)
}
