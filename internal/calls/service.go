package calls

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"messenger-platform/internal/audit"
	"messenger-platform/internal/conversation"
	"messenger-platform/internal/notify"
	"messenger-platform/internal/scheduler"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Membership resolves a conversation to its current (non-left) members.
type Membership interface {
	ActiveParticipants(ctx context.Context, conversationID string) ([]conversation.Participant, error)
}

// Timeline owns the chat entry that renders a call inline. The entry is
// created once at initiate and rewritten as the call resolves.
type Timeline interface {
	CreateCallMessage(ctx context.Context, conversationID, authorID, body string) (string, error)
	UpdateCallMessage(ctx context.Context, messageID, body string) error
}

// PresenceChecker reports whether a user can be offered a call right now.
type PresenceChecker interface {
	Reachable(ctx context.Context, userID string) (bool, error)
}

// Coordinator owns the call lifecycle: admission control, the state machine,
// timeout scheduling, signaling relay and failure recovery.
//
// Every operation is a short-lived unit of work; all session state lives in
// the Store, so any number of API instances coordinate through conditional
// writes alone.
type Coordinator struct {
	store      Store
	membership Membership
	timeline   Timeline
	presence   PresenceChecker
	publisher  notify.Publisher
	sched      scheduler.Scheduler
	audit      *audit.Service

	ringTimeout time.Duration
	clock       func() time.Time
	log         *slog.Logger
}

func NewCoordinator(
	store Store,
	membership Membership,
	timeline Timeline,
	presence PresenceChecker,
	publisher notify.Publisher,
	sched scheduler.Scheduler,
	auditSvc *audit.Service,
	ringTimeout time.Duration,
	log *slog.Logger,
) *Coordinator {
	if ringTimeout <= 0 {
		ringTimeout = 30 * time.Second
	}
	return &Coordinator{
		store:       store,
		membership:  membership,
		timeline:    timeline,
		presence:    presence,
		publisher:   publisher,
		sched:       sched,
		audit:       auditSvc,
		ringTimeout: ringTimeout,
		clock:       time.Now,
		log:         log,
	}
}

// Initiate runs admission control and creates a ringing call.
//
// Admission order: membership shape, caller membership, presence of both
// sides, then the cross-conversation busy scan. Only after all checks pass is
// the row created; the partial unique index in the store closes the remaining
// create/create race.
func (co *Coordinator) Initiate(ctx context.Context, userID, conversationID string, callType CallType) (Call, error) {
	if userID == "" || conversationID == "" {
		return Call{}, ErrInvalidArgument
	}
	if !callType.Valid() {
		return Call{}, ErrInvalidCallType
	}

	parts, err := co.membership.ActiveParticipants(ctx, conversationID)
	if err != nil {
		return Call{}, err
	}
	if len(parts) != 2 {
		return Call{}, ErrNotTwoParty
	}
	calleeID := ""
	callerFound := false
	for _, p := range parts {
		if p.UserID == userID {
			callerFound = true
		} else {
			calleeID = p.UserID
		}
	}
	if !callerFound {
		return Call{}, ErrNotParticipant
	}

	// Presence is validated at initiate time only; mid-call presence
	// changes never terminate a call.
	for _, uid := range []string{userID, calleeID} {
		reachable, err := co.presence.Reachable(ctx, uid)
		if err != nil {
			return Call{}, err
		}
		if !reachable {
			return Call{}, fmt.Errorf("%w: %s", ErrParticipantOffline, uid)
		}
	}

	// Busy scan: one call per user, system-wide, not just this conversation.
	live, err := co.store.ListNonTerminalCallsForUsers(ctx, []string{userID, calleeID})
	if err != nil {
		return Call{}, err
	}
	if len(live) > 0 {
		return Call{}, ErrUserBusy
	}

	id, err := gonanoid.New()
	if err != nil {
		return Call{}, err
	}
	now := co.clock().UTC()
	c := Call{
		ID:             id,
		ConversationID: conversationID,
		InitiatorID:    userID,
		CallType:       callType,
		Status:         CallStatusRinging,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := co.store.CreateCall(ctx, c); err != nil {
		return Call{}, err
	}

	// From here on the call exists; any failed side effect demotes it to
	// failed instead of leaving it ringing forever.
	msgID, err := co.timeline.CreateCallMessage(ctx, conversationID, userID, timelineBody(c, 0))
	if err != nil {
		return Call{}, co.recoverInitiate(ctx, c.ID, fmt.Sprintf("timeline entry creation failed: %v", err))
	}
	if err := co.store.SetLinkedMessage(ctx, c.ID, msgID, now); err != nil {
		return Call{}, co.recoverInitiate(ctx, c.ID, fmt.Sprintf("linking timeline entry failed: %v", err))
	}
	c.LinkedMessageID = msgID

	task, err := json.Marshal(RingTimeoutTask{
		CallID:         c.ID,
		ConversationID: c.ConversationID,
		InitiatorID:    c.InitiatorID,
		CallType:       c.CallType,
	})
	if err != nil {
		return Call{}, co.recoverInitiate(ctx, c.ID, fmt.Sprintf("timeout task encode failed: %v", err))
	}
	if _, err := co.sched.Schedule(ctx, TaskRingTimeout, task, co.ringTimeout, ringTimeoutKey(c.ID)); err != nil {
		return Call{}, co.recoverInitiate(ctx, c.ID, fmt.Sprintf("timeout scheduling failed: %v", err))
	}

	// The initial ring is load-bearing: a callee that cannot be reached
	// means the session cannot proceed.
	if err := co.publisher.Publish(ctx, EventCallRinging, []string{calleeID}, EventPayload{Call: c}); err != nil {
		return Call{}, co.recoverInitiate(ctx, c.ID, fmt.Sprintf("ring notification failed: %v", err))
	}

	co.auditTransition(ctx, audit.EventTypeInitiated, c, userID, "")
	return c, nil
}

func (co *Coordinator) recoverInitiate(ctx context.Context, callID, reason string) error {
	co.MarkFailed(ctx, callID, reason)
	return fmt.Errorf("%w: %s", ErrDeliveryFailed, reason)
}

// Answer transitions ringing -> active for the non-initiating participant.
func (co *Coordinator) Answer(ctx context.Context, userID, callID string) (Call, error) {
	if userID == "" || callID == "" {
		return Call{}, ErrInvalidArgument
	}
	c, err := co.store.GetCall(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	parts, err := co.membership.ActiveParticipants(ctx, c.ConversationID)
	if err != nil {
		return Call{}, err
	}
	if !isMember(parts, userID) {
		return Call{}, ErrNotParticipant
	}
	if userID == c.InitiatorID {
		return Call{}, ErrAnswerOwnCall
	}

	now := co.clock().UTC()
	started := now
	updated, matched, err := co.store.UpdateCallStatus(ctx, callID, CallStatusRinging, StatusUpdate{
		NewStatus: CallStatusActive,
		StartedAt: &started,
		UpdatedAt: now,
	})
	if err != nil {
		return Call{}, err
	}
	if !matched {
		return Call{}, ErrWrongState
	}

	rows := make([]CallParticipant, 0, len(parts))
	for _, p := range parts {
		rows = append(rows, CallParticipant{CallID: callID, UserID: p.UserID, JoinedAt: now})
	}
	if err := co.store.CreateParticipants(ctx, rows); err != nil {
		co.MarkFailed(ctx, callID, fmt.Sprintf("participant rows creation failed: %v", err))
		return Call{}, fmt.Errorf("%w: participant rows creation failed", ErrDeliveryFailed)
	}

	// The call is now active; a participant that cannot learn this would be
	// stuck, so the answered notification is load-bearing too.
	if err := co.updateTimeline(ctx, updated, 0); err != nil {
		co.MarkFailed(ctx, callID, fmt.Sprintf("timeline update failed: %v", err))
		return Call{}, fmt.Errorf("%w: timeline update failed", ErrDeliveryFailed)
	}
	if err := co.publisher.Publish(ctx, EventCallAnswered, memberIDs(parts), EventPayload{Call: updated}); err != nil {
		co.MarkFailed(ctx, callID, fmt.Sprintf("answer notification failed: %v", err))
		return Call{}, fmt.Errorf("%w: answer notification failed", ErrDeliveryFailed)
	}

	co.auditTransition(ctx, audit.EventTypeAnswered, updated, userID, "")
	return updated, nil
}

// Decline transitions ringing -> declined. The call is terminal afterwards,
// so notification failures are advisory and never re-fail it.
func (co *Coordinator) Decline(ctx context.Context, userID, callID string) (Call, error) {
	if userID == "" || callID == "" {
		return Call{}, ErrInvalidArgument
	}
	c, err := co.store.GetCall(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	parts, err := co.membership.ActiveParticipants(ctx, c.ConversationID)
	if err != nil {
		return Call{}, err
	}
	if !isMember(parts, userID) {
		return Call{}, ErrNotParticipant
	}

	now := co.clock().UTC()
	ended := now
	updated, matched, err := co.store.UpdateCallStatus(ctx, callID, CallStatusRinging, StatusUpdate{
		NewStatus: CallStatusDeclined,
		EndedAt:   &ended,
		UpdatedAt: now,
	})
	if err != nil {
		return Call{}, err
	}
	if !matched {
		return Call{}, ErrWrongState
	}

	co.bestEffortTimeline(ctx, updated, 0)
	co.bestEffortNotify(ctx, EventCallDeclined, memberIDs(parts), EventPayload{Call: updated})
	co.auditTransition(ctx, audit.EventTypeDeclined, updated, userID, "")
	return updated, nil
}

// End transitions active -> ended, closes participant rows and reports the
// session duration.
func (co *Coordinator) End(ctx context.Context, userID, callID string) (Call, error) {
	if userID == "" || callID == "" {
		return Call{}, ErrInvalidArgument
	}
	c, err := co.store.GetCall(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	parts, err := co.membership.ActiveParticipants(ctx, c.ConversationID)
	if err != nil {
		return Call{}, err
	}
	if !isMember(parts, userID) {
		return Call{}, ErrNotParticipant
	}

	now := co.clock().UTC()
	ended := now
	updated, matched, err := co.store.UpdateCallStatus(ctx, callID, CallStatusActive, StatusUpdate{
		NewStatus: CallStatusEnded,
		EndedAt:   &ended,
		UpdatedAt: now,
	})
	if err != nil {
		return Call{}, err
	}
	if !matched {
		// Already resolved by the other side (or recovery); collaborators
		// treat this as "already resolved", not a hard error.
		return Call{}, ErrWrongState
	}

	if err := co.store.CloseOpenParticipants(ctx, callID, now); err != nil {
		// The call is already terminal; log, don't re-fail.
		co.log.Error("closing participant rows failed", "call_id", callID, "err", err)
	}

	duration := updated.Duration()
	co.bestEffortTimeline(ctx, updated, duration)
	co.bestEffortNotify(ctx, EventCallEnded, memberIDs(parts), EventPayload{
		Call:            updated,
		DurationSeconds: int(duration.Seconds()),
	})
	co.auditTransition(ctx, audit.EventTypeEnded, updated, userID, duration.Round(time.Second).String())
	return updated, nil
}

// HandleTimeout is driven by the delayed scheduler. It is safe against late,
// duplicated, or already-resolved deliveries: anything not ringing is a
// no-op.
func (co *Coordinator) HandleTimeout(ctx context.Context, callID string) error {
	if callID == "" {
		return ErrInvalidArgument
	}

	now := co.clock().UTC()
	ended := now
	updated, matched, err := co.store.UpdateCallStatus(ctx, callID, CallStatusRinging, StatusUpdate{
		NewStatus: CallStatusMissed,
		EndedAt:   &ended,
		UpdatedAt: now,
	})
	if err != nil {
		return err
	}
	if !matched {
		return nil
	}

	co.bestEffortTimeline(ctx, updated, 0)
	if parts, err := co.membership.ActiveParticipants(ctx, updated.ConversationID); err == nil {
		co.bestEffortNotify(ctx, EventCallMissed, memberIDs(parts), EventPayload{Call: updated})
	} else {
		co.log.Warn("membership lookup failed for missed notification", "call_id", callID, "err", err)
	}
	co.auditTransition(ctx, audit.EventTypeTimedOut, updated, "", "")
	return nil
}

// RelaySignal validates and forwards an opaque signaling payload to the
// other participant. Forward failure is session-fatal: an unreachable
// signaling path means the call cannot proceed.
func (co *Coordinator) RelaySignal(ctx context.Context, callID, fromUserID, targetUserID string, signalType SignalType, payload json.RawMessage) error {
	if callID == "" || fromUserID == "" || targetUserID == "" || fromUserID == targetUserID {
		return ErrInvalidArgument
	}
	if !signalType.Valid() {
		return ErrInvalidSignalType
	}

	c, err := co.store.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if c.Status != CallStatusRinging && c.Status != CallStatusActive {
		return ErrWrongState
	}

	parts, err := co.membership.ActiveParticipants(ctx, c.ConversationID)
	if err != nil {
		return err
	}
	if !isMember(parts, fromUserID) || !isMember(parts, targetUserID) {
		return ErrNotParticipant
	}

	err = co.publisher.Publish(ctx, EventCallSignal, []string{targetUserID}, SignalEventPayload{
		CallID:     callID,
		FromUserID: fromUserID,
		SignalType: signalType,
		Payload:    payload,
	})
	if err != nil {
		co.MarkFailed(ctx, callID, fmt.Sprintf("signal forward to %s failed: %v", targetUserID, err))
		return fmt.Errorf("%w: signal forward failed", ErrDeliveryFailed)
	}
	return nil
}

// ActiveCall returns the conversation's single non-terminal call with its
// participants.
func (co *Coordinator) ActiveCall(ctx context.Context, userID, conversationID string) (CallWithParticipants, error) {
	if userID == "" || conversationID == "" {
		return CallWithParticipants{}, ErrInvalidArgument
	}
	parts, err := co.membership.ActiveParticipants(ctx, conversationID)
	if err != nil {
		return CallWithParticipants{}, err
	}
	if !isMember(parts, userID) {
		return CallWithParticipants{}, ErrNotParticipant
	}

	c, ok, err := co.store.GetActiveCallByConversation(ctx, conversationID)
	if err != nil {
		return CallWithParticipants{}, err
	}
	if !ok {
		return CallWithParticipants{}, ErrCallNotFound
	}
	rows, err := co.store.ListParticipants(ctx, c.ID)
	if err != nil {
		return CallWithParticipants{}, err
	}
	return CallWithParticipants{Call: c, Participants: rows}, nil
}

// MarkFailed is the single recovery path for broken side effects: it forces
// any non-terminal call to failed and notifies participants best-effort. It
// never reports an error; callers are already inside an error path and
// recovery must not add a second failure mode. If even the store write
// fails, the call stays in its last known state and we only log.
func (co *Coordinator) MarkFailed(ctx context.Context, callID, reason string) {
	now := co.clock().UTC()
	c, matched, err := co.store.ForceFail(ctx, callID, reason, now)
	if err != nil {
		co.log.Error("force-fail write failed, call left in last known state", "call_id", callID, "reason", reason, "err", err)
		return
	}
	if !matched {
		// Already terminal; nothing to recover.
		return
	}

	co.log.Warn("call marked failed", "call_id", callID, "reason", reason)
	co.bestEffortTimeline(ctx, c, 0)
	if parts, err := co.membership.ActiveParticipants(ctx, c.ConversationID); err == nil {
		co.bestEffortNotify(ctx, EventCallFailed, memberIDs(parts), EventPayload{Call: c})
	} else {
		co.log.Warn("membership lookup failed for failure notification", "call_id", callID, "err", err)
	}
	co.auditTransition(ctx, audit.EventTypeFailed, c, "", reason)
}

func (co *Coordinator) updateTimeline(ctx context.Context, c Call, duration time.Duration) error {
	if c.LinkedMessageID == "" {
		return nil
	}
	return co.timeline.UpdateCallMessage(ctx, c.LinkedMessageID, timelineBody(c, duration))
}

func (co *Coordinator) bestEffortTimeline(ctx context.Context, c Call, duration time.Duration) {
	if err := co.updateTimeline(ctx, c, duration); err != nil {
		co.log.Warn("timeline update failed", "call_id", c.ID, "err", err)
	}
}

func (co *Coordinator) bestEffortNotify(ctx context.Context, event notify.EventType, targets []string, payload any) {
	if err := co.publisher.Publish(ctx, event, targets, payload); err != nil {
		co.log.Warn("notification failed", "event", string(event), "err", err)
	}
}

func (co *Coordinator) auditTransition(ctx context.Context, t audit.EventType, c Call, actorUserID, detail string) {
	if co.audit == nil {
		return
	}
	if err := co.audit.Transition(ctx, t, c.ID, c.ConversationID, actorUserID, detail); err != nil {
		co.log.Warn("audit append failed", "call_id", c.ID, "err", err)
	}
}

func timelineBody(c Call, duration time.Duration) string {
	label := "Voice call"
	if c.CallType == CallTypeVideo {
		label = "Video call"
	}
	switch c.Status {
	case CallStatusRinging:
		return label + " - ringing"
	case CallStatusActive:
		return label + " - in progress"
	case CallStatusDeclined:
		return label + " - declined"
	case CallStatusMissed:
		return label + " - missed"
	case CallStatusEnded:
		return label + " - " + duration.Round(time.Second).String()
	case CallStatusFailed:
		return label + " - failed"
	default:
		return label
	}
}

func ringTimeoutKey(callID string) string {
	return "call:ring:" + callID
}

func isMember(parts []conversation.Participant, userID string) bool {
	for _, p := range parts {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func memberIDs(parts []conversation.Participant) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, p.UserID)
	}
	return out
}
