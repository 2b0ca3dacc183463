package calls

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"messenger-platform/internal/audit"
	"messenger-platform/internal/conversation"
	"messenger-platform/internal/notify"
	"messenger-platform/internal/scheduler"
)

type staticPresence struct {
	offline map[string]bool
}

func (p *staticPresence) Reachable(ctx context.Context, userID string) (bool, error) {
	return !p.offline[userID], nil
}

// callFixture wires the coordinator against in-memory collaborators with a
// controllable clock. Users alice and bob share a direct conversation.
type callFixture struct {
	now time.Time

	store     *MemoryStore
	convs     *conversation.MemoryRepo
	convSvc   *conversation.Service
	presence  *staticPresence
	pub       *notify.MemoryPublisher
	sched     *scheduler.MemoryScheduler
	auditRepo *audit.MemoryRepo
	co        *Coordinator

	direct conversation.Conversation
}

func newCallFixture(t *testing.T) *callFixture {
	t.Helper()
	f := &callFixture{
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		store:     NewMemoryStore(),
		convs:     conversation.NewMemoryRepo(),
		presence:  &staticPresence{offline: map[string]bool{}},
		pub:       notify.NewMemoryPublisher(),
		sched:     scheduler.NewMemoryScheduler(),
		auditRepo: audit.NewMemoryRepo(),
	}
	f.convSvc = conversation.NewService(f.convs)
	f.store.Membership = func(conversationID string) []string {
		parts, err := f.convSvc.ActiveParticipants(context.Background(), conversationID)
		if err != nil {
			return nil
		}
		ids := make([]string, 0, len(parts))
		for _, p := range parts {
			ids = append(ids, p.UserID)
		}
		return ids
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.co = NewCoordinator(f.store, f.convSvc, f.convSvc, f.presence, f.pub, f.sched, audit.NewService(f.auditRepo), 30*time.Second, log)
	f.co.clock = func() time.Time { return f.now }

	conv, err := f.convSvc.CreateDirect(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("create direct conversation: %v", err)
	}
	f.direct = conv
	return f
}

func (f *callFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *callFixture) ring(t *testing.T) Call {
	t.Helper()
	c, err := f.co.Initiate(context.Background(), "alice", f.direct.ID, CallTypeVoice)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return c
}

func (f *callFixture) messageBody(t *testing.T, id string) string {
	t.Helper()
	m, ok := f.convs.Message(id)
	if !ok {
		t.Fatalf("timeline message %s not found", id)
	}
	return m.Body
}

func TestInitiateStartsRinging(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	c := f.ring(t)
	if c.Status != CallStatusRinging {
		t.Fatalf("status = %s, want ringing", c.Status)
	}
	if c.InitiatorID != "alice" || c.ConversationID != f.direct.ID {
		t.Fatalf("unexpected call identity: %+v", c)
	}
	if c.LinkedMessageID == "" {
		t.Fatal("expected linked timeline message")
	}
	if got := f.messageBody(t, c.LinkedMessageID); got != "Voice call - ringing" {
		t.Fatalf("timeline body = %q", got)
	}

	task, ok := f.sched.Scheduled(ringTimeoutKey(c.ID))
	if !ok {
		t.Fatal("expected a scheduled ring timeout")
	}
	if task.Type != TaskRingTimeout {
		t.Fatalf("task type = %s", task.Type)
	}
	var payload RingTimeoutTask
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		t.Fatalf("decode task payload: %v", err)
	}
	if payload.CallID != c.ID || payload.ConversationID != f.direct.ID {
		t.Fatalf("task payload = %+v", payload)
	}

	rings := f.pub.ByType(EventCallRinging)
	if len(rings) != 1 {
		t.Fatalf("ring events = %d, want 1", len(rings))
	}
	if len(rings[0].Targets) != 1 || rings[0].Targets[0] != "bob" {
		t.Fatalf("ring targets = %v, want only the callee", rings[0].Targets)
	}

	live, ok, err := f.store.GetActiveCallByConversation(ctx, f.direct.ID)
	if err != nil || !ok || live.ID != c.ID {
		t.Fatalf("active call lookup = (%+v, %v, %v)", live, ok, err)
	}
}

func TestInitiateAdmission(t *testing.T) {
	t.Run("invalid call type", func(t *testing.T) {
		f := newCallFixture(t)
		if _, err := f.co.Initiate(context.Background(), "alice", f.direct.ID, CallType("fax")); !errors.Is(err, ErrInvalidCallType) {
			t.Fatalf("err = %v, want ErrInvalidCallType", err)
		}
	})

	t.Run("caller not a participant", func(t *testing.T) {
		f := newCallFixture(t)
		if _, err := f.co.Initiate(context.Background(), "carol", f.direct.ID, CallTypeVoice); !errors.Is(err, ErrNotParticipant) {
			t.Fatalf("err = %v, want ErrNotParticipant", err)
		}
	})

	t.Run("conversation no longer two-party", func(t *testing.T) {
		f := newCallFixture(t)
		f.convs.MarkLeft(f.direct.ID, "bob", f.now)
		if _, err := f.co.Initiate(context.Background(), "alice", f.direct.ID, CallTypeVoice); !errors.Is(err, ErrNotTwoParty) {
			t.Fatalf("err = %v, want ErrNotTwoParty", err)
		}
	})

	t.Run("callee offline", func(t *testing.T) {
		f := newCallFixture(t)
		f.presence.offline["bob"] = true
		if _, err := f.co.Initiate(context.Background(), "alice", f.direct.ID, CallTypeVoice); !errors.Is(err, ErrParticipantOffline) {
			t.Fatalf("err = %v, want ErrParticipantOffline", err)
		}
		if _, ok, _ := f.store.GetActiveCallByConversation(context.Background(), f.direct.ID); ok {
			t.Fatal("rejected initiate must not leave a call behind")
		}
	})
}

func TestInitiateWhenBusy(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	other, err := f.convSvc.CreateDirect(ctx, "alice", "carol")
	if err != nil {
		t.Fatalf("create second conversation: %v", err)
	}

	f.ring(t)

	// alice is on a ringing call, so she cannot start another anywhere.
	if _, err := f.co.Initiate(ctx, "alice", other.ID, CallTypeVideo); !errors.Is(err, ErrUserBusy) {
		t.Fatalf("err = %v, want ErrUserBusy", err)
	}
	// carol calling alice hits the same busy check from the callee side.
	if _, err := f.co.Initiate(ctx, "carol", other.ID, CallTypeVoice); !errors.Is(err, ErrUserBusy) {
		t.Fatalf("err = %v, want ErrUserBusy", err)
	}
	if _, ok, _ := f.store.GetActiveCallByConversation(ctx, other.ID); ok {
		t.Fatal("busy rejection must not create a call")
	}
}

func TestAnswer(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	c := f.ring(t)

	if _, err := f.co.Answer(ctx, "alice", c.ID); !errors.Is(err, ErrAnswerOwnCall) {
		t.Fatalf("initiator answer err = %v, want ErrAnswerOwnCall", err)
	}
	if _, err := f.co.Answer(ctx, "carol", c.ID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider answer err = %v, want ErrNotParticipant", err)
	}

	f.advance(5 * time.Second)
	answered, err := f.co.Answer(ctx, "bob", c.ID)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answered.Status != CallStatusActive {
		t.Fatalf("status = %s, want active", answered.Status)
	}
	if answered.StartedAt == nil || !answered.StartedAt.Equal(f.now) {
		t.Fatalf("started_at = %v, want %v", answered.StartedAt, f.now)
	}

	rows, err := f.store.ListParticipants(ctx, c.ID)
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("participant rows = %d, want 2", len(rows))
	}
	for _, p := range rows {
		if p.LeftAt != nil {
			t.Fatalf("participant %s already closed", p.UserID)
		}
	}

	if got := f.messageBody(t, c.LinkedMessageID); got != "Voice call - in progress" {
		t.Fatalf("timeline body = %q", got)
	}
	evs := f.pub.ByType(EventCallAnswered)
	if len(evs) != 1 || len(evs[0].Targets) != 2 {
		t.Fatalf("answered events = %+v, want one event to both parties", evs)
	}

	if _, err := f.co.Answer(ctx, "bob", c.ID); !errors.Is(err, ErrWrongState) {
		t.Fatalf("double answer err = %v, want ErrWrongState", err)
	}
}

func TestDecline(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	c := f.ring(t)

	declined, err := f.co.Decline(ctx, "bob", c.ID)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if declined.Status != CallStatusDeclined {
		t.Fatalf("status = %s, want declined", declined.Status)
	}
	if declined.EndedAt == nil {
		t.Fatal("declined call must carry ended_at")
	}
	if got := f.messageBody(t, c.LinkedMessageID); got != "Voice call - declined" {
		t.Fatalf("timeline body = %q", got)
	}

	if _, err := f.co.Answer(ctx, "bob", c.ID); !errors.Is(err, ErrWrongState) {
		t.Fatalf("answer after decline err = %v, want ErrWrongState", err)
	}
}

func TestDeclineNotificationIsAdvisory(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	c := f.ring(t)

	f.pub.FailOn(EventCallDeclined, errors.New("gateway unreachable"))
	declined, err := f.co.Decline(ctx, "bob", c.ID)
	if err != nil {
		t.Fatalf("decline must succeed despite notify failure, got %v", err)
	}
	if declined.Status != CallStatusDeclined {
		t.Fatalf("status = %s, want declined", declined.Status)
	}
	got, err := f.store.GetCall(ctx, c.ID)
	if err != nil || got.Status != CallStatusDeclined {
		t.Fatalf("stored call = (%+v, %v), want declined", got, err)
	}
}

func TestRingTimeout(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	c := f.ring(t)

	f.advance(30 * time.Second)
	if err := f.sched.Fire(ctx, ringTimeoutKey(c.ID), TimeoutHandler(f.co)); err != nil {
		t.Fatalf("fire timeout: %v", err)
	}

	got, err := f.store.GetCall(ctx, c.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.Status != CallStatusMissed || got.EndedAt == nil {
		t.Fatalf("call after timeout = %+v, want missed with ended_at", got)
	}
	if body := f.messageBody(t, c.LinkedMessageID); body != "Voice call - missed" {
		t.Fatalf("timeline body = %q", body)
	}
	if evs := f.pub.ByType(EventCallMissed); len(evs) != 1 {
		t.Fatalf("missed events = %d, want 1", len(evs))
	}

	// At-least-once delivery: a duplicate fire is a no-op.
	if err := f.sched.Fire(ctx, ringTimeoutKey(c.ID), TimeoutHandler(f.co)); err != nil {
		t.Fatalf("duplicate fire: %v", err)
	}
	if evs := f.pub.ByType(EventCallMissed); len(evs) != 1 {
		t.Fatalf("missed events after duplicate = %d, want still 1", len(evs))
	}
}

func TestRingTimeoutAfterAnswerIsNoop(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	c := f.ring(t)

	if _, err := f.co.Answer(ctx, "bob", c.ID); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := f.sched.Fire(ctx, ringTimeoutKey(c.ID), TimeoutHandler(f.co)); err != nil {
		t.Fatalf("fire timeout: %v", err)
	}

	got, _ := f.store.GetCall(ctx, c.ID)
	if got.Status != CallStatusActive {
		t.Fatalf("status = %s, want active after late timeout", got.Status)
	}
	if evs := f.pub.ByType(EventCallMissed); len(evs) != 0 {
		t.Fatalf("missed events = %d, want 0", len(evs))
	}
}

func TestEnd(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	c := f.ring(t)

	if _, err := f.co.End(ctx, "alice", c.ID); !errors.Is(err, ErrWrongState) {
		t.Fatalf("end while ringing err = %v, want ErrWrongState", err)
	}

	if _, err := f.co.Answer(ctx, "bob", c.ID); err != nil {
		t.Fatalf("answer: %v", err)
	}
	f.advance(42 * time.Second)

	ended, err := f.co.End(ctx, "alice", c.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != CallStatusEnded {
		t.Fatalf("status = %s, want ended", ended.Status)
	}
	if d := ended.Duration(); d != 42*time.Second {
		t.Fatalf("duration = %v, want 42s", d)
	}
	if body := f.messageBody(t, c.LinkedMessageID); body != "Voice call - 42s" {
		t.Fatalf("timeline body = %q", body)
	}

	rows, _ := f.store.ListParticipants(ctx, c.ID)
	for _, p := range rows {
		if p.LeftAt == nil {
			t.Fatalf("participant %s still open after end", p.UserID)
		}
	}

	evs := f.pub.ByType(EventCallEnded)
	if len(evs) != 1 {
		t.Fatalf("ended events = %d, want 1", len(evs))
	}
	payload, ok := evs[0].Payload.(EventPayload)
	if !ok {
		t.Fatalf("ended payload type %T", evs[0].Payload)
	}
	if payload.DurationSeconds != 42 {
		t.Fatalf("duration_seconds = %d, want 42", payload.DurationSeconds)
	}

	if _, err := f.co.End(ctx, "bob", c.ID); !errors.Is(err, ErrWrongState) {
		t.Fatalf("double end err = %v, want ErrWrongState", err)
	}
}

func TestAnswerDeclineRace(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	c := f.ring(t)

	var wg sync.WaitGroup
	var answerErr, declineErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, answerErr = f.co.Answer(ctx, "bob", c.ID)
	}()
	go func() {
		defer wg.Done()
		_, declineErr = f.co.Decline(ctx, "alice", c.ID)
	}()
	wg.Wait()

	wins := 0
	for _, err := range []error{answerErr, declineErr} {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrWrongState):
		default:
			t.Fatalf("unexpected race outcome: answer=%v decline=%v", answerErr, declineErr)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1 (answer=%v decline=%v)", wins, answerErr, declineErr)
	}

	got, _ := f.store.GetCall(ctx, c.ID)
	if answerErr == nil && got.Status != CallStatusActive {
		t.Fatalf("answer won but status = %s", got.Status)
	}
	if declineErr == nil && got.Status != CallStatusDeclined {
		t.Fatalf("decline won but status = %s", got.Status)
	}
}

func TestInitiateRingDeliveryFailure(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	f.pub.FailOn(EventCallRinging, errors.New("pubsub down"))
	_, err := f.co.Initiate(ctx, "alice", f.direct.ID, CallTypeVoice)
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}

	// The call row exists but was demoted to failed with a reason.
	var failedID string
	for _, e := range f.auditRepo.Events() {
		if e.Type == audit.EventTypeFailed {
			failedID = e.CallID
		}
	}
	if failedID == "" {
		t.Fatal("expected a failed audit event")
	}
	got, err := f.store.GetCall(ctx, failedID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.Status != CallStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorReason, "ring notification failed") {
		t.Fatalf("error_reason = %q", got.ErrorReason)
	}
	if body := f.messageBody(t, got.LinkedMessageID); body != "Voice call - failed" {
		t.Fatalf("timeline body = %q", body)
	}
	if evs := f.pub.ByType(EventCallFailed); len(evs) != 1 {
		t.Fatalf("failed events = %d, want 1", len(evs))
	}
}

func TestInitiateSchedulerFailure(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	f.sched.FailNext(errors.New("redis unavailable"))
	_, err := f.co.Initiate(ctx, "alice", f.direct.ID, CallTypeVoice)
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
	// A call whose timeout cannot be scheduled must not be left ringing.
	if _, ok, _ := f.store.GetActiveCallByConversation(ctx, f.direct.ID); ok {
		t.Fatal("call left non-terminal after scheduling failure")
	}
}

func TestRelaySignal(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	c := f.ring(t)
	sdp := json.RawMessage(`{"sdp":"v=0"}`)

	if err := f.co.RelaySignal(ctx, c.ID, "alice", "bob", SignalType("morse"), sdp); !errors.Is(err, ErrInvalidSignalType) {
		t.Fatalf("bad type err = %v, want ErrInvalidSignalType", err)
	}
	if err := f.co.RelaySignal(ctx, c.ID, "alice", "carol", SignalTypeOffer, sdp); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outside target err = %v, want ErrNotParticipant", err)
	}
	if err := f.co.RelaySignal(ctx, c.ID, "carol", "bob", SignalTypeOffer, sdp); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outside sender err = %v, want ErrNotParticipant", err)
	}

	if err := f.co.RelaySignal(ctx, c.ID, "alice", "bob", SignalTypeOffer, sdp); err != nil {
		t.Fatalf("relay while ringing: %v", err)
	}
	evs := f.pub.ByType(EventCallSignal)
	if len(evs) != 1 {
		t.Fatalf("signal events = %d, want 1", len(evs))
	}
	if len(evs[0].Targets) != 1 || evs[0].Targets[0] != "bob" {
		t.Fatalf("signal targets = %v, want only the target", evs[0].Targets)
	}
	payload, ok := evs[0].Payload.(SignalEventPayload)
	if !ok {
		t.Fatalf("signal payload type %T", evs[0].Payload)
	}
	if payload.CallID != c.ID || payload.FromUserID != "alice" || payload.SignalType != SignalTypeOffer {
		t.Fatalf("signal payload = %+v", payload)
	}

	if _, err := f.co.Decline(ctx, "bob", c.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := f.co.RelaySignal(ctx, c.ID, "alice", "bob", SignalTypeOffer, sdp); !errors.Is(err, ErrWrongState) {
		t.Fatalf("relay on terminal call err = %v, want ErrWrongState", err)
	}
}

func TestRelaySignalForwardFailureFailsCall(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	c := f.ring(t)

	f.pub.FailOn(EventCallSignal, errors.New("socket gone"))
	err := f.co.RelaySignal(ctx, c.ID, "alice", "bob", SignalTypeICECandidate, json.RawMessage(`{}`))
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
	got, _ := f.store.GetCall(ctx, c.ID)
	if got.Status != CallStatusFailed || got.ErrorReason == "" {
		t.Fatalf("call after forward failure = %+v, want failed with reason", got)
	}
}

func TestActiveCall(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	if _, err := f.co.ActiveCall(ctx, "alice", f.direct.ID); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("empty conversation err = %v, want ErrCallNotFound", err)
	}

	c := f.ring(t)
	if _, err := f.co.ActiveCall(ctx, "carol", f.direct.ID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider err = %v, want ErrNotParticipant", err)
	}

	got, err := f.co.ActiveCall(ctx, "bob", f.direct.ID)
	if err != nil {
		t.Fatalf("active call: %v", err)
	}
	if got.Call.ID != c.ID || got.Call.Status != CallStatusRinging {
		t.Fatalf("active call = %+v", got.Call)
	}

	if _, err := f.co.Answer(ctx, "bob", c.ID); err != nil {
		t.Fatalf("answer: %v", err)
	}
	got, err = f.co.ActiveCall(ctx, "alice", f.direct.ID)
	if err != nil {
		t.Fatalf("active call after answer: %v", err)
	}
	if len(got.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(got.Participants))
	}
}

func TestMarkFailedIsIdempotent(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	c := f.ring(t)

	f.co.MarkFailed(ctx, c.ID, "first reason")
	f.co.MarkFailed(ctx, c.ID, "second reason")

	got, _ := f.store.GetCall(ctx, c.ID)
	if got.Status != CallStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorReason != "first reason" {
		t.Fatalf("error_reason = %q, want the first recovery to win", got.ErrorReason)
	}

	failed := 0
	for _, e := range f.auditRepo.Events() {
		if e.Type == audit.EventTypeFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("failed audit events = %d, want 1", failed)
	}
}
