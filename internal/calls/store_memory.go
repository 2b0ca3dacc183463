package calls

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and early development. The
// mutex around UpdateCallStatus gives the same linearizable
// compare-and-swap the Postgres conditional UPDATE provides.
type MemoryStore struct {
	mu           sync.Mutex
	calls        map[string]Call
	participants map[string][]CallParticipant

	// Membership resolves a conversation to its active member ids, so the
	// busy scan can reach users on calls that have no participant rows yet
	// (ringing). Tests wire this to their membership fake.
	Membership func(conversationID string) []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:        map[string]Call{},
		participants: map[string][]CallParticipant{},
	}
}

func (s *MemoryStore) CreateCall(ctx context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.calls {
		if existing.ConversationID == c.ConversationID && !existing.Status.IsTerminal() {
			return ErrUserBusy
		}
	}
	s.calls[c.ID] = c
	return nil
}

func (s *MemoryStore) GetCall(ctx context.Context, id string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return c, nil
}

func (s *MemoryStore) UpdateCallStatus(ctx context.Context, callID string, expected CallStatus, upd StatusUpdate) (Call, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok || c.Status != expected {
		return Call{}, false, nil
	}
	c.Status = upd.NewStatus
	if upd.StartedAt != nil {
		c.StartedAt = upd.StartedAt
	}
	if upd.EndedAt != nil {
		c.EndedAt = upd.EndedAt
	}
	if upd.ErrorReason != nil {
		c.ErrorReason = *upd.ErrorReason
	}
	c.UpdatedAt = upd.UpdatedAt
	s.calls[callID] = c
	return c, true, nil
}

func (s *MemoryStore) ForceFail(ctx context.Context, callID, reason string, endedAt time.Time) (Call, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok || c.Status.IsTerminal() {
		return Call{}, false, nil
	}
	c.Status = CallStatusFailed
	c.ErrorReason = reason
	t := endedAt
	c.EndedAt = &t
	c.UpdatedAt = endedAt
	s.calls[callID] = c
	return c, true, nil
}

func (s *MemoryStore) SetLinkedMessage(ctx context.Context, callID, messageID string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	c.LinkedMessageID = messageID
	c.UpdatedAt = updatedAt
	s.calls[callID] = c
	return nil
}

func (s *MemoryStore) GetActiveCallByConversation(ctx context.Context, conversationID string) (Call, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.ConversationID == conversationID && !c.Status.IsTerminal() {
			return c, true, nil
		}
	}
	return Call{}, false, nil
}

func (s *MemoryStore) ListNonTerminalCallsForUsers(ctx context.Context, userIDs []string) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, id := range userIDs {
		want[id] = true
	}
	var out []Call
	for _, c := range s.calls {
		if c.Status.IsTerminal() {
			continue
		}
		members := []string{c.InitiatorID}
		if s.Membership != nil {
			members = s.Membership(c.ConversationID)
		}
		for _, m := range members {
			if want[m] {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateParticipants(ctx context.Context, rows []CallParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range rows {
		s.participants[p.CallID] = append(s.participants[p.CallID], p)
	}
	return nil
}

func (s *MemoryStore) CloseOpenParticipants(ctx context.Context, callID string, leftAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.participants[callID]
	for i, p := range rows {
		if p.LeftAt == nil {
			t := leftAt
			rows[i].LeftAt = &t
		}
	}
	return nil
}

func (s *MemoryStore) ListParticipants(ctx context.Context, callID string) ([]CallParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.participants[callID]
	out := make([]CallParticipant, len(rows))
	copy(out, rows)
	return out, nil
}
