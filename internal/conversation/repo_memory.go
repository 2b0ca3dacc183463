package conversation

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory repository for tests and early development.
type MemoryRepo struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	participants  map[string][]Participant // conversation_id -> rows
	messages      map[string]Message
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		conversations: map[string]Conversation{},
		participants:  map[string][]Participant{},
		messages:      map[string]Message{},
	}
}

func (r *MemoryRepo) CreateConversation(ctx context.Context, conv Conversation, participants []Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[conv.ID] = conv
	r.participants[conv.ID] = append([]Participant(nil), participants...)
	return nil
}

func (r *MemoryRepo) GetConversation(ctx context.Context, id string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) ListActiveParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Participant
	for _, p := range r.participants[conversationID] {
		if p.LeftAt == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *MemoryRepo) FindDirect(ctx context.Context, userA, userB string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, parts := range r.participants {
		var active []string
		for _, p := range parts {
			if p.LeftAt == nil {
				active = append(active, p.UserID)
			}
		}
		if len(active) != 2 {
			continue
		}
		if (active[0] == userA && active[1] == userB) || (active[0] == userB && active[1] == userA) {
			return r.conversations[id], nil
		}
	}
	return Conversation{}, ErrNotFound
}

func (r *MemoryRepo) CreateMessage(ctx context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[m.ID] = m
	return nil
}

func (r *MemoryRepo) UpdateMessageBody(ctx context.Context, messageID, body string, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	m.Body = body
	m.UpdatedAt = updatedAt
	r.messages[messageID] = m
	return nil
}

// MarkLeft sets left_at for a participant; used by tests to model a user who
// left the conversation.
func (r *MemoryRepo) MarkLeft(conversationID, userID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parts := r.participants[conversationID]
	for i, p := range parts {
		if p.UserID == userID {
			t := at
			parts[i].LeftAt = &t
		}
	}
}

// Message returns a stored message; used by tests to assert timeline updates.
func (r *MemoryRepo) Message(id string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	return m, ok
}
