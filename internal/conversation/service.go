package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for conversations, membership and
// timeline messages.
type Repository interface {
	CreateConversation(ctx context.Context, conv Conversation, participants []Participant) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListActiveParticipants(ctx context.Context, conversationID string) ([]Participant, error)
	FindDirect(ctx context.Context, userA, userB string) (Conversation, error)

	CreateMessage(ctx context.Context, m Message) error
	UpdateMessageBody(ctx context.Context, messageID, body string, updatedAt time.Time) error
}

var (
	ErrNotFound        = errors.New("conversation not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrSameUser        = errors.New("conversation requires two distinct users")
)

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// CreateDirect creates (or returns the existing) direct conversation between
// two users.
func (s *Service) CreateDirect(ctx context.Context, creatorID, otherID string) (Conversation, error) {
	if creatorID == "" || otherID == "" {
		return Conversation{}, ErrInvalidArgument
	}
	if creatorID == otherID {
		return Conversation{}, ErrSameUser
	}

	if existing, err := s.repo.FindDirect(ctx, creatorID, otherID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Conversation{}, err
	}

	now := s.clock().UTC()
	conv := Conversation{ID: uuid.NewString(), CreatedAt: now}
	participants := []Participant{
		{ConversationID: conv.ID, UserID: creatorID, JoinedAt: now},
		{ConversationID: conv.ID, UserID: otherID, JoinedAt: now},
	}
	if err := s.repo.CreateConversation(ctx, conv, participants); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (s *Service) Get(ctx context.Context, id string) (Conversation, error) {
	if id == "" {
		return Conversation{}, ErrInvalidArgument
	}
	return s.repo.GetConversation(ctx, id)
}

// ActiveParticipants lists members who have not left the conversation.
func (s *Service) ActiveParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	if conversationID == "" {
		return nil, ErrInvalidArgument
	}
	return s.repo.ListActiveParticipants(ctx, conversationID)
}

// CreateCallMessage appends a call timeline entry and returns its id.
// The entry is later updated in place as the call resolves.
func (s *Service) CreateCallMessage(ctx context.Context, conversationID, authorID, body string) (string, error) {
	if conversationID == "" || authorID == "" {
		return "", ErrInvalidArgument
	}
	now := s.clock().UTC()
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		AuthorID:       authorID,
		Kind:           KindCall,
		Body:           body,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateMessage(ctx, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// UpdateCallMessage rewrites the body of an existing call timeline entry.
func (s *Service) UpdateCallMessage(ctx context.Context, messageID, body string) error {
	if messageID == "" {
		return ErrInvalidArgument
	}
	return s.repo.UpdateMessageBody(ctx, messageID, body, s.clock().UTC())
}
