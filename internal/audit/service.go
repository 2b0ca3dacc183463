package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only; there are no update or delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records call lifecycle transitions.
//
// Audit is internal-only; callers treat it as best-effort and log (not
// propagate) its errors.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.CallID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Transition records a lifecycle transition for a call.
func (s *Service) Transition(ctx context.Context, t EventType, callID, conversationID, actorUserID, detail string) error {
	return s.Append(ctx, Event{
		Type:           t,
		CallID:         callID,
		ConversationID: conversationID,
		ActorUserID:    actorUserID,
		Detail:         detail,
	})
}
