package conversation

import "time"

// Conversation is a direct two-party conversation.
//
// Group conversations are not modeled; the call coordinator depends on the
// exactly-two-participants shape.
type Conversation struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Participant is a conversation membership row.
// LeftAt is set when a user leaves; active membership means LeftAt IS NULL.
type Participant struct {
	ConversationID string     `json:"conversation_id" db:"conversation_id"`
	UserID         string     `json:"user_id" db:"user_id"`
	JoinedAt       time.Time  `json:"joined_at" db:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty" db:"left_at"`
}

// Message is a chat timeline entry. Call lifecycle entries use KindCall and
// are updated in place as the call status changes.
type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	AuthorID       string    `json:"author_id" db:"author_id"`
	Kind           Kind      `json:"kind" db:"kind"`
	Body           string    `json:"body" db:"body"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

type Kind string

const (
	KindText Kind = "text"
	KindCall Kind = "call"
)
