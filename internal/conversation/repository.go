package conversation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"messenger-platform/pkg/utils"
)

// PostgresRepo assumes the following tables exist:
//
//	conversations (
//	  id         TEXT PRIMARY KEY,
//	  created_at TIMESTAMPTZ NOT NULL
//	)
//	conversation_participants (
//	  conversation_id TEXT NOT NULL REFERENCES conversations(id),
//	  user_id         TEXT NOT NULL,
//	  joined_at       TIMESTAMPTZ NOT NULL,
//	  left_at         TIMESTAMPTZ,
//	  PRIMARY KEY (conversation_id, user_id)
//	)
//	messages (
//	  id              TEXT PRIMARY KEY,
//	  conversation_id TEXT NOT NULL REFERENCES conversations(id),
//	  author_id       TEXT NOT NULL,
//	  kind            TEXT NOT NULL,
//	  body            TEXT NOT NULL,
//	  created_at      TIMESTAMPTZ NOT NULL,
//	  updated_at      TIMESTAMPTZ NOT NULL
//	)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) CreateConversation(ctx context.Context, conv Conversation, participants []Participant) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const qConv = `INSERT INTO conversations (id, created_at) VALUES ($1, $2)`
		if _, err := tx.ExecContext(ctx, qConv, conv.ID, conv.CreatedAt); err != nil {
			return err
		}
		const qPart = `
INSERT INTO conversation_participants (conversation_id, user_id, joined_at, left_at)
VALUES ($1, $2, $3, NULL)
`
		for _, p := range participants {
			if _, err := tx.ExecContext(ctx, qPart, p.ConversationID, p.UserID, p.JoinedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepo) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const q = `SELECT id, created_at FROM conversations WHERE id = $1`
	var c Conversation
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&c.ID, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, err
	}
	return c, nil
}

func (r *PostgresRepo) ListActiveParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	const q = `
SELECT conversation_id, user_id, joined_at, left_at
FROM conversation_participants
WHERE conversation_id = $1 AND left_at IS NULL
ORDER BY joined_at
`
	rows, err := r.db.QueryContext(ctx, q, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) FindDirect(ctx context.Context, userA, userB string) (Conversation, error) {
	// A direct conversation is one whose active membership is exactly {userA, userB}.
	const q = `
SELECT c.id, c.created_at
FROM conversations c
WHERE EXISTS (
        SELECT 1 FROM conversation_participants p
        WHERE p.conversation_id = c.id AND p.user_id = $1 AND p.left_at IS NULL)
  AND EXISTS (
        SELECT 1 FROM conversation_participants p
        WHERE p.conversation_id = c.id AND p.user_id = $2 AND p.left_at IS NULL)
  AND (SELECT COUNT(*) FROM conversation_participants p
        WHERE p.conversation_id = c.id AND p.left_at IS NULL) = 2
LIMIT 1
`
	var c Conversation
	if err := r.db.QueryRowContext(ctx, q, userA, userB).Scan(&c.ID, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, err
	}
	return c, nil
}

func (r *PostgresRepo) CreateMessage(ctx context.Context, m Message) error {
	const q = `
INSERT INTO messages (id, conversation_id, author_id, kind, body, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := r.db.ExecContext(ctx, q, m.ID, m.ConversationID, m.AuthorID, m.Kind, m.Body, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r *PostgresRepo) UpdateMessageBody(ctx context.Context, messageID, body string, updatedAt time.Time) error {
	const q = `UPDATE messages SET body = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, messageID, body, updatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
