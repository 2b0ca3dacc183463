package calls

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// PostgresStore assumes the following tables exist:
//
//	calls (
//	  id                TEXT PRIMARY KEY,
//	  conversation_id   TEXT NOT NULL,
//	  initiator_id      TEXT NOT NULL,
//	  call_type         TEXT NOT NULL,
//	  status            TEXT NOT NULL,
//	  linked_message_id TEXT,
//	  error_reason      TEXT,
//	  started_at        TIMESTAMPTZ,
//	  ended_at          TIMESTAMPTZ,
//	  created_at        TIMESTAMPTZ NOT NULL,
//	  updated_at        TIMESTAMPTZ NOT NULL
//	)
//	call_participants (
//	  call_id   TEXT NOT NULL REFERENCES calls(id),
//	  user_id   TEXT NOT NULL,
//	  joined_at TIMESTAMPTZ NOT NULL,
//	  left_at   TIMESTAMPTZ,
//	  PRIMARY KEY (call_id, user_id)
//	)
//
// It also assumes the admission invariant is backed by a partial unique
// index, so two racing initiates cannot both create a live call:
//
//	CREATE UNIQUE INDEX calls_one_live_per_conversation
//	  ON calls (conversation_id) WHERE status IN ('ringing', 'active');
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const callColumns = `id, conversation_id, initiator_id, call_type, status, linked_message_id, error_reason, started_at, ended_at, created_at, updated_at`

func scanCall(row interface{ Scan(...any) error }) (Call, error) {
	var c Call
	var linkedMessageID, errorReason sql.NullString
	if err := row.Scan(
		&c.ID,
		&c.ConversationID,
		&c.InitiatorID,
		&c.CallType,
		&c.Status,
		&linkedMessageID,
		&errorReason,
		&c.StartedAt,
		&c.EndedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Call{}, err
	}
	c.LinkedMessageID = linkedMessageID.String
	c.ErrorReason = errorReason.String
	return c, nil
}

func (s *PostgresStore) CreateCall(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (id, conversation_id, initiator_id, call_type, status, linked_message_id, error_reason, started_at, ended_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11)
`
	_, err := s.db.ExecContext(ctx, q,
		c.ID, c.ConversationID, c.InitiatorID, c.CallType, c.Status,
		c.LinkedMessageID, c.ErrorReason, c.StartedAt, c.EndedAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "calls_one_live_per_conversation") {
		// Lost the race against a concurrent initiate in this conversation.
		return ErrUserBusy
	}
	return err
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrCallNotFound
		}
		return Call{}, err
	}
	return c, nil
}

// UpdateCallStatus is a single conditional write: the WHERE clause carries
// the expected prior status and the caller branches on whether a row matched.
func (s *PostgresStore) UpdateCallStatus(ctx context.Context, callID string, expected CallStatus, upd StatusUpdate) (Call, bool, error) {
	const q = `
UPDATE calls
SET status = $3,
    started_at = COALESCE($4, started_at),
    ended_at = COALESCE($5, ended_at),
    error_reason = COALESCE($6, error_reason),
    updated_at = $7
WHERE id = $1 AND status = $2
RETURNING ` + callColumns
	c, err := scanCall(s.db.QueryRowContext(ctx, q,
		callID, expected, upd.NewStatus, upd.StartedAt, upd.EndedAt, upd.ErrorReason, upd.UpdatedAt,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, false, nil
		}
		return Call{}, false, err
	}
	return c, true, nil
}

func (s *PostgresStore) ForceFail(ctx context.Context, callID, reason string, endedAt time.Time) (Call, bool, error) {
	const q = `
UPDATE calls
SET status = 'failed',
    error_reason = $2,
    ended_at = $3,
    updated_at = $3
WHERE id = $1 AND status IN ('ringing', 'active')
RETURNING ` + callColumns
	c, err := scanCall(s.db.QueryRowContext(ctx, q, callID, reason, endedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, false, nil
		}
		return Call{}, false, err
	}
	return c, true, nil
}

func (s *PostgresStore) SetLinkedMessage(ctx context.Context, callID, messageID string, updatedAt time.Time) error {
	const q = `UPDATE calls SET linked_message_id = $2, updated_at = $3 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, callID, messageID, updatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (s *PostgresStore) GetActiveCallByConversation(ctx context.Context, conversationID string) (Call, bool, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE conversation_id = $1 AND status IN ('ringing', 'active')
LIMIT 1
`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, conversationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, false, nil
		}
		return Call{}, false, err
	}
	return c, true, nil
}

func (s *PostgresStore) ListNonTerminalCallsForUsers(ctx context.Context, userIDs []string) ([]Call, error) {
	// Membership is through the conversation, not call_participants: a
	// ringing call has no participant rows yet but still makes both sides
	// busy.
	const q = `
SELECT ` + callColumns + `
FROM calls c
WHERE c.status IN ('ringing', 'active')
  AND EXISTS (
        SELECT 1 FROM conversation_participants p
        WHERE p.conversation_id = c.conversation_id
          AND p.user_id = ANY($1)
          AND p.left_at IS NULL)
`
	rows, err := s.db.QueryContext(ctx, q, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateParticipants(ctx context.Context, rowsIn []CallParticipant) error {
	const q = `
INSERT INTO call_participants (call_id, user_id, joined_at, left_at)
VALUES ($1, $2, $3, NULL)
`
	for _, p := range rowsIn {
		if _, err := s.db.ExecContext(ctx, q, p.CallID, p.UserID, p.JoinedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) CloseOpenParticipants(ctx context.Context, callID string, leftAt time.Time) error {
	const q = `UPDATE call_participants SET left_at = $2 WHERE call_id = $1 AND left_at IS NULL`
	_, err := s.db.ExecContext(ctx, q, callID, leftAt)
	return err
}

func (s *PostgresStore) ListParticipants(ctx context.Context, callID string) ([]CallParticipant, error) {
	const q = `
SELECT call_id, user_id, joined_at, left_at
FROM call_participants
WHERE call_id = $1
ORDER BY joined_at, user_id
`
	rows, err := s.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallParticipant
	for rows.Next() {
		var p CallParticipant
		if err := rows.Scan(&p.CallID, &p.UserID, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
