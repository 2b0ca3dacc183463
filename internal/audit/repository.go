package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo assumes the following table exists:
//
//	call_audit_events (
//	  id              TEXT PRIMARY KEY,
//	  type            TEXT NOT NULL,
//	  call_id         TEXT NOT NULL,
//	  conversation_id TEXT,
//	  actor_user_id   TEXT,
//	  detail          TEXT,
//	  created_at      TIMESTAMPTZ NOT NULL
//	)
//
// The table is insert-only.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_audit_events (id, type, call_id, conversation_id, actor_user_id, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.Type, e.CallID, e.ConversationID, e.ActorUserID, e.Detail, e.CreatedAt)
	return err
}
