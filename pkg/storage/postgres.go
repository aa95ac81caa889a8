// Package storage provides the durable session and snapshot backends.
// PostgreSQL stores ride on the pkg/database pool; MongoDB stores use
// the official driver. Both implement the same interfaces as the
// in-memory stores, so callers pick a backend by configuration only.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kodustech/kodus-flow/pkg/agent"
)

// pgForeignKeyViolation is the PostgreSQL error code for FK failures.
const pgForeignKeyViolation = "23503"

// PostgresSessionStore persists sessions in the agent_sessions and
// agent_messages tables.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionStore creates a session store over the pool.
func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

// GetOrCreate returns the session bound to the thread, creating it on
// first use. The (tenant_id, thread_id) unique constraint makes the
// upsert race-safe.
func (s *PostgresSessionStore) GetOrCreate(ctx context.Context, tenantID, threadID string) (*agent.Session, error) {
	if threadID == "" {
		return nil, agent.ErrMissingThread
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO agent_sessions (id, tenant_id, thread_id)
VALUES ($1, $2, $3)
ON CONFLICT ON CONSTRAINT agent_sessions_tenant_thread_key
DO UPDATE SET updated_at = now()
RETURNING id, tenant_id, thread_id, state, metadata, created_at, updated_at`,
		uuid.New().String(), tenantID, threadID)

	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert session: %w", err)
	}
	if sess.Messages, err = s.loadMessages(ctx, sess.ID); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns a session by ID with its full message history.
func (s *PostgresSessionStore) Get(ctx context.Context, sessionID string) (*agent.Session, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, tenant_id, thread_id, state, metadata, created_at, updated_at
FROM agent_sessions WHERE id = $1`, sessionID)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", agent.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess.Messages, err = s.loadMessages(ctx, sess.ID); err != nil {
		return nil, err
	}
	return sess, nil
}

// AppendMessage appends a message, assigning an ID when absent.
func (s *PostgresSessionStore) AppendMessage(ctx context.Context, sessionID string, msg agent.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO agent_messages (id, session_id, role, content, status, tool_call_id, name, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, sessionID, msg.Role, msg.Content, string(msg.Status), msg.ToolCallID, msg.Name, msg.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return "", fmt.Errorf("%w: %s", agent.ErrSessionNotFound, sessionID)
		}
		return "", fmt.Errorf("failed to append message: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `UPDATE agent_sessions SET updated_at = now() WHERE id = $1`, sessionID); err != nil {
		return "", fmt.Errorf("failed to touch session: %w", err)
	}
	return msg.ID, nil
}

// UpdateMessage mutates a message in place. Only the placeholder
// assistant message goes through here.
func (s *PostgresSessionStore) UpdateMessage(ctx context.Context, sessionID, messageID string, update agent.MessageUpdate) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE agent_messages SET content = $1, status = $2
WHERE id = $3 AND session_id = $4`,
		update.Content, string(update.Status), messageID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", agent.ErrMessageNotFound, messageID)
	}
	return nil
}

// SetState writes one session state key through a jsonb merge.
func (s *PostgresSessionStore) SetState(ctx context.Context, sessionID string, key string, value any) error {
	patch, err := json.Marshal(map[string]any{key: value})
	if err != nil {
		return fmt.Errorf("failed to encode state value: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE agent_sessions SET state = state || $1::jsonb, updated_at = now()
WHERE id = $2`, patch, sessionID)
	if err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", agent.ErrSessionNotFound, sessionID)
	}
	return nil
}

func (s *PostgresSessionStore) loadMessages(ctx context.Context, sessionID string) ([]agent.Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, role, content, status, tool_call_id, name, created_at
FROM agent_messages WHERE session_id = $1
ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []agent.Message
	for rows.Next() {
		var m agent.Message
		var status string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &status, &m.ToolCallID, &m.Name, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Status = agent.MessageStatus(status)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanSession(row pgx.Row) (*agent.Session, error) {
	var sess agent.Session
	var state, metadata []byte
	if err := row.Scan(&sess.ID, &sess.TenantID, &sess.ThreadID, &state, &metadata, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(state, &sess.State); err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}
	if err := json.Unmarshal(metadata, &sess.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode session metadata: %w", err)
	}
	return &sess, nil
}
