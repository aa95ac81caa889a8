package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CreateGINIndexes creates full-text search GIN indexes for PostgreSQL.
// These indexes enable efficient full-text search on conversation content.
func CreateGINIndexes(ctx context.Context, pool *pgxpool.Pool) error {
	// GIN index for message content full-text search
	_, err := pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_agent_messages_content_gin
		ON agent_messages USING gin(to_tsvector('english', content))`)
	if err != nil {
		return fmt.Errorf("failed to create message content GIN index: %w", err)
	}

	// GIN index for session state key lookups
	_, err = pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_agent_sessions_state_gin
		ON agent_sessions USING gin(state)`)
	if err != nil {
		return fmt.Errorf("failed to create session state GIN index: %w", err)
	}

	return nil
}
