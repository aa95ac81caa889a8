package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kodustech/kodus-flow/pkg/snapshot"
)

// PostgresSnapshotStore persists snapshots in the kernel_snapshots
// table. The table is append-only; retention goes through
// CleanupOldSnapshots.
type PostgresSnapshotStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSnapshotStore creates a snapshot store over the pool.
func NewPostgresSnapshotStore(pool *pgxpool.Pool) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{pool: pool}
}

// Append durably persists the snapshot.
func (s *PostgresSnapshotStore) Append(ctx context.Context, snap *snapshot.Snapshot) error {
	var state, patch []byte
	var err error
	if snap.State != nil {
		if state, err = json.Marshal(snap.State); err != nil {
			return fmt.Errorf("failed to encode snapshot state: %w", err)
		}
	}
	if snap.Patch != nil {
		if patch, err = json.Marshal(snap.Patch); err != nil {
			return fmt.Errorf("failed to encode snapshot patch: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO kernel_snapshots (tenant_id, execution_context_id, hash, base_hash, state, patch, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.TenantID, snap.ExecutionContextID, snap.Hash, snap.BaseHash, state, patch, snap.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	return nil
}

// GetByHash retrieves a snapshot by its content hash.
func (s *PostgresSnapshotStore) GetByHash(ctx context.Context, tenantID, hash string) (*snapshot.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
SELECT tenant_id, execution_context_id, hash, base_hash, state, patch, created_at
FROM kernel_snapshots
WHERE tenant_id = $1 AND hash = $2
ORDER BY created_at DESC, id DESC
LIMIT 1`, tenantID, hash)
	return scanSnapshot(row)
}

// Latest returns the most recent snapshot for an execution context.
func (s *PostgresSnapshotStore) Latest(ctx context.Context, tenantID, executionContextID string) (*snapshot.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
SELECT tenant_id, execution_context_id, hash, base_hash, state, patch, created_at
FROM kernel_snapshots
WHERE tenant_id = $1 AND execution_context_id = $2
ORDER BY created_at DESC, id DESC
LIMIT 1`, tenantID, executionContextID)
	return scanSnapshot(row)
}

// LatestFull returns the most recent non-delta snapshot for an
// execution context.
func (s *PostgresSnapshotStore) LatestFull(ctx context.Context, tenantID, executionContextID string) (*snapshot.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
SELECT tenant_id, execution_context_id, hash, base_hash, state, patch, created_at
FROM kernel_snapshots
WHERE tenant_id = $1 AND execution_context_id = $2 AND base_hash = ''
ORDER BY created_at DESC, id DESC
LIMIT 1`, tenantID, executionContextID)
	return scanSnapshot(row)
}

// CleanupOldSnapshots removes all but the newest keep snapshots of an
// execution context.
func (s *PostgresSnapshotStore) CleanupOldSnapshots(ctx context.Context, tenantID, executionContextID string, keep int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM kernel_snapshots
WHERE tenant_id = $1 AND execution_context_id = $2 AND id NOT IN (
	SELECT id FROM kernel_snapshots
	WHERE tenant_id = $1 AND execution_context_id = $2
	ORDER BY created_at DESC, id DESC
	LIMIT $3
)`, tenantID, executionContextID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSnapshot(row pgx.Row) (*snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	var state, patch []byte
	err := row.Scan(&snap.TenantID, &snap.ExecutionContextID, &snap.Hash, &snap.BaseHash, &state, &patch, &snap.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &snap.State); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot state: %w", err)
		}
	}
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &snap.Patch); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot patch: %w", err)
		}
	}
	return &snap, nil
}
