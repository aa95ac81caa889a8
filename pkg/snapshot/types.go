// Package snapshot provides content-addressed captures of kernel state.
// Snapshots support pause/resume and crash recovery: each one records the
// full state (or a reversible delta against a base) keyed by a
// deterministic content hash.
package snapshot

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no snapshot exists for the requested hash.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is a content-addressed capture of kernel state.
type Snapshot struct {
	// ExecutionContextID identifies the kernel execution this snapshot
	// belongs to.
	ExecutionContextID string `json:"execution_context_id"`

	// TenantID scopes the snapshot for multi-tenant stores.
	TenantID string `json:"tenant_id"`

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`

	// State is the captured payload. nil for delta snapshots — the full
	// state is reconstructed by applying Patch to the base snapshot.
	State map[string]any `json:"state,omitempty"`

	// Hash is the deterministic content hash of the full state. Identical
	// state always yields an identical hash regardless of key order.
	Hash string `json:"hash"`

	// BaseHash references the full snapshot this delta was computed
	// against. Empty for full snapshots.
	BaseHash string `json:"base_hash,omitempty"`

	// Patch is the reversible delta against the base. nil for full
	// snapshots.
	Patch *Patch `json:"patch,omitempty"`
}

// IsDelta reports whether the snapshot stores a patch instead of full state.
func (s *Snapshot) IsDelta() bool {
	return s.BaseHash != "" && s.Patch != nil
}

// AppendOptions controls how a snapshot is persisted.
type AppendOptions struct {
	// UseDelta stores a reversible patch against the latest full snapshot
	// when one exists. Falls back to a full snapshot otherwise.
	UseDelta bool
}

// Store is the append-only persistence backend for snapshots.
// Implementations: memory (this package), postgres and mongodb (pkg/storage).
type Store interface {
	// Append durably persists the snapshot. The snapshot must be
	// retrievable by hash once Append returns.
	Append(ctx context.Context, snap *Snapshot) error

	// GetByHash retrieves a snapshot by its content hash.
	// Returns ErrNotFound if absent.
	GetByHash(ctx context.Context, tenantID, hash string) (*Snapshot, error)

	// Latest returns the most recent snapshot for an execution context,
	// or ErrNotFound when none exists.
	Latest(ctx context.Context, tenantID, executionContextID string) (*Snapshot, error)

	// LatestFull returns the most recent non-delta snapshot for an
	// execution context, or ErrNotFound when none exists.
	LatestFull(ctx context.Context, tenantID, executionContextID string) (*Snapshot, error)

	// CleanupOldSnapshots removes all but the newest keep snapshots of an
	// execution context. Returns the number removed.
	CleanupOldSnapshots(ctx context.Context, tenantID, executionContextID string, keep int) (int, error)
}
