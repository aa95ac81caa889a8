package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Persistor is the append-only snapshot service. It computes content
// hashes, optionally delta-encodes against the latest full snapshot, and
// reconstructs full state on retrieval.
type Persistor struct {
	store  Store
	logger *slog.Logger
}

// NewPersistor creates a Persistor backed by the given store.
func NewPersistor(store Store, logger *slog.Logger) *Persistor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persistor{store: store, logger: logger}
}

// Capture builds a snapshot of the given state with its content hash.
// The state map is referenced, not copied; callers must not mutate it
// after Capture.
func Capture(tenantID, executionContextID string, state map[string]any) (*Snapshot, error) {
	hash, err := HashState(state)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ExecutionContextID: executionContextID,
		TenantID:           tenantID,
		Timestamp:          time.Now().UTC(),
		State:              state,
		Hash:               hash,
	}, nil
}

// Append durably persists the snapshot. With opts.UseDelta and an existing
// full snapshot for the same execution context, a reversible patch is
// stored instead of the full state. Append must not mutate snap.
func (p *Persistor) Append(ctx context.Context, snap *Snapshot, opts AppendOptions) error {
	if snap.Hash == "" {
		hash, err := HashState(snap.State)
		if err != nil {
			return err
		}
		snap.Hash = hash
	}

	toStore := snap
	if opts.UseDelta {
		base, err := p.store.LatestFull(ctx, snap.TenantID, snap.ExecutionContextID)
		switch {
		case errors.Is(err, ErrNotFound):
			// No base yet: store the full snapshot.
		case err != nil:
			return fmt.Errorf("failed to resolve delta base: %w", err)
		case base.Hash == snap.Hash:
			// Identical state: appending would store an empty patch.
			p.logger.Debug("Skipping snapshot append, state unchanged",
				"execution_context_id", snap.ExecutionContextID,
				"hash", snap.Hash)
			return nil
		default:
			patch := Diff(base.State, snap.State)
			toStore = &Snapshot{
				ExecutionContextID: snap.ExecutionContextID,
				TenantID:           snap.TenantID,
				Timestamp:          snap.Timestamp,
				Hash:               snap.Hash,
				BaseHash:           base.Hash,
				Patch:              patch,
			}
		}
	}

	if err := p.store.Append(ctx, toStore); err != nil {
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	return nil
}

// GetByHash retrieves a snapshot and reconstructs its full state. For a
// delta snapshot, reconstruction walks back to the latest full base and
// applies the patch.
func (p *Persistor) GetByHash(ctx context.Context, tenantID, hash string) (*Snapshot, error) {
	snap, err := p.store.GetByHash(ctx, tenantID, hash)
	if err != nil {
		return nil, err
	}
	if !snap.IsDelta() {
		return snap, nil
	}

	base, err := p.store.GetByHash(ctx, tenantID, snap.BaseHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load delta base %s: %w", snap.BaseHash, err)
	}
	if base.IsDelta() {
		// Deltas are always computed against a full snapshot; a delta
		// base indicates store corruption.
		return nil, fmt.Errorf("delta base %s is itself a delta", snap.BaseHash)
	}

	return &Snapshot{
		ExecutionContextID: snap.ExecutionContextID,
		TenantID:           snap.TenantID,
		Timestamp:          snap.Timestamp,
		State:              snap.Patch.Apply(base.State),
		Hash:               snap.Hash,
	}, nil
}

// Latest returns the most recent snapshot for an execution context with
// its full state reconstructed.
func (p *Persistor) Latest(ctx context.Context, tenantID, executionContextID string) (*Snapshot, error) {
	snap, err := p.store.Latest(ctx, tenantID, executionContextID)
	if err != nil {
		return nil, err
	}
	if !snap.IsDelta() {
		return snap, nil
	}
	return p.GetByHash(ctx, tenantID, snap.Hash)
}

// CleanupOldSnapshots trims the history of an execution context down to
// keep entries.
func (p *Persistor) CleanupOldSnapshots(ctx context.Context, tenantID, executionContextID string, keep int) (int, error) {
	removed, err := p.store.CleanupOldSnapshots(ctx, tenantID, executionContextID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup snapshots: %w", err)
	}
	if removed > 0 {
		p.logger.Debug("Trimmed snapshot history",
			"execution_context_id", executionContextID, "removed", removed)
	}
	return removed, nil
}
