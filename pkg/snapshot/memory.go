package snapshot

import (
	"context"
	"sync"
)

// MemoryStore is the in-memory Store used for tests and the "inmemory"
// storage kind. Snapshots are kept per tenant in append order.
type MemoryStore struct {
	mu sync.RWMutex
	// byTenant holds snapshots in append order.
	byTenant map[string][]*Snapshot
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTenant: make(map[string][]*Snapshot)}
}

// Append stores the snapshot. Duplicate hashes are appended as-is: the
// store is append-only and retrieval returns the first match.
func (s *MemoryStore) Append(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[snap.TenantID] = append(s.byTenant[snap.TenantID], snap)
	return nil
}

// GetByHash returns the snapshot with the given content hash.
func (s *MemoryStore) GetByHash(_ context.Context, tenantID, hash string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snap := range s.byTenant[tenantID] {
		if snap.Hash == hash {
			return snap, nil
		}
	}
	return nil, ErrNotFound
}

// Latest returns the most recently appended snapshot for the execution
// context.
func (s *MemoryStore) Latest(_ context.Context, tenantID, executionContextID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.byTenant[tenantID]
	for i := len(snaps) - 1; i >= 0; i-- {
		if snaps[i].ExecutionContextID == executionContextID {
			return snaps[i], nil
		}
	}
	return nil, ErrNotFound
}

// LatestFull returns the most recently appended non-delta snapshot for the
// execution context.
func (s *MemoryStore) LatestFull(_ context.Context, tenantID, executionContextID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.byTenant[tenantID]
	for i := len(snaps) - 1; i >= 0; i-- {
		if snaps[i].ExecutionContextID == executionContextID && !snaps[i].IsDelta() {
			return snaps[i], nil
		}
	}
	return nil, ErrNotFound
}

// CleanupOldSnapshots keeps the newest keep snapshots of the execution
// context, plus any full snapshot still referenced as a delta base by a
// kept snapshot.
func (s *MemoryStore) CleanupOldSnapshots(_ context.Context, tenantID, executionContextID string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := s.byTenant[tenantID]
	var own []*Snapshot
	for _, snap := range snaps {
		if snap.ExecutionContextID == executionContextID {
			own = append(own, snap)
		}
	}
	if len(own) <= keep {
		return 0, nil
	}

	kept := make(map[*Snapshot]bool, keep)
	baseHashes := make(map[string]bool)
	for _, snap := range own[len(own)-keep:] {
		kept[snap] = true
		if snap.IsDelta() {
			baseHashes[snap.BaseHash] = true
		}
	}
	for _, snap := range own {
		if baseHashes[snap.Hash] {
			kept[snap] = true
		}
	}

	removed := 0
	out := snaps[:0]
	for _, snap := range snaps {
		if snap.ExecutionContextID == executionContextID && !kept[snap] {
			removed++
			continue
		}
		out = append(out, snap)
	}
	s.byTenant[tenantID] = out
	return removed, nil
}
