package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashState computes the deterministic content hash of a state payload.
//
// The payload is serialized with encoding/json, which emits map keys in
// sorted order at every nesting level, so identical state yields an
// identical hash regardless of insertion order. Numbers and booleans use
// the stable JSON encoding.
func HashState(state map[string]any) (string, error) {
	canonical, err := json.Marshal(normalize(state))
	if err != nil {
		return "", fmt.Errorf("failed to serialize state for hashing: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// normalize re-encodes values through the JSON type system so that
// semantically equal payloads (e.g. int 1 vs float64 1 after a round-trip
// through a store) hash identically.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
