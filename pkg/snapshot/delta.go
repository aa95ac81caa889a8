package snapshot

import (
	"encoding/json"
	"reflect"
)

// Patch is a reversible top-level-key delta between two state payloads.
// Applying it to the base state produces the target state; reverting it
// restores the base.
type Patch struct {
	// Set holds keys added or changed, with their new values.
	Set map[string]any `json:"set,omitempty"`

	// Removed holds keys deleted from the base, with their old values so
	// the patch can be reverted.
	Removed map[string]any `json:"removed,omitempty"`

	// Replaced holds the previous values of changed keys (revert data).
	Replaced map[string]any `json:"replaced,omitempty"`
}

// IsEmpty reports whether the patch carries no changes.
func (p *Patch) IsEmpty() bool {
	return len(p.Set) == 0 && len(p.Removed) == 0
}

// Diff computes the patch that transforms base into target. Values are
// compared after a JSON round-trip so type differences introduced by
// storage backends do not produce spurious changes.
func Diff(base, target map[string]any) *Patch {
	p := &Patch{
		Set:      make(map[string]any),
		Removed:  make(map[string]any),
		Replaced: make(map[string]any),
	}
	for k, tv := range target {
		bv, ok := base[k]
		if !ok {
			p.Set[k] = tv
			continue
		}
		if !jsonEqual(bv, tv) {
			p.Set[k] = tv
			p.Replaced[k] = bv
		}
	}
	for k, bv := range base {
		if _, ok := target[k]; !ok {
			p.Removed[k] = bv
		}
	}
	return p
}

// Apply produces the target state from the base state. The base is not
// mutated.
func (p *Patch) Apply(base map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(p.Set))
	for k, v := range base {
		out[k] = v
	}
	for k := range p.Removed {
		delete(out, k)
	}
	for k, v := range p.Set {
		out[k] = v
	}
	return out
}

// Revert produces the base state from the target state. The target is not
// mutated.
func (p *Patch) Revert(target map[string]any) map[string]any {
	out := make(map[string]any, len(target)+len(p.Removed))
	for k, v := range target {
		out[k] = v
	}
	for k := range p.Set {
		delete(out, k)
	}
	for k, v := range p.Replaced {
		out[k] = v
	}
	for k, v := range p.Removed {
		out[k] = v
	}
	return out
}

func jsonEqual(a, b any) bool {
	ra, errA := json.Marshal(normalize(a))
	rb, errB := json.Marshal(normalize(b))
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ra) == string(rb)
}
