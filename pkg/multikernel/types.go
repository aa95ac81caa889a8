// Package multikernel manages a set of namespaced kernels and routes
// events between them through pattern-matched bridges.
package multikernel

import (
	"errors"
	"strings"

	"github.com/kodustech/kodus-flow/pkg/kernel"
)

// Sentinel errors surfaced by manager operations.
var (
	// ErrUnknownNamespace is returned when no kernel is registered under
	// the requested namespace.
	ErrUnknownNamespace = errors.New("no kernel registered for namespace")

	// ErrDuplicateNamespace is returned when a spec reuses a namespace
	// already claimed by another kernel.
	ErrDuplicateNamespace = errors.New("namespace already registered")

	// ErrTargetNotRunning is returned when an emit targets a kernel that
	// is not in the running state and could not be resumed.
	ErrTargetNotRunning = errors.New("target kernel is not running")
)

// KernelSpec declares one managed kernel. RuntimeConfig carries the
// per-kernel tuning (queue, cache, batching); the manager copies the
// identity fields declared here into it.
type KernelSpec struct {
	KernelID         string
	Namespace        string
	TenantID         string
	JobID            string
	NeedsPersistence bool
	NeedsSnapshots   bool
	Quotas           kernel.Quotas
	RuntimeConfig    kernel.Config
}

// TransformFunc rewrites a bridged event before it is emitted into the
// target namespace. Returning an empty event type drops the event.
type TransformFunc func(eventType string, data any) (string, any)

// CrossKernelBridge forwards events from one namespace to another.
// EventPattern supports literal equality, a prefix wildcard ("foo.*")
// and the match-all "*".
type CrossKernelBridge struct {
	FromNamespace string
	ToNamespace   string
	EventPattern  string
	Transform     TransformFunc
	EnableLogging bool
}

// matches reports whether the bridge pattern covers the event type.
func (b CrossKernelBridge) matches(eventType string) bool {
	switch {
	case b.EventPattern == "*":
		return true
	case strings.HasSuffix(b.EventPattern, "*"):
		return strings.HasPrefix(eventType, strings.TrimSuffix(b.EventPattern, "*"))
	default:
		return b.EventPattern == eventType
	}
}

// NamespaceStatus is one kernel's slice of the aggregated status.
type NamespaceStatus struct {
	KernelID   string
	Namespace  string
	Status     kernel.Status
	EventCount int64
	QueueDepth int
}

// Status aggregates the manager's kernels. Overall is "running" when
// every kernel runs, "failed" when any kernel failed, "paused" when any
// kernel is paused, and "mixed" otherwise.
type Status struct {
	Overall string
	Kernels map[string]NamespaceStatus
}
