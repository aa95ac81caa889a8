package runtime

import (
	"context"

	"github.com/kodustech/kodus-flow/pkg/eventqueue"
)

// TenantView is a tenant-scoped facade over a Runtime: emitted events are
// stamped with the tenant ID and registered handlers only see events for
// that tenant.
type TenantView struct {
	runtime  *Runtime
	tenantID string
}

// ForTenant returns a view pre-filtering producers and consumers to the
// given tenant.
func (r *Runtime) ForTenant(tenantID string) *TenantView {
	return &TenantView{runtime: r, tenantID: tenantID}
}

// TenantID returns the tenant this view is scoped to.
func (v *TenantView) TenantID() string {
	return v.tenantID
}

// Emit enqueues an event stamped with the view's tenant ID.
func (v *TenantView) Emit(eventType string, data any, opts eventqueue.EnqueueOptions) eventqueue.EnqueueResult {
	opts.TenantID = v.tenantID
	return v.runtime.Emit(eventType, data, opts)
}

// EmitAsync enqueues an event stamped with the view's tenant ID.
func (v *TenantView) EmitAsync(ctx context.Context, eventType string, data any, opts eventqueue.EnqueueOptions) (eventqueue.EnqueueResult, error) {
	opts.TenantID = v.tenantID
	return v.runtime.EmitAsync(ctx, eventType, data, opts)
}

// On registers a handler that only receives events carrying the view's
// tenant ID.
func (v *TenantView) On(eventType string, handler Handler) int {
	tenantID := v.tenantID
	return v.runtime.On(eventType, func(ctx context.Context, evt *eventqueue.Event) error {
		if evt.Metadata.TenantID != tenantID {
			return nil
		}
		return handler(ctx, evt)
	})
}

// Off removes a handler registered through this view.
func (v *TenantView) Off(eventType string, id int) {
	v.runtime.Off(eventType, id)
}
