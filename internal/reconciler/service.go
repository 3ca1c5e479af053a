// internal/reconciler/service.go
package reconciler

import "context"

// Service is the asynchronous, event-driven half of the lifecycle engine:
// it maps external circulation events onto status transitions for the
// matching open transaction. Irrelevant, duplicate, or late events are
// no-ops by design.
type Service interface {
	Process(ctx context.Context, event Event) error
}
