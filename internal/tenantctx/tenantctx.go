// internal/tenantctx/tenantctx.go
package tenantctx

import "context"

type contextKey int

const (
	tenantKey contextKey = iota
	actorKey
)

// DefaultActor is stamped on audit metadata when no actor is in scope,
// e.g. for mutations driven by event reconciliation.
const DefaultActor = "system"

// WithTenant tags the context with the opaque tenant identifier every
// operation is scoped by.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// Tenant returns the tenant tag, or "" when the context carries none.
func Tenant(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey).(string)
	return tenant
}

// WithActor tags the context with the acting user or system identity.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// Actor returns the actor tag, falling back to DefaultActor.
func Actor(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return DefaultActor
}
