package server

import "context"

// Principal is the tenant-scoped account a session resolves to. RoleSlug
// feeds the authorization middleware; Status gates login reuse.
type Principal struct {
	ID               string
	TenantID         string
	RoleSlug         string
	Status           string
	Email            string
	KratosIdentityID string
}

type ctxKey int

const (
	ctxKeyTenant ctxKey = iota
	ctxKeyPrincipal
)

func withTenant(ctx context.Context, tenant Tenant) context.Context {
	return context.WithValue(ctx, ctxKeyTenant, tenant)
}

func currentTenant(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(ctxKeyTenant).(Tenant)
	return t, ok
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

func currentPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(Principal)
	return p, ok
}
