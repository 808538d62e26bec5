package ports

import (
	"context"
	"time"

	audittypes "github.com/gridvault/gridvault/modules/audit/domain/types"
	"github.com/gridvault/gridvault/modules/sharing/domain/types"
)

type ViewStore interface {
	CreateView(ctx context.Context, v types.View, entry audittypes.Entry) error
	GetView(ctx context.Context, tenantID string, viewID string) (types.View, bool, error)
	ListViews(ctx context.Context, tenantID string) ([]types.View, error)
}

type GrantStore interface {
	CreateGrant(ctx context.Context, g types.ShareGrant, entry audittypes.Entry) error
	GetGrant(ctx context.Context, sourceTenantID string, grantID string) (types.ShareGrant, bool, error)
	ListGrants(ctx context.Context, sourceTenantID string) ([]types.ShareGrant, error)

	// RevokeGrant is the only status mutation. It sets revoked_at and
	// revoked_reason exactly once; revoking a revoked grant fails.
	RevokeGrant(ctx context.Context, sourceTenantID string, grantID string, reason string, entry audittypes.Entry) (types.ShareGrant, error)

	// ListCandidates returns active grants targeting the caller's org or user
	// id, including ones past their expiry or quota: the evaluator classifies
	// those denies, so the store must not hide them. Revoked grants are
	// excluded.
	ListCandidates(ctx context.Context, caller types.Caller, now time.Time) ([]types.ShareGrant, error)

	// ConsumeUse atomically increments the grant's use count and appends the
	// access-log entry; both commit or neither does. It returns false when
	// the grant is no longer usable (a racing request that would overspend
	// the quota loses here).
	ConsumeUse(ctx context.Context, sourceTenantID string, grantID string, entry audittypes.Entry) (bool, error)
}

// EntityDirectory is the entity-storage collaborator: ownership is read from
// it on every check, never inferred or cached by the engine.
type EntityDirectory interface {
	OwnerOf(ctx context.Context, ref types.EntityRef) (orgID string, ok bool, err error)
	Attributes(ctx context.Context, ref types.EntityRef) (map[string]string, error)
}
