package types

import (
	audittypes "github.com/gridvault/gridvault/modules/audit/domain/types"
)

// AccessEntry builds the journal record for one allowed access. Denials go to
// the violation stream instead; the journal only carries what happened.
func AccessEntry(tenantID string, caller Caller, ref EntityRef, action Action, reason string, grantID string, viewID string) audittypes.Entry {
	return audittypes.Entry{
		TenantID:   tenantID,
		EntityType: audittypes.EntityAccess,
		EntityID:   ref.Key(),
		Action:     "access." + string(action),
		Actor:      caller.UserID,
		Detail: map[string]any{
			"caller_org": caller.OrgID,
			"reason":     reason,
		},
		Related: audittypes.RelatedEntities{
			GrantID: grantID,
			ViewID:  viewID,
		},
	}
}

// ViewCreatedEntry records a new view in its owning tenant's journal.
func ViewCreatedEntry(v View) audittypes.Entry {
	return audittypes.Entry{
		TenantID:   v.TenantID,
		EntityType: audittypes.EntityView,
		EntityID:   v.ViewID,
		Action:     "view.created",
		Actor:      v.CreatedBy,
		Detail: map[string]any{
			"name":       v.Name,
			"scope_size": len(v.Scope),
			"visibility": string(v.Visibility),
		},
		Related: audittypes.RelatedEntities{ViewID: v.ViewID},
	}
}

// GrantCreatedEntry records a new share grant in the source tenant's journal.
func GrantCreatedEntry(g ShareGrant) audittypes.Entry {
	targets := make([]any, 0, len(g.Targets))
	for _, t := range g.Targets {
		targets = append(targets, map[string]any{"kind": string(t.Kind), "id": t.ID})
	}
	detail := map[string]any{
		"targets":    targets,
		"can_export": g.CanExport,
		"can_copy":   g.CanCopy,
	}
	if g.ExpiresAt != nil {
		detail["expires_at"] = g.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	if g.MaxUses != nil {
		detail["max_uses"] = *g.MaxUses
	}
	return audittypes.Entry{
		TenantID:   g.SourceTenantID,
		EntityType: audittypes.EntityGrant,
		EntityID:   g.GrantID,
		Action:     "grant.created",
		Actor:      g.CreatedBy,
		Detail:     detail,
		Related:    audittypes.RelatedEntities{GrantID: g.GrantID, ViewID: g.ViewID},
	}
}

// GrantRevokedEntry records a revocation; reason is operator-supplied.
func GrantRevokedEntry(g ShareGrant, actor string, reason string) audittypes.Entry {
	return audittypes.Entry{
		TenantID:   g.SourceTenantID,
		EntityType: audittypes.EntityGrant,
		EntityID:   g.GrantID,
		Action:     "grant.revoked",
		Actor:      actor,
		Detail:     map[string]any{"reason": reason},
		Related:    audittypes.RelatedEntities{GrantID: g.GrantID, ViewID: g.ViewID},
	}
}
