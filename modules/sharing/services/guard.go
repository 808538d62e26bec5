package services

import (
	"context"
	"time"

	auditports "github.com/gridvault/gridvault/modules/audit/domain/ports"
	audittypes "github.com/gridvault/gridvault/modules/audit/domain/types"
	"github.com/gridvault/gridvault/modules/sharing/domain/ports"
	"github.com/gridvault/gridvault/modules/sharing/domain/types"
)

// Guard wraps the evaluator and turns every denial into a violation record.
// It is the enforcement seam other modules call before touching an entity on
// a caller's behalf.
type Guard struct {
	eval    *Evaluator
	dir     ports.EntityDirectory
	journal auditports.Journal
	now     func() time.Time
}

func NewGuard(eval *Evaluator, dir ports.EntityDirectory, journal auditports.Journal) *Guard {
	return &Guard{
		eval:    eval,
		dir:     dir,
		journal: journal,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (g *Guard) Authorize(ctx context.Context, caller types.Caller, ref types.EntityRef, action types.Action) (types.Decision, error) {
	decision, err := g.eval.CheckAccess(ctx, caller, ref, action)
	if err != nil {
		return types.Decision{}, err
	}
	if decision.Allowed {
		return decision, nil
	}

	// The violation lands in the resource owner's stream when the owner is
	// known; for unknown refs it lands in the caller's own tenant.
	tenantID := caller.OrgID
	if ownerID, ok, err := g.dir.OwnerOf(ctx, ref); err != nil {
		return types.Decision{}, err
	} else if ok {
		tenantID = ownerID
	}

	severity := audittypes.SeverityMedium
	if action.IsWrite() {
		severity = audittypes.SeverityHigh
	}
	v := audittypes.Violation{
		TenantID:     tenantID,
		CallerOrgID:  caller.OrgID,
		CallerUserID: caller.UserID,
		ResourceRef:  ref.Key(),
		Action:       string(action),
		Severity:     severity,
		Reason:       decision.Reason,
		At:           g.now(),
	}
	if err := g.journal.AppendViolation(ctx, v); err != nil {
		return types.Decision{}, err
	}
	return decision, nil
}
