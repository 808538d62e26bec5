package services

import (
	"context"
	"sort"
	"time"

	auditports "github.com/gridvault/gridvault/modules/audit/domain/ports"
	"github.com/gridvault/gridvault/modules/sharing/domain/ports"
	"github.com/gridvault/gridvault/modules/sharing/domain/types"
	"github.com/gridvault/gridvault/pkg/httperr"
	"github.com/gridvault/gridvault/pkg/scopeexpr"
)

// Evaluator decides whether a caller may perform an action on a resource.
// Same-tenant ownership allows; everything else must be covered by an active
// share grant whose effective visible set contains the resource.
type Evaluator struct {
	views   ports.ViewStore
	grants  ports.GrantStore
	dir     ports.EntityDirectory
	journal auditports.Journal
	now     func() time.Time
}

func NewEvaluator(views ports.ViewStore, grants ports.GrantStore, dir ports.EntityDirectory, journal auditports.Journal) *Evaluator {
	return &Evaluator{
		views:   views,
		grants:  grants,
		dir:     dir,
		journal: journal,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type matchedGrant struct {
	grant   types.ShareGrant
	view    types.View
	setSize int
}

func (e *Evaluator) CheckAccess(ctx context.Context, caller types.Caller, ref types.EntityRef, action types.Action) (types.Decision, error) {
	if !action.Valid() {
		return types.Decision{}, httperr.NewBadRequest("invalid action")
	}
	if err := ref.Validate(); err != nil {
		return types.Decision{}, err
	}

	ownerID, ok, err := e.dir.OwnerOf(ctx, ref)
	if err != nil {
		return types.Decision{}, err
	}
	if !ok {
		// Unknown resources get the same generic denial as forbidden ones so
		// callers cannot enumerate other tenants' ids.
		return types.Decision{Allowed: false, Reason: types.ReasonNotAuthorized}, nil
	}

	if ownerID == caller.OrgID {
		if err := e.journal.Append(ctx, types.AccessEntry(caller.OrgID, caller, ref, action, types.ReasonOwner, "", "")); err != nil {
			return types.Decision{}, err
		}
		return types.Decision{Allowed: true, Reason: types.ReasonOwner}, nil
	}

	// Grants expose read-style capabilities only; cross-tenant writes are
	// never grantable.
	if action.IsWrite() {
		return types.Decision{Allowed: false, Reason: types.ReasonNotAuthorized}, nil
	}

	now := e.now()
	candidates, err := e.grants.ListCandidates(ctx, caller, now)
	if err != nil {
		return types.Decision{}, err
	}

	var attrs map[string]string
	attrsLoaded := false

	// A grant that covers the resource but fails only on quota or expiry is
	// remembered so the deny reads GRANT_EXHAUSTED for operators instead of
	// the generic code.
	spent := false

	matched := make([]matchedGrant, 0, len(candidates))
	for _, g := range candidates {
		if g.SourceTenantID != ownerID {
			continue
		}
		if !grantPermits(g, action) {
			continue
		}
		view, ok, err := e.views.GetView(ctx, g.SourceTenantID, g.ViewID)
		if err != nil {
			return types.Decision{}, err
		}
		if !ok {
			continue
		}
		visible := types.EffectiveVisibleSet(view, g)
		if !visible.Contains(ref) {
			continue
		}
		if view.FilterExpr != "" {
			if !attrsLoaded {
				attrs, err = e.dir.Attributes(ctx, ref)
				if err != nil {
					return types.Decision{}, err
				}
				attrsLoaded = true
			}
			pass, err := scopeexpr.Eval(view.FilterExpr, attrs)
			if err != nil {
				return types.Decision{}, err
			}
			if !pass {
				continue
			}
		}
		if !g.Usable(now) {
			spent = true
			continue
		}
		matched = append(matched, matchedGrant{grant: g, view: view, setSize: len(visible)})
	}

	if len(matched) == 0 {
		if spent {
			return types.Decision{Allowed: false, Reason: types.ReasonGrantExhausted}, nil
		}
		return types.Decision{Allowed: false, Reason: types.ReasonNotAuthorized}, nil
	}

	// Most specific grant wins (smallest visible set) to minimize accidental
	// over-exposure; ties go to the most recently created grant.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].setSize != matched[j].setSize {
			return matched[i].setSize < matched[j].setSize
		}
		if !matched[i].grant.CreatedAt.Equal(matched[j].grant.CreatedAt) {
			return matched[i].grant.CreatedAt.After(matched[j].grant.CreatedAt)
		}
		return matched[i].grant.GrantID < matched[j].grant.GrantID
	})

	winner := matched[0]
	entry := types.AccessEntry(winner.grant.SourceTenantID, caller, ref, action, types.ReasonGrant, winner.grant.GrantID, winner.view.ViewID)
	ok, err = e.grants.ConsumeUse(ctx, winner.grant.SourceTenantID, winner.grant.GrantID, entry)
	if err != nil {
		return types.Decision{}, err
	}
	if !ok {
		// Lost a race on the quota: deny rather than double-spend.
		return types.Decision{Allowed: false, Reason: types.ReasonGrantExhausted}, nil
	}
	return types.Decision{Allowed: true, Reason: types.ReasonGrant, GrantID: winner.grant.GrantID}, nil
}

func grantPermits(g types.ShareGrant, action types.Action) bool {
	switch action {
	case types.ActionRead:
		return true
	case types.ActionExport:
		return g.CanExport
	case types.ActionCopy:
		return g.CanCopy
	default:
		return false
	}
}
