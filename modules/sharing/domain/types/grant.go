package types

import (
	"strings"
	"time"

	"github.com/gridvault/gridvault/pkg/httperr"
)

type TargetKind string

const (
	TargetOrg  TargetKind = "org"
	TargetUser TargetKind = "user"
)

// GrantTarget is the tagged recipient variant: an organization or a user,
// never nullable columns with implicit validation.
type GrantTarget struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

func (t GrantTarget) Validate() error {
	switch t.Kind {
	case TargetOrg, TargetUser:
	default:
		return httperr.NewBadRequest("invalid grant target kind")
	}
	if strings.TrimSpace(t.ID) == "" {
		return httperr.NewBadRequest("grant target id is required")
	}
	return nil
}

func (t GrantTarget) Matches(c Caller) bool {
	switch t.Kind {
	case TargetOrg:
		return t.ID == c.OrgID
	case TargetUser:
		return t.ID == c.UserID
	default:
		return false
	}
}

type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
	GrantExpired GrantStatus = "expired"
)

// ShareGrant is a revocable, time/usage-bounded capability exposing one view
// to a recipient. After creation the only permitted mutations are the
// use-count increment and revocation; the visible set only ever shrinks.
type ShareGrant struct {
	GrantID        string        `json:"grant_id"`
	ViewID         string        `json:"view_id"`
	SourceTenantID string        `json:"source_tenant_id"`
	Targets        []GrantTarget `json:"targets"`
	CanExport      bool          `json:"can_export"`
	CanCopy        bool          `json:"can_copy"`
	Restriction    []EntityRef   `json:"restriction,omitempty"`
	Status         GrantStatus   `json:"status"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
	MaxUses        *int          `json:"max_uses,omitempty"`
	UseCount       int           `json:"use_count"`
	CreatedBy      string        `json:"created_by"`
	CreatedAt      time.Time     `json:"created_at"`
	RevokedAt      *time.Time    `json:"revoked_at,omitempty"`
	RevokedReason  string        `json:"revoked_reason,omitempty"`
}

func (g ShareGrant) Validate() error {
	if len(g.Targets) == 0 {
		return httperr.NewBadRequest("at least one grant target is required")
	}
	if len(g.Targets) > 2 {
		return httperr.NewBadRequest("too many grant targets")
	}
	for _, t := range g.Targets {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	for _, r := range g.Restriction {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	if g.MaxUses != nil && *g.MaxUses <= 0 {
		return httperr.NewBadRequest("max_uses must be positive")
	}
	return nil
}

// Usable reports whether the grant can still satisfy a request at now:
// active, unexpired, and under quota.
func (g ShareGrant) Usable(now time.Time) bool {
	if g.Status != GrantActive {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	if g.MaxUses != nil && g.UseCount >= *g.MaxUses {
		return false
	}
	return true
}

func (g ShareGrant) TargetsCaller(c Caller) bool {
	for _, t := range g.Targets {
		if t.Matches(c) {
			return true
		}
	}
	return false
}

// EffectiveVisibleSet is the grant's exposure: scope − exclusions −
// restriction. A grant can only subtract from the view's own scope, never
// add to it.
func EffectiveVisibleSet(v View, g ShareGrant) RefSet {
	set := NewRefSet(v.Scope)
	set.Remove(v.Exclusions)
	set.Remove(g.Restriction)
	return set
}
