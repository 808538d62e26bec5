package types

import (
	"strings"
	"time"

	"github.com/gridvault/gridvault/pkg/httperr"
	"github.com/gridvault/gridvault/pkg/scopeexpr"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityOrg     Visibility = "org"
)

// View is an owned, named projection of a tenant's entities: the unit of
// cross-tenant sharing. A view can only ever reference its owning
// organization's entities; other organizations see it exclusively through a
// ShareGrant layered on top.
type View struct {
	ViewID     string      `json:"view_id"`
	TenantID   string      `json:"tenant_id"`
	Name       string      `json:"name"`
	Scope      []EntityRef `json:"scope"`
	Exclusions []EntityRef `json:"exclusions,omitempty"`
	FilterExpr string      `json:"filter_expr,omitempty"`
	Visibility Visibility  `json:"visibility"`
	CreatedBy  string      `json:"created_by"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (v View) Validate() error {
	if strings.TrimSpace(v.Name) == "" {
		return httperr.NewBadRequest("name is required")
	}
	if len(v.Scope) == 0 {
		return httperr.NewBadRequest("scope is required")
	}
	for _, r := range v.Scope {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	for _, r := range v.Exclusions {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	switch v.Visibility {
	case VisibilityPrivate, VisibilityOrg:
	default:
		return httperr.NewBadRequest("invalid visibility")
	}
	if err := scopeexpr.Compile(v.FilterExpr); err != nil {
		return httperr.NewBadRequest("invalid filter expression")
	}
	return nil
}
