package services

import (
	"context"
	"time"

	"github.com/gridvault/gridvault/modules/sharing/domain/ports"
	"github.com/gridvault/gridvault/modules/sharing/domain/types"
	"github.com/gridvault/gridvault/pkg/httperr"
	"github.com/gridvault/gridvault/pkg/uuidv7"
)

// Service owns the view and grant lifecycles. All mutations journal in the
// same transaction as the row they touch; the stores take the entry alongside
// the mutation for that reason.
type Service struct {
	views  ports.ViewStore
	grants ports.GrantStore
	now    func() time.Time
	newID  func() (string, error)
}

func NewService(views ports.ViewStore, grants ports.GrantStore) *Service {
	return &Service{
		views:  views,
		grants: grants,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuidv7.NewString,
	}
}

type CreateViewInput struct {
	Name       string            `json:"name"`
	Scope      []types.EntityRef `json:"scope"`
	Exclusions []types.EntityRef `json:"exclusions,omitempty"`
	FilterExpr string            `json:"filter_expr,omitempty"`
	Visibility types.Visibility  `json:"visibility"`
}

func (s *Service) CreateView(ctx context.Context, tenantID string, actor string, in CreateViewInput) (types.View, error) {
	id, err := s.newID()
	if err != nil {
		return types.View{}, err
	}
	visibility := in.Visibility
	if visibility == "" {
		visibility = types.VisibilityPrivate
	}
	v := types.View{
		ViewID:     id,
		TenantID:   tenantID,
		Name:       in.Name,
		Scope:      in.Scope,
		Exclusions: in.Exclusions,
		FilterExpr: in.FilterExpr,
		Visibility: visibility,
		CreatedBy:  actor,
		CreatedAt:  s.now(),
	}
	if err := v.Validate(); err != nil {
		return types.View{}, err
	}
	if err := s.views.CreateView(ctx, v, types.ViewCreatedEntry(v)); err != nil {
		return types.View{}, err
	}
	return v, nil
}

func (s *Service) GetView(ctx context.Context, tenantID string, viewID string) (types.View, error) {
	v, ok, err := s.views.GetView(ctx, tenantID, viewID)
	if err != nil {
		return types.View{}, err
	}
	if !ok {
		return types.View{}, types.ErrViewNotFound
	}
	return v, nil
}

func (s *Service) ListViews(ctx context.Context, tenantID string) ([]types.View, error) {
	return s.views.ListViews(ctx, tenantID)
}

type ShareViewInput struct {
	ViewID      string              `json:"view_id"`
	Targets     []types.GrantTarget `json:"targets"`
	CanExport   bool                `json:"can_export"`
	CanCopy     bool                `json:"can_copy"`
	Restriction []types.EntityRef   `json:"restriction,omitempty"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
	MaxUses     *int                `json:"max_uses,omitempty"`
}

// ShareView mints a grant over an existing view owned by tenantID. The grant
// can narrow the view's exposure via Restriction but never widen it.
func (s *Service) ShareView(ctx context.Context, tenantID string, actor string, in ShareViewInput) (types.ShareGrant, error) {
	_, ok, err := s.views.GetView(ctx, tenantID, in.ViewID)
	if err != nil {
		return types.ShareGrant{}, err
	}
	if !ok {
		return types.ShareGrant{}, types.ErrViewNotFound
	}
	now := s.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return types.ShareGrant{}, httperr.NewBadRequest("expires_at must be in the future")
	}
	id, err := s.newID()
	if err != nil {
		return types.ShareGrant{}, err
	}
	g := types.ShareGrant{
		GrantID:        id,
		ViewID:         in.ViewID,
		SourceTenantID: tenantID,
		Targets:        in.Targets,
		CanExport:      in.CanExport,
		CanCopy:        in.CanCopy,
		Restriction:    in.Restriction,
		Status:         types.GrantActive,
		ExpiresAt:      in.ExpiresAt,
		MaxUses:        in.MaxUses,
		CreatedBy:      actor,
		CreatedAt:      now,
	}
	if err := g.Validate(); err != nil {
		return types.ShareGrant{}, err
	}
	if err := s.grants.CreateGrant(ctx, g, types.GrantCreatedEntry(g)); err != nil {
		return types.ShareGrant{}, err
	}
	return g, nil
}

func (s *Service) ListGrants(ctx context.Context, tenantID string) ([]types.ShareGrant, error) {
	return s.grants.ListGrants(ctx, tenantID)
}

// RevokeGrant cuts access immediately. The store rejects a second revocation
// with ErrGrantRevoked so the first recorded reason is never overwritten.
func (s *Service) RevokeGrant(ctx context.Context, tenantID string, actor string, grantID string, reason string) (types.ShareGrant, error) {
	g, ok, err := s.grants.GetGrant(ctx, tenantID, grantID)
	if err != nil {
		return types.ShareGrant{}, err
	}
	if !ok {
		return types.ShareGrant{}, types.ErrGrantNotFound
	}
	entry := types.GrantRevokedEntry(g, actor, reason)
	return s.grants.RevokeGrant(ctx, tenantID, grantID, reason, entry)
}
