package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	audittypes "github.com/gridvault/gridvault/modules/audit/domain/types"
	auditpersistence "github.com/gridvault/gridvault/modules/audit/infrastructure/persistence"
	"github.com/gridvault/gridvault/modules/sharing/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type SharingPGStore struct {
	pool pgBeginner
}

func NewSharingPGStore(pool pgBeginner) *SharingPGStore {
	return &SharingPGStore{pool: pool}
}

func (s *SharingPGStore) CreateView(ctx context.Context, v types.View, entry audittypes.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, v.TenantID); err != nil {
		return err
	}
	scope, err := json.Marshal(v.Scope)
	if err != nil {
		return err
	}
	exclusions, err := json.Marshal(v.Exclusions)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO sharing.views (
  view_id, tenant_id, name, scope, exclusions, filter_expr, visibility, created_by, created_at
) VALUES ($1::uuid, $2::uuid, $3, $4::jsonb, $5::jsonb, $6, $7, $8::uuid, $9)
`, v.ViewID, v.TenantID, v.Name, scope, exclusions, v.FilterExpr, string(v.Visibility), v.CreatedBy, v.CreatedAt); err != nil {
		return err
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const viewColumns = `
  view_id::text, tenant_id::text, name, scope, exclusions, filter_expr, visibility, created_by::text, created_at
`

func scanView(row pgx.Row) (types.View, error) {
	var v types.View
	var scope, exclusions []byte
	var visibility string
	if err := row.Scan(&v.ViewID, &v.TenantID, &v.Name, &scope, &exclusions, &v.FilterExpr, &visibility, &v.CreatedBy, &v.CreatedAt); err != nil {
		return types.View{}, err
	}
	v.Visibility = types.Visibility(visibility)
	if len(scope) > 0 {
		if err := json.Unmarshal(scope, &v.Scope); err != nil {
			return types.View{}, err
		}
	}
	if len(exclusions) > 0 && string(exclusions) != "null" {
		if err := json.Unmarshal(exclusions, &v.Exclusions); err != nil {
			return types.View{}, err
		}
	}
	return v, nil
}

func (s *SharingPGStore) GetView(ctx context.Context, tenantID string, viewID string) (types.View, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.View{}, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.View{}, false, err
	}
	row := tx.QueryRow(ctx, `
SELECT `+viewColumns+`
FROM sharing.views
WHERE tenant_id = $1::uuid AND view_id = $2::uuid
`, tenantID, viewID)
	v, err := scanView(row)
	if err == pgx.ErrNoRows {
		return types.View{}, false, nil
	}
	if err != nil {
		return types.View{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.View{}, false, err
	}
	return v, true, nil
}

func (s *SharingPGStore) ListViews(ctx context.Context, tenantID string) ([]types.View, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT `+viewColumns+`
FROM sharing.views
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, view_id DESC
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.View, 0)
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SharingPGStore) CreateGrant(ctx context.Context, g types.ShareGrant, entry audittypes.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, g.SourceTenantID); err != nil {
		return err
	}
	targets, err := json.Marshal(g.Targets)
	if err != nil {
		return err
	}
	restriction, err := json.Marshal(g.Restriction)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO sharing.grants (
  grant_id, view_id, source_tenant_id, targets, can_export, can_copy, restriction,
  status, expires_at, max_uses, use_count, created_by, created_at
) VALUES (
  $1::uuid, $2::uuid, $3::uuid, $4::jsonb, $5, $6, $7::jsonb,
  $8, $9, $10, $11, $12::uuid, $13
)
`, g.GrantID, g.ViewID, g.SourceTenantID, targets, g.CanExport, g.CanCopy, restriction,
		string(g.Status), g.ExpiresAt, g.MaxUses, g.UseCount, g.CreatedBy, g.CreatedAt); err != nil {
		return err
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const grantColumns = `
  grant_id::text, view_id::text, source_tenant_id::text, targets, can_export, can_copy, restriction,
  status, expires_at, max_uses, use_count, created_by::text, created_at, revoked_at, COALESCE(revoked_reason, '')
`

func scanGrant(row pgx.Row) (types.ShareGrant, error) {
	var g types.ShareGrant
	var targets, restriction []byte
	var status string
	if err := row.Scan(&g.GrantID, &g.ViewID, &g.SourceTenantID, &targets, &g.CanExport, &g.CanCopy, &restriction,
		&status, &g.ExpiresAt, &g.MaxUses, &g.UseCount, &g.CreatedBy, &g.CreatedAt, &g.RevokedAt, &g.RevokedReason); err != nil {
		return types.ShareGrant{}, err
	}
	g.Status = types.GrantStatus(status)
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &g.Targets); err != nil {
			return types.ShareGrant{}, err
		}
	}
	if len(restriction) > 0 && string(restriction) != "null" {
		if err := json.Unmarshal(restriction, &g.Restriction); err != nil {
			return types.ShareGrant{}, err
		}
	}
	return g, nil
}

func (s *SharingPGStore) GetGrant(ctx context.Context, sourceTenantID string, grantID string) (types.ShareGrant, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.ShareGrant{}, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, sourceTenantID); err != nil {
		return types.ShareGrant{}, false, err
	}
	row := tx.QueryRow(ctx, `
SELECT `+grantColumns+`
FROM sharing.grants
WHERE source_tenant_id = $1::uuid AND grant_id = $2::uuid
`, sourceTenantID, grantID)
	g, err := scanGrant(row)
	if err == pgx.ErrNoRows {
		return types.ShareGrant{}, false, nil
	}
	if err != nil {
		return types.ShareGrant{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.ShareGrant{}, false, err
	}
	return g, true, nil
}

func (s *SharingPGStore) ListGrants(ctx context.Context, sourceTenantID string) ([]types.ShareGrant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, sourceTenantID); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT `+grantColumns+`
FROM sharing.grants
WHERE source_tenant_id = $1::uuid
ORDER BY created_at DESC, grant_id DESC
`, sourceTenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.ShareGrant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SharingPGStore) RevokeGrant(ctx context.Context, sourceTenantID string, grantID string, reason string, entry audittypes.Entry) (types.ShareGrant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.ShareGrant{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, sourceTenantID); err != nil {
		return types.ShareGrant{}, err
	}
	row := tx.QueryRow(ctx, `
UPDATE sharing.grants
SET status = 'revoked', revoked_at = now(), revoked_reason = $3
WHERE source_tenant_id = $1::uuid AND grant_id = $2::uuid AND status <> 'revoked'
RETURNING `+grantColumns+`
`, sourceTenantID, grantID, reason)
	g, err := scanGrant(row)
	if err == pgx.ErrNoRows {
		// Either missing or already revoked; one more read tells them apart.
		var exists bool
		if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM sharing.grants WHERE source_tenant_id = $1::uuid AND grant_id = $2::uuid)
`, sourceTenantID, grantID).Scan(&exists); err != nil {
			return types.ShareGrant{}, err
		}
		if exists {
			return types.ShareGrant{}, types.ErrGrantRevoked
		}
		return types.ShareGrant{}, types.ErrGrantNotFound
	}
	if err != nil {
		return types.ShareGrant{}, err
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return types.ShareGrant{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.ShareGrant{}, err
	}
	return g, nil
}

func (s *SharingPGStore) ListCandidates(ctx context.Context, caller types.Caller, _ time.Time) ([]types.ShareGrant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	// Both settings feed the grants RLS policy: a caller may read grants that
	// target their org or their user id even though another tenant owns the
	// rows. Expiry and quota stay out of the predicate so the evaluator can
	// tell an exhausted grant from an absent one.
	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true), set_config('app.current_user', $2, true);`, caller.OrgID, caller.UserID); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT `+grantColumns+`
FROM sharing.grants
WHERE status = 'active'
  AND (
    targets @> jsonb_build_array(jsonb_build_object('kind', 'org', 'id', $1::text))
    OR targets @> jsonb_build_array(jsonb_build_object('kind', 'user', 'id', $2::text))
  )
ORDER BY created_at DESC, grant_id DESC
`, caller.OrgID, caller.UserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.ShareGrant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SharingPGStore) ConsumeUse(ctx context.Context, sourceTenantID string, grantID string, entry audittypes.Entry) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, sourceTenantID); err != nil {
		return false, err
	}
	// The WHERE clause re-checks usability under the row lock; a racer that
	// would overspend the quota matches zero rows and loses.
	tag, err := tx.Exec(ctx, `
UPDATE sharing.grants
SET use_count = use_count + 1
WHERE source_tenant_id = $1::uuid AND grant_id = $2::uuid
  AND status = 'active'
  AND (expires_at IS NULL OR expires_at > now())
  AND (max_uses IS NULL OR use_count < max_uses)
`, sourceTenantID, grantID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
