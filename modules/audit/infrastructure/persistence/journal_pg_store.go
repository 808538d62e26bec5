package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gridvault/gridvault/modules/audit/domain/ports"
	"github.com/gridvault/gridvault/modules/audit/domain/types"
	"github.com/gridvault/gridvault/pkg/uuidv7"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type JournalPGStore struct {
	pool pgBeginner
}

func NewJournalPGStore(pool pgBeginner) *JournalPGStore {
	return &JournalPGStore{pool: pool}
}

// AppendEntryTx writes one journal row inside the caller's transaction. Every
// mutating store uses this so the entry commits or rolls back with the
// mutation itself.
func AppendEntryTx(ctx context.Context, tx pgx.Tx, e types.Entry) error {
	if e.EntryID == "" {
		id, err := uuidv7.NewString()
		if err != nil {
			return err
		}
		e.EntryID = id
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO audit.entries (
  entry_id, tenant_id, entity_type, entity_id, action, actor, at, detail,
  view_id, grant_id, template_id, version_id, instance_id, rollout_id
) VALUES (
  $1::uuid, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8::jsonb,
  NULLIF($9, '')::uuid, NULLIF($10, '')::uuid, NULLIF($11, '')::uuid,
  NULLIF($12, '')::uuid, NULLIF($13, '')::uuid, NULLIF($14, '')::uuid
)
`, e.EntryID, e.TenantID, e.EntityType, e.EntityID, e.Action, e.Actor, e.At, detail,
		e.Related.ViewID, e.Related.GrantID, e.Related.TemplateID,
		e.Related.VersionID, e.Related.InstanceID, e.Related.RolloutID)
	return err
}

func AppendViolationTx(ctx context.Context, tx pgx.Tx, v types.Violation) error {
	if v.ViolationID == "" {
		id, err := uuidv7.NewString()
		if err != nil {
			return err
		}
		v.ViolationID = id
	}
	if v.At.IsZero() {
		v.At = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
INSERT INTO audit.violations (
  violation_id, tenant_id, caller_org_id, caller_user_id, resource_ref, action, severity, reason, at
) VALUES ($1::uuid, $2::uuid, $3::uuid, NULLIF($4, '')::uuid, $5, $6, $7, $8, $9)
`, v.ViolationID, v.TenantID, v.CallerOrgID, v.CallerUserID, v.ResourceRef, v.Action, string(v.Severity), v.Reason, v.At)
	return err
}

func (s *JournalPGStore) Append(ctx context.Context, e types.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, e.TenantID); err != nil {
		return err
	}
	if err := AppendEntryTx(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *JournalPGStore) AppendViolation(ctx context.Context, v types.Violation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, v.TenantID); err != nil {
		return err
	}
	if err := AppendViolationTx(ctx, tx, v); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *JournalPGStore) ListEntries(ctx context.Context, tenantID string, f ports.EntryFilter) ([]types.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}

	rows, err := tx.Query(ctx, `
SELECT
  entry_id::text, tenant_id::text, entity_type, entity_id, action, actor, at, detail,
  COALESCE(view_id::text, ''), COALESCE(grant_id::text, ''), COALESCE(template_id::text, ''),
  COALESCE(version_id::text, ''), COALESCE(instance_id::text, ''), COALESCE(rollout_id::text, '')
FROM audit.entries
WHERE tenant_id = $1::uuid
  AND ($2 = '' OR entity_type = $2)
  AND ($3 = '' OR entity_id = $3)
  AND ($4 = '' OR rollout_id = $4::uuid)
ORDER BY at DESC, entry_id DESC
LIMIT $5
`, tenantID, f.EntityType, f.EntityID, f.RolloutID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.Entry, 0)
	for rows.Next() {
		var e types.Entry
		var detail []byte
		if err := rows.Scan(
			&e.EntryID, &e.TenantID, &e.EntityType, &e.EntityID, &e.Action, &e.Actor, &e.At, &detail,
			&e.Related.ViewID, &e.Related.GrantID, &e.Related.TemplateID,
			&e.Related.VersionID, &e.Related.InstanceID, &e.Related.RolloutID,
		); err != nil {
			return nil, err
		}
		if len(detail) > 0 && string(detail) != "null" {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *JournalPGStore) ListViolations(ctx context.Context, tenantID string, limit int) ([]types.Violation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 200
	}

	rows, err := tx.Query(ctx, `
SELECT
  violation_id::text, tenant_id::text, caller_org_id::text,
  COALESCE(caller_user_id::text, ''), resource_ref, action, severity, reason, at
FROM audit.violations
WHERE tenant_id = $1::uuid
ORDER BY at DESC, violation_id DESC
LIMIT $2
`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.Violation, 0)
	for rows.Next() {
		var v types.Violation
		var severity string
		if err := rows.Scan(&v.ViolationID, &v.TenantID, &v.CallerOrgID, &v.CallerUserID, &v.ResourceRef, &v.Action, &severity, &v.Reason, &v.At); err != nil {
			return nil, err
		}
		v.Severity = types.Severity(severity)
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
