package persistence

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	audittypes "github.com/gridvault/gridvault/modules/audit/domain/types"
	auditpersistence "github.com/gridvault/gridvault/modules/audit/infrastructure/persistence"
	catalogports "github.com/gridvault/gridvault/modules/catalog/domain/ports"
	catalogtypes "github.com/gridvault/gridvault/modules/catalog/domain/types"
	catalogpersistence "github.com/gridvault/gridvault/modules/catalog/infrastructure/persistence"
	"github.com/gridvault/gridvault/modules/rollout/domain/ports"
	"github.com/gridvault/gridvault/modules/rollout/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type RolloutPGStore struct {
	pool pgBeginner
}

func NewRolloutPGStore(pool pgBeginner) *RolloutPGStore {
	return &RolloutPGStore{pool: pool}
}

func (s *RolloutPGStore) CreateRollout(ctx context.Context, r types.Rollout, entry audittypes.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, r.TenantID); err != nil {
		return err
	}
	target, err := json.Marshal(r.Target)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO rollout.rollouts (
  rollout_id, tenant_id, template_id, from_version_id, to_version_id, mode, target, status, created_by, created_at
) VALUES ($1::uuid, $2::uuid, $3::uuid, NULLIF($4, '')::uuid, $5::uuid, $6, $7::jsonb, $8, $9::uuid, $10)
`, r.RolloutID, r.TenantID, r.TemplateID, r.FromVersionID, r.ToVersionID, string(r.Mode), target, string(r.Status), r.CreatedBy, r.CreatedAt); err != nil {
		return err
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const rolloutColumns = `
  rollout_id::text, tenant_id::text, template_id::text, COALESCE(from_version_id::text, ''), to_version_id::text,
  mode, target, status, created_by::text, created_at, submitted_at,
  COALESCE(approved_by::text, ''), approved_at, executed_at, completed_at,
  COALESCE(canceled_by::text, ''), canceled_at, COALESCE(cancel_reason, '')
`

func scanRollout(row pgx.Row) (types.Rollout, error) {
	var r types.Rollout
	var mode, status string
	var target []byte
	if err := row.Scan(&r.RolloutID, &r.TenantID, &r.TemplateID, &r.FromVersionID, &r.ToVersionID,
		&mode, &target, &status, &r.CreatedBy, &r.CreatedAt, &r.SubmittedAt,
		&r.ApprovedBy, &r.ApprovedAt, &r.ExecutedAt, &r.CompletedAt,
		&r.CanceledBy, &r.CanceledAt, &r.CancelReason); err != nil {
		return types.Rollout{}, err
	}
	r.Mode = types.Mode(mode)
	r.Status = types.Status(status)
	if len(target) > 0 {
		if err := json.Unmarshal(target, &r.Target); err != nil {
			return types.Rollout{}, err
		}
	}
	return r, nil
}

func (s *RolloutPGStore) GetRollout(ctx context.Context, tenantID string, rolloutID string) (types.Rollout, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Rollout{}, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Rollout{}, false, err
	}
	row := tx.QueryRow(ctx, `
SELECT `+rolloutColumns+`
FROM rollout.rollouts
WHERE tenant_id = $1::uuid AND rollout_id = $2::uuid
`, tenantID, rolloutID)
	r, err := scanRollout(row)
	if err == pgx.ErrNoRows {
		return types.Rollout{}, false, nil
	}
	if err != nil {
		return types.Rollout{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Rollout{}, false, err
	}
	return r, true, nil
}

func (s *RolloutPGStore) ListRollouts(ctx context.Context, tenantID string) ([]types.Rollout, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT `+rolloutColumns+`
FROM rollout.rollouts
WHERE tenant_id = $1::uuid
ORDER BY created_at DESC, rollout_id DESC
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.Rollout, 0)
	for rows.Next() {
		r, err := scanRollout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RolloutPGStore) TransitionRollout(ctx context.Context, tenantID string, rolloutID string, from, to types.Status, meta ports.TransitionMeta, entry audittypes.Entry) (types.Rollout, error) {
	if !types.CanTransition(from, to) {
		return types.Rollout{}, types.ErrRolloutState
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Rollout{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Rollout{}, err
	}
	// The status guard in WHERE is the compare-and-set: a stale `from` loses.
	row := tx.QueryRow(ctx, `
UPDATE rollout.rollouts
SET status = $4,
    submitted_at = CASE WHEN $4 = 'pending_approval' THEN $6 ELSE submitted_at END,
    approved_by  = CASE WHEN $4 = 'approved' THEN $5::uuid ELSE approved_by END,
    approved_at  = CASE WHEN $4 = 'approved' THEN $6 ELSE approved_at END,
    executed_at  = CASE WHEN $4 = 'executing' THEN $6 ELSE executed_at END,
    completed_at = CASE WHEN $4 = 'completed' THEN $6 ELSE completed_at END,
    canceled_by  = CASE WHEN $4 = 'canceled' THEN $5::uuid ELSE canceled_by END,
    canceled_at  = CASE WHEN $4 = 'canceled' THEN $6 ELSE canceled_at END,
    cancel_reason = CASE WHEN $4 = 'canceled' THEN $7 ELSE cancel_reason END
WHERE tenant_id = $1::uuid AND rollout_id = $2::uuid AND status = $3
RETURNING `+rolloutColumns+`
`, tenantID, rolloutID, string(from), string(to), meta.Actor, meta.At, meta.Reason)
	r, err := scanRollout(row)
	if err == pgx.ErrNoRows {
		var exists bool
		if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM rollout.rollouts WHERE tenant_id = $1::uuid AND rollout_id = $2::uuid)
`, tenantID, rolloutID).Scan(&exists); err != nil {
			return types.Rollout{}, err
		}
		if exists {
			return types.Rollout{}, types.ErrRolloutState
		}
		return types.Rollout{}, types.ErrRolloutNotFound
	}
	if err != nil {
		return types.Rollout{}, err
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return types.Rollout{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Rollout{}, err
	}
	return r, nil
}

func (s *RolloutPGStore) InsertReceipt(ctx context.Context, rec types.Receipt, entry audittypes.Entry) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, rec.TenantID); err != nil {
		return false, err
	}
	conflicts, prev, err := marshalReceiptBlobs(rec)
	if err != nil {
		return false, err
	}
	// The (rollout_id, instance_id) uniqueness makes retried executions land
	// on DO NOTHING instead of double-applying.
	tag, err := tx.Exec(ctx, `
INSERT INTO rollout.receipts (
  receipt_id, rollout_id, instance_id, tenant_id, status, conflicts, resolution,
  acted_by, acted_at, previous_definition, created_at, updated_at
) VALUES (
  $1::uuid, $2::uuid, $3::uuid, $4::uuid, $5, $6::jsonb, NULLIF($7, ''),
  NULLIF($8, '')::uuid, $9, $10::jsonb, $11, $12
)
ON CONFLICT (rollout_id, instance_id) DO NOTHING
`, rec.ReceiptID, rec.RolloutID, rec.InstanceID, rec.TenantID, string(rec.Status), conflicts, string(rec.Resolution),
		rec.ActedBy, rec.ActedAt, prev, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func marshalReceiptBlobs(rec types.Receipt) (conflicts []byte, prev []byte, err error) {
	conflicts, err = json.Marshal(rec.Conflicts)
	if err != nil {
		return nil, nil, err
	}
	if rec.PreviousDefinition != nil {
		prev, err = json.Marshal(*rec.PreviousDefinition)
		if err != nil {
			return nil, nil, err
		}
	}
	return conflicts, prev, nil
}

const receiptColumns = `
  receipt_id::text, rollout_id::text, instance_id::text, tenant_id::text, status, conflicts,
  COALESCE(resolution, ''), COALESCE(acted_by::text, ''), acted_at, previous_definition, created_at, updated_at
`

func scanReceipt(row pgx.Row) (types.Receipt, error) {
	var rec types.Receipt
	var status, resolution string
	var conflicts, prev []byte
	if err := row.Scan(&rec.ReceiptID, &rec.RolloutID, &rec.InstanceID, &rec.TenantID, &status, &conflicts,
		&resolution, &rec.ActedBy, &rec.ActedAt, &prev, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return types.Receipt{}, err
	}
	rec.Status = types.ReceiptStatus(status)
	rec.Resolution = types.Resolution(resolution)
	if len(conflicts) > 0 && string(conflicts) != "null" {
		if err := json.Unmarshal(conflicts, &rec.Conflicts); err != nil {
			return types.Receipt{}, err
		}
	}
	if len(prev) > 0 && string(prev) != "null" {
		var def catalogtypes.Definition
		if err := json.Unmarshal(prev, &def); err != nil {
			return types.Receipt{}, err
		}
		canonical, err := def.Canonicalized()
		if err != nil {
			return types.Receipt{}, err
		}
		rec.PreviousDefinition = &canonical
	}
	return rec, nil
}

func (s *RolloutPGStore) GetReceipt(ctx context.Context, tenantID string, receiptID string) (types.Receipt, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Receipt{}, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Receipt{}, false, err
	}
	row := tx.QueryRow(ctx, `
SELECT `+receiptColumns+`
FROM rollout.receipts
WHERE tenant_id = $1::uuid AND receipt_id = $2::uuid
`, tenantID, receiptID)
	rec, err := scanReceipt(row)
	if err == pgx.ErrNoRows {
		return types.Receipt{}, false, nil
	}
	if err != nil {
		return types.Receipt{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Receipt{}, false, err
	}
	return rec, true, nil
}

func (s *RolloutPGStore) ListReceipts(ctx context.Context, tenantID string, rolloutID string) ([]types.Receipt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT `+receiptColumns+`
FROM rollout.receipts
WHERE tenant_id = $1::uuid AND rollout_id = $2::uuid
ORDER BY receipt_id ASC
`, tenantID, rolloutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.Receipt, 0)
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// FinalizeReceipt commits the receipt update, the instance write and the
// journal entry as one transaction.
func (s *RolloutPGStore) FinalizeReceipt(ctx context.Context, tenantID string, rec types.Receipt, write *catalogports.RolloutWrite, entry audittypes.Entry) (types.Receipt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Receipt{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.Receipt{}, err
	}
	conflicts, prev, err := marshalReceiptBlobs(rec)
	if err != nil {
		return types.Receipt{}, err
	}
	row := tx.QueryRow(ctx, `
UPDATE rollout.receipts
SET status = $3, conflicts = $4::jsonb, resolution = NULLIF($5, ''),
    acted_by = NULLIF($6, '')::uuid, acted_at = $7, previous_definition = $8::jsonb, updated_at = $9
WHERE tenant_id = $1::uuid AND receipt_id = $2::uuid
RETURNING `+receiptColumns+`
`, tenantID, rec.ReceiptID, string(rec.Status), conflicts, string(rec.Resolution),
		rec.ActedBy, rec.ActedAt, prev, rec.UpdatedAt)
	updated, err := scanReceipt(row)
	if err == pgx.ErrNoRows {
		return types.Receipt{}, types.ErrReceiptNotFound
	}
	if err != nil {
		return types.Receipt{}, err
	}
	if write != nil {
		if err := catalogpersistence.ApplyRolloutWriteTx(ctx, tx, tenantID, *write); err != nil {
			return types.Receipt{}, err
		}
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return types.Receipt{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Receipt{}, err
	}
	return updated, nil
}
