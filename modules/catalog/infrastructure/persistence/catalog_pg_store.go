package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	audittypes "github.com/gridvault/gridvault/modules/audit/domain/types"
	auditpersistence "github.com/gridvault/gridvault/modules/audit/infrastructure/persistence"
	"github.com/gridvault/gridvault/modules/catalog/domain/ports"
	"github.com/gridvault/gridvault/modules/catalog/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type CatalogPGStore struct {
	pool pgBeginner
}

func NewCatalogPGStore(pool pgBeginner) *CatalogPGStore {
	return &CatalogPGStore{pool: pool}
}

func isUniqueViolation(err error) bool {
	pgErr, ok := errors.AsType[*pgconn.PgError](err)
	return ok && pgErr.Code == "23505"
}

func (s *CatalogPGStore) CreateTemplate(ctx context.Context, t types.Template, entry audittypes.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, t.TenantID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO catalog.templates (
  template_id, tenant_id, name, category, status, created_by, created_at
) VALUES ($1::uuid, NULLIF($2, '')::uuid, $3, $4, $5, $6::uuid, $7)
`, t.TemplateID, t.TenantID, t.Name, t.Category, string(t.Status), t.CreatedBy, t.CreatedAt); err != nil {
		return err
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const templateColumns = `
  template_id::text, COALESCE(tenant_id::text, ''), name, COALESCE(category, ''), status,
  COALESCE(current_version_id::text, ''), created_by::text, created_at
`

func scanTemplate(row pgx.Row) (types.Template, error) {
	var t types.Template
	var status string
	if err := row.Scan(&t.TemplateID, &t.TenantID, &t.Name, &t.Category, &status, &t.CurrentVersionID, &t.CreatedBy, &t.CreatedAt); err != nil {
		return types.Template{}, err
	}
	t.Status = types.TemplateStatus(status)
	return t, nil
}

func (s *CatalogPGStore) GetTemplate(ctx context.Context, templateID string) (types.Template, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Template{}, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	row := tx.QueryRow(ctx, `
SELECT `+templateColumns+`
FROM catalog.templates
WHERE template_id = $1::uuid
`, templateID)
	t, err := scanTemplate(row)
	if err == pgx.ErrNoRows {
		return types.Template{}, false, nil
	}
	if err != nil {
		return types.Template{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Template{}, false, err
	}
	return t, true, nil
}

func (s *CatalogPGStore) ListTemplates(ctx context.Context, tenantID string) ([]types.Template, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT `+templateColumns+`
FROM catalog.templates
WHERE tenant_id = $1::uuid OR tenant_id IS NULL
ORDER BY created_at DESC, template_id DESC
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *CatalogPGStore) ArchiveTemplate(ctx context.Context, templateID string, entry audittypes.Entry) (types.Template, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.Template{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, entry.TenantID); err != nil {
		return types.Template{}, err
	}
	row := tx.QueryRow(ctx, `
UPDATE catalog.templates
SET status = 'archived'
WHERE template_id = $1::uuid
RETURNING `+templateColumns+`
`, templateID)
	t, err := scanTemplate(row)
	if err == pgx.ErrNoRows {
		return types.Template{}, types.ErrTemplateNotFound
	}
	if err != nil {
		return types.Template{}, err
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return types.Template{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Template{}, err
	}
	return t, nil
}

func (s *CatalogPGStore) NextVersionNo(ctx context.Context, templateID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var no int
	if err := tx.QueryRow(ctx, `
SELECT COALESCE(MAX(version_no), 0) + 1 FROM catalog.template_versions WHERE template_id = $1::uuid
`, templateID).Scan(&no); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return no, nil
}

func (s *CatalogPGStore) InsertVersion(ctx context.Context, v types.TemplateVersion, entry audittypes.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, entry.TenantID); err != nil {
		return err
	}
	def, err := json.Marshal(v.Definition)
	if err != nil {
		return err
	}
	// The (template_id, version_no) uniqueness constraint is the serialization
	// point for concurrent publishes.
	if _, err := tx.Exec(ctx, `
INSERT INTO catalog.template_versions (
  version_id, template_id, version_no, definition, changelog, author, created_at
) VALUES ($1::uuid, $2::uuid, $3, $4::jsonb, $5, $6::uuid, $7)
`, v.VersionID, v.TemplateID, v.VersionNo, def, v.Changelog, v.Author, v.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return types.ErrVersionConflict
		}
		return err
	}
	if _, err := tx.Exec(ctx, `
UPDATE catalog.templates
SET current_version_id = $2::uuid,
    status = CASE WHEN status = 'draft' THEN 'active' ELSE status END
WHERE template_id = $1::uuid
`, v.TemplateID, v.VersionID); err != nil {
		return err
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const versionColumns = `
  version_id::text, template_id::text, version_no, definition, COALESCE(changelog, ''), author::text, created_at
`

func scanVersion(row pgx.Row) (types.TemplateVersion, error) {
	var v types.TemplateVersion
	var def []byte
	if err := row.Scan(&v.VersionID, &v.TemplateID, &v.VersionNo, &def, &v.Changelog, &v.Author, &v.CreatedAt); err != nil {
		return types.TemplateVersion{}, err
	}
	if err := json.Unmarshal(def, &v.Definition); err != nil {
		return types.TemplateVersion{}, err
	}
	// Re-canonicalize so reads are byte-stable regardless of jsonb rendering.
	canonical, err := v.Definition.Canonicalized()
	if err != nil {
		return types.TemplateVersion{}, err
	}
	v.Definition = canonical
	return v, nil
}

func (s *CatalogPGStore) GetVersion(ctx context.Context, versionID string) (types.TemplateVersion, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.TemplateVersion{}, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	row := tx.QueryRow(ctx, `
SELECT `+versionColumns+`
FROM catalog.template_versions
WHERE version_id = $1::uuid
`, versionID)
	v, err := scanVersion(row)
	if err == pgx.ErrNoRows {
		return types.TemplateVersion{}, false, nil
	}
	if err != nil {
		return types.TemplateVersion{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.TemplateVersion{}, false, err
	}
	return v, true, nil
}

func (s *CatalogPGStore) ListVersions(ctx context.Context, templateID string) ([]types.TemplateVersion, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
SELECT `+versionColumns+`
FROM catalog.template_versions
WHERE template_id = $1::uuid
ORDER BY version_no ASC
`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.TemplateVersion, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
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

func (s *CatalogPGStore) CreateInstance(ctx context.Context, inst types.ViewInstance, entry audittypes.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, inst.TenantID); err != nil {
		return err
	}
	def, err := json.Marshal(inst.Definition)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO catalog.instances (
  instance_id, tenant_id, owner_user_id, binding_context, binding_id,
  source_template_id, source_version_id, definition, update_mode,
  has_local_edits, edit_summary, created_at, updated_at
) VALUES (
  $1::uuid, $2::uuid, $3::uuid, $4, $5,
  NULLIF($6, '')::uuid, NULLIF($7, '')::uuid, $8::jsonb, $9,
  $10, $11, $12, $13
)
`, inst.InstanceID, inst.TenantID, inst.OwnerUserID, string(inst.Binding.Context), inst.Binding.ID,
		inst.SourceTemplateID, inst.SourceVersionID, def, string(inst.UpdateMode),
		inst.HasLocalEdits, inst.EditSummary, inst.CreatedAt, inst.UpdatedAt); err != nil {
		return err
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const instanceColumns = `
  instance_id::text, tenant_id::text, owner_user_id::text, binding_context, binding_id,
  COALESCE(source_template_id::text, ''), COALESCE(source_version_id::text, ''), definition, update_mode,
  has_local_edits, COALESCE(edit_summary, ''), created_at, updated_at
`

func scanInstance(row pgx.Row) (types.ViewInstance, error) {
	var inst types.ViewInstance
	var def []byte
	var bindingContext, updateMode string
	if err := row.Scan(&inst.InstanceID, &inst.TenantID, &inst.OwnerUserID, &bindingContext, &inst.Binding.ID,
		&inst.SourceTemplateID, &inst.SourceVersionID, &def, &updateMode,
		&inst.HasLocalEdits, &inst.EditSummary, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return types.ViewInstance{}, err
	}
	inst.Binding.Context = types.BindingContext(bindingContext)
	inst.UpdateMode = types.UpdateMode(updateMode)
	if err := json.Unmarshal(def, &inst.Definition); err != nil {
		return types.ViewInstance{}, err
	}
	canonical, err := inst.Definition.Canonicalized()
	if err != nil {
		return types.ViewInstance{}, err
	}
	inst.Definition = canonical
	return inst, nil
}

func (s *CatalogPGStore) GetInstance(ctx context.Context, tenantID string, instanceID string) (types.ViewInstance, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.ViewInstance{}, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.ViewInstance{}, false, err
	}
	row := tx.QueryRow(ctx, `
SELECT `+instanceColumns+`
FROM catalog.instances
WHERE tenant_id = $1::uuid AND instance_id = $2::uuid
`, tenantID, instanceID)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return types.ViewInstance{}, false, nil
	}
	if err != nil {
		return types.ViewInstance{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.ViewInstance{}, false, err
	}
	return inst, true, nil
}

func (s *CatalogPGStore) ListInstances(ctx context.Context, tenantID string, f ports.InstanceFilter) ([]types.ViewInstance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT `+instanceColumns+`
FROM catalog.instances
WHERE tenant_id = $1::uuid
  AND ($2 = '' OR binding_context = $2)
  AND ($3 = '' OR binding_id = $3)
  AND ($4 = '' OR source_template_id = $4::uuid)
  AND (NOT $5 OR update_mode = 'managed')
ORDER BY created_at DESC, instance_id DESC
`, tenantID, string(f.BindingContext), f.BindingID, f.TemplateID, f.ManagedOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]types.ViewInstance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *CatalogPGStore) SaveEdit(ctx context.Context, tenantID string, inst types.ViewInstance, entry audittypes.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return err
	}
	def, err := json.Marshal(inst.Definition)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
UPDATE catalog.instances
SET definition = $3::jsonb, has_local_edits = $4, edit_summary = $5, updated_at = $6
WHERE tenant_id = $1::uuid AND instance_id = $2::uuid
`, tenantID, inst.InstanceID, def, inst.HasLocalEdits, inst.EditSummary, inst.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrInstanceNotFound
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *CatalogPGStore) Fork(ctx context.Context, tenantID string, instanceID string, entry audittypes.Entry) (types.ViewInstance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.ViewInstance{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.ViewInstance{}, err
	}
	row := tx.QueryRow(ctx, `
UPDATE catalog.instances
SET update_mode = 'independent', source_template_id = NULL, source_version_id = NULL, updated_at = now()
WHERE tenant_id = $1::uuid AND instance_id = $2::uuid AND update_mode = 'managed'
RETURNING `+instanceColumns+`
`, tenantID, instanceID)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		var exists bool
		if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM catalog.instances WHERE tenant_id = $1::uuid AND instance_id = $2::uuid)
`, tenantID, instanceID).Scan(&exists); err != nil {
			return types.ViewInstance{}, err
		}
		if exists {
			return types.ViewInstance{}, types.ErrInstanceIndependent
		}
		return types.ViewInstance{}, types.ErrInstanceNotFound
	}
	if err != nil {
		return types.ViewInstance{}, err
	}
	if err := auditpersistence.AppendEntryTx(ctx, tx, entry); err != nil {
		return types.ViewInstance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.ViewInstance{}, err
	}
	return inst, nil
}

// ApplyRolloutWriteTx mutates an instance inside the caller's transaction.
// The rollout store uses it so the receipt and the instance write commit
// together.
func ApplyRolloutWriteTx(ctx context.Context, tx pgx.Tx, tenantID string, w ports.RolloutWrite) error {
	sets := `updated_at = now()`
	args := []any{tenantID, w.InstanceID}
	if w.Definition != nil {
		def, err := json.Marshal(*w.Definition)
		if err != nil {
			return err
		}
		args = append(args, def)
		sets += `, definition = $3::jsonb`
	}
	tag, err := tx.Exec(ctx, `
UPDATE catalog.instances
SET `+sets+`
WHERE tenant_id = $1::uuid AND instance_id = $2::uuid
`, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrInstanceNotFound
	}
	if w.SourceVersionID != "" {
		if _, err := tx.Exec(ctx, `
UPDATE catalog.instances SET source_version_id = $3::uuid
WHERE tenant_id = $1::uuid AND instance_id = $2::uuid
`, tenantID, w.InstanceID, w.SourceVersionID); err != nil {
			return err
		}
	}
	if w.HasLocalEdits != nil {
		if _, err := tx.Exec(ctx, `
UPDATE catalog.instances SET has_local_edits = $3
WHERE tenant_id = $1::uuid AND instance_id = $2::uuid
`, tenantID, w.InstanceID, *w.HasLocalEdits); err != nil {
			return err
		}
	}
	if w.EditSummary != nil {
		if _, err := tx.Exec(ctx, `
UPDATE catalog.instances SET edit_summary = $3
WHERE tenant_id = $1::uuid AND instance_id = $2::uuid
`, tenantID, w.InstanceID, *w.EditSummary); err != nil {
			return err
		}
	}
	if w.MakeIndependent {
		if _, err := tx.Exec(ctx, `
UPDATE catalog.instances SET update_mode = 'independent', source_template_id = NULL, source_version_id = NULL
WHERE tenant_id = $1::uuid AND instance_id = $2::uuid
`, tenantID, w.InstanceID); err != nil {
			return err
		}
	}
	return nil
}

// ApplyRolloutWrite runs the same mutation in its own transaction; only the
// memory rollout pair uses the non-Tx path, this one exists for interface
// completeness in database-backed wiring without a surrounding transaction.
func (s *CatalogPGStore) ApplyRolloutWrite(ctx context.Context, tenantID string, w ports.RolloutWrite) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return err
	}
	if err := ApplyRolloutWriteTx(ctx, tx, tenantID, w); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
