package persistence

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/gridvault/gridvault/modules/sharing/domain/types"
)

// DirectoryPGStore reads the platform entity registry. Ownership lookups are
// deliberately cross-tenant: the evaluator needs the true owner of any ref.
type DirectoryPGStore struct {
	pool pgBeginner
}

func NewDirectoryPGStore(pool pgBeginner) *DirectoryPGStore {
	return &DirectoryPGStore{pool: pool}
}

func (s *DirectoryPGStore) OwnerOf(ctx context.Context, ref types.EntityRef) (string, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var ownerID string
	err = tx.QueryRow(ctx, `
SELECT tenant_id::text FROM sharing.entities WHERE kind = $1 AND entity_id = $2
`, string(ref.Kind), ref.ID).Scan(&ownerID)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, err
	}
	return ownerID, true, nil
}

func (s *DirectoryPGStore) Attributes(ctx context.Context, ref types.EntityRef) (map[string]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var raw []byte
	err = tx.QueryRow(ctx, `
SELECT attrs FROM sharing.entities WHERE kind = $1 AND entity_id = $2
`, string(ref.Kind), ref.ID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	attrs := map[string]string{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return attrs, nil
}

// RegisterEntity upserts one registry row; the server seeds demo entities
// through it at startup.
func (s *DirectoryPGStore) RegisterEntity(ctx context.Context, ref types.EntityRef, ownerID string, attrs map[string]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	raw, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO sharing.entities (kind, entity_id, tenant_id, attrs)
VALUES ($1, $2, $3::uuid, $4::jsonb)
ON CONFLICT (kind, entity_id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, attrs = EXCLUDED.attrs
`, string(ref.Kind), ref.ID, ownerID, raw); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
