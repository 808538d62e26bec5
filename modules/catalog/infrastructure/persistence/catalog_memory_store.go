package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	auditports "github.com/gridvault/gridvault/modules/audit/domain/ports"
	audittypes "github.com/gridvault/gridvault/modules/audit/domain/types"
	"github.com/gridvault/gridvault/modules/catalog/domain/ports"
	"github.com/gridvault/gridvault/modules/catalog/domain/types"
)

// CatalogMemoryStore keeps templates, versions and instances in memory. The
// journal append happens under the store lock, like the postgres pair's
// single transaction.
type CatalogMemoryStore struct {
	mu        sync.Mutex
	templates map[string]types.Template
	versions  map[string]types.TemplateVersion
	instances map[string]types.ViewInstance
	journal   auditports.Journal
}

func NewCatalogMemoryStore(journal auditports.Journal) *CatalogMemoryStore {
	return &CatalogMemoryStore{
		templates: make(map[string]types.Template),
		versions:  make(map[string]types.TemplateVersion),
		instances: make(map[string]types.ViewInstance),
		journal:   journal,
	}
}

func (s *CatalogMemoryStore) CreateTemplate(ctx context.Context, t types.Template, entry audittypes.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.templates[t.TemplateID] = t
	return s.journal.Append(ctx, entry)
}

func (s *CatalogMemoryStore) GetTemplate(_ context.Context, templateID string) (types.Template, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[templateID]
	return t, ok, nil
}

func (s *CatalogMemoryStore) ListTemplates(_ context.Context, tenantID string) ([]types.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Template, 0)
	for _, t := range s.templates {
		if t.ReadableBy(tenantID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].TemplateID > out[j].TemplateID
	})
	return out, nil
}

func (s *CatalogMemoryStore) ArchiveTemplate(ctx context.Context, templateID string, entry audittypes.Entry) (types.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[templateID]
	if !ok {
		return types.Template{}, types.ErrTemplateNotFound
	}
	t.Status = types.TemplateArchived
	s.templates[templateID] = t
	if err := s.journal.Append(ctx, entry); err != nil {
		return types.Template{}, err
	}
	return t, nil
}

func (s *CatalogMemoryStore) NextVersionNo(_ context.Context, templateID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nextVersionNoLocked(templateID), nil
}

func (s *CatalogMemoryStore) nextVersionNoLocked(templateID string) int {
	max := 0
	for _, v := range s.versions {
		if v.TemplateID == templateID && v.VersionNo > max {
			max = v.VersionNo
		}
	}
	return max + 1
}

func (s *CatalogMemoryStore) InsertVersion(ctx context.Context, v types.TemplateVersion, entry audittypes.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.versions {
		if existing.TemplateID == v.TemplateID && existing.VersionNo == v.VersionNo {
			return types.ErrVersionConflict
		}
	}
	s.versions[v.VersionID] = v

	t, ok := s.templates[v.TemplateID]
	if !ok {
		return types.ErrTemplateNotFound
	}
	t.CurrentVersionID = v.VersionID
	if t.Status == types.TemplateDraft {
		t.Status = types.TemplateActive
	}
	s.templates[v.TemplateID] = t
	return s.journal.Append(ctx, entry)
}

func (s *CatalogMemoryStore) GetVersion(_ context.Context, versionID string) (types.TemplateVersion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[versionID]
	return v, ok, nil
}

func (s *CatalogMemoryStore) ListVersions(_ context.Context, templateID string) ([]types.TemplateVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.TemplateVersion, 0)
	for _, v := range s.versions {
		if v.TemplateID == templateID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNo < out[j].VersionNo })
	return out, nil
}

func (s *CatalogMemoryStore) CreateInstance(ctx context.Context, inst types.ViewInstance, entry audittypes.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[inst.InstanceID] = inst
	return s.journal.Append(ctx, entry)
}

func (s *CatalogMemoryStore) GetInstance(_ context.Context, tenantID string, instanceID string) (types.ViewInstance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return types.ViewInstance{}, false, nil
	}
	return inst, true, nil
}

func (s *CatalogMemoryStore) ListInstances(_ context.Context, tenantID string, f ports.InstanceFilter) ([]types.ViewInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ViewInstance, 0)
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if f.BindingContext != "" && inst.Binding.Context != f.BindingContext {
			continue
		}
		if f.BindingID != "" && inst.Binding.ID != f.BindingID {
			continue
		}
		if f.TemplateID != "" && inst.SourceTemplateID != f.TemplateID {
			continue
		}
		if f.ManagedOnly && !inst.Managed() {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].InstanceID > out[j].InstanceID
	})
	return out, nil
}

func (s *CatalogMemoryStore) SaveEdit(ctx context.Context, tenantID string, inst types.ViewInstance, entry audittypes.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.instances[inst.InstanceID]
	if !ok || existing.TenantID != tenantID {
		return types.ErrInstanceNotFound
	}
	s.instances[inst.InstanceID] = inst
	return s.journal.Append(ctx, entry)
}

func (s *CatalogMemoryStore) Fork(ctx context.Context, tenantID string, instanceID string, entry audittypes.Entry) (types.ViewInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return types.ViewInstance{}, types.ErrInstanceNotFound
	}
	if !inst.Managed() {
		return types.ViewInstance{}, types.ErrInstanceIndependent
	}
	inst.UpdateMode = types.UpdateIndependent
	inst.SourceTemplateID = ""
	inst.SourceVersionID = ""
	inst.UpdatedAt = time.Now().UTC()
	s.instances[instanceID] = inst
	if err := s.journal.Append(ctx, entry); err != nil {
		return types.ViewInstance{}, err
	}
	return inst, nil
}

func (s *CatalogMemoryStore) ApplyRolloutWrite(_ context.Context, tenantID string, w ports.RolloutWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[w.InstanceID]
	if !ok || inst.TenantID != tenantID {
		return types.ErrInstanceNotFound
	}
	if w.Definition != nil {
		inst.Definition = *w.Definition
	}
	if w.SourceVersionID != "" {
		inst.SourceVersionID = w.SourceVersionID
	}
	if w.HasLocalEdits != nil {
		inst.HasLocalEdits = *w.HasLocalEdits
	}
	if w.EditSummary != nil {
		inst.EditSummary = *w.EditSummary
	}
	if w.MakeIndependent {
		inst.UpdateMode = types.UpdateIndependent
		inst.SourceTemplateID = ""
		inst.SourceVersionID = ""
	}
	inst.UpdatedAt = time.Now().UTC()
	s.instances[w.InstanceID] = inst
	return nil
}
