package services

import (
	"context"
	"strings"
	"time"

	"github.com/gridvault/gridvault/modules/catalog/domain/ports"
	"github.com/gridvault/gridvault/modules/catalog/domain/types"
	"github.com/gridvault/gridvault/pkg/uuidv7"
)

// publishRetries bounds the compare-and-increment loop on version numbers.
const publishRetries = 3

type Facade struct {
	store ports.Store
	now   func() time.Time
	newID func() (string, error)
}

func NewFacade(store ports.Store) *Facade {
	return &Facade{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuidv7.NewString,
	}
}

type CreateTemplateInput struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Global   bool   `json:"global,omitempty"`
}

func (f *Facade) CreateTemplate(ctx context.Context, tenantID string, actor string, in CreateTemplateInput) (types.Template, error) {
	id, err := f.newID()
	if err != nil {
		return types.Template{}, err
	}
	owner := tenantID
	if in.Global {
		owner = ""
	}
	t := types.Template{
		TemplateID: id,
		TenantID:   owner,
		Name:       in.Name,
		Category:   in.Category,
		Status:     types.TemplateDraft,
		CreatedBy:  actor,
		CreatedAt:  f.now(),
	}
	if err := t.Validate(); err != nil {
		return types.Template{}, err
	}
	if err := f.store.CreateTemplate(ctx, t, types.TemplateCreatedEntry(t)); err != nil {
		return types.Template{}, err
	}
	return t, nil
}

func (f *Facade) GetTemplate(ctx context.Context, tenantID string, templateID string) (types.Template, error) {
	t, ok, err := f.store.GetTemplate(ctx, templateID)
	if err != nil {
		return types.Template{}, err
	}
	if !ok || !t.ReadableBy(tenantID) {
		return types.Template{}, types.ErrTemplateNotFound
	}
	return t, nil
}

func (f *Facade) ListTemplates(ctx context.Context, tenantID string) ([]types.Template, error) {
	return f.store.ListTemplates(ctx, tenantID)
}

// ArchiveTemplate is a status change only: existing versions and instances
// referencing them stay untouched.
func (f *Facade) ArchiveTemplate(ctx context.Context, tenantID string, actor string, templateID string) (types.Template, error) {
	t, err := f.GetTemplate(ctx, tenantID, templateID)
	if err != nil {
		return types.Template{}, err
	}
	if err := t.WritableBy(tenantID); err != nil {
		return types.Template{}, err
	}
	if t.Status == types.TemplateArchived {
		return types.Template{}, types.ErrTemplateArchived
	}
	return f.store.ArchiveTemplate(ctx, templateID, types.TemplateArchivedEntry(t, actor))
}

// PublishVersion issues the next dense version number for the template. A
// concurrent publisher racing for the same number loses on the uniqueness
// constraint and this loop retries with a refreshed number; after
// publishRetries losses the conflict surfaces to the caller.
func (f *Facade) PublishVersion(ctx context.Context, tenantID string, actor string, templateID string, def types.Definition, changelog string) (types.TemplateVersion, error) {
	t, err := f.GetTemplate(ctx, tenantID, templateID)
	if err != nil {
		return types.TemplateVersion{}, err
	}
	if err := t.WritableBy(tenantID); err != nil {
		return types.TemplateVersion{}, err
	}
	if t.Status == types.TemplateArchived {
		return types.TemplateVersion{}, types.ErrTemplateArchived
	}
	if err := def.Validate(); err != nil {
		return types.TemplateVersion{}, err
	}
	canonical, err := def.Canonicalized()
	if err != nil {
		return types.TemplateVersion{}, err
	}

	for attempt := 0; attempt < publishRetries; attempt++ {
		no, err := f.store.NextVersionNo(ctx, templateID)
		if err != nil {
			return types.TemplateVersion{}, err
		}
		id, err := f.newID()
		if err != nil {
			return types.TemplateVersion{}, err
		}
		v := types.TemplateVersion{
			VersionID:  id,
			TemplateID: templateID,
			VersionNo:  no,
			Definition: canonical,
			Changelog:  changelog,
			Author:     actor,
			CreatedAt:  f.now(),
		}
		err = f.store.InsertVersion(ctx, v, types.VersionPublishedEntry(t.TenantID, v))
		if err == types.ErrVersionConflict {
			continue
		}
		if err != nil {
			return types.TemplateVersion{}, err
		}
		return v, nil
	}
	return types.TemplateVersion{}, types.ErrVersionConflict
}

func (f *Facade) GetVersion(ctx context.Context, tenantID string, versionID string) (types.TemplateVersion, error) {
	v, ok, err := f.store.GetVersion(ctx, versionID)
	if err != nil {
		return types.TemplateVersion{}, err
	}
	if !ok {
		return types.TemplateVersion{}, types.ErrVersionNotFound
	}
	if _, err := f.GetTemplate(ctx, tenantID, v.TemplateID); err != nil {
		return types.TemplateVersion{}, types.ErrVersionNotFound
	}
	return v, nil
}

func (f *Facade) ListVersions(ctx context.Context, tenantID string, templateID string) ([]types.TemplateVersion, error) {
	if _, err := f.GetTemplate(ctx, tenantID, templateID); err != nil {
		return nil, err
	}
	return f.store.ListVersions(ctx, templateID)
}

type CreateInstanceInput struct {
	Binding       types.Binding    `json:"binding"`
	FromVersionID string           `json:"from_version_id,omitempty"`
	Definition    types.Definition `json:"definition,omitzero"`
}

// CreateInstance builds an instance either from scratch (independent) or as
// a managed clone of a template version.
func (f *Facade) CreateInstance(ctx context.Context, tenantID string, owner string, in CreateInstanceInput) (types.ViewInstance, error) {
	id, err := f.newID()
	if err != nil {
		return types.ViewInstance{}, err
	}
	now := f.now()
	inst := types.ViewInstance{
		InstanceID:  id,
		TenantID:    tenantID,
		OwnerUserID: owner,
		Binding:     in.Binding,
		UpdateMode:  types.UpdateIndependent,
		Definition:  in.Definition,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.FromVersionID != "" {
		v, err := f.GetVersion(ctx, tenantID, in.FromVersionID)
		if err != nil {
			return types.ViewInstance{}, err
		}
		inst.UpdateMode = types.UpdateManaged
		inst.SourceTemplateID = v.TemplateID
		inst.SourceVersionID = v.VersionID
		inst.Definition = v.Definition
	}
	if err := inst.Validate(); err != nil {
		return types.ViewInstance{}, err
	}
	if err := f.store.CreateInstance(ctx, inst, types.InstanceCreatedEntry(inst)); err != nil {
		return types.ViewInstance{}, err
	}
	return inst, nil
}

func (f *Facade) GetInstance(ctx context.Context, tenantID string, instanceID string) (types.ViewInstance, error) {
	inst, ok, err := f.store.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return types.ViewInstance{}, err
	}
	if !ok {
		return types.ViewInstance{}, types.ErrInstanceNotFound
	}
	return inst, nil
}

func (f *Facade) ListInstances(ctx context.Context, tenantID string, filter ports.InstanceFilter) ([]types.ViewInstance, error) {
	return f.store.ListInstances(ctx, tenantID, filter)
}

// EditInstance records a user's local definition change. The edit summary
// names the sections that actually differ; a no-op edit leaves the instance
// untouched.
func (f *Facade) EditInstance(ctx context.Context, tenantID string, actor string, instanceID string, def types.Definition) (types.ViewInstance, error) {
	inst, err := f.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return types.ViewInstance{}, err
	}
	if err := def.Validate(); err != nil {
		return types.ViewInstance{}, err
	}
	canonical, err := def.Canonicalized()
	if err != nil {
		return types.ViewInstance{}, err
	}
	changed, err := types.ChangedSections(inst.Definition, canonical)
	if err != nil {
		return types.ViewInstance{}, err
	}
	if len(changed) == 0 {
		return inst, nil
	}
	inst.Definition = canonical
	inst.HasLocalEdits = true
	inst.EditSummary = "edited " + strings.Join(changed, ", ")
	inst.UpdatedAt = f.now()
	if err := f.store.SaveEdit(ctx, tenantID, inst, types.InstanceEditedEntry(inst, actor, changed)); err != nil {
		return types.ViewInstance{}, err
	}
	return inst, nil
}

// ForkInstance flips a managed instance to independent. The instance keeps
// its current definition but stops participating in rollouts of its former
// template; there is no way back except a fresh clone.
func (f *Facade) ForkInstance(ctx context.Context, tenantID string, actor string, instanceID string) (types.ViewInstance, error) {
	inst, err := f.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return types.ViewInstance{}, err
	}
	if !inst.Managed() {
		return types.ViewInstance{}, types.ErrInstanceIndependent
	}
	return f.store.Fork(ctx, tenantID, instanceID, types.InstanceForkedEntry(inst, actor))
}
