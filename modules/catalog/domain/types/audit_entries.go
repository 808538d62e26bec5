package types

import (
	audittypes "github.com/gridvault/gridvault/modules/audit/domain/types"
)

func TemplateCreatedEntry(t Template) audittypes.Entry {
	return audittypes.Entry{
		TenantID:   t.TenantID,
		EntityType: audittypes.EntityTemplate,
		EntityID:   t.TemplateID,
		Action:     "template.created",
		Actor:      t.CreatedBy,
		Detail:     map[string]any{"name": t.Name, "category": t.Category},
		Related:    audittypes.RelatedEntities{TemplateID: t.TemplateID},
	}
}

func TemplateArchivedEntry(t Template, actor string) audittypes.Entry {
	return audittypes.Entry{
		TenantID:   t.TenantID,
		EntityType: audittypes.EntityTemplate,
		EntityID:   t.TemplateID,
		Action:     "template.archived",
		Actor:      actor,
		Related:    audittypes.RelatedEntities{TemplateID: t.TemplateID},
	}
}

func VersionPublishedEntry(tenantID string, v TemplateVersion) audittypes.Entry {
	return audittypes.Entry{
		TenantID:   tenantID,
		EntityType: audittypes.EntityTemplateVersion,
		EntityID:   v.VersionID,
		Action:     "template_version.published",
		Actor:      v.Author,
		Detail:     map[string]any{"version_no": v.VersionNo, "changelog": v.Changelog},
		Related:    audittypes.RelatedEntities{TemplateID: v.TemplateID, VersionID: v.VersionID},
	}
}

func InstanceCreatedEntry(i ViewInstance) audittypes.Entry {
	detail := map[string]any{
		"binding_context": string(i.Binding.Context),
		"binding_id":      i.Binding.ID,
		"update_mode":     string(i.UpdateMode),
	}
	return audittypes.Entry{
		TenantID:   i.TenantID,
		EntityType: audittypes.EntityInstance,
		EntityID:   i.InstanceID,
		Action:     "instance.created",
		Actor:      i.OwnerUserID,
		Detail:     detail,
		Related: audittypes.RelatedEntities{
			TemplateID: i.SourceTemplateID,
			VersionID:  i.SourceVersionID,
			InstanceID: i.InstanceID,
		},
	}
}

func InstanceEditedEntry(i ViewInstance, actor string, changed []string) audittypes.Entry {
	sections := make([]any, 0, len(changed))
	for _, s := range changed {
		sections = append(sections, s)
	}
	return audittypes.Entry{
		TenantID:   i.TenantID,
		EntityType: audittypes.EntityInstance,
		EntityID:   i.InstanceID,
		Action:     "instance.edited",
		Actor:      actor,
		Detail:     map[string]any{"changed_sections": sections},
		Related:    audittypes.RelatedEntities{InstanceID: i.InstanceID, TemplateID: i.SourceTemplateID},
	}
}

func InstanceForkedEntry(i ViewInstance, actor string) audittypes.Entry {
	return audittypes.Entry{
		TenantID:   i.TenantID,
		EntityType: audittypes.EntityInstance,
		EntityID:   i.InstanceID,
		Action:     "instance.forked",
		Actor:      actor,
		Related:    audittypes.RelatedEntities{InstanceID: i.InstanceID, TemplateID: i.SourceTemplateID},
	}
}
