package ports

import (
	"context"

	audittypes "github.com/gridvault/gridvault/modules/audit/domain/types"
	"github.com/gridvault/gridvault/modules/catalog/domain/types"
)

type TemplateStore interface {
	CreateTemplate(ctx context.Context, t types.Template, entry audittypes.Entry) error

	// GetTemplate looks up by id without tenant filtering; callers gate with
	// ReadableBy so global templates stay visible to every tenant.
	GetTemplate(ctx context.Context, templateID string) (types.Template, bool, error)

	// ListTemplates returns the tenant's own templates plus globals.
	ListTemplates(ctx context.Context, tenantID string) ([]types.Template, error)

	ArchiveTemplate(ctx context.Context, templateID string, entry audittypes.Entry) (types.Template, error)

	// NextVersionNo reads the template's current max version + 1.
	NextVersionNo(ctx context.Context, templateID string) (int, error)

	// InsertVersion appends an immutable version and moves the template's
	// current-version pointer, atomically. A racing insert that would reuse
	// (template_id, version_no) fails with ErrVersionConflict; the service
	// retries with a fresh number.
	InsertVersion(ctx context.Context, v types.TemplateVersion, entry audittypes.Entry) error

	GetVersion(ctx context.Context, versionID string) (types.TemplateVersion, bool, error)
	ListVersions(ctx context.Context, templateID string) ([]types.TemplateVersion, error)
}

type InstanceFilter struct {
	BindingContext types.BindingContext
	BindingID      string
	TemplateID     string
	ManagedOnly    bool
}

type InstanceStore interface {
	CreateInstance(ctx context.Context, inst types.ViewInstance, entry audittypes.Entry) error
	GetInstance(ctx context.Context, tenantID string, instanceID string) (types.ViewInstance, bool, error)
	ListInstances(ctx context.Context, tenantID string, f InstanceFilter) ([]types.ViewInstance, error)

	// SaveEdit persists a user's local definition edit.
	SaveEdit(ctx context.Context, tenantID string, inst types.ViewInstance, entry audittypes.Entry) error

	// Fork flips a managed instance to independent, clearing its source
	// pointers. Forking an independent instance fails with
	// ErrInstanceIndependent.
	Fork(ctx context.Context, tenantID string, instanceID string, entry audittypes.Entry) (types.ViewInstance, error)
}

// RolloutWrite is the instance mutation a rollout receipt commits together
// with. Nil pointer fields mean "leave unchanged".
type RolloutWrite struct {
	InstanceID      string
	Definition      *types.Definition
	SourceVersionID string
	HasLocalEdits   *bool
	EditSummary     *string
	MakeIndependent bool
}

// RolloutWriter applies a RolloutWrite outside any rollout transaction. The
// postgres rollout store bypasses this and uses the Tx helper so the write
// commits with the receipt; the memory pair goes through here.
type RolloutWriter interface {
	ApplyRolloutWrite(ctx context.Context, tenantID string, w RolloutWrite) error
}

type Store interface {
	TemplateStore
	InstanceStore
	RolloutWriter
}
