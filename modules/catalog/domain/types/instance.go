package types

import (
	"strings"
	"time"

	"github.com/gridvault/gridvault/pkg/httperr"
)

type BindingContext string

const (
	BindingWorkspace BindingContext = "workspace"
	BindingBoard     BindingContext = "board"
	BindingRequest   BindingContext = "request"
)

// Binding is the single location an instance lives in.
type Binding struct {
	Context BindingContext `json:"context"`
	ID      string         `json:"id"`
}

func (b Binding) Validate() error {
	switch b.Context {
	case BindingWorkspace, BindingBoard, BindingRequest:
	default:
		return httperr.NewBadRequest("invalid binding context")
	}
	if strings.TrimSpace(b.ID) == "" {
		return httperr.NewBadRequest("binding id is required")
	}
	return nil
}

type UpdateMode string

const (
	UpdateManaged     UpdateMode = "managed"
	UpdateIndependent UpdateMode = "independent"
)

// ViewInstance is a concrete view living in one binding context, holding its
// own full definition snapshot. Managed instances keep source pointers back
// to the template version they last synced from; forking to independent is
// one-directional.
type ViewInstance struct {
	InstanceID       string     `json:"instance_id"`
	TenantID         string     `json:"tenant_id"`
	OwnerUserID      string     `json:"owner_user_id"`
	Binding          Binding    `json:"binding"`
	SourceTemplateID string     `json:"source_template_id,omitempty"`
	SourceVersionID  string     `json:"source_version_id,omitempty"`
	Definition       Definition `json:"definition"`
	UpdateMode       UpdateMode `json:"update_mode"`
	HasLocalEdits    bool       `json:"has_local_edits"`
	EditSummary      string     `json:"edit_summary,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (i ViewInstance) Managed() bool { return i.UpdateMode == UpdateManaged }

func (i ViewInstance) Validate() error {
	if err := i.Binding.Validate(); err != nil {
		return err
	}
	switch i.UpdateMode {
	case UpdateManaged, UpdateIndependent:
	default:
		return httperr.NewBadRequest("invalid update mode")
	}
	if i.UpdateMode == UpdateManaged && (i.SourceTemplateID == "" || i.SourceVersionID == "") {
		return httperr.NewBadRequest("managed instance requires source template and version")
	}
	return i.Definition.Validate()
}
