package types

import (
	"errors"
	"strings"
	"time"

	"github.com/gridvault/gridvault/pkg/httperr"
)

var (
	ErrTemplateNotFound       = errors.New("TEMPLATE_NOT_FOUND")
	ErrTemplateArchived       = errors.New("TEMPLATE_ARCHIVED")
	ErrVersionNotFound        = errors.New("TEMPLATE_VERSION_NOT_FOUND")
	ErrVersionConflict        = errors.New("VERSION_CONFLICT")
	ErrGlobalTemplateReadOnly = errors.New("GLOBAL_TEMPLATE_READ_ONLY")
	ErrInstanceNotFound       = errors.New("INSTANCE_NOT_FOUND")
	ErrInstanceIndependent    = errors.New("INSTANCE_ALREADY_INDEPENDENT")
)

type TemplateStatus string

const (
	TemplateDraft    TemplateStatus = "draft"
	TemplateActive   TemplateStatus = "active"
	TemplateArchived TemplateStatus = "archived"
)

// Template is a versioned, tenant-independent view definition. TenantID is
// empty for global system defaults, which tenants may clone but never mutate.
type Template struct {
	TemplateID       string         `json:"template_id"`
	TenantID         string         `json:"tenant_id,omitempty"`
	Name             string         `json:"name"`
	Category         string         `json:"category,omitempty"`
	Status           TemplateStatus `json:"status"`
	CurrentVersionID string         `json:"current_version_id,omitempty"`
	CreatedBy        string         `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
}

func (t Template) IsGlobal() bool { return t.TenantID == "" }

// WritableBy reports whether tenantID may mutate the template. Global
// templates are read-only to every tenant.
func (t Template) WritableBy(tenantID string) error {
	if t.IsGlobal() {
		return ErrGlobalTemplateReadOnly
	}
	if t.TenantID != tenantID {
		return ErrTemplateNotFound
	}
	return nil
}

// ReadableBy covers reads: a tenant sees its own templates plus globals.
func (t Template) ReadableBy(tenantID string) bool {
	return t.IsGlobal() || t.TenantID == tenantID
}

func (t Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return httperr.NewBadRequest("name is required")
	}
	switch t.Status {
	case TemplateDraft, TemplateActive, TemplateArchived:
	default:
		return httperr.NewBadRequest("invalid template status")
	}
	return nil
}

// TemplateVersion is immutable once created. VersionNo is dense and strictly
// increasing per template; the definition bytes never change after insert.
type TemplateVersion struct {
	VersionID  string     `json:"version_id"`
	TemplateID string     `json:"template_id"`
	VersionNo  int        `json:"version_no"`
	Definition Definition `json:"definition"`
	Changelog  string     `json:"changelog,omitempty"`
	Author     string     `json:"author"`
	CreatedAt  time.Time  `json:"created_at"`
}
