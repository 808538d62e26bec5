package types

import "time"

// Entry is one immutable fact in the audit journal. Entries are written in
// the same transaction as the mutation they record and are never updated or
// deleted.
type Entry struct {
	EntryID    string          `json:"entry_id"`
	TenantID   string          `json:"tenant_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	At         time.Time       `json:"at"`
	Detail     map[string]any  `json:"detail,omitempty"`
	Related    RelatedEntities `json:"related,omitzero"`
}

// RelatedEntities carries optional pointers tying an entry to the sharing and
// rollout entities it touches.
type RelatedEntities struct {
	ViewID     string `json:"view_id,omitempty"`
	GrantID    string `json:"grant_id,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	VersionID  string `json:"version_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	RolloutID  string `json:"rollout_id,omitempty"`
}

const (
	EntityView            = "view"
	EntityGrant           = "grant"
	EntityAccess          = "access"
	EntityTemplate        = "template"
	EntityTemplateVersion = "template_version"
	EntityInstance        = "view_instance"
	EntityRollout         = "rollout"
	EntityReceipt         = "receipt"
)

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// Violation is one entry in the isolation guard's deny stream: a caller
// touched (or tried to touch) another organization's entity with no grant
// covering it.
type Violation struct {
	ViolationID  string    `json:"violation_id"`
	TenantID     string    `json:"tenant_id"`
	CallerOrgID  string    `json:"caller_org_id"`
	CallerUserID string    `json:"caller_user_id"`
	ResourceRef  string    `json:"resource_ref"`
	Action       string    `json:"action"`
	Severity     Severity  `json:"severity"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
}
