package types

import (
	"errors"
	"time"

	"github.com/gridvault/gridvault/pkg/httperr"
)

var (
	ErrRolloutNotFound   = errors.New("ROLLOUT_NOT_FOUND")
	ErrRolloutState      = errors.New("ROLLOUT_STATE_INVALID")
	ErrReceiptNotFound   = errors.New("RECEIPT_NOT_FOUND")
	ErrReceiptState      = errors.New("RECEIPT_STATE_INVALID")
	ErrReceiptNoSnapshot = errors.New("RECEIPT_HAS_NO_SNAPSHOT")
)

type Mode string

const (
	ModeForce Mode = "force"
	ModeSafe  Mode = "safe"
	ModeOptIn Mode = "opt_in"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeForce, ModeSafe, ModeOptIn:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusCanceled        Status = "canceled"
)

// CanTransition encodes the state machine: strictly forward through the
// approval chain, with cancel reachable from any pre-executing state.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusPendingApproval:
		return from == StatusDraft
	case StatusApproved:
		return from == StatusPendingApproval
	case StatusExecuting:
		return from == StatusApproved
	case StatusCompleted:
		return from == StatusExecuting
	case StatusCanceled:
		return from == StatusDraft || from == StatusPendingApproval || from == StatusApproved
	default:
		return false
	}
}

type TargetKind string

const (
	TargetOrgWide    TargetKind = "org"
	TargetWorkspaces TargetKind = "workspaces"
	TargetInstances  TargetKind = "instances"
)

// TargetScope names which managed instances a rollout covers. It is expanded
// into concrete instance ids at execution time, not at draft time, so
// late-joining instances never slip into a rollout already running.
type TargetScope struct {
	Kind         TargetKind `json:"kind"`
	WorkspaceIDs []string   `json:"workspace_ids,omitempty"`
	InstanceIDs  []string   `json:"instance_ids,omitempty"`
}

func (s TargetScope) Validate() error {
	switch s.Kind {
	case TargetOrgWide:
	case TargetWorkspaces:
		if len(s.WorkspaceIDs) == 0 {
			return httperr.NewBadRequest("workspace target requires workspace ids")
		}
	case TargetInstances:
		if len(s.InstanceIDs) == 0 {
			return httperr.NewBadRequest("instance target requires instance ids")
		}
	default:
		return httperr.NewBadRequest("invalid target kind")
	}
	return nil
}

// Rollout propagates one template version to managed instances. Everything
// but status and the completion timestamps freezes once execution starts.
type Rollout struct {
	RolloutID     string      `json:"rollout_id"`
	TenantID      string      `json:"tenant_id"`
	TemplateID    string      `json:"template_id"`
	FromVersionID string      `json:"from_version_id,omitempty"`
	ToVersionID   string      `json:"to_version_id"`
	Mode          Mode        `json:"mode"`
	Target        TargetScope `json:"target"`
	Status        Status      `json:"status"`
	CreatedBy     string      `json:"created_by"`
	CreatedAt     time.Time   `json:"created_at"`
	SubmittedAt   *time.Time  `json:"submitted_at,omitempty"`
	ApprovedBy    string      `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time  `json:"approved_at,omitempty"`
	ExecutedAt    *time.Time  `json:"executed_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	CanceledBy    string      `json:"canceled_by,omitempty"`
	CanceledAt    *time.Time  `json:"canceled_at,omitempty"`
	CancelReason  string      `json:"cancel_reason,omitempty"`
}

func (r Rollout) Validate() error {
	if !r.Mode.Valid() {
		return httperr.NewBadRequest("invalid rollout mode")
	}
	if r.TemplateID == "" {
		return httperr.NewBadRequest("template id is required")
	}
	if r.ToVersionID == "" {
		return httperr.NewBadRequest("target version id is required")
	}
	return r.Target.Validate()
}
