package types

import (
	audittypes "github.com/gridvault/gridvault/modules/audit/domain/types"
)

func RolloutEntry(r Rollout, actor string, action string, detail map[string]any) audittypes.Entry {
	return audittypes.Entry{
		TenantID:   r.TenantID,
		EntityType: audittypes.EntityRollout,
		EntityID:   r.RolloutID,
		Action:     action,
		Actor:      actor,
		Detail:     detail,
		Related: audittypes.RelatedEntities{
			RolloutID:  r.RolloutID,
			TemplateID: r.TemplateID,
			VersionID:  r.ToVersionID,
		},
	}
}

func ReceiptEntry(rec Receipt, actor string, action string, detail map[string]any) audittypes.Entry {
	return audittypes.Entry{
		TenantID:   rec.TenantID,
		EntityType: audittypes.EntityReceipt,
		EntityID:   rec.ReceiptID,
		Action:     action,
		Actor:      actor,
		Detail:     detail,
		Related: audittypes.RelatedEntities{
			RolloutID:  rec.RolloutID,
			InstanceID: rec.InstanceID,
		},
	}
}

// NotificationKind distinguishes the two human-facing prompts the engine
// emits; delivery is someone else's job.
type NotificationKind string

const (
	NotifyOptInOffer NotificationKind = "opt_in_offer"
	NotifyConflict   NotificationKind = "conflict"
)

type Notification struct {
	Kind       NotificationKind `json:"kind"`
	TenantID   string           `json:"tenant_id"`
	RolloutID  string           `json:"rollout_id"`
	ReceiptID  string           `json:"receipt_id"`
	InstanceID string           `json:"instance_id"`
	OwnerID    string           `json:"owner_id"`
}
