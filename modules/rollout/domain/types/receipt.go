package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	catalogtypes "github.com/gridvault/gridvault/modules/catalog/domain/types"
)

type ReceiptStatus string

const (
	ReceiptPending  ReceiptStatus = "pending"
	ReceiptApplied  ReceiptStatus = "applied"
	ReceiptSkipped  ReceiptStatus = "skipped"
	ReceiptConflict ReceiptStatus = "conflict"
	ReceiptRejected ReceiptStatus = "rejected"
	ReceiptOptedOut ReceiptStatus = "opted_out"
)

// Terminal reports whether the receipt needs no further action. A rollout
// completes once every receipt is terminal.
func (s ReceiptStatus) Terminal() bool { return s != ReceiptPending }

type Resolution string

const (
	ResolveKeepLocal Resolution = "keep_local"
	ResolveApplyNew  Resolution = "apply_new"
	ResolveFork      Resolution = "fork"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolveKeepLocal, ResolveApplyNew, ResolveFork:
		return true
	default:
		return false
	}
}

// FieldConflict records one definition section edited locally and changed by
// the incoming version at the same time.
type FieldConflict struct {
	Field    string          `json:"field"`
	Local    json.RawMessage `json:"local,omitempty"`
	Incoming json.RawMessage `json:"incoming,omitempty"`
}

// Receipt is the per-(rollout, instance) outcome record. The pair is unique;
// PreviousDefinition is captured atomically with the instance mutation it
// precedes and is the only rollback source.
type Receipt struct {
	ReceiptID          string                   `json:"receipt_id"`
	RolloutID          string                   `json:"rollout_id"`
	InstanceID         string                   `json:"instance_id"`
	TenantID           string                   `json:"tenant_id"`
	Status             ReceiptStatus            `json:"status"`
	Conflicts          []FieldConflict          `json:"conflicts,omitempty"`
	Resolution         Resolution               `json:"resolution,omitempty"`
	ActedBy            string                   `json:"acted_by,omitempty"`
	ActedAt            *time.Time               `json:"acted_at,omitempty"`
	PreviousDefinition *catalogtypes.Definition `json:"previous_definition,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

var receiptNamespace = uuid.MustParse("f3b1c7a2-5d84-4e09-9c6a-2b7d8e4f1a35")

// ReceiptID derives the receipt id from its (rollout, instance) pair, so a
// retried execution computes the same id instead of minting a second receipt.
func ReceiptID(rolloutID, instanceID string) string {
	return uuid.NewSHA1(receiptNamespace, []byte(rolloutID+"/"+instanceID)).String()
}
