package ports

import (
	"context"
	"time"

	audittypes "github.com/gridvault/gridvault/modules/audit/domain/types"
	catalogports "github.com/gridvault/gridvault/modules/catalog/domain/ports"
	"github.com/gridvault/gridvault/modules/rollout/domain/types"
)

// TransitionMeta carries the metadata a status transition records.
type TransitionMeta struct {
	Actor  string
	Reason string
	At     time.Time
}

type Store interface {
	CreateRollout(ctx context.Context, r types.Rollout, entry audittypes.Entry) error
	GetRollout(ctx context.Context, tenantID string, rolloutID string) (types.Rollout, bool, error)
	ListRollouts(ctx context.Context, tenantID string) ([]types.Rollout, error)

	// TransitionRollout moves status from→to with compare-and-set semantics:
	// if the stored status is not `from` the call fails with ErrRolloutState
	// and nothing changes.
	TransitionRollout(ctx context.Context, tenantID string, rolloutID string, from, to types.Status, meta TransitionMeta, entry audittypes.Entry) (types.Rollout, error)

	// InsertReceipt creates the pending/terminal receipt for one (rollout,
	// instance) pair. It reports false when the pair already has a receipt,
	// which is how a retried execution detects work it already did.
	InsertReceipt(ctx context.Context, rec types.Receipt, entry audittypes.Entry) (bool, error)

	GetReceipt(ctx context.Context, tenantID string, receiptID string) (types.Receipt, bool, error)
	ListReceipts(ctx context.Context, tenantID string, rolloutID string) ([]types.Receipt, error)

	// FinalizeReceipt updates the receipt and applies the instance write in
	// one atomic unit; both commit or neither does.
	FinalizeReceipt(ctx context.Context, tenantID string, rec types.Receipt, write *catalogports.RolloutWrite, entry audittypes.Entry) (types.Receipt, error)
}

// Notifier surfaces opt-in offers and conflicts to humans. The engine only
// emits the event; rendering and delivery live elsewhere.
type Notifier interface {
	Notify(ctx context.Context, n types.Notification) error
}
