package ports

import (
	"context"

	"github.com/gridvault/gridvault/modules/audit/domain/types"
)

// Journal is the write-only sink for every mutating operation. Stores that
// own their own transactions journal inline; callers without a surrounding
// transaction append through this port.
type Journal interface {
	Append(ctx context.Context, e types.Entry) error
	AppendViolation(ctx context.Context, v types.Violation) error
}

type EntryFilter struct {
	EntityType string
	EntityID   string
	RolloutID  string
	Limit      int
}

type Reader interface {
	ListEntries(ctx context.Context, tenantID string, f EntryFilter) ([]types.Entry, error)
	ListViolations(ctx context.Context, tenantID string, limit int) ([]types.Violation, error)
}

type Store interface {
	Journal
	Reader
}
