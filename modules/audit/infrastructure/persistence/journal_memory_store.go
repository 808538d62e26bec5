package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/gridvault/gridvault/modules/audit/domain/ports"
	"github.com/gridvault/gridvault/modules/audit/domain/types"
	"github.com/gridvault/gridvault/pkg/uuidv7"
)

// JournalMemoryStore keeps the journal in memory. It backs tests and
// database-less handler wiring.
type JournalMemoryStore struct {
	mu         sync.Mutex
	entries    []types.Entry
	violations []types.Violation
}

func NewJournalMemoryStore() *JournalMemoryStore {
	return &JournalMemoryStore{}
}

func (s *JournalMemoryStore) Append(_ context.Context, e types.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.EntryID == "" {
		id, err := uuidv7.NewString()
		if err != nil {
			return err
		}
		e.EntryID = id
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *JournalMemoryStore) AppendViolation(_ context.Context, v types.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ViolationID == "" {
		id, err := uuidv7.NewString()
		if err != nil {
			return err
		}
		v.ViolationID = id
	}
	if v.At.IsZero() {
		v.At = time.Now().UTC()
	}
	s.violations = append(s.violations, v)
	return nil
}

func (s *JournalMemoryStore) ListEntries(_ context.Context, tenantID string, f ports.EntryFilter) ([]types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}

	out := make([]types.Entry, 0)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if e.TenantID != tenantID {
			continue
		}
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if f.RolloutID != "" && e.Related.RolloutID != f.RolloutID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *JournalMemoryStore) ListViolations(_ context.Context, tenantID string, limit int) ([]types.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 200
	}
	out := make([]types.Violation, 0)
	for i := len(s.violations) - 1; i >= 0 && len(out) < limit; i-- {
		v := s.violations[i]
		if v.TenantID != tenantID {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
