package persistence

import (
	"context"
	"sort"
	"sync"

	auditports "github.com/gridvault/gridvault/modules/audit/domain/ports"
	audittypes "github.com/gridvault/gridvault/modules/audit/domain/types"
	catalogports "github.com/gridvault/gridvault/modules/catalog/domain/ports"
	"github.com/gridvault/gridvault/modules/rollout/domain/ports"
	"github.com/gridvault/gridvault/modules/rollout/domain/types"
)

// RolloutMemoryStore keeps rollouts and receipts in memory. Instance writes
// go through the catalog writer; the journal appends under the store lock.
type RolloutMemoryStore struct {
	mu       sync.Mutex
	rollouts map[string]types.Rollout
	receipts map[string]types.Receipt
	writer   catalogports.RolloutWriter
	journal  auditports.Journal
}

func NewRolloutMemoryStore(journal auditports.Journal, writer catalogports.RolloutWriter) *RolloutMemoryStore {
	return &RolloutMemoryStore{
		rollouts: make(map[string]types.Rollout),
		receipts: make(map[string]types.Receipt),
		writer:   writer,
		journal:  journal,
	}
}

func (s *RolloutMemoryStore) CreateRollout(ctx context.Context, r types.Rollout, entry audittypes.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollouts[r.RolloutID] = r
	return s.journal.Append(ctx, entry)
}

func (s *RolloutMemoryStore) GetRollout(_ context.Context, tenantID string, rolloutID string) (types.Rollout, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[rolloutID]
	if !ok || r.TenantID != tenantID {
		return types.Rollout{}, false, nil
	}
	return r, true, nil
}

func (s *RolloutMemoryStore) ListRollouts(_ context.Context, tenantID string) ([]types.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Rollout, 0)
	for _, r := range s.rollouts {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RolloutID > out[j].RolloutID
	})
	return out, nil
}

func (s *RolloutMemoryStore) TransitionRollout(ctx context.Context, tenantID string, rolloutID string, from, to types.Status, meta ports.TransitionMeta, entry audittypes.Entry) (types.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[rolloutID]
	if !ok || r.TenantID != tenantID {
		return types.Rollout{}, types.ErrRolloutNotFound
	}
	if r.Status != from || !types.CanTransition(from, to) {
		return types.Rollout{}, types.ErrRolloutState
	}
	r.Status = to
	at := meta.At
	switch to {
	case types.StatusPendingApproval:
		r.SubmittedAt = &at
	case types.StatusApproved:
		r.ApprovedBy = meta.Actor
		r.ApprovedAt = &at
	case types.StatusExecuting:
		r.ExecutedAt = &at
	case types.StatusCompleted:
		r.CompletedAt = &at
	case types.StatusCanceled:
		r.CanceledBy = meta.Actor
		r.CanceledAt = &at
		r.CancelReason = meta.Reason
	}
	s.rollouts[rolloutID] = r
	if err := s.journal.Append(ctx, entry); err != nil {
		return types.Rollout{}, err
	}
	return r, nil
}

func (s *RolloutMemoryStore) InsertReceipt(ctx context.Context, rec types.Receipt, entry audittypes.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.receipts[rec.ReceiptID]; exists {
		return false, nil
	}
	s.receipts[rec.ReceiptID] = rec
	if err := s.journal.Append(ctx, entry); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RolloutMemoryStore) GetReceipt(_ context.Context, tenantID string, receiptID string) (types.Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.receipts[receiptID]
	if !ok || rec.TenantID != tenantID {
		return types.Receipt{}, false, nil
	}
	return rec, true, nil
}

func (s *RolloutMemoryStore) ListReceipts(_ context.Context, tenantID string, rolloutID string) ([]types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Receipt, 0)
	for _, rec := range s.receipts {
		if rec.TenantID == tenantID && rec.RolloutID == rolloutID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceiptID < out[j].ReceiptID })
	return out, nil
}

func (s *RolloutMemoryStore) FinalizeReceipt(ctx context.Context, tenantID string, rec types.Receipt, write *catalogports.RolloutWrite, entry audittypes.Entry) (types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.receipts[rec.ReceiptID]
	if !ok || existing.TenantID != tenantID {
		return types.Receipt{}, types.ErrReceiptNotFound
	}
	if write != nil {
		if err := s.writer.ApplyRolloutWrite(ctx, tenantID, *write); err != nil {
			return types.Receipt{}, err
		}
	}
	s.receipts[rec.ReceiptID] = rec
	if err := s.journal.Append(ctx, entry); err != nil {
		return types.Receipt{}, err
	}
	return rec, nil
}
