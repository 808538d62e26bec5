package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	auditports "github.com/gridvault/gridvault/modules/audit/domain/ports"
	audittypes "github.com/gridvault/gridvault/modules/audit/domain/types"
	"github.com/gridvault/gridvault/modules/sharing/domain/types"
)

// SharingMemoryStore holds views and grants in memory. The journal is written
// under the same lock as the mutation, mirroring the single-transaction
// behavior of the postgres store.
type SharingMemoryStore struct {
	mu      sync.Mutex
	views   map[string]types.View       // keyed by view id
	grants  map[string]types.ShareGrant // keyed by grant id
	journal auditports.Journal
}

func NewSharingMemoryStore(journal auditports.Journal) *SharingMemoryStore {
	return &SharingMemoryStore{
		views:   make(map[string]types.View),
		grants:  make(map[string]types.ShareGrant),
		journal: journal,
	}
}

func (s *SharingMemoryStore) CreateView(ctx context.Context, v types.View, entry audittypes.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.views[v.ViewID] = v
	return s.journal.Append(ctx, entry)
}

func (s *SharingMemoryStore) GetView(_ context.Context, tenantID string, viewID string) (types.View, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.views[viewID]
	if !ok || v.TenantID != tenantID {
		return types.View{}, false, nil
	}
	return v, true, nil
}

func (s *SharingMemoryStore) ListViews(_ context.Context, tenantID string) ([]types.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.View, 0)
	for _, v := range s.views {
		if v.TenantID == tenantID {
			out = append(out, v)
		}
	}
	sortViewsNewestFirst(out)
	return out, nil
}

func (s *SharingMemoryStore) CreateGrant(ctx context.Context, g types.ShareGrant, entry audittypes.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants[g.GrantID] = g
	return s.journal.Append(ctx, entry)
}

func (s *SharingMemoryStore) GetGrant(_ context.Context, sourceTenantID string, grantID string) (types.ShareGrant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID]
	if !ok || g.SourceTenantID != sourceTenantID {
		return types.ShareGrant{}, false, nil
	}
	return g, true, nil
}

func (s *SharingMemoryStore) ListGrants(_ context.Context, sourceTenantID string) ([]types.ShareGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ShareGrant, 0)
	for _, g := range s.grants {
		if g.SourceTenantID == sourceTenantID {
			out = append(out, g)
		}
	}
	sortGrantsNewestFirst(out)
	return out, nil
}

func (s *SharingMemoryStore) RevokeGrant(ctx context.Context, sourceTenantID string, grantID string, reason string, entry audittypes.Entry) (types.ShareGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID]
	if !ok || g.SourceTenantID != sourceTenantID {
		return types.ShareGrant{}, types.ErrGrantNotFound
	}
	if g.Status == types.GrantRevoked {
		return types.ShareGrant{}, types.ErrGrantRevoked
	}
	now := time.Now().UTC()
	g.Status = types.GrantRevoked
	g.RevokedAt = &now
	g.RevokedReason = reason
	s.grants[grantID] = g
	if err := s.journal.Append(ctx, entry); err != nil {
		return types.ShareGrant{}, err
	}
	return g, nil
}

func (s *SharingMemoryStore) ListCandidates(_ context.Context, caller types.Caller, _ time.Time) ([]types.ShareGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ShareGrant, 0)
	for _, g := range s.grants {
		if !g.TargetsCaller(caller) {
			continue
		}
		if g.Status != types.GrantActive {
			continue
		}
		out = append(out, g)
	}
	sortGrantsNewestFirst(out)
	return out, nil
}

func (s *SharingMemoryStore) ConsumeUse(ctx context.Context, sourceTenantID string, grantID string, entry audittypes.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[grantID]
	if !ok || g.SourceTenantID != sourceTenantID {
		return false, nil
	}
	if !g.Usable(time.Now().UTC()) {
		return false, nil
	}
	g.UseCount++
	s.grants[grantID] = g
	if err := s.journal.Append(ctx, entry); err != nil {
		return false, err
	}
	return true, nil
}

func sortViewsNewestFirst(vs []types.View) {
	sort.Slice(vs, func(i, j int) bool {
		if !vs[i].CreatedAt.Equal(vs[j].CreatedAt) {
			return vs[i].CreatedAt.After(vs[j].CreatedAt)
		}
		return vs[i].ViewID > vs[j].ViewID
	})
}

func sortGrantsNewestFirst(gs []types.ShareGrant) {
	sort.Slice(gs, func(i, j int) bool {
		if !gs[i].CreatedAt.Equal(gs[j].CreatedAt) {
			return gs[i].CreatedAt.After(gs[j].CreatedAt)
		}
		return gs[i].GrantID > gs[j].GrantID
	})
}
