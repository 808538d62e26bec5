package persistence

import (
	"context"
	"testing"

	"github.com/gridvault/gridvault/modules/audit/domain/ports"
	"github.com/gridvault/gridvault/modules/audit/domain/types"
)

func TestJournalMemoryStore_AppendAndList(t *testing.T) {
	ctx := context.Background()
	s := NewJournalMemoryStore()

	for _, e := range []types.Entry{
		{TenantID: "t1", EntityType: types.EntityView, EntityID: "v1", Action: "view.created", Actor: "u1"},
		{TenantID: "t1", EntityType: types.EntityGrant, EntityID: "g1", Action: "grant.created", Actor: "u1", Related: types.RelatedEntities{ViewID: "v1", GrantID: "g1"}},
		{TenantID: "t2", EntityType: types.EntityView, EntityID: "v9", Action: "view.created", Actor: "u9"},
	} {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("append err=%v", err)
		}
	}

	got, err := s.ListEntries(ctx, "t1", ports.EntryFilter{})
	if err != nil {
		t.Fatalf("list err=%v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries=%d", len(got))
	}
	// Newest first.
	if got[0].EntityID != "g1" || got[1].EntityID != "v1" {
		t.Fatalf("order=%s,%s", got[0].EntityID, got[1].EntityID)
	}
	for _, e := range got {
		if e.EntryID == "" || e.At.IsZero() {
			t.Fatalf("entry missing id or timestamp: %+v", e)
		}
	}

	got, err = s.ListEntries(ctx, "t1", ports.EntryFilter{EntityType: types.EntityGrant})
	if err != nil {
		t.Fatalf("list err=%v", err)
	}
	if len(got) != 1 || got[0].EntityID != "g1" {
		t.Fatalf("filtered=%+v", got)
	}
}

func TestJournalMemoryStore_Violations(t *testing.T) {
	ctx := context.Background()
	s := NewJournalMemoryStore()

	if err := s.AppendViolation(ctx, types.Violation{
		TenantID:     "t1",
		CallerOrgID:  "org2",
		CallerUserID: "u2",
		ResourceRef:  "project:7",
		Action:       "write",
		Severity:     types.SeverityHigh,
		Reason:       "NOT_AUTHORIZED",
	}); err != nil {
		t.Fatalf("append err=%v", err)
	}

	got, err := s.ListViolations(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("list err=%v", err)
	}
	if len(got) != 1 {
		t.Fatalf("violations=%d", len(got))
	}
	if got[0].Severity != types.SeverityHigh || got[0].ViolationID == "" {
		t.Fatalf("violation=%+v", got[0])
	}

	got, err = s.ListViolations(ctx, "t2", 0)
	if err != nil {
		t.Fatalf("list err=%v", err)
	}
	if len(got) != 0 {
		t.Fatalf("cross-tenant violations=%d", len(got))
	}
}
