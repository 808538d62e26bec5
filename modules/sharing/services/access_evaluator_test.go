package services

import (
	"context"
	"testing"
	"time"

	auditpersistence "github.com/gridvault/gridvault/modules/audit/infrastructure/persistence"
	"github.com/gridvault/gridvault/modules/sharing/domain/types"
	"github.com/gridvault/gridvault/modules/sharing/infrastructure/persistence"
)

const (
	orgA = "11111111-1111-4111-8111-111111111111"
	orgB = "22222222-2222-4222-8222-222222222222"

	aliceA = "aaaaaaaa-0000-4000-8000-00000000000a"
	bobB   = "bbbbbbbb-0000-4000-8000-00000000000b"
)

type fixture struct {
	store   *persistence.SharingMemoryStore
	dir     *persistence.DirectoryMemoryStore
	journal *auditpersistence.JournalMemoryStore
	eval    *Evaluator
	guard   *Guard
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	journal := auditpersistence.NewJournalMemoryStore()
	store := persistence.NewSharingMemoryStore(journal)
	dir := persistence.NewDirectoryMemoryStore()
	eval := NewEvaluator(store, store, dir, journal)
	return &fixture{
		store:   store,
		dir:     dir,
		journal: journal,
		eval:    eval,
		guard:   NewGuard(eval, dir, journal),
		svc:     NewService(store, store),
	}
}

func (f *fixture) createView(t *testing.T, in CreateViewInput) types.View {
	t.Helper()
	v, err := f.svc.CreateView(context.Background(), orgA, aliceA, in)
	if err != nil {
		t.Fatalf("CreateView: %v", err)
	}
	return v
}

func (f *fixture) share(t *testing.T, in ShareViewInput) types.ShareGrant {
	t.Helper()
	g, err := f.svc.ShareView(context.Background(), orgA, aliceA, in)
	if err != nil {
		t.Fatalf("ShareView: %v", err)
	}
	return g
}

func ref(kind types.RefKind, id string) types.EntityRef {
	return types.EntityRef{Kind: kind, ID: id}
}

func TestCheckAccessOwnerAllowed(t *testing.T) {
	f := newFixture(t)
	project := ref(types.RefProject, "7")
	f.dir.Register(project, orgA, nil)

	d, err := f.eval.CheckAccess(context.Background(), types.Caller{UserID: aliceA, OrgID: orgA}, project, types.ActionWrite)
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if !d.Allowed || d.Reason != types.ReasonOwner {
		t.Fatalf("expected owner allow, got %+v", d)
	}
}

func TestCheckAccessCrossTenantWriteDenied(t *testing.T) {
	f := newFixture(t)
	project := ref(types.RefProject, "7")
	f.dir.Register(project, orgA, nil)

	v := f.createView(t, CreateViewInput{Name: "p7", Scope: []types.EntityRef{project}, Visibility: types.VisibilityOrg})
	f.share(t, ShareViewInput{ViewID: v.ViewID, Targets: []types.GrantTarget{{Kind: types.TargetOrg, ID: orgB}}})

	d, err := f.eval.CheckAccess(context.Background(), types.Caller{UserID: bobB, OrgID: orgB}, project, types.ActionWrite)
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if d.Allowed || d.Reason != types.ReasonNotAuthorized {
		t.Fatalf("cross-tenant write must be denied, got %+v", d)
	}
}

func TestCheckAccessGrantQuota(t *testing.T) {
	f := newFixture(t)
	project := ref(types.RefProject, "7")
	f.dir.Register(project, orgA, nil)

	v := f.createView(t, CreateViewInput{Name: "p7", Scope: []types.EntityRef{project}, Visibility: types.VisibilityOrg})
	maxUses := 2
	f.share(t, ShareViewInput{ViewID: v.ViewID, Targets: []types.GrantTarget{{Kind: types.TargetOrg, ID: orgB}}, MaxUses: &maxUses})

	caller := types.Caller{UserID: bobB, OrgID: orgB}
	for i := 0; i < 2; i++ {
		d, err := f.eval.CheckAccess(context.Background(), caller, project, types.ActionRead)
		if err != nil {
			t.Fatalf("CheckAccess #%d: %v", i+1, err)
		}
		if !d.Allowed || d.Reason != types.ReasonGrant {
			t.Fatalf("read #%d should be allowed via grant, got %+v", i+1, d)
		}
	}

	d, err := f.eval.CheckAccess(context.Background(), caller, project, types.ActionRead)
	if err != nil {
		t.Fatalf("CheckAccess #3: %v", err)
	}
	if d.Allowed || d.Reason != types.ReasonGrantExhausted {
		t.Fatalf("third read past the quota must deny as exhausted, got %+v", d)
	}
}

func TestCheckAccessExclusionAndRestriction(t *testing.T) {
	f := newFixture(t)
	p1 := ref(types.RefProject, "1")
	p2 := ref(types.RefProject, "2")
	p3 := ref(types.RefProject, "3")
	for _, r := range []types.EntityRef{p1, p2, p3} {
		f.dir.Register(r, orgA, nil)
	}

	v := f.createView(t, CreateViewInput{
		Name:       "projects",
		Scope:      []types.EntityRef{p1, p2, p3},
		Exclusions: []types.EntityRef{p2},
		Visibility: types.VisibilityOrg,
	})
	f.share(t, ShareViewInput{
		ViewID:      v.ViewID,
		Targets:     []types.GrantTarget{{Kind: types.TargetOrg, ID: orgB}},
		Restriction: []types.EntityRef{p3},
	})

	caller := types.Caller{UserID: bobB, OrgID: orgB}
	cases := []struct {
		name    string
		ref     types.EntityRef
		allowed bool
	}{
		{"in scope", p1, true},
		{"excluded by view", p2, false},
		{"restricted by grant", p3, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := f.eval.CheckAccess(context.Background(), caller, tc.ref, types.ActionRead)
			if err != nil {
				t.Fatalf("CheckAccess: %v", err)
			}
			if d.Allowed != tc.allowed {
				t.Fatalf("ref %s: allowed=%v, want %v", tc.ref.Key(), d.Allowed, tc.allowed)
			}
		})
	}
}

func TestCheckAccessMostSpecificGrantWins(t *testing.T) {
	f := newFixture(t)
	p1 := ref(types.RefProject, "1")
	p2 := ref(types.RefProject, "2")
	f.dir.Register(p1, orgA, nil)
	f.dir.Register(p2, orgA, nil)

	wide := f.createView(t, CreateViewInput{Name: "wide", Scope: []types.EntityRef{p1, p2}, Visibility: types.VisibilityOrg})
	narrow := f.createView(t, CreateViewInput{Name: "narrow", Scope: []types.EntityRef{p1}, Visibility: types.VisibilityOrg})

	f.share(t, ShareViewInput{ViewID: wide.ViewID, Targets: []types.GrantTarget{{Kind: types.TargetOrg, ID: orgB}}})
	narrowGrant := f.share(t, ShareViewInput{ViewID: narrow.ViewID, Targets: []types.GrantTarget{{Kind: types.TargetOrg, ID: orgB}}})

	d, err := f.eval.CheckAccess(context.Background(), types.Caller{UserID: bobB, OrgID: orgB}, p1, types.ActionRead)
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
	if d.GrantID != narrowGrant.GrantID {
		t.Fatalf("smallest visible set should win: got grant %s, want %s", d.GrantID, narrowGrant.GrantID)
	}
}

func TestCheckAccessRevokedGrantDenied(t *testing.T) {
	f := newFixture(t)
	project := ref(types.RefProject, "7")
	f.dir.Register(project, orgA, nil)

	v := f.createView(t, CreateViewInput{Name: "p7", Scope: []types.EntityRef{project}, Visibility: types.VisibilityOrg})
	g := f.share(t, ShareViewInput{ViewID: v.ViewID, Targets: []types.GrantTarget{{Kind: types.TargetOrg, ID: orgB}}})

	if _, err := f.svc.RevokeGrant(context.Background(), orgA, aliceA, g.GrantID, "terminated partnership"); err != nil {
		t.Fatalf("RevokeGrant: %v", err)
	}

	d, err := f.eval.CheckAccess(context.Background(), types.Caller{UserID: bobB, OrgID: orgB}, project, types.ActionRead)
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if d.Allowed || d.Reason != types.ReasonNotAuthorized {
		t.Fatalf("revoked grant must deny with the generic reason, got %+v", d)
	}

	if _, err := f.svc.RevokeGrant(context.Background(), orgA, aliceA, g.GrantID, "again"); err != types.ErrGrantRevoked {
		t.Fatalf("second revoke: got %v, want ErrGrantRevoked", err)
	}
}

func TestCheckAccessExpiredGrantDenied(t *testing.T) {
	f := newFixture(t)
	project := ref(types.RefProject, "7")
	f.dir.Register(project, orgA, nil)

	v := f.createView(t, CreateViewInput{Name: "p7", Scope: []types.EntityRef{project}, Visibility: types.VisibilityOrg})
	expiry := time.Now().UTC().Add(time.Minute)
	f.share(t, ShareViewInput{ViewID: v.ViewID, Targets: []types.GrantTarget{{Kind: types.TargetOrg, ID: orgB}}, ExpiresAt: &expiry})

	f.eval.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	d, err := f.eval.CheckAccess(context.Background(), types.Caller{UserID: bobB, OrgID: orgB}, project, types.ActionRead)
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if d.Allowed || d.Reason != types.ReasonGrantExhausted {
		t.Fatalf("expired grant must deny as exhausted, got %+v", d)
	}
}

func TestCheckAccessCapabilityFlags(t *testing.T) {
	f := newFixture(t)
	project := ref(types.RefProject, "7")
	f.dir.Register(project, orgA, nil)

	v := f.createView(t, CreateViewInput{Name: "p7", Scope: []types.EntityRef{project}, Visibility: types.VisibilityOrg})
	f.share(t, ShareViewInput{ViewID: v.ViewID, Targets: []types.GrantTarget{{Kind: types.TargetOrg, ID: orgB}}, CanExport: true})

	caller := types.Caller{UserID: bobB, OrgID: orgB}

	d, err := f.eval.CheckAccess(context.Background(), caller, project, types.ActionExport)
	if err != nil {
		t.Fatalf("CheckAccess export: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("export should be allowed by can_export grant, got %+v", d)
	}

	d, err = f.eval.CheckAccess(context.Background(), caller, project, types.ActionCopy)
	if err != nil {
		t.Fatalf("CheckAccess copy: %v", err)
	}
	if d.Allowed {
		t.Fatalf("copy without can_copy must be denied, got %+v", d)
	}
}

func TestCheckAccessFilterExpr(t *testing.T) {
	f := newFixture(t)
	public := ref(types.RefDocument, "pub-1")
	internal := ref(types.RefDocument, "int-1")
	f.dir.Register(public, orgA, map[string]string{"classification": "public"})
	f.dir.Register(internal, orgA, map[string]string{"classification": "internal"})

	v := f.createView(t, CreateViewInput{
		Name:       "docs",
		Scope:      []types.EntityRef{public, internal},
		FilterExpr: `entity["classification"] == "public"`,
		Visibility: types.VisibilityOrg,
	})
	f.share(t, ShareViewInput{ViewID: v.ViewID, Targets: []types.GrantTarget{{Kind: types.TargetOrg, ID: orgB}}})

	caller := types.Caller{UserID: bobB, OrgID: orgB}

	d, err := f.eval.CheckAccess(context.Background(), caller, public, types.ActionRead)
	if err != nil {
		t.Fatalf("CheckAccess public: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("public document should pass the filter, got %+v", d)
	}

	d, err = f.eval.CheckAccess(context.Background(), caller, internal, types.ActionRead)
	if err != nil {
		t.Fatalf("CheckAccess internal: %v", err)
	}
	if d.Allowed {
		t.Fatalf("internal document must be filtered out, got %+v", d)
	}
}

func TestCheckAccessUserTarget(t *testing.T) {
	f := newFixture(t)
	project := ref(types.RefProject, "7")
	f.dir.Register(project, orgA, nil)

	v := f.createView(t, CreateViewInput{Name: "p7", Scope: []types.EntityRef{project}, Visibility: types.VisibilityOrg})
	f.share(t, ShareViewInput{ViewID: v.ViewID, Targets: []types.GrantTarget{{Kind: types.TargetUser, ID: bobB}}})

	d, err := f.eval.CheckAccess(context.Background(), types.Caller{UserID: bobB, OrgID: orgB}, project, types.ActionRead)
	if err != nil {
		t.Fatalf("CheckAccess targeted user: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("targeted user should be allowed, got %+v", d)
	}

	other := types.Caller{UserID: "cccccccc-0000-4000-8000-00000000000c", OrgID: orgB}
	d, err = f.eval.CheckAccess(context.Background(), other, project, types.ActionRead)
	if err != nil {
		t.Fatalf("CheckAccess other user: %v", err)
	}
	if d.Allowed {
		t.Fatalf("non-targeted user in the same org must be denied, got %+v", d)
	}
}

func TestCheckAccessUnknownRefDenied(t *testing.T) {
	f := newFixture(t)
	d, err := f.eval.CheckAccess(context.Background(), types.Caller{UserID: bobB, OrgID: orgB}, ref(types.RefProject, "missing"), types.ActionRead)
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if d.Allowed || d.Reason != types.ReasonNotAuthorized {
		t.Fatalf("unknown ref should produce the generic denial, got %+v", d)
	}
}

func TestGuardRecordsViolations(t *testing.T) {
	f := newFixture(t)
	project := ref(types.RefProject, "7")
	f.dir.Register(project, orgA, nil)

	caller := types.Caller{UserID: bobB, OrgID: orgB}
	d, err := f.guard.Authorize(context.Background(), caller, project, types.ActionWrite)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected deny, got %+v", d)
	}

	violations, err := f.journal.ListViolations(context.Background(), orgA, 10)
	if err != nil {
		t.Fatalf("ListViolations: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation in the owner's stream, got %d", len(violations))
	}
	v := violations[0]
	if v.CallerOrgID != orgB || v.ResourceRef != project.Key() {
		t.Fatalf("unexpected violation %+v", v)
	}
	if v.Severity != "high" {
		t.Fatalf("write attempt should be high severity, got %s", v.Severity)
	}

	if _, err := f.guard.Authorize(context.Background(), caller, project, types.ActionRead); err != nil {
		t.Fatalf("Authorize read: %v", err)
	}
	violations, err = f.journal.ListViolations(context.Background(), orgA, 10)
	if err != nil {
		t.Fatalf("ListViolations: %v", err)
	}
	if len(violations) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(violations))
	}
	if violations[0].Severity != "medium" {
		t.Fatalf("read attempt should be medium severity, got %s", violations[0].Severity)
	}
}

func TestShareViewValidation(t *testing.T) {
	f := newFixture(t)
	project := ref(types.RefProject, "7")
	f.dir.Register(project, orgA, nil)
	v := f.createView(t, CreateViewInput{Name: "p7", Scope: []types.EntityRef{project}, Visibility: types.VisibilityOrg})

	if _, err := f.svc.ShareView(context.Background(), orgA, aliceA, ShareViewInput{
		ViewID:  "018f0000-0000-7000-8000-000000000000",
		Targets: []types.GrantTarget{{Kind: types.TargetOrg, ID: orgB}},
	}); err != types.ErrViewNotFound {
		t.Fatalf("sharing a missing view: got %v, want ErrViewNotFound", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	if _, err := f.svc.ShareView(context.Background(), orgA, aliceA, ShareViewInput{
		ViewID:    v.ViewID,
		Targets:   []types.GrantTarget{{Kind: types.TargetOrg, ID: orgB}},
		ExpiresAt: &past,
	}); err == nil {
		t.Fatalf("expected error for past expiry")
	}

	if _, err := f.svc.ShareView(context.Background(), orgA, aliceA, ShareViewInput{ViewID: v.ViewID}); err == nil {
		t.Fatalf("expected error for empty targets")
	}
}
