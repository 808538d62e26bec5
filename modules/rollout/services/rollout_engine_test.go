package services

import (
	"context"
	"encoding/json"
	"testing"

	auditpersistence "github.com/gridvault/gridvault/modules/audit/infrastructure/persistence"
	catalogtypes "github.com/gridvault/gridvault/modules/catalog/domain/types"
	catalogpersistence "github.com/gridvault/gridvault/modules/catalog/infrastructure/persistence"
	catalogservices "github.com/gridvault/gridvault/modules/catalog/services"
	"github.com/gridvault/gridvault/modules/rollout/domain/types"
	"github.com/gridvault/gridvault/modules/rollout/infrastructure/notify"
	"github.com/gridvault/gridvault/modules/rollout/infrastructure/persistence"
)

const (
	orgA   = "11111111-1111-4111-8111-111111111111"
	aliceA = "aaaaaaaa-0000-4000-8000-00000000000a"
	bobA   = "bbbbbbbb-0000-4000-8000-00000000000b"
)

type fixture struct {
	engine   *Engine
	catalog  *catalogservices.Facade
	store    *persistence.RolloutMemoryStore
	notifier *notify.MemoryNotifier
	journal  *auditpersistence.JournalMemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	journal := auditpersistence.NewJournalMemoryStore()
	catalogStore := catalogpersistence.NewCatalogMemoryStore(journal)
	store := persistence.NewRolloutMemoryStore(journal, catalogStore)
	notifier := notify.NewMemoryNotifier()
	return &fixture{
		engine:   NewEngine(store, catalogStore, notifier),
		catalog:  catalogservices.NewFacade(catalogStore),
		store:    store,
		notifier: notifier,
		journal:  journal,
	}
}

func def(t *testing.T, columns, filters string) catalogtypes.Definition {
	t.Helper()
	var d catalogtypes.Definition
	if columns != "" {
		d.Columns = json.RawMessage(columns)
	}
	if filters != "" {
		d.Filters = json.RawMessage(filters)
	}
	canonical, err := d.Canonicalized()
	if err != nil {
		t.Fatalf("bad test definition: %v", err)
	}
	return canonical
}

// publish sets up a template with one version and returns both.
func (f *fixture) publish(t *testing.T, d catalogtypes.Definition) (catalogtypes.Template, catalogtypes.TemplateVersion) {
	t.Helper()
	ctx := context.Background()
	tpl, err := f.catalog.CreateTemplate(ctx, orgA, aliceA, catalogservices.CreateTemplateInput{Name: "board"})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	v, err := f.catalog.PublishVersion(ctx, orgA, aliceA, tpl.TemplateID, d, "v1")
	if err != nil {
		t.Fatalf("PublishVersion: %v", err)
	}
	return tpl, v
}

func (f *fixture) clone(t *testing.T, versionID string, bindingID string) catalogtypes.ViewInstance {
	t.Helper()
	inst, err := f.catalog.CreateInstance(context.Background(), orgA, bobA, catalogservices.CreateInstanceInput{
		Binding:       catalogtypes.Binding{Context: catalogtypes.BindingWorkspace, ID: bindingID},
		FromVersionID: versionID,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	return inst
}

// drive pushes a fresh rollout through draft → approved.
func (f *fixture) approved(t *testing.T, in CreateRolloutInput) types.Rollout {
	t.Helper()
	ctx := context.Background()
	r, err := f.engine.CreateRollout(ctx, orgA, aliceA, in)
	if err != nil {
		t.Fatalf("CreateRollout: %v", err)
	}
	if _, err := f.engine.SubmitRollout(ctx, orgA, aliceA, r.RolloutID); err != nil {
		t.Fatalf("SubmitRollout: %v", err)
	}
	if _, err := f.engine.ApproveRollout(ctx, orgA, bobA, r.RolloutID); err != nil {
		t.Fatalf("ApproveRollout: %v", err)
	}
	return r
}

func mustEqualDefs(t *testing.T, a, b catalogtypes.Definition, msg string) {
	t.Helper()
	eq, err := catalogtypes.DefinitionsEqual(a, b)
	if err != nil {
		t.Fatalf("DefinitionsEqual: %v", err)
	}
	if !eq {
		ca, _ := a.Canonical()
		cb, _ := b.Canonical()
		t.Fatalf("%s: %s vs %s", msg, ca, cb)
	}
}

func TestForceRolloutAndRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, v1 := f.publish(t, def(t, `["title"]`, ""))
	i1 := f.clone(t, v1.VersionID, "ws-1")
	i2 := f.clone(t, v1.VersionID, "ws-2")

	// Local drift on both instances before the new version lands.
	if _, err := f.catalog.EditInstance(ctx, orgA, bobA, i1.InstanceID, def(t, `["title","owner"]`, "")); err != nil {
		t.Fatalf("EditInstance i1: %v", err)
	}
	if _, err := f.catalog.EditInstance(ctx, orgA, bobA, i2.InstanceID, def(t, `["title","status"]`, "")); err != nil {
		t.Fatalf("EditInstance i2: %v", err)
	}
	i1Before, err := f.catalog.GetInstance(ctx, orgA, i1.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	i2Before, err := f.catalog.GetInstance(ctx, orgA, i2.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}

	v2, err := f.catalog.PublishVersion(ctx, orgA, aliceA, tpl.TemplateID, def(t, `["title","due"]`, ""), "v2")
	if err != nil {
		t.Fatalf("PublishVersion v2: %v", err)
	}

	r := f.approved(t, CreateRolloutInput{
		TemplateID:  tpl.TemplateID,
		ToVersionID: v2.VersionID,
		Mode:        types.ModeForce,
		Target:      types.TargetScope{Kind: types.TargetInstances, InstanceIDs: []string{i1.InstanceID, i2.InstanceID}},
	})
	done, err := f.engine.ExecuteRollout(ctx, orgA, aliceA, r.RolloutID)
	if err != nil {
		t.Fatalf("ExecuteRollout: %v", err)
	}
	if done.Status != types.StatusCompleted {
		t.Fatalf("force rollout should auto-complete, got %s", done.Status)
	}

	receipts, err := f.engine.ListReceipts(ctx, orgA, r.RolloutID)
	if err != nil {
		t.Fatalf("ListReceipts: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(receipts))
	}
	byInstance := map[string]types.Receipt{}
	for _, rec := range receipts {
		if rec.Status != types.ReceiptApplied {
			t.Fatalf("force receipt should be applied, got %s", rec.Status)
		}
		if rec.PreviousDefinition == nil {
			t.Fatalf("applied receipt must carry the pre-rollout snapshot")
		}
		byInstance[rec.InstanceID] = rec
	}
	mustEqualDefs(t, *byInstance[i1.InstanceID].PreviousDefinition, i1Before.Definition, "i1 snapshot")
	mustEqualDefs(t, *byInstance[i2.InstanceID].PreviousDefinition, i2Before.Definition, "i2 snapshot")

	i1After, err := f.catalog.GetInstance(ctx, orgA, i1.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	mustEqualDefs(t, i1After.Definition, v2.Definition, "i1 should match v2 after force")
	if i1After.HasLocalEdits {
		t.Fatalf("force apply discards local edits")
	}
	if i1After.SourceVersionID != v2.VersionID {
		t.Fatalf("i1 should sync to v2")
	}

	// Roll back I1 only.
	if _, err := f.engine.RollbackInstance(ctx, orgA, aliceA, byInstance[i1.InstanceID].ReceiptID); err != nil {
		t.Fatalf("RollbackInstance: %v", err)
	}
	i1Restored, err := f.catalog.GetInstance(ctx, orgA, i1.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	mustEqualDefs(t, i1Restored.Definition, i1Before.Definition, "rollback should restore i1 exactly")

	i2After, err := f.catalog.GetInstance(ctx, orgA, i2.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	mustEqualDefs(t, i2After.Definition, v2.Definition, "i2 must be unaffected by i1's rollback")
}

func TestSafeRolloutNonOverlappingMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, v1 := f.publish(t, def(t, `["title"]`, `{"archived":false}`))
	inst := f.clone(t, v1.VersionID, "ws-1")

	// Local edit touches columns only.
	localDef := def(t, `["title","owner"]`, `{"archived":false}`)
	if _, err := f.catalog.EditInstance(ctx, orgA, bobA, inst.InstanceID, localDef); err != nil {
		t.Fatalf("EditInstance: %v", err)
	}

	// v2 changes filters only: non-overlapping with the local edit.
	v2, err := f.catalog.PublishVersion(ctx, orgA, aliceA, tpl.TemplateID, def(t, `["title"]`, `{"archived":true}`), "v2")
	if err != nil {
		t.Fatalf("PublishVersion v2: %v", err)
	}

	r := f.approved(t, CreateRolloutInput{
		TemplateID:  tpl.TemplateID,
		ToVersionID: v2.VersionID,
		Mode:        types.ModeSafe,
		Target:      types.TargetScope{Kind: types.TargetOrgWide},
	})
	done, err := f.engine.ExecuteRollout(ctx, orgA, aliceA, r.RolloutID)
	if err != nil {
		t.Fatalf("ExecuteRollout: %v", err)
	}
	if done.Status != types.StatusCompleted {
		t.Fatalf("clean safe rollout should complete, got %s", done.Status)
	}

	receipts, err := f.engine.ListReceipts(ctx, orgA, r.RolloutID)
	if err != nil {
		t.Fatalf("ListReceipts: %v", err)
	}
	if len(receipts) != 1 || receipts[0].Status != types.ReceiptApplied {
		t.Fatalf("expected one applied receipt, got %+v", receipts)
	}

	after, err := f.catalog.GetInstance(ctx, orgA, inst.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	mustEqualDefs(t, after.Definition, def(t, `["title","owner"]`, `{"archived":true}`),
		"merge should keep local columns and take incoming filters")
	if !after.HasLocalEdits {
		t.Fatalf("non-overlapping merge must preserve has_local_edits")
	}
	if after.SourceVersionID != v2.VersionID {
		t.Fatalf("merged instance should sync to v2")
	}
}

func TestSafeRolloutConflictRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, v1 := f.publish(t, def(t, `["title"]`, ""))
	inst := f.clone(t, v1.VersionID, "ws-1")

	localDef := def(t, `["title","owner"]`, "")
	if _, err := f.catalog.EditInstance(ctx, orgA, bobA, inst.InstanceID, localDef); err != nil {
		t.Fatalf("EditInstance: %v", err)
	}

	// v2 also changes columns: overlap.
	v2, err := f.catalog.PublishVersion(ctx, orgA, aliceA, tpl.TemplateID, def(t, `["title","due"]`, ""), "v2")
	if err != nil {
		t.Fatalf("PublishVersion v2: %v", err)
	}

	r := f.approved(t, CreateRolloutInput{
		TemplateID:  tpl.TemplateID,
		ToVersionID: v2.VersionID,
		Mode:        types.ModeSafe,
		Target:      types.TargetScope{Kind: types.TargetOrgWide},
	})
	done, err := f.engine.ExecuteRollout(ctx, orgA, aliceA, r.RolloutID)
	if err != nil {
		t.Fatalf("ExecuteRollout: %v", err)
	}
	if done.Status != types.StatusCompleted {
		t.Fatalf("conflict is terminal, rollout should complete, got %s", done.Status)
	}

	receipts, err := f.engine.ListReceipts(ctx, orgA, r.RolloutID)
	if err != nil {
		t.Fatalf("ListReceipts: %v", err)
	}
	if len(receipts) != 1 || receipts[0].Status != types.ReceiptConflict {
		t.Fatalf("expected one conflict receipt, got %+v", receipts)
	}
	rec := receipts[0]
	if len(rec.Conflicts) != 1 || rec.Conflicts[0].Field != "columns" {
		t.Fatalf("conflict should name the columns section, got %+v", rec.Conflicts)
	}

	// The instance is untouched while the conflict sits unresolved.
	frozen, err := f.catalog.GetInstance(ctx, orgA, inst.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	mustEqualDefs(t, frozen.Definition, localDef, "conflicted instance must not be mutated")

	events := f.notifier.Events()
	if len(events) != 1 || events[0].Kind != types.NotifyConflict {
		t.Fatalf("expected one conflict notification, got %+v", events)
	}

	// keep_local leaves the definition byte-identical.
	resolved, err := f.engine.ResolveConflict(ctx, orgA, bobA, rec.ReceiptID, types.ResolveKeepLocal)
	if err != nil {
		t.Fatalf("ResolveConflict keep_local: %v", err)
	}
	if resolved.Resolution != types.ResolveKeepLocal || resolved.ActedBy != bobA {
		t.Fatalf("resolution not recorded: %+v", resolved)
	}
	kept, err := f.catalog.GetInstance(ctx, orgA, inst.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	mustEqualDefs(t, kept.Definition, localDef, "keep_local must not change the instance")

	// A second resolution on the same receipt is rejected.
	if _, err := f.engine.ResolveConflict(ctx, orgA, bobA, rec.ReceiptID, types.ResolveApplyNew); err != types.ErrReceiptState {
		t.Fatalf("second resolution: got %v, want ErrReceiptState", err)
	}
}

func TestResolveConflictApplyNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, v1 := f.publish(t, def(t, `["title"]`, ""))
	inst := f.clone(t, v1.VersionID, "ws-1")
	if _, err := f.catalog.EditInstance(ctx, orgA, bobA, inst.InstanceID, def(t, `["title","owner"]`, "")); err != nil {
		t.Fatalf("EditInstance: %v", err)
	}
	v2, err := f.catalog.PublishVersion(ctx, orgA, aliceA, tpl.TemplateID, def(t, `["title","due"]`, ""), "v2")
	if err != nil {
		t.Fatalf("PublishVersion v2: %v", err)
	}
	r := f.approved(t, CreateRolloutInput{
		TemplateID:  tpl.TemplateID,
		ToVersionID: v2.VersionID,
		Mode:        types.ModeSafe,
		Target:      types.TargetScope{Kind: types.TargetOrgWide},
	})
	if _, err := f.engine.ExecuteRollout(ctx, orgA, aliceA, r.RolloutID); err != nil {
		t.Fatalf("ExecuteRollout: %v", err)
	}
	receipts, err := f.engine.ListReceipts(ctx, orgA, r.RolloutID)
	if err != nil {
		t.Fatalf("ListReceipts: %v", err)
	}

	resolved, err := f.engine.ResolveConflict(ctx, orgA, bobA, receipts[0].ReceiptID, types.ResolveApplyNew)
	if err != nil {
		t.Fatalf("ResolveConflict apply_new: %v", err)
	}
	if resolved.PreviousDefinition == nil {
		t.Fatalf("apply_new must capture the snapshot for rollback")
	}
	after, err := f.catalog.GetInstance(ctx, orgA, inst.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	mustEqualDefs(t, after.Definition, v2.Definition, "apply_new should take the incoming columns")
	if after.HasLocalEdits {
		t.Fatalf("no local-only edits remain after apply_new here")
	}
}

func TestResolveConflictFork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, v1 := f.publish(t, def(t, `["title"]`, ""))
	inst := f.clone(t, v1.VersionID, "ws-1")
	localDef := def(t, `["title","owner"]`, "")
	if _, err := f.catalog.EditInstance(ctx, orgA, bobA, inst.InstanceID, localDef); err != nil {
		t.Fatalf("EditInstance: %v", err)
	}
	v2, err := f.catalog.PublishVersion(ctx, orgA, aliceA, tpl.TemplateID, def(t, `["title","due"]`, ""), "v2")
	if err != nil {
		t.Fatalf("PublishVersion v2: %v", err)
	}
	r := f.approved(t, CreateRolloutInput{
		TemplateID:  tpl.TemplateID,
		ToVersionID: v2.VersionID,
		Mode:        types.ModeSafe,
		Target:      types.TargetScope{Kind: types.TargetOrgWide},
	})
	if _, err := f.engine.ExecuteRollout(ctx, orgA, aliceA, r.RolloutID); err != nil {
		t.Fatalf("ExecuteRollout: %v", err)
	}
	receipts, err := f.engine.ListReceipts(ctx, orgA, r.RolloutID)
	if err != nil {
		t.Fatalf("ListReceipts: %v", err)
	}

	if _, err := f.engine.ResolveConflict(ctx, orgA, bobA, receipts[0].ReceiptID, types.ResolveFork); err != nil {
		t.Fatalf("ResolveConflict fork: %v", err)
	}
	after, err := f.catalog.GetInstance(ctx, orgA, inst.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if after.Managed() || after.SourceTemplateID != "" {
		t.Fatalf("fork should flip the instance to independent: %+v", after)
	}
	mustEqualDefs(t, after.Definition, localDef, "fork keeps the local definition")

	// A later rollout of the same template no longer targets the fork.
	v3, err := f.catalog.PublishVersion(ctx, orgA, aliceA, tpl.TemplateID, def(t, `["title","x"]`, ""), "v3")
	if err != nil {
		t.Fatalf("PublishVersion v3: %v", err)
	}
	r2 := f.approved(t, CreateRolloutInput{
		TemplateID:  tpl.TemplateID,
		ToVersionID: v3.VersionID,
		Mode:        types.ModeForce,
		Target:      types.TargetScope{Kind: types.TargetOrgWide},
	})
	if _, err := f.engine.ExecuteRollout(ctx, orgA, aliceA, r2.RolloutID); err != nil {
		t.Fatalf("ExecuteRollout r2: %v", err)
	}
	laterReceipts, err := f.engine.ListReceipts(ctx, orgA, r2.RolloutID)
	if err != nil {
		t.Fatalf("ListReceipts r2: %v", err)
	}
	if len(laterReceipts) != 0 {
		t.Fatalf("forked instance must not participate in later rollouts, got %d receipts", len(laterReceipts))
	}
}

func TestExecuteRolloutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, v1 := f.publish(t, def(t, `["title"]`, ""))
	inst := f.clone(t, v1.VersionID, "ws-1")
	v2, err := f.catalog.PublishVersion(ctx, orgA, aliceA, tpl.TemplateID, def(t, `["title","due"]`, ""), "v2")
	if err != nil {
		t.Fatalf("PublishVersion v2: %v", err)
	}
	r := f.approved(t, CreateRolloutInput{
		TemplateID:  tpl.TemplateID,
		ToVersionID: v2.VersionID,
		Mode:        types.ModeForce,
		Target:      types.TargetScope{Kind: types.TargetOrgWide},
	})
	if _, err := f.engine.ExecuteRollout(ctx, orgA, aliceA, r.RolloutID); err != nil {
		t.Fatalf("ExecuteRollout: %v", err)
	}
	first, err := f.engine.ListReceipts(ctx, orgA, r.RolloutID)
	if err != nil {
		t.Fatalf("ListReceipts: %v", err)
	}

	// A completed rollout cannot be re-driven.
	if _, err := f.engine.ExecuteRollout(ctx, orgA, aliceA, r.RolloutID); err != types.ErrRolloutState {
		t.Fatalf("re-executing a completed rollout: got %v, want ErrRolloutState", err)
	}
	second, err := f.engine.ListReceipts(ctx, orgA, r.RolloutID)
	if err != nil {
		t.Fatalf("ListReceipts: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("retry must not mint extra receipts: %d then %d", len(first), len(second))
	}
	if first[0].ReceiptID != types.ReceiptID(r.RolloutID, inst.InstanceID) {
		t.Fatalf("receipt id should derive from the (rollout, instance) pair")
	}
	if !first[0].UpdatedAt.Equal(second[0].UpdatedAt) {
		t.Fatalf("terminal receipt must be untouched by retries")
	}
}

func TestOptInRolloutLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, v1 := f.publish(t, def(t, `["title"]`, ""))
	accepting := f.clone(t, v1.VersionID, "ws-1")
	rejecting := f.clone(t, v1.VersionID, "ws-2")
	ignoring := f.clone(t, v1.VersionID, "ws-3")

	v2, err := f.catalog.PublishVersion(ctx, orgA, aliceA, tpl.TemplateID, def(t, `["title","due"]`, ""), "v2")
	if err != nil {
		t.Fatalf("PublishVersion v2: %v", err)
	}
	r := f.approved(t, CreateRolloutInput{
		TemplateID:  tpl.TemplateID,
		ToVersionID: v2.VersionID,
		Mode:        types.ModeOptIn,
		Target:      types.TargetScope{Kind: types.TargetOrgWide},
	})
	executing, err := f.engine.ExecuteRollout(ctx, orgA, aliceA, r.RolloutID)
	if err != nil {
		t.Fatalf("ExecuteRollout: %v", err)
	}
	if executing.Status != types.StatusExecuting {
		t.Fatalf("opt-in rollout should stay executing, got %s", executing.Status)
	}
	if got := len(f.notifier.Events()); got != 3 {
		t.Fatalf("expected 3 opt-in offers, got %d", got)
	}

	accept := types.ReceiptID(r.RolloutID, accepting.InstanceID)
	if _, err := f.engine.RespondToOptIn(ctx, orgA, bobA, accept, true); err != nil {
		t.Fatalf("RespondToOptIn accept: %v", err)
	}
	applied, err := f.catalog.GetInstance(ctx, orgA, accepting.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	mustEqualDefs(t, applied.Definition, v2.Definition, "accept behaves like a force apply")

	reject := types.ReceiptID(r.RolloutID, rejecting.InstanceID)
	if _, err := f.engine.RespondToOptIn(ctx, orgA, bobA, reject, false); err != nil {
		t.Fatalf("RespondToOptIn reject: %v", err)
	}
	untouched, err := f.catalog.GetInstance(ctx, orgA, rejecting.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	mustEqualDefs(t, untouched.Definition, v1.Definition, "reject leaves the instance untouched")

	// Still one pending receipt: the rollout stays open until completion.
	current, err := f.engine.GetRollout(ctx, orgA, r.RolloutID)
	if err != nil {
		t.Fatalf("GetRollout: %v", err)
	}
	if current.Status != types.StatusExecuting {
		t.Fatalf("rollout with a pending receipt must stay executing, got %s", current.Status)
	}

	completed, err := f.engine.CompleteRollout(ctx, orgA, aliceA, r.RolloutID)
	if err != nil {
		t.Fatalf("CompleteRollout: %v", err)
	}
	if completed.Status != types.StatusCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}
	ignored, ok, err := f.store.GetReceipt(ctx, orgA, types.ReceiptID(r.RolloutID, ignoring.InstanceID))
	if err != nil || !ok {
		t.Fatalf("GetReceipt: ok=%v err=%v", ok, err)
	}
	if ignored.Status != types.ReceiptOptedOut {
		t.Fatalf("unanswered offer should become opted_out at completion, got %s", ignored.Status)
	}
}

func TestRolloutStateMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, v1 := f.publish(t, def(t, `["title"]`, ""))
	f.clone(t, v1.VersionID, "ws-1")

	r, err := f.engine.CreateRollout(ctx, orgA, aliceA, CreateRolloutInput{
		TemplateID:  tpl.TemplateID,
		ToVersionID: v1.VersionID,
		Mode:        types.ModeForce,
		Target:      types.TargetScope{Kind: types.TargetOrgWide},
	})
	if err != nil {
		t.Fatalf("CreateRollout: %v", err)
	}

	// Approving a draft skips the submission step: rejected.
	if _, err := f.engine.ApproveRollout(ctx, orgA, bobA, r.RolloutID); err != types.ErrRolloutState {
		t.Fatalf("approving a draft: got %v, want ErrRolloutState", err)
	}
	// Executing an unapproved rollout: rejected.
	if _, err := f.engine.ExecuteRollout(ctx, orgA, aliceA, r.RolloutID); err != types.ErrRolloutState {
		t.Fatalf("executing a draft: got %v, want ErrRolloutState", err)
	}

	// Cancel is fine anywhere before executing.
	canceled, err := f.engine.CancelRollout(ctx, orgA, aliceA, r.RolloutID, "wrong target")
	if err != nil {
		t.Fatalf("CancelRollout: %v", err)
	}
	if canceled.Status != types.StatusCanceled || canceled.CancelReason != "wrong target" {
		t.Fatalf("unexpected cancel result %+v", canceled)
	}
	// And nothing moves after cancellation.
	if _, err := f.engine.SubmitRollout(ctx, orgA, aliceA, r.RolloutID); err != types.ErrRolloutState {
		t.Fatalf("submitting a canceled rollout: got %v, want ErrRolloutState", err)
	}

	// A completed rollout cannot be canceled.
	r2 := f.approved(t, CreateRolloutInput{
		TemplateID:  tpl.TemplateID,
		ToVersionID: v1.VersionID,
		Mode:        types.ModeForce,
		Target:      types.TargetScope{Kind: types.TargetOrgWide},
	})
	if _, err := f.engine.ExecuteRollout(ctx, orgA, aliceA, r2.RolloutID); err != nil {
		t.Fatalf("ExecuteRollout: %v", err)
	}
	if _, err := f.engine.CancelRollout(ctx, orgA, aliceA, r2.RolloutID, "too late"); err != types.ErrRolloutState {
		t.Fatalf("canceling a completed rollout: got %v, want ErrRolloutState", err)
	}
}

func TestRollbackRequiresAppliedReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, v1 := f.publish(t, def(t, `["title"]`, ""))
	inst := f.clone(t, v1.VersionID, "ws-1")
	v2, err := f.catalog.PublishVersion(ctx, orgA, aliceA, tpl.TemplateID, def(t, `["title","due"]`, ""), "v2")
	if err != nil {
		t.Fatalf("PublishVersion v2: %v", err)
	}
	r := f.approved(t, CreateRolloutInput{
		TemplateID:  tpl.TemplateID,
		ToVersionID: v2.VersionID,
		Mode:        types.ModeOptIn,
		Target:      types.TargetScope{Kind: types.TargetOrgWide},
	})
	if _, err := f.engine.ExecuteRollout(ctx, orgA, aliceA, r.RolloutID); err != nil {
		t.Fatalf("ExecuteRollout: %v", err)
	}

	pending := types.ReceiptID(r.RolloutID, inst.InstanceID)
	if _, err := f.engine.RollbackInstance(ctx, orgA, aliceA, pending); err != types.ErrReceiptState {
		t.Fatalf("rolling back a pending receipt: got %v, want ErrReceiptState", err)
	}
}
