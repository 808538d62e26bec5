package services

import (
	"context"
	"slices"
	"time"

	catalogports "github.com/gridvault/gridvault/modules/catalog/domain/ports"
	catalogtypes "github.com/gridvault/gridvault/modules/catalog/domain/types"
	"github.com/gridvault/gridvault/modules/rollout/domain/ports"
	"github.com/gridvault/gridvault/modules/rollout/domain/types"
	"github.com/gridvault/gridvault/pkg/uuidv7"
)

// Engine drives template rollouts end to end: the approval state machine,
// target expansion, per-instance application, conflict resolution, opt-in
// responses and rollback.
type Engine struct {
	store    ports.Store
	catalog  catalogports.Store
	notifier ports.Notifier
	now      func() time.Time
	newID    func() (string, error)
}

func NewEngine(store ports.Store, catalog catalogports.Store, notifier ports.Notifier) *Engine {
	return &Engine{
		store:    store,
		catalog:  catalog,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuidv7.NewString,
	}
}

type CreateRolloutInput struct {
	TemplateID    string            `json:"template_id"`
	ToVersionID   string            `json:"to_version_id"`
	FromVersionID string            `json:"from_version_id,omitempty"`
	Mode          types.Mode        `json:"mode"`
	Target        types.TargetScope `json:"target"`
}

func (e *Engine) CreateRollout(ctx context.Context, tenantID string, actor string, in CreateRolloutInput) (types.Rollout, error) {
	t, ok, err := e.catalog.GetTemplate(ctx, in.TemplateID)
	if err != nil {
		return types.Rollout{}, err
	}
	if !ok || !t.ReadableBy(tenantID) {
		return types.Rollout{}, catalogtypes.ErrTemplateNotFound
	}
	to, ok, err := e.catalog.GetVersion(ctx, in.ToVersionID)
	if err != nil {
		return types.Rollout{}, err
	}
	if !ok || to.TemplateID != in.TemplateID {
		return types.Rollout{}, catalogtypes.ErrVersionNotFound
	}
	from := in.FromVersionID
	if from != "" {
		fromVersion, ok, err := e.catalog.GetVersion(ctx, from)
		if err != nil {
			return types.Rollout{}, err
		}
		if !ok || fromVersion.TemplateID != in.TemplateID {
			return types.Rollout{}, catalogtypes.ErrVersionNotFound
		}
	} else if to.VersionNo > 1 {
		// Default the baseline to the immediately preceding version.
		versions, err := e.catalog.ListVersions(ctx, in.TemplateID)
		if err != nil {
			return types.Rollout{}, err
		}
		for _, v := range versions {
			if v.VersionNo == to.VersionNo-1 {
				from = v.VersionID
				break
			}
		}
	}

	id, err := e.newID()
	if err != nil {
		return types.Rollout{}, err
	}
	r := types.Rollout{
		RolloutID:     id,
		TenantID:      tenantID,
		TemplateID:    in.TemplateID,
		FromVersionID: from,
		ToVersionID:   in.ToVersionID,
		Mode:          in.Mode,
		Target:        in.Target,
		Status:        types.StatusDraft,
		CreatedBy:     actor,
		CreatedAt:     e.now(),
	}
	if err := r.Validate(); err != nil {
		return types.Rollout{}, err
	}
	entry := types.RolloutEntry(r, actor, "rollout.created", map[string]any{
		"mode":   string(r.Mode),
		"target": string(r.Target.Kind),
	})
	if err := e.store.CreateRollout(ctx, r, entry); err != nil {
		return types.Rollout{}, err
	}
	return r, nil
}

func (e *Engine) GetRollout(ctx context.Context, tenantID string, rolloutID string) (types.Rollout, error) {
	r, ok, err := e.store.GetRollout(ctx, tenantID, rolloutID)
	if err != nil {
		return types.Rollout{}, err
	}
	if !ok {
		return types.Rollout{}, types.ErrRolloutNotFound
	}
	return r, nil
}

func (e *Engine) ListRollouts(ctx context.Context, tenantID string) ([]types.Rollout, error) {
	return e.store.ListRollouts(ctx, tenantID)
}

func (e *Engine) ListReceipts(ctx context.Context, tenantID string, rolloutID string) ([]types.Receipt, error) {
	return e.store.ListReceipts(ctx, tenantID, rolloutID)
}

func (e *Engine) SubmitRollout(ctx context.Context, tenantID string, actor string, rolloutID string) (types.Rollout, error) {
	return e.transition(ctx, tenantID, actor, rolloutID, types.StatusDraft, types.StatusPendingApproval, "rollout.submitted", "")
}

func (e *Engine) ApproveRollout(ctx context.Context, tenantID string, actor string, rolloutID string) (types.Rollout, error) {
	return e.transition(ctx, tenantID, actor, rolloutID, types.StatusPendingApproval, types.StatusApproved, "rollout.approved", "")
}

// CancelRollout aborts before any instance is touched. Once executing, a
// rollout runs to completion; the remaining lever is declining to act on
// pending receipts.
func (e *Engine) CancelRollout(ctx context.Context, tenantID string, actor string, rolloutID string, reason string) (types.Rollout, error) {
	r, err := e.GetRollout(ctx, tenantID, rolloutID)
	if err != nil {
		return types.Rollout{}, err
	}
	if !types.CanTransition(r.Status, types.StatusCanceled) {
		return types.Rollout{}, types.ErrRolloutState
	}
	return e.transition(ctx, tenantID, actor, rolloutID, r.Status, types.StatusCanceled, "rollout.canceled", reason)
}

func (e *Engine) transition(ctx context.Context, tenantID, actor, rolloutID string, from, to types.Status, action string, reason string) (types.Rollout, error) {
	r, err := e.GetRollout(ctx, tenantID, rolloutID)
	if err != nil {
		return types.Rollout{}, err
	}
	detail := map[string]any{"from": string(from), "to": string(to)}
	if reason != "" {
		detail["reason"] = reason
	}
	entry := types.RolloutEntry(r, actor, action, detail)
	meta := ports.TransitionMeta{Actor: actor, Reason: reason, At: e.now()}
	return e.store.TransitionRollout(ctx, tenantID, rolloutID, from, to, meta, entry)
}

// ExecuteRollout expands the target scope into concrete instances and applies
// the rollout mode to each. Re-executing is safe: instances holding a
// terminal receipt are untouched, pending non-opt-in receipts from an
// interrupted run are finished.
func (e *Engine) ExecuteRollout(ctx context.Context, tenantID string, actor string, rolloutID string) (types.Rollout, error) {
	r, err := e.transition(ctx, tenantID, actor, rolloutID, types.StatusApproved, types.StatusExecuting, "rollout.executing", "")
	if err == types.ErrRolloutState {
		// Allow re-driving an already-executing rollout.
		r, err = e.GetRollout(ctx, tenantID, rolloutID)
		if err != nil {
			return types.Rollout{}, err
		}
		if r.Status != types.StatusExecuting {
			return types.Rollout{}, types.ErrRolloutState
		}
	} else if err != nil {
		return types.Rollout{}, err
	}

	version, ok, err := e.catalog.GetVersion(ctx, r.ToVersionID)
	if err != nil {
		return types.Rollout{}, err
	}
	if !ok {
		return types.Rollout{}, catalogtypes.ErrVersionNotFound
	}

	targets, err := e.resolveTargets(ctx, r)
	if err != nil {
		return types.Rollout{}, err
	}
	for _, inst := range targets {
		if err := e.applyToInstance(ctx, r, version, inst, actor); err != nil {
			return types.Rollout{}, err
		}
	}
	return e.completeIfDone(ctx, tenantID, actor, rolloutID)
}

// resolveTargets expands the scope at execution time. Explicitly listed
// instance ids are looked up individually so unknown or unmanaged entries
// still get a skipped receipt rather than vanishing silently.
func (e *Engine) resolveTargets(ctx context.Context, r types.Rollout) ([]catalogtypes.ViewInstance, error) {
	switch r.Target.Kind {
	case types.TargetInstances:
		out := make([]catalogtypes.ViewInstance, 0, len(r.Target.InstanceIDs))
		for _, id := range r.Target.InstanceIDs {
			inst, ok, err := e.catalog.GetInstance(ctx, r.TenantID, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			out = append(out, inst)
		}
		return out, nil
	case types.TargetWorkspaces:
		out := make([]catalogtypes.ViewInstance, 0)
		for _, wsID := range r.Target.WorkspaceIDs {
			batch, err := e.catalog.ListInstances(ctx, r.TenantID, catalogports.InstanceFilter{
				BindingContext: catalogtypes.BindingWorkspace,
				BindingID:      wsID,
				TemplateID:     r.TemplateID,
				ManagedOnly:    true,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, batch...)
		}
		return out, nil
	default:
		return e.catalog.ListInstances(ctx, r.TenantID, catalogports.InstanceFilter{
			TemplateID:  r.TemplateID,
			ManagedOnly: true,
		})
	}
}

func (e *Engine) applyToInstance(ctx context.Context, r types.Rollout, version catalogtypes.TemplateVersion, inst catalogtypes.ViewInstance, actor string) error {
	now := e.now()
	rec := types.Receipt{
		ReceiptID:  types.ReceiptID(r.RolloutID, inst.InstanceID),
		RolloutID:  r.RolloutID,
		InstanceID: inst.InstanceID,
		TenantID:   r.TenantID,
		Status:     types.ReceiptPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	entry := types.ReceiptEntry(rec, actor, "receipt.created", map[string]any{"mode": string(r.Mode)})
	inserted, err := e.store.InsertReceipt(ctx, rec, entry)
	if err != nil {
		return err
	}
	if !inserted {
		existing, ok, err := e.store.GetReceipt(ctx, r.TenantID, rec.ReceiptID)
		if err != nil {
			return err
		}
		if !ok || existing.Status.Terminal() {
			// Already decided on a previous run; re-execution is a no-op.
			return nil
		}
		if r.Mode == types.ModeOptIn {
			// Pending opt-in offers wait for the owner, not for retries.
			return nil
		}
		rec = existing
	}

	if !inst.Managed() || inst.SourceTemplateID != r.TemplateID {
		rec.Status = types.ReceiptSkipped
		rec.UpdatedAt = e.now()
		_, err := e.store.FinalizeReceipt(ctx, r.TenantID, rec, nil,
			types.ReceiptEntry(rec, actor, "receipt.skipped", map[string]any{"reason": "instance not managed by template"}))
		return err
	}

	switch r.Mode {
	case types.ModeForce:
		return e.applyVersion(ctx, r, rec, version, inst, actor)
	case types.ModeSafe:
		return e.applySafe(ctx, r, rec, version, inst, actor)
	default:
		return e.notifier.Notify(ctx, types.Notification{
			Kind:       types.NotifyOptInOffer,
			TenantID:   r.TenantID,
			RolloutID:  r.RolloutID,
			ReceiptID:  rec.ReceiptID,
			InstanceID: inst.InstanceID,
			OwnerID:    inst.OwnerUserID,
		})
	}
}

// applyVersion is the force path: snapshot, overwrite, receipt applied. Local
// edits are deliberately discarded; the snapshot is the undo.
func (e *Engine) applyVersion(ctx context.Context, r types.Rollout, rec types.Receipt, version catalogtypes.TemplateVersion, inst catalogtypes.ViewInstance, actor string) error {
	prev := inst.Definition
	rec.Status = types.ReceiptApplied
	rec.PreviousDefinition = &prev
	rec.UpdatedAt = e.now()

	noEdits := false
	summary := ""
	def := version.Definition
	write := &catalogports.RolloutWrite{
		InstanceID:      inst.InstanceID,
		Definition:      &def,
		SourceVersionID: version.VersionID,
		HasLocalEdits:   &noEdits,
		EditSummary:     &summary,
	}
	_, err := e.store.FinalizeReceipt(ctx, r.TenantID, rec, write,
		types.ReceiptEntry(rec, actor, "receipt.applied", map[string]any{"version_no": version.VersionNo}))
	return err
}

func (e *Engine) applySafe(ctx context.Context, r types.Rollout, rec types.Receipt, version catalogtypes.TemplateVersion, inst catalogtypes.ViewInstance, actor string) error {
	if !inst.HasLocalEdits {
		return e.applyVersion(ctx, r, rec, version, inst, actor)
	}

	base, err := e.baseDefinition(ctx, inst)
	if err != nil {
		return err
	}
	diff, err := diffThreeWay(base, inst.Definition, version.Definition)
	if err != nil {
		return err
	}

	if len(diff.overlap) > 0 {
		rec.Status = types.ReceiptConflict
		rec.Conflicts = diff.conflicts(inst.Definition, version.Definition)
		rec.UpdatedAt = e.now()
		fields := make([]any, 0, len(diff.overlap))
		for _, f := range diff.overlap {
			fields = append(fields, f)
		}
		if _, err := e.store.FinalizeReceipt(ctx, r.TenantID, rec, nil,
			types.ReceiptEntry(rec, actor, "receipt.conflict", map[string]any{"fields": fields})); err != nil {
			return err
		}
		return e.notifier.Notify(ctx, types.Notification{
			Kind:       types.NotifyConflict,
			TenantID:   r.TenantID,
			RolloutID:  r.RolloutID,
			ReceiptID:  rec.ReceiptID,
			InstanceID: inst.InstanceID,
			OwnerID:    inst.OwnerUserID,
		})
	}

	// Non-overlapping: merge the incoming sections, keep the local ones.
	prev := inst.Definition
	merged := diff.merge(inst.Definition, version.Definition)
	rec.Status = types.ReceiptApplied
	rec.PreviousDefinition = &prev
	rec.UpdatedAt = e.now()
	write := &catalogports.RolloutWrite{
		InstanceID:      inst.InstanceID,
		Definition:      &merged,
		SourceVersionID: version.VersionID,
	}
	_, err = e.store.FinalizeReceipt(ctx, r.TenantID, rec, write,
		types.ReceiptEntry(rec, actor, "receipt.applied", map[string]any{"version_no": version.VersionNo, "merged": true}))
	return err
}

// baseDefinition is the version the instance last synced from; an instance
// with an unknown base diffs against the empty definition.
func (e *Engine) baseDefinition(ctx context.Context, inst catalogtypes.ViewInstance) (catalogtypes.Definition, error) {
	if inst.SourceVersionID == "" {
		return catalogtypes.Definition{}, nil
	}
	v, ok, err := e.catalog.GetVersion(ctx, inst.SourceVersionID)
	if err != nil {
		return catalogtypes.Definition{}, err
	}
	if !ok {
		return catalogtypes.Definition{}, nil
	}
	return v.Definition, nil
}

// ResolveConflict records a human's choice on a conflict receipt. keep_local
// leaves the instance untouched, apply_new takes every incoming change,
// fork flips the instance to independent and out of future rollouts.
func (e *Engine) ResolveConflict(ctx context.Context, tenantID string, actor string, receiptID string, resolution types.Resolution) (types.Receipt, error) {
	if !resolution.Valid() {
		return types.Receipt{}, types.ErrReceiptState
	}
	rec, ok, err := e.store.GetReceipt(ctx, tenantID, receiptID)
	if err != nil {
		return types.Receipt{}, err
	}
	if !ok {
		return types.Receipt{}, types.ErrReceiptNotFound
	}
	if rec.Status != types.ReceiptConflict || rec.Resolution != "" {
		return types.Receipt{}, types.ErrReceiptState
	}

	now := e.now()
	rec.Resolution = resolution
	rec.ActedBy = actor
	rec.ActedAt = &now
	rec.UpdatedAt = now
	entryDetail := map[string]any{"resolution": string(resolution)}

	switch resolution {
	case types.ResolveKeepLocal:
		return e.store.FinalizeReceipt(ctx, tenantID, rec, nil,
			types.ReceiptEntry(rec, actor, "receipt.resolved", entryDetail))

	case types.ResolveFork:
		write := &catalogports.RolloutWrite{InstanceID: rec.InstanceID, MakeIndependent: true}
		return e.store.FinalizeReceipt(ctx, tenantID, rec, write,
			types.ReceiptEntry(rec, actor, "receipt.resolved", entryDetail))

	default: // apply_new
		r, err := e.GetRollout(ctx, tenantID, rec.RolloutID)
		if err != nil {
			return types.Receipt{}, err
		}
		version, ok, err := e.catalog.GetVersion(ctx, r.ToVersionID)
		if err != nil {
			return types.Receipt{}, err
		}
		if !ok {
			return types.Receipt{}, catalogtypes.ErrVersionNotFound
		}
		inst, ok, err := e.catalog.GetInstance(ctx, tenantID, rec.InstanceID)
		if err != nil {
			return types.Receipt{}, err
		}
		if !ok {
			return types.Receipt{}, catalogtypes.ErrInstanceNotFound
		}
		base, err := e.baseDefinition(ctx, inst)
		if err != nil {
			return types.Receipt{}, err
		}
		diff, err := diffThreeWay(base, inst.Definition, version.Definition)
		if err != nil {
			return types.Receipt{}, err
		}
		prev := inst.Definition
		merged := diff.merge(inst.Definition, version.Definition)
		rec.PreviousDefinition = &prev
		hasLocal := len(diff.localOnly()) > 0
		write := &catalogports.RolloutWrite{
			InstanceID:      rec.InstanceID,
			Definition:      &merged,
			SourceVersionID: version.VersionID,
			HasLocalEdits:   &hasLocal,
		}
		return e.store.FinalizeReceipt(ctx, tenantID, rec, write,
			types.ReceiptEntry(rec, actor, "receipt.resolved", entryDetail))
	}
}

// RespondToOptIn records the owner's accept or reject on a pending opt-in
// offer. Accept is a force-apply for that one instance.
func (e *Engine) RespondToOptIn(ctx context.Context, tenantID string, actor string, receiptID string, accept bool) (types.Receipt, error) {
	rec, ok, err := e.store.GetReceipt(ctx, tenantID, receiptID)
	if err != nil {
		return types.Receipt{}, err
	}
	if !ok {
		return types.Receipt{}, types.ErrReceiptNotFound
	}
	if rec.Status != types.ReceiptPending {
		return types.Receipt{}, types.ErrReceiptState
	}
	r, err := e.GetRollout(ctx, tenantID, rec.RolloutID)
	if err != nil {
		return types.Receipt{}, err
	}
	if r.Mode != types.ModeOptIn {
		return types.Receipt{}, types.ErrReceiptState
	}

	now := e.now()
	rec.ActedBy = actor
	rec.ActedAt = &now
	rec.UpdatedAt = now

	if !accept {
		rec.Status = types.ReceiptRejected
		rec, err = e.store.FinalizeReceipt(ctx, tenantID, rec, nil,
			types.ReceiptEntry(rec, actor, "receipt.rejected", nil))
		if err != nil {
			return types.Receipt{}, err
		}
		if _, err := e.completeIfDone(ctx, tenantID, actor, r.RolloutID); err != nil {
			return types.Receipt{}, err
		}
		return rec, nil
	}

	version, ok, err := e.catalog.GetVersion(ctx, r.ToVersionID)
	if err != nil {
		return types.Receipt{}, err
	}
	if !ok {
		return types.Receipt{}, catalogtypes.ErrVersionNotFound
	}
	inst, ok, err := e.catalog.GetInstance(ctx, tenantID, rec.InstanceID)
	if err != nil {
		return types.Receipt{}, err
	}
	if !ok {
		return types.Receipt{}, catalogtypes.ErrInstanceNotFound
	}

	prev := inst.Definition
	rec.Status = types.ReceiptApplied
	rec.PreviousDefinition = &prev
	noEdits := false
	summary := ""
	def := version.Definition
	write := &catalogports.RolloutWrite{
		InstanceID:      rec.InstanceID,
		Definition:      &def,
		SourceVersionID: version.VersionID,
		HasLocalEdits:   &noEdits,
		EditSummary:     &summary,
	}
	rec, err = e.store.FinalizeReceipt(ctx, tenantID, rec, write,
		types.ReceiptEntry(rec, actor, "receipt.applied", map[string]any{"accepted": true}))
	if err != nil {
		return types.Receipt{}, err
	}
	if _, err := e.completeIfDone(ctx, tenantID, actor, r.RolloutID); err != nil {
		return types.Receipt{}, err
	}
	return rec, nil
}

// CompleteRollout closes an executing rollout. Receipts still pending at this
// point become opted_out: absence of action is interpreted now, not by any
// timeout clock.
func (e *Engine) CompleteRollout(ctx context.Context, tenantID string, actor string, rolloutID string) (types.Rollout, error) {
	r, err := e.GetRollout(ctx, tenantID, rolloutID)
	if err != nil {
		return types.Rollout{}, err
	}
	if r.Status != types.StatusExecuting {
		return types.Rollout{}, types.ErrRolloutState
	}
	receipts, err := e.store.ListReceipts(ctx, tenantID, rolloutID)
	if err != nil {
		return types.Rollout{}, err
	}
	for _, rec := range receipts {
		if rec.Status != types.ReceiptPending {
			continue
		}
		rec.Status = types.ReceiptOptedOut
		rec.UpdatedAt = e.now()
		if _, err := e.store.FinalizeReceipt(ctx, tenantID, rec, nil,
			types.ReceiptEntry(rec, actor, "receipt.opted_out", nil)); err != nil {
			return types.Rollout{}, err
		}
	}
	return e.transition(ctx, tenantID, actor, rolloutID, types.StatusExecuting, types.StatusCompleted, "rollout.completed", "")
}

// completeIfDone closes the rollout when every receipt is terminal; with any
// receipt still pending the rollout stays executing.
func (e *Engine) completeIfDone(ctx context.Context, tenantID string, actor string, rolloutID string) (types.Rollout, error) {
	r, err := e.GetRollout(ctx, tenantID, rolloutID)
	if err != nil {
		return types.Rollout{}, err
	}
	if r.Status != types.StatusExecuting {
		return r, nil
	}
	receipts, err := e.store.ListReceipts(ctx, tenantID, rolloutID)
	if err != nil {
		return types.Rollout{}, err
	}
	done := !slices.ContainsFunc(receipts, func(rec types.Receipt) bool {
		return !rec.Status.Terminal()
	})
	if !done {
		return r, nil
	}
	completed, err := e.transition(ctx, tenantID, actor, rolloutID, types.StatusExecuting, types.StatusCompleted, "rollout.completed", "")
	if err == types.ErrRolloutState {
		// Raced with another completer; the rollout is already closed.
		return e.GetRollout(ctx, tenantID, rolloutID)
	}
	return completed, err
}

// RollbackInstance restores the pre-rollout snapshot held by an applied
// receipt. Each instance rolls back independently; there is no whole-rollout
// undo.
func (e *Engine) RollbackInstance(ctx context.Context, tenantID string, actor string, receiptID string) (types.Receipt, error) {
	rec, ok, err := e.store.GetReceipt(ctx, tenantID, receiptID)
	if err != nil {
		return types.Receipt{}, err
	}
	if !ok {
		return types.Receipt{}, types.ErrReceiptNotFound
	}
	if rec.Status != types.ReceiptApplied {
		return types.Receipt{}, types.ErrReceiptState
	}
	if rec.PreviousDefinition == nil {
		return types.Receipt{}, types.ErrReceiptNoSnapshot
	}

	prev := *rec.PreviousDefinition
	rec.UpdatedAt = e.now()
	write := &catalogports.RolloutWrite{
		InstanceID: rec.InstanceID,
		Definition: &prev,
	}
	return e.store.FinalizeReceipt(ctx, tenantID, rec, write,
		types.ReceiptEntry(rec, actor, "instance.rolled_back", nil))
}
