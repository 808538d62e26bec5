package server

import (
	"net/http"
	"strings"

	"github.com/gridvault/gridvault/internal/routing"
	"github.com/gridvault/gridvault/modules/rollout/domain/types"
	rolloutservices "github.com/gridvault/gridvault/modules/rollout/services"
)

func handleRolloutsAPI(w http.ResponseWriter, r *http.Request, engine *rolloutservices.Engine) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		if rolloutID := strings.TrimSpace(r.URL.Query().Get("rollout_id")); rolloutID != "" {
			ro, err := engine.GetRollout(r.Context(), tenant.ID, rolloutID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, ro)
			return
		}
		rollouts, err := engine.ListRollouts(r.Context(), tenant.ID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": rollouts})
	case http.MethodPost:
		var in rolloutservices.CreateRolloutInput
		if !decodeJSONBody(w, r, &in) {
			return
		}
		ro, err := engine.CreateRollout(r.Context(), tenant.ID, p.ID, in)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, ro)
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleRolloutTransitionAPI serves the submit/approve/execute/cancel/complete
// action routes; the verb is the path suffix after the colon.
func handleRolloutTransitionAPI(w http.ResponseWriter, r *http.Request, engine *rolloutservices.Engine, verb string) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	var in struct {
		RolloutID string `json:"rollout_id"`
		Reason    string `json:"reason,omitempty"`
	}
	if !decodeJSONBody(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.RolloutID) == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "rollout_id required")
		return
	}

	var (
		ro  types.Rollout
		err error
	)
	switch verb {
	case "submit":
		ro, err = engine.SubmitRollout(r.Context(), tenant.ID, p.ID, in.RolloutID)
	case "approve":
		ro, err = engine.ApproveRollout(r.Context(), tenant.ID, p.ID, in.RolloutID)
	case "execute":
		ro, err = engine.ExecuteRollout(r.Context(), tenant.ID, p.ID, in.RolloutID)
	case "cancel":
		ro, err = engine.CancelRollout(r.Context(), tenant.ID, p.ID, in.RolloutID, in.Reason)
	case "complete":
		ro, err = engine.CompleteRollout(r.Context(), tenant.ID, p.ID, in.RolloutID)
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "not_found", "unknown action")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

func handleReceiptsAPI(w http.ResponseWriter, r *http.Request, engine *rolloutservices.Engine) {
	tenant, _, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	rolloutID := strings.TrimSpace(r.URL.Query().Get("rollout_id"))
	if rolloutID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "rollout_id required")
		return
	}
	receipts, err := engine.ListReceipts(r.Context(), tenant.ID, rolloutID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": receipts})
}

func handleReceiptsResolveConflictAPI(w http.ResponseWriter, r *http.Request, engine *rolloutservices.Engine) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	var in struct {
		ReceiptID  string           `json:"receipt_id"`
		Resolution types.Resolution `json:"resolution"`
	}
	if !decodeJSONBody(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.ReceiptID) == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "receipt_id required")
		return
	}
	if !in.Resolution.Valid() {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "resolution must be keep_local, apply_new or fork")
		return
	}
	rec, err := engine.ResolveConflict(r.Context(), tenant.ID, p.ID, in.ReceiptID, in.Resolution)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func handleReceiptsRespondAPI(w http.ResponseWriter, r *http.Request, engine *rolloutservices.Engine) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	var in struct {
		ReceiptID string `json:"receipt_id"`
		Accept    bool   `json:"accept"`
	}
	if !decodeJSONBody(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.ReceiptID) == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "receipt_id required")
		return
	}
	rec, err := engine.RespondToOptIn(r.Context(), tenant.ID, p.ID, in.ReceiptID, in.Accept)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func handleInstancesRollbackAPI(w http.ResponseWriter, r *http.Request, engine *rolloutservices.Engine) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	var in struct {
		ReceiptID string `json:"receipt_id"`
	}
	if !decodeJSONBody(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.ReceiptID) == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "receipt_id required")
		return
	}
	rec, err := engine.RollbackInstance(r.Context(), tenant.ID, p.ID, in.ReceiptID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
