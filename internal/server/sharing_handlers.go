package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gridvault/gridvault/internal/routing"
	"github.com/gridvault/gridvault/modules/sharing/domain/types"
	sharingservices "github.com/gridvault/gridvault/modules/sharing/services"
)

type entityRegistrar interface {
	RegisterEntity(ctx context.Context, ref types.EntityRef, ownerID string, attrs map[string]string) error
}

func handleViewsAPI(w http.ResponseWriter, r *http.Request, svc *sharingservices.Service) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		if viewID := strings.TrimSpace(r.URL.Query().Get("view_id")); viewID != "" {
			v, err := svc.GetView(r.Context(), tenant.ID, viewID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, v)
			return
		}
		views, err := svc.ListViews(r.Context(), tenant.ID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": views})
	case http.MethodPost:
		var in sharingservices.CreateViewInput
		if !decodeJSONBody(w, r, &in) {
			return
		}
		v, err := svc.CreateView(r.Context(), tenant.ID, p.ID, in)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, v)
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleGrantsAPI(w http.ResponseWriter, r *http.Request, svc *sharingservices.Service) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		grants, err := svc.ListGrants(r.Context(), tenant.ID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": grants})
	case http.MethodPost:
		var in sharingservices.ShareViewInput
		if !decodeJSONBody(w, r, &in) {
			return
		}
		g, err := svc.ShareView(r.Context(), tenant.ID, p.ID, in)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, g)
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleGrantRevokeAPI(w http.ResponseWriter, r *http.Request, svc *sharingservices.Service) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	var in struct {
		GrantID string `json:"grant_id"`
		Reason  string `json:"reason"`
	}
	if !decodeJSONBody(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.GrantID) == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "grant_id required")
		return
	}
	g, err := svc.RevokeGrant(r.Context(), tenant.ID, p.ID, in.GrantID, in.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleAccessCheckAPI runs the evaluator through the isolation guard so every
// deny lands in the violation stream. Denies are 200 responses: the decision
// is the payload, not an error.
func handleAccessCheckAPI(w http.ResponseWriter, r *http.Request, guard *sharingservices.Guard) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	var in struct {
		Ref    types.EntityRef `json:"ref"`
		Action string          `json:"action"`
	}
	if !decodeJSONBody(w, r, &in) {
		return
	}

	caller := types.Caller{UserID: p.ID, OrgID: tenant.ID}
	decision, err := guard.Authorize(r.Context(), caller, in.Ref, types.Action(in.Action))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func handleEntitiesAPI(w http.ResponseWriter, r *http.Request, dir entityRegistrar) {
	tenant, _, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	var in struct {
		Ref        types.EntityRef   `json:"ref"`
		OwnerOrgID string            `json:"owner_org_id,omitempty"`
		Attributes map[string]string `json:"attributes,omitempty"`
	}
	if !decodeJSONBody(w, r, &in) {
		return
	}
	if err := in.Ref.Validate(); err != nil {
		writeServiceError(w, r, err)
		return
	}
	// Entities register under the caller's own organization.
	owner := in.OwnerOrgID
	if owner == "" {
		owner = tenant.ID
	}
	if owner != tenant.ID {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusForbidden, "forbidden", "cannot register entities for another organization")
		return
	}
	if err := dir.RegisterEntity(r.Context(), in.Ref, owner, in.Attributes); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
