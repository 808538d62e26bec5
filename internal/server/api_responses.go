package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gridvault/gridvault/internal/routing"
	catalogtypes "github.com/gridvault/gridvault/modules/catalog/domain/types"
	rollouttypes "github.com/gridvault/gridvault/modules/rollout/domain/types"
	sharingtypes "github.com/gridvault/gridvault/modules/sharing/domain/types"
	"github.com/gridvault/gridvault/pkg/httperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError translates module errors to HTTP. Sentinel errors carry
// stable UPPER_SNAKE codes; anything else falls back to the database mapping.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if isBadRequestError(err) {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", httperr.Message(err))
		return
	}

	switch {
	case errors.Is(err, sharingtypes.ErrViewNotFound),
		errors.Is(err, sharingtypes.ErrGrantNotFound),
		errors.Is(err, catalogtypes.ErrTemplateNotFound),
		errors.Is(err, catalogtypes.ErrVersionNotFound),
		errors.Is(err, catalogtypes.ErrInstanceNotFound),
		errors.Is(err, rollouttypes.ErrRolloutNotFound),
		errors.Is(err, rollouttypes.ErrReceiptNotFound):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, err.Error(), "not found")
		return
	case errors.Is(err, sharingtypes.ErrGrantRevoked),
		errors.Is(err, catalogtypes.ErrTemplateArchived),
		errors.Is(err, catalogtypes.ErrVersionConflict),
		errors.Is(err, catalogtypes.ErrGlobalTemplateReadOnly),
		errors.Is(err, catalogtypes.ErrInstanceIndependent),
		errors.Is(err, rollouttypes.ErrRolloutState),
		errors.Is(err, rollouttypes.ErrReceiptState),
		errors.Is(err, rollouttypes.ErrReceiptNoSnapshot):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, err.Error(), "conflict")
		return
	}

	if isPgInvalidInput(err) {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_input", "invalid input")
		return
	}

	code := stablePgMessage(err)
	status := http.StatusInternalServerError
	if isStableDBCode(code) {
		status = http.StatusUnprocessableEntity
	}
	routing.WriteError(w, r, routing.RouteClassInternalAPI, status, code, "request failed")
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
		return false
	}
	return true
}

// requestIdentity resolves the tenant and acting principal placed in the
// context by the middleware chain.
func requestIdentity(w http.ResponseWriter, r *http.Request) (Tenant, Principal, bool) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return Tenant{}, Principal{}, false
	}
	p, ok := currentPrincipal(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return Tenant{}, Principal{}, false
	}
	return tenant, p, true
}
