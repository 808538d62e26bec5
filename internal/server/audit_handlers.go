package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gridvault/gridvault/internal/routing"
	auditports "github.com/gridvault/gridvault/modules/audit/domain/ports"
)

const auditDefaultLimit = 100

func handleAuditEntriesAPI(w http.ResponseWriter, r *http.Request, reader auditports.Reader) {
	tenant, _, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit, ok := auditLimit(w, r, q.Get("limit"))
	if !ok {
		return
	}
	filter := auditports.EntryFilter{
		EntityType: strings.TrimSpace(q.Get("entity_type")),
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
		RolloutID:  strings.TrimSpace(q.Get("rollout_id")),
		Limit:      limit,
	}
	entries, err := reader.ListEntries(r.Context(), tenant.ID, filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func handleAuditViolationsAPI(w http.ResponseWriter, r *http.Request, reader auditports.Reader) {
	tenant, _, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	limit, ok := auditLimit(w, r, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	violations, err := reader.ListViolations(r.Context(), tenant.ID, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": violations})
}

func auditLimit(w http.ResponseWriter, r *http.Request, raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return auditDefaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "limit must be between 1 and 1000")
		return 0, false
	}
	return n, true
}
