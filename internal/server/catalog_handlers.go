package server

import (
	"net/http"
	"strings"

	"github.com/gridvault/gridvault/internal/routing"
	catalogports "github.com/gridvault/gridvault/modules/catalog/domain/ports"
	"github.com/gridvault/gridvault/modules/catalog/domain/types"
	catalogservices "github.com/gridvault/gridvault/modules/catalog/services"
)

func handleTemplatesAPI(w http.ResponseWriter, r *http.Request, facade *catalogservices.Facade) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		if templateID := strings.TrimSpace(r.URL.Query().Get("template_id")); templateID != "" {
			t, err := facade.GetTemplate(r.Context(), tenant.ID, templateID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, t)
			return
		}
		templates, err := facade.ListTemplates(r.Context(), tenant.ID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": templates})
	case http.MethodPost:
		var in catalogservices.CreateTemplateInput
		if !decodeJSONBody(w, r, &in) {
			return
		}
		t, err := facade.CreateTemplate(r.Context(), tenant.ID, p.ID, in)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleTemplatesArchiveAPI(w http.ResponseWriter, r *http.Request, facade *catalogservices.Facade) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	var in struct {
		TemplateID string `json:"template_id"`
	}
	if !decodeJSONBody(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.TemplateID) == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "template_id required")
		return
	}
	t, err := facade.ArchiveTemplate(r.Context(), tenant.ID, p.ID, in.TemplateID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func handleTemplateVersionsAPI(w http.ResponseWriter, r *http.Request, facade *catalogservices.Facade) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		if versionID := strings.TrimSpace(r.URL.Query().Get("version_id")); versionID != "" {
			v, err := facade.GetVersion(r.Context(), tenant.ID, versionID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, v)
			return
		}
		templateID := strings.TrimSpace(r.URL.Query().Get("template_id"))
		if templateID == "" {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "template_id required")
			return
		}
		versions, err := facade.ListVersions(r.Context(), tenant.ID, templateID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": versions})
	case http.MethodPost:
		var in struct {
			TemplateID string           `json:"template_id"`
			Definition types.Definition `json:"definition"`
			Changelog  string           `json:"changelog,omitempty"`
		}
		if !decodeJSONBody(w, r, &in) {
			return
		}
		if strings.TrimSpace(in.TemplateID) == "" {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "template_id required")
			return
		}
		v, err := facade.PublishVersion(r.Context(), tenant.ID, p.ID, in.TemplateID, in.Definition, in.Changelog)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, v)
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleInstancesAPI(w http.ResponseWriter, r *http.Request, facade *catalogservices.Facade) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if instanceID := strings.TrimSpace(q.Get("instance_id")); instanceID != "" {
			inst, err := facade.GetInstance(r.Context(), tenant.ID, instanceID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, inst)
			return
		}
		filter := catalogports.InstanceFilter{
			BindingContext: types.BindingContext(strings.TrimSpace(q.Get("binding_context"))),
			BindingID:      strings.TrimSpace(q.Get("binding_id")),
			TemplateID:     strings.TrimSpace(q.Get("template_id")),
			ManagedOnly:    q.Get("managed_only") == "true",
		}
		instances, err := facade.ListInstances(r.Context(), tenant.ID, filter)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": instances})
	case http.MethodPost:
		var in catalogservices.CreateInstanceInput
		if !decodeJSONBody(w, r, &in) {
			return
		}
		inst, err := facade.CreateInstance(r.Context(), tenant.ID, p.ID, in)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, inst)
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleInstancesEditAPI(w http.ResponseWriter, r *http.Request, facade *catalogservices.Facade) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	var in struct {
		InstanceID string           `json:"instance_id"`
		Definition types.Definition `json:"definition"`
	}
	if !decodeJSONBody(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.InstanceID) == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "instance_id required")
		return
	}
	inst, err := facade.EditInstance(r.Context(), tenant.ID, p.ID, in.InstanceID, in.Definition)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func handleInstancesForkAPI(w http.ResponseWriter, r *http.Request, facade *catalogservices.Facade) {
	tenant, p, ok := requestIdentity(w, r)
	if !ok {
		return
	}

	var in struct {
		InstanceID string `json:"instance_id"`
	}
	if !decodeJSONBody(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.InstanceID) == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "instance_id required")
		return
	}
	inst, err := facade.ForkInstance(r.Context(), tenant.ID, p.ID, in.InstanceID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}
