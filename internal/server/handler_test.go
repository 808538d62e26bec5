package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gridvault/gridvault/pkg/authz"
)

const (
	testTenantAcme   = "11111111-1111-4111-8111-111111111111"
	testTenantGlobex = "22222222-2222-4222-8222-222222222222"
)

type fakeUser struct {
	password string
	role     string
}

type fakeIdentityProvider struct {
	users map[string]fakeUser // keyed tenantID:email
}

func (p *fakeIdentityProvider) AuthenticatePassword(_ context.Context, tenant Tenant, email string, password string) (authenticatedIdentity, error) {
	u, ok := p.users[tenant.ID+":"+email]
	if !ok || u.password != password {
		return authenticatedIdentity{}, errInvalidCredentials
	}
	return authenticatedIdentity{
		KratosIdentityID: "33333333-3333-4333-8333-333333333333",
		Email:            email,
		RoleSlug:         u.role,
	}, nil
}

// roleTableAuthz mirrors the shipped policy without touching casbin files.
type roleTableAuthz struct{}

func (roleTableAuthz) Authorize(subject string, _ string, object string, action string) (bool, bool, error) {
	switch subject {
	case "role:" + authz.RoleOrgAdmin:
		return true, true, nil
	case "role:" + authz.RoleOrgViewer:
		return object == authz.ObjectIAMSession || action == authz.ActionRead, true, nil
	default:
		return object == authz.ObjectIAMSession, true, nil
	}
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("ALLOWLIST_PATH", filepath.Clean(filepath.Join(wd, "..", "..", "config", "routing", "allowlist.yaml")))

	h, err := NewHandlerWithOptions(HandlerOptions{
		Tenancy: newStaticTenancyResolver(map[string]Tenant{
			"acme.test":   {ID: testTenantAcme, Domain: "acme.test", Name: "Acme"},
			"globex.test": {ID: testTenantGlobex, Domain: "globex.test", Name: "Globex"},
		}),
		Identity: &fakeIdentityProvider{users: map[string]fakeUser{
			testTenantAcme + ":admin@acme.test":     {password: "correct horse", role: authz.RoleOrgAdmin},
			testTenantAcme + ":viewer@acme.test":    {password: "viewer pw", role: authz.RoleOrgViewer},
			testTenantGlobex + ":admin@globex.test": {password: "globex pw", role: authz.RoleOrgAdmin},
		}},
		Authz: roleTableAuthz{},
	})
	if err != nil {
		t.Fatalf("NewHandlerWithOptions: %v", err)
	}
	return h
}

func doJSON(t *testing.T, h http.Handler, method, url, sid string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	if sid != "" {
		req.AddCookie(&http.Cookie{Name: sidCookieName, Value: sid})
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func login(t *testing.T, h http.Handler, host, email, password string) string {
	t.Helper()

	rec := doJSON(t, h, http.MethodPost, "http://"+host+"/iam/api/sessions", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("login status=%d body=%s", rec.Code, rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == sidCookieName && c.Value != "" {
			return c.Value
		}
	}
	t.Fatal("no sid cookie in login response")
	return ""
}

func TestHealth_NoTenantRequired(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "http://nowhere.test/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestUnknownHost_NotFound(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "http://nowhere.test/sharing/api/views", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var e struct {
		Code string `json:"code"`
	}
	decodeBody(t, rec, &e)
	if e.Code != "tenant_not_found" {
		t.Fatalf("code=%q", e.Code)
	}
}

func TestLoginLogoutFlow(t *testing.T) {
	h := newTestHandler(t)

	sid := login(t, h, "acme.test", "admin@acme.test", "correct horse")

	rec := doJSON(t, h, http.MethodGet, "http://acme.test/sharing/api/views", sid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated list status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "http://acme.test/logout", sid, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status=%d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "http://acme.test/sharing/api/views", sid, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session status=%d", rec.Code)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "http://acme.test/iam/api/sessions", "", map[string]string{
		"email":    "admin@acme.test",
		"password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "http://acme.test/iam/api/sessions", "", map[string]string{
		"email": "admin@acme.test",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing password status=%d", rec.Code)
	}
}

func TestAPI_Unauthenticated(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "http://acme.test/catalog/api/templates", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content-type=%q", ct)
	}
}

func TestAuthz_ViewerCannotWrite(t *testing.T) {
	h := newTestHandler(t)
	sid := login(t, h, "acme.test", "viewer@acme.test", "viewer pw")

	rec := doJSON(t, h, http.MethodPost, "http://acme.test/catalog/api/templates", sid, map[string]any{
		"name": "Blocked",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "http://acme.test/catalog/api/templates", sid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("viewer read status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t)
	sid := login(t, h, "acme.test", "admin@acme.test", "correct horse")

	rec := doJSON(t, h, http.MethodDelete, "http://acme.test/sharing/api/views", sid, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestViewsAPI_IsolationBetweenTenants(t *testing.T) {
	h := newTestHandler(t)
	acmeSID := login(t, h, "acme.test", "admin@acme.test", "correct horse")
	globexSID := login(t, h, "globex.test", "admin@globex.test", "globex pw")

	rec := doJSON(t, h, http.MethodPost, "http://acme.test/sharing/api/views", acmeSID, map[string]any{
		"name":       "Q3 Portfolio",
		"scope":      []map[string]string{{"kind": "project", "id": "p-100"}},
		"visibility": "org",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create view status=%d body=%s", rec.Code, rec.Body.String())
	}
	var created struct {
		ViewID   string `json:"view_id"`
		TenantID string `json:"tenant_id"`
	}
	decodeBody(t, rec, &created)
	if created.ViewID == "" || created.TenantID != testTenantAcme {
		t.Fatalf("created=%+v", created)
	}

	rec = doJSON(t, h, http.MethodGet, "http://acme.test/sharing/api/views?view_id="+created.ViewID, acmeSID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get view status=%d", rec.Code)
	}

	// The same view id resolved under another tenant's host must not exist.
	rec = doJSON(t, h, http.MethodGet, "http://globex.test/sharing/api/views?view_id="+created.ViewID, globexSID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant get status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "http://globex.test/sharing/api/views", globexSID, nil)
	var list struct {
		Items []json.RawMessage `json:"items"`
	}
	decodeBody(t, rec, &list)
	if len(list.Items) != 0 {
		t.Fatalf("globex sees %d foreign views", len(list.Items))
	}
}

func TestAccessCheckAPI_GrantFlow(t *testing.T) {
	h := newTestHandler(t)
	acmeSID := login(t, h, "acme.test", "admin@acme.test", "correct horse")
	globexSID := login(t, h, "globex.test", "admin@globex.test", "globex pw")

	rec := doJSON(t, h, http.MethodPost, "http://acme.test/sharing/api/entities", acmeSID, map[string]any{
		"ref": map[string]string{"kind": "project", "id": "p-777"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("register entity status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "http://acme.test/sharing/api/views", acmeSID, map[string]any{
		"name":       "Shared Projects",
		"scope":      []map[string]string{{"kind": "project", "id": "p-777"}},
		"visibility": "org",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create view status=%d body=%s", rec.Code, rec.Body.String())
	}
	var view struct {
		ViewID string `json:"view_id"`
	}
	decodeBody(t, rec, &view)

	rec = doJSON(t, h, http.MethodPost, "http://acme.test/sharing/api/grants", acmeSID, map[string]any{
		"view_id": view.ViewID,
		"targets": []map[string]string{{"kind": "org", "id": testTenantGlobex}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("share status=%d body=%s", rec.Code, rec.Body.String())
	}
	var grant struct {
		GrantID string `json:"grant_id"`
	}
	decodeBody(t, rec, &grant)

	rec = doJSON(t, h, http.MethodPost, "http://globex.test/sharing/api/access:check", globexSID, map[string]any{
		"ref":    map[string]string{"kind": "project", "id": "p-777"},
		"action": "read",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("access check status=%d body=%s", rec.Code, rec.Body.String())
	}
	var decision struct {
		Allowed bool   `json:"allowed"`
		GrantID string `json:"grant_id"`
	}
	decodeBody(t, rec, &decision)
	if !decision.Allowed || decision.GrantID != grant.GrantID {
		t.Fatalf("decision=%+v want allowed via grant %s", decision, grant.GrantID)
	}

	// No export permission on the grant: denied, not an error.
	rec = doJSON(t, h, http.MethodPost, "http://globex.test/sharing/api/access:check", globexSID, map[string]any{
		"ref":    map[string]string{"kind": "project", "id": "p-777"},
		"action": "export",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("export check status=%d", rec.Code)
	}
	decision = struct {
		Allowed bool   `json:"allowed"`
		GrantID string `json:"grant_id"`
	}{}
	decodeBody(t, rec, &decision)
	if decision.Allowed {
		t.Fatal("export should be denied without can_export")
	}

	rec = doJSON(t, h, http.MethodPost, "http://acme.test/sharing/api/grants:revoke", acmeSID, map[string]any{
		"grant_id": grant.GrantID,
		"reason":   "audit finding",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "http://globex.test/sharing/api/access:check", globexSID, map[string]any{
		"ref":    map[string]string{"kind": "project", "id": "p-777"},
		"action": "read",
	})
	decision = struct {
		Allowed bool   `json:"allowed"`
		GrantID string `json:"grant_id"`
	}{}
	decodeBody(t, rec, &decision)
	if decision.Allowed {
		t.Fatal("read should be denied after revocation")
	}
}

func TestRolloutLifecycleOverHTTP(t *testing.T) {
	h := newTestHandler(t)
	sid := login(t, h, "acme.test", "admin@acme.test", "correct horse")

	rec := doJSON(t, h, http.MethodPost, "http://acme.test/catalog/api/templates", sid, map[string]any{
		"name":     "Sprint Board",
		"category": "delivery",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create template status=%d body=%s", rec.Code, rec.Body.String())
	}
	var tmpl struct {
		TemplateID string `json:"template_id"`
	}
	decodeBody(t, rec, &tmpl)

	publish := func(columns string) string {
		t.Helper()
		rec := doJSON(t, h, http.MethodPost, "http://acme.test/catalog/api/templates/versions", sid, map[string]any{
			"template_id": tmpl.TemplateID,
			"definition": map[string]any{
				"columns": json.RawMessage(columns),
				"filters": map[string]string{"status": "open"},
			},
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("publish status=%d body=%s", rec.Code, rec.Body.String())
		}
		var v struct {
			VersionID string `json:"version_id"`
		}
		decodeBody(t, rec, &v)
		return v.VersionID
	}

	v1 := publish(`["title","status"]`)

	rec = doJSON(t, h, http.MethodPost, "http://acme.test/catalog/api/instances", sid, map[string]any{
		"binding":         map[string]string{"context": "workspace", "id": "ws-1"},
		"from_version_id": v1,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create instance status=%d body=%s", rec.Code, rec.Body.String())
	}
	var inst struct {
		InstanceID string `json:"instance_id"`
	}
	decodeBody(t, rec, &inst)

	v2 := publish(`["title","status","assignee"]`)

	rec = doJSON(t, h, http.MethodPost, "http://acme.test/rollout/api/rollouts", sid, map[string]any{
		"template_id":   tmpl.TemplateID,
		"to_version_id": v2,
		"mode":          "force",
		"target":        map[string]string{"kind": "org"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rollout status=%d body=%s", rec.Code, rec.Body.String())
	}
	var ro struct {
		RolloutID string `json:"rollout_id"`
		Status    string `json:"status"`
	}
	decodeBody(t, rec, &ro)
	if ro.Status != "draft" {
		t.Fatalf("status=%q", ro.Status)
	}

	for _, verb := range []string{"submit", "approve", "execute"} {
		rec = doJSON(t, h, http.MethodPost, "http://acme.test/rollout/api/rollouts:"+verb, sid, map[string]string{
			"rollout_id": ro.RolloutID,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%s", verb, rec.Code, rec.Body.String())
		}
	}
	decodeBody(t, rec, &ro)
	if ro.Status != "completed" {
		t.Fatalf("after execute status=%q", ro.Status)
	}

	rec = doJSON(t, h, http.MethodGet, "http://acme.test/rollout/api/receipts?rollout_id="+ro.RolloutID, sid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receipts status=%d", rec.Code)
	}
	var receipts struct {
		Items []struct {
			InstanceID string `json:"instance_id"`
			Status     string `json:"status"`
		} `json:"items"`
	}
	decodeBody(t, rec, &receipts)
	if len(receipts.Items) != 1 || receipts.Items[0].Status != "applied" || receipts.Items[0].InstanceID != inst.InstanceID {
		t.Fatalf("receipts=%+v", receipts.Items)
	}

	rec = doJSON(t, h, http.MethodGet, "http://acme.test/catalog/api/instances?instance_id="+inst.InstanceID, sid, nil)
	var got struct {
		SourceVersionID string `json:"source_version_id"`
		Definition      struct {
			Columns json.RawMessage `json:"columns"`
		} `json:"definition"`
	}
	decodeBody(t, rec, &got)
	if got.SourceVersionID != v2 {
		t.Fatalf("source_version_id=%q want %q", got.SourceVersionID, v2)
	}
	if string(got.Definition.Columns) != `["title","status","assignee"]` {
		t.Fatalf("columns=%s", got.Definition.Columns)
	}

	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("http://acme.test/audit/api/entries?rollout_id=%s", ro.RolloutID), sid, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit status=%d body=%s", rec.Code, rec.Body.String())
	}
	var entries struct {
		Items []struct {
			Action string `json:"action"`
		} `json:"items"`
	}
	decodeBody(t, rec, &entries)
	if len(entries.Items) == 0 {
		t.Fatal("no audit entries for the rollout")
	}
}

func TestVersionsAPI_RequiresTemplateID(t *testing.T) {
	h := newTestHandler(t)
	sid := login(t, h, "acme.test", "admin@acme.test", "correct horse")

	rec := doJSON(t, h, http.MethodGet, "http://acme.test/catalog/api/templates/versions", sid, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}
