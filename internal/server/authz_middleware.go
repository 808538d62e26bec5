package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gridvault/gridvault/internal/routing"
	"github.com/gridvault/gridvault/pkg/authz"
)

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := defaultAuthzModelPath()
		if err != nil {
			return nil, err
		}
		modelPath = p
	}

	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := defaultAuthzPolicyPath()
		if err != nil {
			return nil, err
		}
		policyPath = p
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}

	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func defaultAuthzModelPath() (string, error) {
	path := "config/access/model.conf"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz model not found")
}

func defaultAuthzPolicyPath() (string, error) {
	path := "config/access/policy.csv"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz policy not found")
}

type authorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

// withAuthz gates each route on (role, org, object, action). It only decides
// whether the caller may reach the operation at all; cross-organization
// visibility stays with the access evaluator.
func withAuthz(classifier *routing.Classifier, a authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		if path == "/health" || path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		tenant, ok := currentTenant(r.Context())
		if !ok {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_missing", "tenant missing")
			return
		}

		roleSlug := authz.RoleAnonymous
		if p, ok := currentPrincipal(r.Context()); ok {
			roleSlug = p.RoleSlug
		}

		subject := authz.SubjectFromRoleSlug(roleSlug)
		domain := authz.DomainFromOrgID(tenant.ID)

		object, action, shouldCheck := authzRequirementForRoute(r.Method, path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		allowed, enforced, err := a.Authorize(subject, domain, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if enforced && !allowed {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authzRequirementForRoute is the route table: every internal API route maps
// to a registry object and the action its method implies.
func authzRequirementForRoute(method string, path string) (object string, action string, ok bool) {
	switch path {
	case "/iam/api/sessions", "/logout":
		if method == http.MethodPost {
			return authz.ObjectIAMSession, authz.ActionAdmin, true
		}
		return "", "", false
	case "/sharing/api/views":
		if method == http.MethodGet {
			return authz.ObjectSharingViews, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectSharingViews, authz.ActionAdmin, true
		}
		return "", "", false
	case "/sharing/api/grants":
		if method == http.MethodGet {
			return authz.ObjectSharingGrants, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectSharingGrants, authz.ActionAdmin, true
		}
		return "", "", false
	case "/sharing/api/grants:revoke":
		if method == http.MethodPost {
			return authz.ObjectSharingGrants, authz.ActionAdmin, true
		}
		return "", "", false
	case "/sharing/api/access:check":
		if method == http.MethodPost {
			return authz.ObjectSharingAccess, authz.ActionRead, true
		}
		return "", "", false
	case "/sharing/api/entities":
		if method == http.MethodPost {
			return authz.ObjectSharingEntities, authz.ActionAdmin, true
		}
		return "", "", false
	case "/catalog/api/templates":
		if method == http.MethodGet {
			return authz.ObjectCatalogTemplates, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectCatalogTemplates, authz.ActionAdmin, true
		}
		return "", "", false
	case "/catalog/api/templates:archive":
		if method == http.MethodPost {
			return authz.ObjectCatalogTemplates, authz.ActionAdmin, true
		}
		return "", "", false
	case "/catalog/api/templates/versions":
		if method == http.MethodGet {
			return authz.ObjectCatalogTemplates, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectCatalogTemplates, authz.ActionAdmin, true
		}
		return "", "", false
	case "/catalog/api/instances":
		if method == http.MethodGet {
			return authz.ObjectCatalogInstances, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectCatalogInstances, authz.ActionAdmin, true
		}
		return "", "", false
	case "/catalog/api/instances:edit", "/catalog/api/instances:fork":
		if method == http.MethodPost {
			return authz.ObjectCatalogInstances, authz.ActionAdmin, true
		}
		return "", "", false
	case "/rollout/api/rollouts":
		if method == http.MethodGet {
			return authz.ObjectRolloutRollouts, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectRolloutRollouts, authz.ActionAdmin, true
		}
		return "", "", false
	case "/rollout/api/rollouts:submit", "/rollout/api/rollouts:approve", "/rollout/api/rollouts:execute", "/rollout/api/rollouts:cancel", "/rollout/api/rollouts:complete":
		if method == http.MethodPost {
			return authz.ObjectRolloutRollouts, authz.ActionAdmin, true
		}
		return "", "", false
	case "/rollout/api/receipts":
		if method == http.MethodGet {
			return authz.ObjectRolloutReceipts, authz.ActionRead, true
		}
		return "", "", false
	case "/rollout/api/receipts:resolve-conflict", "/rollout/api/receipts:respond", "/rollout/api/instances:rollback":
		if method == http.MethodPost {
			return authz.ObjectRolloutReceipts, authz.ActionAdmin, true
		}
		return "", "", false
	case "/audit/api/entries", "/audit/api/violations":
		if method == http.MethodGet {
			return authz.ObjectAuditEntries, authz.ActionRead, true
		}
		return "", "", false
	default:
		return "", "", false
	}
}
