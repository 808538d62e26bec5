package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gridvault/gridvault/internal/routing"
	auditports "github.com/gridvault/gridvault/modules/audit/domain/ports"
	auditpersistence "github.com/gridvault/gridvault/modules/audit/infrastructure/persistence"
	catalogports "github.com/gridvault/gridvault/modules/catalog/domain/ports"
	catalogpersistence "github.com/gridvault/gridvault/modules/catalog/infrastructure/persistence"
	catalogservices "github.com/gridvault/gridvault/modules/catalog/services"
	rolloutports "github.com/gridvault/gridvault/modules/rollout/domain/ports"
	"github.com/gridvault/gridvault/modules/rollout/infrastructure/notify"
	rolloutpersistence "github.com/gridvault/gridvault/modules/rollout/infrastructure/persistence"
	rolloutservices "github.com/gridvault/gridvault/modules/rollout/services"
	sharingports "github.com/gridvault/gridvault/modules/sharing/domain/ports"
	sharingpersistence "github.com/gridvault/gridvault/modules/sharing/infrastructure/persistence"
	sharingservices "github.com/gridvault/gridvault/modules/sharing/services"
	"github.com/gridvault/gridvault/pkg/authz"
)

type sharingStore interface {
	sharingports.ViewStore
	sharingports.GrantStore
}

type directoryStore interface {
	sharingports.EntityDirectory
	entityRegistrar
}

// HandlerOptions lets tests swap any dependency; nil fields fall back to the
// Postgres-backed implementation when Pool is set, otherwise to in-memory.
type HandlerOptions struct {
	Pool *pgxpool.Pool

	Tenancy    TenancyResolver
	Identity   identityProvider
	Principals principalStore
	Sessions   sessionStore
	Authz      authorizer

	Audit     auditports.Store
	Sharing   sharingStore
	Directory directoryStore
	Catalog   catalogports.Store
	Rollout   rolloutports.Store
	Notifier  rolloutports.Notifier
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlist, err := routing.LoadAllowlist(allowlistPath())
	if err != nil {
		return nil, err
	}
	classifier, err := routing.NewClassifier(allowlist, "server")
	if err != nil {
		return nil, err
	}

	az := opts.Authz
	if az == nil {
		a, err := loadAuthorizer()
		if err != nil {
			return nil, err
		}
		az = a
	}

	tenancy := opts.Tenancy
	if tenancy == nil {
		if opts.Pool != nil {
			tenancy = newTenancyDBResolver(opts.Pool)
		} else {
			tenants, err := loadTenants()
			if err != nil {
				return nil, err
			}
			tenancy = newStaticTenancyResolver(tenants)
		}
	}

	identity := opts.Identity
	if identity == nil {
		p, err := newKratosIdentityProviderFromEnv()
		if err != nil {
			return nil, err
		}
		identity = p
	}

	principals := opts.Principals
	if principals == nil {
		principals = newPrincipalStore(opts.Pool)
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = newSessionStore(opts.Pool)
	}

	auditStore := opts.Audit
	sharing := opts.Sharing
	directory := opts.Directory
	catalog := opts.Catalog
	rollout := opts.Rollout
	if opts.Pool != nil {
		if auditStore == nil {
			auditStore = auditpersistence.NewJournalPGStore(opts.Pool)
		}
		if sharing == nil {
			sharing = sharingpersistence.NewSharingPGStore(opts.Pool)
		}
		if directory == nil {
			directory = sharingpersistence.NewDirectoryPGStore(opts.Pool)
		}
		if catalog == nil {
			catalog = catalogpersistence.NewCatalogPGStore(opts.Pool)
		}
		if rollout == nil {
			rollout = rolloutpersistence.NewRolloutPGStore(opts.Pool)
		}
	} else {
		if auditStore == nil {
			auditStore = auditpersistence.NewJournalMemoryStore()
		}
		if sharing == nil {
			sharing = sharingpersistence.NewSharingMemoryStore(auditStore)
		}
		if directory == nil {
			directory = sharingpersistence.NewDirectoryMemoryStore()
		}
		if catalog == nil {
			catalog = catalogpersistence.NewCatalogMemoryStore(auditStore)
		}
		if rollout == nil {
			rollout = rolloutpersistence.NewRolloutMemoryStore(auditStore, catalog)
		}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewMemoryNotifier()
	}

	sharingSvc := sharingservices.NewService(sharing, sharing)
	evaluator := sharingservices.NewEvaluator(sharing, sharing, directory, auditStore)
	guard := sharingservices.NewGuard(evaluator, directory, auditStore)
	facade := catalogservices.NewFacade(catalog)
	engine := rolloutservices.NewEngine(rollout, catalog, notifier)

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassOps, http.MethodGet, "/health", http.HandlerFunc(handleHealth))
	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(handleHealth))

	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/iam/api/sessions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleLoginAPI(w, r, identity, principals, sessions)
	}))
	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/logout", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleLogoutAPI(w, r, sessions)
	}))

	api := routing.RouteClassInternalAPI
	views := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleViewsAPI(w, r, sharingSvc)
	})
	router.Handle(api, http.MethodGet, "/sharing/api/views", views)
	router.Handle(api, http.MethodPost, "/sharing/api/views", views)
	grants := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGrantsAPI(w, r, sharingSvc)
	})
	router.Handle(api, http.MethodGet, "/sharing/api/grants", grants)
	router.Handle(api, http.MethodPost, "/sharing/api/grants", grants)
	router.Handle(api, http.MethodPost, "/sharing/api/grants:revoke", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleGrantRevokeAPI(w, r, sharingSvc)
	}))
	router.Handle(api, http.MethodPost, "/sharing/api/access:check", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAccessCheckAPI(w, r, guard)
	}))
	router.Handle(api, http.MethodPost, "/sharing/api/entities", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleEntitiesAPI(w, r, directory)
	}))

	templates := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTemplatesAPI(w, r, facade)
	})
	router.Handle(api, http.MethodGet, "/catalog/api/templates", templates)
	router.Handle(api, http.MethodPost, "/catalog/api/templates", templates)
	router.Handle(api, http.MethodPost, "/catalog/api/templates:archive", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTemplatesArchiveAPI(w, r, facade)
	}))
	versions := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTemplateVersionsAPI(w, r, facade)
	})
	router.Handle(api, http.MethodGet, "/catalog/api/templates/versions", versions)
	router.Handle(api, http.MethodPost, "/catalog/api/templates/versions", versions)
	instances := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInstancesAPI(w, r, facade)
	})
	router.Handle(api, http.MethodGet, "/catalog/api/instances", instances)
	router.Handle(api, http.MethodPost, "/catalog/api/instances", instances)
	router.Handle(api, http.MethodPost, "/catalog/api/instances:edit", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInstancesEditAPI(w, r, facade)
	}))
	router.Handle(api, http.MethodPost, "/catalog/api/instances:fork", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInstancesForkAPI(w, r, facade)
	}))

	rollouts := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleRolloutsAPI(w, r, engine)
	})
	router.Handle(api, http.MethodGet, "/rollout/api/rollouts", rollouts)
	router.Handle(api, http.MethodPost, "/rollout/api/rollouts", rollouts)
	for _, verb := range []string{"submit", "approve", "execute", "cancel", "complete"} {
		router.Handle(api, http.MethodPost, "/rollout/api/rollouts:"+verb, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleRolloutTransitionAPI(w, r, engine, verb)
		}))
	}
	router.Handle(api, http.MethodGet, "/rollout/api/receipts", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleReceiptsAPI(w, r, engine)
	}))
	router.Handle(api, http.MethodPost, "/rollout/api/receipts:resolve-conflict", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleReceiptsResolveConflictAPI(w, r, engine)
	}))
	router.Handle(api, http.MethodPost, "/rollout/api/receipts:respond", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleReceiptsRespondAPI(w, r, engine)
	}))
	router.Handle(api, http.MethodPost, "/rollout/api/instances:rollback", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInstancesRollbackAPI(w, r, engine)
	}))

	entries := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAuditEntriesAPI(w, r, auditStore)
	})
	router.Handle(api, http.MethodGet, "/audit/api/entries", entries)
	router.Handle(api, http.MethodGet, "/audit/api/violations", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAuditViolationsAPI(w, r, auditStore)
	}))

	var h http.Handler = router
	h = withAuthz(classifier, az, h)
	h = withTenantAndSession(classifier, tenancy, principals, sessions, h)
	return h, nil
}

// MustNewHandler builds the production handler. DEV_MEMORY_STORES=1 skips
// Postgres and runs the whole stack in memory.
func MustNewHandler() http.Handler {
	var pool *pgxpool.Pool
	if os.Getenv("DEV_MEMORY_STORES") != "1" {
		p, err := pgxpool.New(context.Background(), dbDSNFromEnv())
		if err != nil {
			log.Fatalf("server: pgxpool: %v", err)
		}
		pool = p
	}
	h, err := NewHandlerWithOptions(HandlerOptions{Pool: pool})
	if err != nil {
		log.Fatalf("server: handler: %v", err)
	}
	return h
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func allowlistPath() string {
	if p := os.Getenv("ALLOWLIST_PATH"); p != "" {
		return p
	}
	path := filepath.Join("config", "routing", "allowlist.yaml")
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		path = filepath.Join("..", path)
	}
	return filepath.Join("config", "routing", "allowlist.yaml")
}

// withTenantAndSession resolves the tenant from the request host, then the
// acting principal from the sid cookie. Login and logout pass through without
// a principal; everything else gets 401 JSON.
func withTenantAndSession(classifier *routing.Classifier, tenancy TenancyResolver, principals principalStore, sessions sessionStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := classifier.Classify(path)

		if path == "/health" || path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		hostname := normalizeHostname(hostWithoutPort(effectiveHost(r)))
		tenant, ok, err := tenancy.ResolveTenant(r.Context(), hostname)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_resolve_error", "tenant resolution failed")
			return
		}
		if !ok {
			routing.WriteError(w, r, rc, http.StatusNotFound, "tenant_not_found", "unknown tenant host")
			return
		}
		r = r.WithContext(withTenant(r.Context(), tenant))

		if r.Method == http.MethodPost && (path == "/iam/api/sessions" || path == "/logout") {
			next.ServeHTTP(w, r)
			return
		}

		sid, ok := readSID(r)
		if !ok {
			routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		sess, ok, err := sessions.Lookup(r.Context(), sid)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "session_error", "session lookup failed")
			return
		}
		if !ok || sess.TenantID != tenant.ID {
			routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "invalid session")
			return
		}
		p, ok, err := principals.GetByID(r.Context(), tenant.ID, sess.PrincipalID)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "principal_error", "principal lookup failed")
			return
		}
		if !ok || p.Status != "active" {
			routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "principal not active")
			return
		}
		r = r.WithContext(withPrincipal(r.Context(), p))

		next.ServeHTTP(w, r)
	})
}

func handleLoginAPI(w http.ResponseWriter, r *http.Request, identity identityProvider, principals principalStore, sessions sessionStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSONBody(w, r, &in) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || in.Password == "" {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusUnprocessableEntity, "missing_credentials", "email and password required")
		return
	}

	ident, err := identity.AuthenticatePassword(r.Context(), tenant, email, in.Password)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		log.Printf("login failed: tenant=%s err=%v", tenant.ID, err)
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusBadGateway, "identity_provider_error", "identity provider unavailable")
		return
	}

	roleSlug := ident.RoleSlug
	if roleSlug == "" {
		roleSlug = authz.RoleOrgViewer
	}
	if roleSlug != authz.RoleOrgAdmin && roleSlug != authz.RoleOrgViewer {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusForbidden, "unknown_role", "role not provisioned")
		return
	}

	p, err := principals.UpsertFromKratos(r.Context(), tenant.ID, ident.Email, roleSlug, ident.KratosIdentityID)
	if err != nil {
		log.Printf("principal upsert failed: tenant=%s err=%v", tenant.ID, err)
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusForbidden, "principal_rejected", "principal rejected")
		return
	}

	sid, err := sessions.Create(r.Context(), tenant.ID, p.ID, time.Now().Add(sidTTLFromEnv()), r.RemoteAddr, r.UserAgent())
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "session_error", "session create failed")
		return
	}
	setSIDCookie(w, sid)
	w.WriteHeader(http.StatusNoContent)
}

func handleLogoutAPI(w http.ResponseWriter, r *http.Request, sessions sessionStore) {
	if sid, ok := readSID(r); ok {
		if err := sessions.Revoke(r.Context(), sid); err != nil {
			log.Printf("session revoke failed: err=%v", err)
		}
	}
	clearSIDCookie(w)
	w.WriteHeader(http.StatusNoContent)
}
