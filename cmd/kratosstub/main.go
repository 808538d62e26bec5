// kratosstub is a development stand-in for the Ory Kratos public and admin
// APIs. It implements only what the server's password login path touches:
// flow creation, password submission, whoami, and admin identity seeding.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type identity struct {
	ID         string
	TenantUUID string
	Email      string
	RoleSlug   string
	Password   string
}

type stub struct {
	mu         sync.Mutex
	identities map[string]identity // login identifier -> identity
	sessions   map[string]string   // session token -> login identifier
}

func main() {
	s := &stub{
		identities: map[string]identity{},
		sessions:   map[string]string{},
	}

	public := http.NewServeMux()
	public.HandleFunc("GET /health/ready", ok)
	public.HandleFunc("GET /self-service/login/api", s.createFlow)
	public.HandleFunc("POST /self-service/login", s.submitLogin)
	public.HandleFunc("GET /sessions/whoami", s.whoami)

	admin := http.NewServeMux()
	admin.HandleFunc("GET /health/ready", ok)
	admin.HandleFunc("POST /admin/identities", s.createIdentity)

	publicAddr := addrFromEnv("KRATOS_STUB_PUBLIC_ADDR", "127.0.0.1:4433")
	adminAddr := addrFromEnv("KRATOS_STUB_ADMIN_ADDR", "127.0.0.1:4434")

	errCh := make(chan error, 2)
	go func() { errCh <- newServer(publicAddr, public).ListenAndServe() }()
	go func() { errCh <- newServer(adminAddr, admin).ListenAndServe() }()
	log.Fatalf("kratosstub: %v", <-errCh)
}

func (s *stub) createFlow(w http.ResponseWriter, _ *http.Request) {
	// Flows are stateless here; any id the client echoes back is accepted.
	writeJSON(w, map[string]any{"id": randomToken()})
}

func (s *stub) submitLogin(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("flow") == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var in struct {
		Method     string `json:"method"`
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil ||
		in.Method != "password" || strings.TrimSpace(in.Identifier) == "" || in.Password == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ident, found := s.identities[in.Identifier]
	if !found || ident.Password != in.Password {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	token := randomToken()
	s.sessions[token] = in.Identifier
	writeJSON(w, map[string]any{"session_token": token})
}

func (s *stub) whoami(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get("X-Session-Token"))

	s.mu.Lock()
	defer s.mu.Unlock()
	identifier, found := s.sessions[token]
	if token == "" || !found {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	ident := s.identities[identifier]
	writeJSON(w, map[string]any{"identity": identityJSON(ident)})
}

func (s *stub) createIdentity(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SchemaID string `json:"schema_id"`
		Traits   struct {
			TenantUUID string `json:"tenant_uuid"`
			Email      string `json:"email"`
			RoleSlug   string `json:"role_slug"`
		} `json:"traits"`
		Credentials struct {
			Password struct {
				Identifiers []string `json:"identifiers"`
				Config      struct {
					Password string `json:"password"`
				} `json:"config"`
			} `json:"password"`
		} `json:"credentials"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ident := identity{
		TenantUUID: strings.TrimSpace(in.Traits.TenantUUID),
		Email:      strings.ToLower(strings.TrimSpace(in.Traits.Email)),
		RoleSlug:   strings.ToLower(strings.TrimSpace(in.Traits.RoleSlug)),
		Password:   in.Credentials.Password.Config.Password,
	}
	identifier := ""
	if ids := in.Credentials.Password.Identifiers; len(ids) > 0 {
		identifier = strings.TrimSpace(ids[0])
	}
	if in.SchemaID == "" || ident.TenantUUID == "" || ident.Email == "" ||
		ident.Password == "" || identifier == "" || strings.ContainsAny(ident.Email, " \t\r\n") {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Identity ids are derived from the identifier so re-running a seed
	// script yields the same ids every time.
	ident.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("kratosstub:"+identifier)).String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[identifier]; exists {
		w.WriteHeader(http.StatusConflict)
		return
	}
	s.identities[identifier] = ident
	writeJSON(w, identityJSON(ident))
}

func identityJSON(ident identity) map[string]any {
	return map[string]any{
		"id": ident.ID,
		"traits": map[string]any{
			"tenant_uuid": ident.TenantUUID,
			"email":       ident.Email,
			"role_slug":   ident.RoleSlug,
		},
	}
}

func ok(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func randomToken() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

func addrFromEnv(key string, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
