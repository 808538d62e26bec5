package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gridvault/gridvault/modules/iam/infrastructure/kratos"
)

// errInvalidCredentials folds every credential-shaped Kratos rejection into
// one sentinel so the login handler never leaks which part failed.
var errInvalidCredentials = errors.New("server: invalid credentials")

type authenticatedIdentity struct {
	KratosIdentityID string
	Email            string
	RoleSlug         string
}

type identityProvider interface {
	AuthenticatePassword(ctx context.Context, tenant Tenant, email string, password string) (authenticatedIdentity, error)
}

type kratosIdentityProvider struct {
	client *kratos.Client
}

func newKratosIdentityProviderFromEnv() (identityProvider, error) {
	publicURL := strings.TrimSpace(os.Getenv("KRATOS_PUBLIC_URL"))
	if publicURL == "" {
		publicURL = "http://127.0.0.1:4433"
	}
	c, err := kratos.New(publicURL)
	if err != nil {
		return nil, err
	}
	return &kratosIdentityProvider{client: c}, nil
}

func (p *kratosIdentityProvider) AuthenticatePassword(ctx context.Context, tenant Tenant, email string, password string) (authenticatedIdentity, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	// Identifiers are tenant-scoped so the same email can exist in several
	// orgs without colliding inside Kratos.
	ident, err := p.client.LoginPassword(ctx, tenant.ID+":"+email, password)
	if err != nil {
		var he *kratos.HTTPError
		if errors.As(err, &he) && (he.StatusCode == 400 || he.StatusCode == 401 || he.StatusCode == 403) {
			return authenticatedIdentity{}, errInvalidCredentials
		}
		return authenticatedIdentity{}, err
	}
	return identityFromTraits(ident, tenant, email)
}

// identityFromTraits cross-checks the Kratos identity traits against the
// tenant and email the caller authenticated for. A mismatch means the
// identity was seeded wrong or the identifier scheme was bypassed.
func identityFromTraits(ident kratos.Identity, tenant Tenant, email string) (authenticatedIdentity, error) {
	if ident.ID == "" {
		return authenticatedIdentity{}, errors.New("server: kratos identity without id")
	}
	if got := traitString(ident.Traits, "tenant_uuid"); got != tenant.ID {
		return authenticatedIdentity{}, fmt.Errorf("server: kratos tenant trait mismatch for identity %s", ident.ID)
	}
	if got := strings.ToLower(traitString(ident.Traits, "email")); got != email {
		return authenticatedIdentity{}, fmt.Errorf("server: kratos email trait mismatch for identity %s", ident.ID)
	}

	return authenticatedIdentity{
		KratosIdentityID: ident.ID,
		Email:            email,
		RoleSlug:         strings.ToLower(traitString(ident.Traits, "role_slug")),
	}, nil
}

func traitString(traits map[string]any, key string) string {
	s, _ := traits[key].(string)
	return strings.TrimSpace(s)
}
