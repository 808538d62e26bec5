package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEffectiveHost(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://Acme.Test:8080/x", nil)
	if got := effectiveHost(req); got != "acme.test" {
		t.Fatalf("got %q", got)
	}

	req.Header.Set("X-Forwarded-Host", "proxy.test, other.test")
	if got := effectiveHost(req); got != "acme.test" {
		t.Fatalf("without TRUST_PROXY got %q", got)
	}

	t.Setenv("TRUST_PROXY", "1")
	if got := effectiveHost(req); got != "proxy.test" {
		t.Fatalf("with TRUST_PROXY got %q", got)
	}
}

func TestHostWithoutPort(t *testing.T) {
	if got := hostWithoutPort("a.test:443"); got != "a.test" {
		t.Fatalf("got %q", got)
	}
	if got := hostWithoutPort("a.test"); got != "a.test" {
		t.Fatalf("got %q", got)
	}
}
