package server

import (
	"net/http"
	"os"
	"strings"
)

// effectiveHost picks the hostname tenant resolution keys on. X-Forwarded-Host
// is honored only behind a trusted proxy; otherwise anyone could pick their
// tenant by header.
func effectiveHost(r *http.Request) string {
	if os.Getenv("TRUST_PROXY") == "1" {
		if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); fwd != "" {
			// Proxies append; the first entry is the client-facing host.
			first, _, _ := strings.Cut(fwd, ",")
			return normalizeHostname(first)
		}
	}
	return normalizeHostname(r.Host)
}

func normalizeHostname(host string) string {
	return strings.ToLower(strings.TrimSpace(hostWithoutPort(strings.TrimSpace(host))))
}

func hostWithoutPort(host string) string {
	h, _, found := strings.Cut(host, ":")
	if found {
		return h
	}
	return host
}
