package routing

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testClassifier(t *testing.T) *Classifier {
	t.Helper()
	a := Allowlist{
		Version: 1,
		Entrypoints: map[string]Entrypoint{
			"server": {Routes: []Route{{Path: "/healthz", Methods: []string{"GET"}, RouteClass: "ops"}}},
		},
	}
	c, err := NewClassifier(a, "server")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRouter_PanicBecomes500JSON(t *testing.T) {
	t.Parallel()

	r := NewRouter(testClassifier(t))
	r.Handle(RouteClassInternalAPI, http.MethodGet, "/sharing/api/panic", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/sharing/api/panic", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("content-type=%q", rec.Header().Get("Content-Type"))
	}
}

func TestRouter_MethodNotAllowed_JSONOnly(t *testing.T) {
	t.Parallel()

	r := NewRouter(testClassifier(t))
	r.Handle(RouteClassInternalAPI, http.MethodGet, "/sharing/api/views", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodDelete, "/sharing/api/views", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("content-type=%q", rec.Header().Get("Content-Type"))
	}
}

func TestRouter_UnknownPathClassifiedForRendering(t *testing.T) {
	t.Parallel()

	r := NewRouter(testClassifier(t))
	req := httptest.NewRequest(http.MethodGet, "/rollout/api/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
	// Internal API paths render JSON even without an Accept header.
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("content-type=%q", rec.Header().Get("Content-Type"))
	}
}

func TestRouter_MethodNotAllowed_UsesSiblingClass(t *testing.T) {
	t.Parallel()

	r := NewRouter(testClassifier(t))
	r.Handle(RouteClassUI, http.MethodGet, "/settings", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/settings", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rec.Code)
	}
	// The sibling GET route is UI-classed, so the 405 renders HTML.
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("content-type=%q", rec.Header().Get("Content-Type"))
	}
}

func TestWriteError_TraceID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/sharing/api/views", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	WriteError(rec, req, RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "nope")
	if !strings.Contains(rec.Body.String(), "4bf92f3577b34da6a3ce929d0e0e4736") {
		t.Fatalf("body=%s", rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/sharing/api/views", nil)
	req2.Header.Set("traceparent", "00-zzzz-span-01")
	rec2 := httptest.NewRecorder()
	WriteError(rec2, req2, RouteClassInternalAPI, http.StatusBadRequest, "bad_request", "nope")
	if strings.Contains(rec2.Body.String(), "zzzz") {
		t.Fatalf("malformed trace id must be dropped: %s", rec2.Body.String())
	}
}
