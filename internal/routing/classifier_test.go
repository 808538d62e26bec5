package routing

import "testing"

func TestClassifier_SegmentBoundary(t *testing.T) {
	t.Parallel()

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

	if got := c.Classify("/api/v1"); got != RouteClassPublicAPI {
		t.Fatalf("got=%q", got)
	}
	if got := c.Classify("/api/v1x"); got == RouteClassPublicAPI {
		t.Fatalf("unexpected public api: %q", got)
	}
	if got := c.Classify("/sharing/api"); got != RouteClassInternalAPI {
		t.Fatalf("got=%q", got)
	}
	if got := c.Classify("/sharing/apix"); got == RouteClassInternalAPI {
		t.Fatalf("unexpected internal api: %q", got)
	}

	if got := c.Classify("rollout/api"); got != RouteClassUI {
		t.Fatalf("got=%q", got)
	}
	if got := c.Classify("/"); got != RouteClassUI {
		t.Fatalf("got=%q", got)
	}
}

func TestNewClassifier_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewClassifier(Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{"server": {Routes: nil}}}, "server")
	if err == nil {
		t.Fatal("expected empty routes error")
	}

	_, err = NewClassifier(Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{"server": {Routes: []Route{{}}}}}, "server")
	if err == nil {
		t.Fatal("expected invalid route error")
	}

	_, err = NewClassifier(Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{}}, "server")
	if err == nil {
		t.Fatal("expected missing entrypoint error")
	}
}

func TestClassifier_Heuristics(t *testing.T) {
	t.Parallel()

	a := Allowlist{
		Version: 1,
		Entrypoints: map[string]Entrypoint{
			"server": {Routes: []Route{
				{Path: "/healthz", Methods: []string{"GET"}, RouteClass: "ops"},
				{Path: "/logout", Methods: []string{"POST"}, RouteClass: "authn"},
			}},
		},
	}
	c, err := NewClassifier(a, "server")
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]RouteClass{
		"/healthz":        RouteClassOps,
		"/logout":         RouteClassAuthn,
		"/catalog/api/x":  RouteClassInternalAPI,
		"/rollout/api":    RouteClassInternalAPI,
		"/_dev/x":         RouteClassDevOnly,
		"/assets/app.css": RouteClassStatic,
		"/static/x":       RouteClassStatic,
		"/anything-else":  RouteClassUI,
		"/api/v1/views":   RouteClassPublicAPI,
	}
	for path, want := range cases {
		if got := c.Classify(path); got != want {
			t.Fatalf("path=%s got=%q want=%q", path, got, want)
		}
	}
}

func TestClassifier_PathPattern(t *testing.T) {
	t.Parallel()

	a := Allowlist{
		Version: 1,
		Entrypoints: map[string]Entrypoint{
			"server": {Routes: []Route{
				{Path: "/healthz", Methods: []string{"GET"}, RouteClass: "ops"},
				{Path: "/views/{view_id}/preview", Methods: []string{"GET"}, RouteClass: "ui"},
			}},
		},
	}
	c, err := NewClassifier(a, "server")
	if err != nil {
		t.Fatal(err)
	}

	if got := c.Classify("/views/abc/preview"); got != RouteClassUI {
		t.Fatalf("got=%q", got)
	}
	if got := c.Classify("/views/abc/preview/extra"); got == RouteClassOps {
		t.Fatalf("got=%q", got)
	}
}

func TestParseAllowlistYAML(t *testing.T) {
	t.Parallel()

	good := []byte("version: 1\nentrypoints:\n  server:\n    routes:\n      - path: /healthz\n        methods: [GET]\n        route_class: ops\n")
	a, err := ParseAllowlistYAML(good)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Entrypoints["server"].Routes) != 1 {
		t.Fatalf("routes=%d", len(a.Entrypoints["server"].Routes))
	}

	if _, err := ParseAllowlistYAML([]byte("version: 2\nentrypoints: {}\n")); err == nil {
		t.Fatal("expected version error")
	}
	bad := []byte("version: 1\nentrypoints:\n  server:\n    routes:\n      - path: /x\n        route_class: bogus\n")
	if _, err := ParseAllowlistYAML(bad); err == nil {
		t.Fatal("expected route_class error")
	}
}
