package scopeexpr

import (
	"strings"
	"testing"
)

func TestCompile(t *testing.T) {
	if err := Compile(""); err != nil {
		t.Fatalf("empty expr err=%v", err)
	}
	if err := Compile(`entity.kind == "project"`); err != nil {
		t.Fatalf("err=%v", err)
	}
	if err := Compile(`entity.kind ==`); err == nil {
		t.Fatal("expected compile error")
	}
	if err := Compile(`entity.kind`); err == nil {
		t.Fatal("expected non-bool error")
	}
}

func TestEval(t *testing.T) {
	tests := []struct {
		expr  string
		attrs map[string]string
		want  bool
	}{
		{expr: "", attrs: nil, want: true},
		{expr: `entity.kind == "project"`, attrs: map[string]string{"kind": "project"}, want: true},
		{expr: `entity.kind == "project"`, attrs: map[string]string{"kind": "asset"}, want: false},
		{expr: `entity.region in ["emea", "apac"]`, attrs: map[string]string{"region": "emea"}, want: true},
		{expr: `"stage" in entity && entity.stage == "operating"`, attrs: map[string]string{}, want: false},
	}
	for _, tt := range tests {
		got, err := Eval(tt.expr, tt.attrs)
		if err != nil {
			t.Fatalf("expr=%q err=%v", tt.expr, err)
		}
		if got != tt.want {
			t.Fatalf("expr=%q got=%v want=%v", tt.expr, got, tt.want)
		}
	}
}

func TestEval_MissingAttrErrors(t *testing.T) {
	_, err := Eval(`entity.kind == "project"`, map[string]string{})
	if err == nil || !strings.Contains(err.Error(), "eval") {
		t.Fatalf("err=%v", err)
	}
}

func TestEval_CachesPrograms(t *testing.T) {
	const expr = `entity.kind == "document"`
	if _, err := Eval(expr, map[string]string{"kind": "document"}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, ok := programCache.Load(expr); !ok {
		t.Fatal("expected cached program")
	}
}
