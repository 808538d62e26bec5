package uuidv7

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewVersionAndVariant(t *testing.T) {
	u, err := New()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if u.Version() != 7 {
		t.Fatalf("version=%d", u.Version())
	}
	if u.Variant() != uuid.RFC4122 {
		t.Fatalf("variant=%v", u.Variant())
	}
}

func TestNewStringParses(t *testing.T) {
	s, err := NewString()
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if _, err := uuid.Parse(s); err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
}
