package httperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestBadRequest(t *testing.T) {
	err := NewBadRequest("scope is required")
	if !IsBadRequest(err) {
		t.Fatal("expected bad request")
	}
	if err.Error() != "scope is required" {
		t.Fatalf("msg=%q", err.Error())
	}
	if Message(err) != "scope is required" {
		t.Fatalf("message=%q", Message(err))
	}

	wrapped := fmt.Errorf("store: %w", err)
	if !IsBadRequest(wrapped) {
		t.Fatal("expected wrapped bad request")
	}

	if IsBadRequest(errors.New("other")) {
		t.Fatal("plain error must not match")
	}
	if Message(errors.New("other")) != "" {
		t.Fatal("plain error message must be empty")
	}
}
