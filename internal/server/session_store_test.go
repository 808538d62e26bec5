package server

import (
	"context"
	"testing"
	"time"
)

func TestNewSID(t *testing.T) {
	sid, digest, err := newSID()
	if err != nil {
		t.Fatal(err)
	}
	if sid == "" || len(digest) != 32 {
		t.Fatalf("sid=%q digest len=%d", sid, len(digest))
	}

	sid2, _, err := newSID()
	if err != nil {
		t.Fatal(err)
	}
	if sid == sid2 {
		t.Fatal("sids must be unique")
	}
}

func TestMemorySessionStore_Expiry(t *testing.T) {
	s := newMemorySessionStore()
	ctx := context.Background()

	sid, err := s.Create(ctx, "t1", "p1", time.Now().Add(-time.Minute), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Lookup(ctx, sid); ok {
		t.Fatal("expired session must not resolve")
	}

	sid, err = s.Create(ctx, "t1", "p1", time.Now().Add(time.Hour), "", "")
	if err != nil {
		t.Fatal(err)
	}
	sess, ok, _ := s.Lookup(ctx, sid)
	if !ok || sess.TenantID != "t1" || sess.PrincipalID != "p1" {
		t.Fatalf("ok=%v sess=%+v", ok, sess)
	}

	if err := s.Revoke(ctx, sid); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Lookup(ctx, sid); ok {
		t.Fatal("revoked session must not resolve")
	}
}

func TestMemoryPrincipalStore_KratosMismatch(t *testing.T) {
	s := newMemoryPrincipalStore()
	ctx := context.Background()

	p, err := s.UpsertFromKratos(ctx, "t1", "a@b.test", "org-admin", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID == "" || p.Status != "active" {
		t.Fatalf("p=%+v", p)
	}

	if _, err := s.UpsertFromKratos(ctx, "t1", "a@b.test", "org-admin", "k2"); err == nil {
		t.Fatal("expected kratos identity mismatch")
	}

	got, ok, err := s.GetByID(ctx, "t1", p.ID)
	if err != nil || !ok || got.Email != "a@b.test" {
		t.Fatalf("ok=%v err=%v got=%+v", ok, err, got)
	}
	if _, ok, _ := s.GetByID(ctx, "t2", p.ID); ok {
		t.Fatal("principal must not resolve under another tenant")
	}
}

func TestSIDTTLFromEnv(t *testing.T) {
	t.Setenv("SID_TTL_HOURS", "")
	if got := sidTTLFromEnv(); got != 14*24*time.Hour {
		t.Fatalf("default ttl=%v", got)
	}
	t.Setenv("SID_TTL_HOURS", "1")
	if got := sidTTLFromEnv(); got != time.Hour {
		t.Fatalf("ttl=%v", got)
	}
	t.Setenv("SID_TTL_HOURS", "bogus")
	if got := sidTTLFromEnv(); got != 14*24*time.Hour {
		t.Fatalf("bogus ttl=%v", got)
	}
}
