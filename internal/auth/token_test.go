package auth

import (
	"testing"
	"time"
)

func testIssuer(t *testing.T, now func() time.Time) *Issuer {
	t.Helper()
	issuer, err := NewIssuer([]byte("test-signing-secret"), "signet-test", time.Hour, 7*24*time.Hour, now)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return issuer
}

func TestIssuerRequiresSecret(t *testing.T) {
	if _, err := NewIssuer(nil, "x", 0, 0, nil); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	issuer := testIssuer(t, clock.Now)
	user := &User{ID: "user-1", Kind: KindRegular}

	token, _, err := issuer.IssueUnscoped(user)
	if err != nil {
		t.Fatalf("IssueUnscoped: %v", err)
	}

	other, err := NewIssuer([]byte("different-secret"), "signet-test", time.Hour, time.Hour, clock.Now)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	if _, err := other.Parse(token); err == nil {
		t.Fatal("token signed with another secret must not parse")
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	issuer := testIssuer(t, clock.Now)
	token, _, err := issuer.IssueUnscoped(&User{ID: "user-1"})
	if err != nil {
		t.Fatalf("IssueUnscoped: %v", err)
	}

	other, err := NewIssuer([]byte("test-signing-secret"), "someone-else", time.Hour, time.Hour, clock.Now)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	if _, err := other.Parse(token); err == nil {
		t.Fatal("token from a different issuer must not parse")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	issuer := testIssuer(t, clock.Now)
	token, exp, err := issuer.IssueUnscoped(&User{ID: "user-1"})
	if err != nil {
		t.Fatalf("IssueUnscoped: %v", err)
	}
	if !exp.Equal(clock.Now().UTC().Add(time.Hour)) {
		t.Fatalf("unexpected expiry: %v", exp)
	}

	if _, err := issuer.Parse(token); err != nil {
		t.Fatalf("fresh token must parse: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if _, err := issuer.Parse(token); err == nil {
		t.Fatal("expired token must not parse")
	}
}

func TestParseDispatchesClaimVariants(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	issuer := testIssuer(t, clock.Now)
	user := &User{ID: "user-1", Kind: KindRegular}
	admin := &User{ID: "admin-1", Kind: KindSystemAdmin}
	app := &Application{ID: "app-1", Code: "BILLING"}
	role := &ApplicationRole{ID: "role-1", ApplicationID: "app-1", Name: "Member"}

	adminTok, _, err := issuer.IssueForAdmin(admin, []*SystemRole{{ID: "r", Name: "SuperAdmin"}})
	if err != nil {
		t.Fatalf("IssueForAdmin: %v", err)
	}
	scopedTok, _, err := issuer.IssueScoped(user, app, role, []string{"invoices.read"})
	if err != nil {
		t.Fatalf("IssueScoped: %v", err)
	}
	unscopedTok, _, err := issuer.IssueUnscoped(user)
	if err != nil {
		t.Fatalf("IssueUnscoped: %v", err)
	}

	if claims, err := issuer.Parse(adminTok); err != nil {
		t.Fatalf("Parse admin: %v", err)
	} else if _, ok := claims.(AdminClaims); !ok {
		t.Fatalf("expected AdminClaims, got %T", claims)
	}
	if claims, err := issuer.Parse(scopedTok); err != nil {
		t.Fatalf("Parse scoped: %v", err)
	} else if scoped, ok := claims.(ScopedClaims); !ok {
		t.Fatalf("expected ScopedClaims, got %T", claims)
	} else if scoped.ApplicationCode != "BILLING" || scoped.Role != "Member" {
		t.Fatalf("claims not preserved: %+v", scoped)
	}
	if claims, err := issuer.Parse(unscopedTok); err != nil {
		t.Fatalf("Parse unscoped: %v", err)
	} else if _, ok := claims.(UnscopedClaims); !ok {
		t.Fatalf("expected UnscopedClaims, got %T", claims)
	}
}

func TestMintRefreshStoresOnlyHash(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	issuer := testIssuer(t, clock.Now)

	raw, rec, err := issuer.MintRefresh("user-1", "app-1")
	if err != nil {
		t.Fatalf("MintRefresh: %v", err)
	}
	if rec.TokenHash == raw {
		t.Fatal("record must hold the hash, not the raw token")
	}
	if rec.TokenHash != HashToken(raw) {
		t.Fatal("stored hash must match HashToken of the raw value")
	}
	if rec.ApplicationID != "app-1" || rec.UserID != "user-1" {
		t.Fatalf("scope not recorded: %+v", rec)
	}
	if !rec.ExpiresAt.Equal(clock.Now().UTC().Add(7 * 24 * time.Hour)) {
		t.Fatalf("unexpected expiry: %v", rec.ExpiresAt)
	}
	if !rec.Usable(clock.Now()) {
		t.Fatal("fresh token must be usable")
	}
	rec.Revoked = true
	if rec.Usable(clock.Now()) {
		t.Fatal("revoked token must not be usable")
	}
}
