package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestAssignUsesDefaultRoleWhenUnspecified(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("amy@example.com", "correct-horse")
	app := e.app("Billing", "BILLING")
	def := e.role(app.ID, "Member", true)
	e.role(app.ID, "Auditor", false)

	m, err := e.mem.Assign(ctx, user.ID, app.ID, "")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if m.RoleID != def.ID {
		t.Fatalf("expected the default role, got %s", m.RoleID)
	}
}

func TestAssignResolvesApplicationByCode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("abe@example.com", "correct-horse")
	app := e.app("Billing", "BILLING")
	e.role(app.ID, "Member", true)

	m, err := e.mem.Assign(ctx, user.ID, "billing", "")
	if err != nil {
		t.Fatalf("Assign by code: %v", err)
	}
	if m.ApplicationID != app.ID {
		t.Fatalf("expected application %s, got %s", app.ID, m.ApplicationID)
	}

	_, err = e.mem.Assign(ctx, user.ID, "GHOST", "")
	wantRejection(t, err, ErrNotFound, "application not found")
}

func TestAssignWithoutDefaultRole(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("ben@example.com", "correct-horse")
	app := e.app("Billing", "BILLING")
	e.role(app.ID, "Member", false)

	_, err := e.mem.Assign(ctx, user.ID, app.ID, "")
	wantRejection(t, err, ErrInvalidOperation, "no default role")
}

func TestAssignDuplicatePair(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("cleo@example.com", "correct-horse")
	app := e.app("Billing", "BILLING")
	role := e.role(app.ID, "Member", true)
	other := e.role(app.ID, "Auditor", false)
	e.assign(user.ID, app.ID, role.ID)

	// Exactly one membership per pair, whatever the role.
	_, err := e.mem.Assign(ctx, user.ID, app.ID, other.ID)
	wantRejection(t, err, ErrConflict, "already assigned to this application")
}

func TestAssignCrossApplicationRole(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("dan@example.com", "correct-horse")
	app := e.app("Billing", "BILLING")
	other := e.app("CRM", "CRM")
	e.role(app.ID, "Member", true)
	foreign := e.role(other.ID, "Agent", true)

	_, err := e.mem.Assign(ctx, user.ID, app.ID, foreign.ID)
	wantRejection(t, err, ErrInvalidOperation, "different application")
}

func TestAssignInactiveRole(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("eva@example.com", "correct-horse")
	app := e.app("Billing", "BILLING")
	e.role(app.ID, "Member", true)
	idle := e.role(app.ID, "Idle", false)
	if err := e.cat.SetRoleActive(ctx, idle.ID, false); err != nil {
		t.Fatalf("SetRoleActive: %v", err)
	}

	_, err := e.mem.Assign(ctx, user.ID, app.ID, idle.ID)
	wantRejection(t, err, ErrInvalidOperation, "inactive role")
}

func TestChangeRoleChecks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("finn@example.com", "correct-horse")
	app := e.app("Billing", "BILLING")
	other := e.app("CRM", "CRM")
	member := e.role(app.ID, "Member", true)
	auditor := e.role(app.ID, "Auditor", false)
	foreign := e.role(other.ID, "Agent", true)
	e.assign(user.ID, app.ID, member.ID)

	if err := e.mem.ChangeRole(ctx, user.ID, app.ID, foreign.ID); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("cross-application role must be rejected, got %v", err)
	}
	if err := e.mem.ChangeRole(ctx, user.ID, app.ID, auditor.ID); err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}
	m, err := e.store.Memberships().Find(ctx, user.ID, app.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if m.RoleID != auditor.ID {
		t.Fatalf("role not changed, got %s", m.RoleID)
	}
}

func TestRemoveMembership(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("gil@example.com", "correct-horse")
	app := e.app("Billing", "BILLING")
	role := e.role(app.ID, "Member", true)
	e.assign(user.ID, app.ID, role.ID)

	if err := e.mem.Remove(ctx, user.ID, app.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := e.mem.Remove(ctx, user.ID, app.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove must be not found, got %v", err)
	}
	// A fresh assignment after removal is allowed.
	e.assign(user.ID, app.ID, role.ID)
}

func TestListForApplicationPaginationAndSearch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	app := e.app("Billing", "BILLING")
	role := e.role(app.ID, "Member", true)
	for i := 0; i < 7; i++ {
		u := e.register(fmt.Sprintf("user%d@example.com", i), "correct-horse")
		e.assign(u.ID, app.ID, role.ID)
	}

	page1, total, err := e.mem.ListForApplication(ctx, app.ID, Page{Number: 1, Size: 3})
	if err != nil {
		t.Fatalf("ListForApplication: %v", err)
	}
	if total != 7 || len(page1) != 3 {
		t.Fatalf("expected total 7 page of 3, got total %d page %d", total, len(page1))
	}
	page3, _, err := e.mem.ListForApplication(ctx, app.ID, Page{Number: 3, Size: 3})
	if err != nil {
		t.Fatalf("ListForApplication: %v", err)
	}
	if len(page3) != 1 {
		t.Fatalf("expected trailing page of 1, got %d", len(page3))
	}
	beyond, total, err := e.mem.ListForApplication(ctx, app.ID, Page{Number: 9, Size: 3})
	if err != nil {
		t.Fatalf("ListForApplication: %v", err)
	}
	if total != 7 || len(beyond) != 0 {
		t.Fatalf("page past the end must be empty with the real total, got %d/%d", len(beyond), total)
	}

	// Search filters over user email.
	hits, total, err := e.mem.ListForApplication(ctx, app.ID, Page{Number: 1, Size: 10, Search: "user3"})
	if err != nil {
		t.Fatalf("ListForApplication: %v", err)
	}
	if total != 1 || len(hits) != 1 || hits[0].UserEmail != "user3@example.com" {
		t.Fatalf("unexpected search result: %v", hits)
	}

	// Size bounds are rejected, not clamped.
	if _, _, err := e.mem.ListForApplication(ctx, app.ID, Page{Number: 1, Size: 101}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("oversized page must be rejected, got %v", err)
	}
	if _, _, err := e.mem.ListForApplication(ctx, app.ID, Page{Number: 0, Size: 10}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("page zero must be rejected, got %v", err)
	}
}

func TestListForUserResolvesDetails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("hana@example.com", "correct-horse")
	app := e.app("Billing", "BILLING")
	role := e.role(app.ID, "Member", true)
	e.assign(user.ID, app.ID, role.ID)

	views, err := e.mem.ListForUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected one membership, got %d", len(views))
	}
	v := views[0]
	if v.UserEmail != "hana@example.com" || v.RoleName != "Member" || v.AppCode != "BILLING" {
		t.Fatalf("view details not resolved: %+v", v)
	}
}
