package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	t     *testing.T
	store *MemoryStore
	clock *fakeClock
	svc   *Service
	reg   *Registry
	cat   *Catalog
	mem   *Memberships
}

func newEnv(t *testing.T, opts ...ServiceOption) *env {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	all := append([]ServiceOption{WithClock(clock.Now)}, opts...)
	svc, err := NewService(store, []byte("test-signing-secret"), all...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &env{
		t:     t,
		store: store,
		clock: clock,
		svc:   svc,
		reg:   NewRegistry(store, nil),
		cat:   NewCatalog(store, nil),
		mem:   NewMemberships(store, nil),
	}
}

func (e *env) register(email, password string) *User {
	e.t.Helper()
	user, err := e.svc.Register(context.Background(), email, password)
	if err != nil {
		e.t.Fatalf("Register(%s): %v", email, err)
	}
	return user
}

func (e *env) app(name, code string) *Application {
	e.t.Helper()
	app, _, err := e.reg.CreateApplication(context.Background(), name, code)
	if err != nil {
		e.t.Fatalf("CreateApplication(%s): %v", code, err)
	}
	return app
}

func (e *env) role(appID, name string, isDefault bool) *ApplicationRole {
	e.t.Helper()
	role, err := e.cat.CreateRole(context.Background(), appID, name, "", isDefault)
	if err != nil {
		e.t.Fatalf("CreateRole(%s): %v", name, err)
	}
	return role
}

func (e *env) assign(userID, appID, roleID string) *Membership {
	e.t.Helper()
	m, err := e.mem.Assign(context.Background(), userID, appID, roleID)
	if err != nil {
		e.t.Fatalf("Assign: %v", err)
	}
	return m
}

func (e *env) grantPermission(roleID, key string) {
	e.t.Helper()
	ctx := context.Background()
	perm := Permission{ID: "perm-" + key, Key: key}
	if err := e.store.Permissions().Ensure(ctx, []Permission{perm}); err != nil {
		e.t.Fatalf("Ensure permission: %v", err)
	}
	if err := e.cat.AddPermission(ctx, roleID, perm.ID); err != nil {
		e.t.Fatalf("AddPermission: %v", err)
	}
}

// decodePayload returns the raw JWT payload as a generic map so tests can
// assert which claim keys are present at all.
func decodePayload(t *testing.T, token string) map[string]any {
	t.Helper()
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("malformed token: %s", token)
	}
	data, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return m
}

func wantRejection(t *testing.T, err error, kind error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v rejection, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected kind %v, got %v", kind, err)
	}
	if msg != "" && !strings.Contains(err.Error(), msg) {
		t.Fatalf("expected message %q, got %q", msg, err.Error())
	}
}

func TestLoginUnknownEmailAndWrongPasswordLookAlike(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register("carol@example.com", "correct-horse")

	_, err1 := e.svc.Login(ctx, "nobody@example.com", "whatever123", "")
	_, err2 := e.svc.Login(ctx, "carol@example.com", "wrong-password", "")

	wantRejection(t, err1, ErrUnauthenticated, MsgInvalidCredentials)
	wantRejection(t, err2, ErrUnauthenticated, MsgInvalidCredentials)
	if err1.Error() != err2.Error() {
		t.Fatalf("unknown email and wrong password must be indistinguishable: %q vs %q", err1, err2)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("dave@example.com", "correct-horse")
	if err := e.svc.SetUserActive(ctx, user.ID, false); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}

	_, err := e.svc.Login(ctx, "dave@example.com", "correct-horse", "")
	wantRejection(t, err, ErrUnauthenticated, MsgAccountInactive)
}

func TestLoginUnscopedToken(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("erin@example.com", "correct-horse")

	pair, err := e.svc.Login(ctx, "erin@example.com", "correct-horse", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := e.svc.Authenticate(pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	unscoped, ok := claims.(UnscopedClaims)
	if !ok {
		t.Fatalf("expected UnscopedClaims, got %T", claims)
	}
	if unscoped.Subject != user.ID {
		t.Fatalf("unexpected subject: %s", unscoped.Subject)
	}
	payload := decodePayload(t, pair.AccessToken)
	if _, present := payload["application_id"]; present {
		t.Fatal("unscoped token must not carry application_id")
	}
	if _, present := payload["permissions"]; present {
		t.Fatal("unscoped token must not carry permissions")
	}
}

func TestLoginScopedTokenSnapshot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("frank@example.com", "correct-horse")
	app := e.app("Billing", "BILLING")
	role := e.role(app.ID, "Accountant", true)
	e.grantPermission(role.ID, "invoices.read")
	e.grantPermission(role.ID, "invoices.write")
	e.assign(user.ID, app.ID, role.ID)

	// Login by code, not id: both references resolve the same tenant.
	pair, err := e.svc.Login(ctx, "frank@example.com", "correct-horse", "billing")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := e.svc.Authenticate(pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	scoped, ok := claims.(ScopedClaims)
	if !ok {
		t.Fatalf("expected ScopedClaims, got %T", claims)
	}
	if scoped.ApplicationID != app.ID || scoped.ApplicationCode != "BILLING" {
		t.Fatalf("wrong application claims: %+v", scoped)
	}
	if scoped.Role != "Accountant" {
		t.Fatalf("wrong role claim: %s", scoped.Role)
	}
	if len(scoped.Permissions) != 2 || scoped.Permissions[0] != "invoices.read" || scoped.Permissions[1] != "invoices.write" {
		t.Fatalf("wrong permissions: %v", scoped.Permissions)
	}

	// Membership access stamp moved.
	m, err := e.store.Memberships().Find(ctx, user.ID, app.ID)
	if err != nil {
		t.Fatalf("Find membership: %v", err)
	}
	if !m.LastAccessedAt.Equal(e.clock.Now().UTC()) {
		t.Fatalf("membership access stamp not updated: %v", m.LastAccessedAt)
	}
}

func TestLoginApplicationGates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("grace@example.com", "correct-horse")
	app := e.app("CRM", "CRM")
	role := e.role(app.ID, "Agent", true)

	// No membership yet.
	_, err := e.svc.Login(ctx, "grace@example.com", "correct-horse", "CRM")
	wantRejection(t, err, ErrInvalidOperation, "no access to this application")

	e.assign(user.ID, app.ID, role.ID)

	// Unknown application.
	_, err = e.svc.Login(ctx, "grace@example.com", "correct-horse", "NOPE")
	wantRejection(t, err, ErrNotFound, "application not found")

	// Inactive membership.
	if err := e.mem.SetActive(ctx, user.ID, app.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	_, err = e.svc.Login(ctx, "grace@example.com", "correct-horse", "CRM")
	wantRejection(t, err, ErrInvalidOperation, MsgMembershipInactive)
	if err := e.mem.SetActive(ctx, user.ID, app.ID, true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	// Inactive role. Promote another default first so deactivation is legal.
	other := e.role(app.ID, "Viewer", false)
	if err := e.cat.SetAsDefault(ctx, other.ID); err != nil {
		t.Fatalf("SetAsDefault: %v", err)
	}
	if err := e.cat.SetRoleActive(ctx, role.ID, false); err != nil {
		t.Fatalf("SetRoleActive: %v", err)
	}
	_, err = e.svc.Login(ctx, "grace@example.com", "correct-horse", "CRM")
	wantRejection(t, err, ErrInvalidOperation, MsgRoleInactive)
	if err := e.cat.SetRoleActive(ctx, role.ID, true); err != nil {
		t.Fatalf("SetRoleActive: %v", err)
	}

	// Inactive application.
	if err := e.reg.SetActive(ctx, app.ID, false); err != nil {
		t.Fatalf("registry SetActive: %v", err)
	}
	_, err = e.svc.Login(ctx, "grace@example.com", "correct-horse", "CRM")
	wantRejection(t, err, ErrInvalidOperation, "application is inactive")
}

func TestLoginAdminNeverCarriesApplicationClaims(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.svc.EnsureDefaultAdmin(ctx, "root@example.com", "admin-password"); err != nil {
		t.Fatalf("EnsureDefaultAdmin: %v", err)
	}
	app := e.app("Billing", "BILLING")
	e.role(app.ID, "Accountant", true)

	// Even with an explicit application reference, the admin token stays pure.
	pair, err := e.svc.Login(ctx, "root@example.com", "admin-password", "BILLING")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := e.svc.Authenticate(pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	admin, ok := claims.(AdminClaims)
	if !ok {
		t.Fatalf("expected AdminClaims, got %T", claims)
	}
	found := false
	for _, name := range admin.SystemRoles {
		if name == SuperAdminRole {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in system roles: %v", SuperAdminRole, admin.SystemRoles)
	}
	payload := decodePayload(t, pair.AccessToken)
	for _, key := range []string{"application_id", "application_code", "application_role", "permissions"} {
		if _, present := payload[key]; present {
			t.Fatalf("admin token must not carry %s", key)
		}
	}
	if payload["user_type"] != UserTypeAdmin {
		t.Fatalf("unexpected user_type: %v", payload["user_type"])
	}
}

// brokenAppsStore fails every application lookup with a non-domain error, the
// way a dropped database connection would.
type brokenAppsStore struct {
	Store
	err error
}

func (s brokenAppsStore) Applications() ApplicationStore { return brokenApps{err: s.err} }

func (s brokenAppsStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return s.Store.InTx(ctx, func(tx Store) error {
		return fn(brokenAppsStore{Store: tx, err: s.err})
	})
}

type brokenApps struct{ err error }

func (s brokenApps) Create(context.Context, *Application) error { return s.err }
func (s brokenApps) Find(context.Context, string) (*Application, error) {
	return nil, s.err
}
func (s brokenApps) FindByCode(context.Context, string) (*Application, error) {
	return nil, s.err
}
func (s brokenApps) Update(context.Context, *Application) error { return s.err }
func (s brokenApps) List(context.Context) ([]*Application, error) {
	return nil, s.err
}

func TestLoginStoreFaultIsNotMaskedAsNotFound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register("walt@example.com", "correct-horse")

	boom := errors.New("connection reset")
	svc, err := NewService(brokenAppsStore{Store: e.store, err: boom}, []byte("test-signing-secret"), WithClock(e.clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	_, err = svc.Login(ctx, "walt@example.com", "correct-horse", "BILLING")
	if !errors.Is(err, boom) {
		t.Fatalf("expected the store fault to pass through, got %v", err)
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("store fault must not surface as a domain rejection, got %v", err)
	}
}

func TestRefreshRotationIsSingleUse(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register("heidi@example.com", "correct-horse")

	pair, err := e.svc.Login(ctx, "heidi@example.com", "correct-horse", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, err := e.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation must mint a new refresh token")
	}

	// Replay of the consumed token fails with the generic message.
	_, err = e.svc.Refresh(ctx, pair.RefreshToken)
	wantRejection(t, err, ErrUnauthenticated, MsgInvalidRefresh)

	// The replacement still works.
	if _, err := e.svc.Refresh(ctx, next.RefreshToken); err != nil {
		t.Fatalf("Refresh with rotated token: %v", err)
	}
}

func TestRefreshReDerivesScopeFromCurrentState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("ivan@example.com", "correct-horse")
	app := e.app("Billing", "BILLING")
	reader := e.role(app.ID, "Reader", true)
	writer := e.role(app.ID, "Writer", false)
	e.grantPermission(reader.ID, "invoices.read")
	e.grantPermission(writer.ID, "invoices.write")
	e.assign(user.ID, app.ID, reader.ID)

	pair, err := e.svc.Login(ctx, "ivan@example.com", "correct-horse", "BILLING")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Admin swaps the role between login and refresh.
	if err := e.mem.ChangeRole(ctx, user.ID, app.ID, writer.ID); err != nil {
		t.Fatalf("ChangeRole: %v", err)
	}

	next, err := e.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	claims, err := e.svc.Authenticate(next.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	scoped, ok := claims.(ScopedClaims)
	if !ok {
		t.Fatalf("expected ScopedClaims, got %T", claims)
	}
	if scoped.Role != "Writer" {
		t.Fatalf("refresh must pick up the new role, got %s", scoped.Role)
	}
	if len(scoped.Permissions) != 1 || scoped.Permissions[0] != "invoices.write" {
		t.Fatalf("refresh must pick up new permissions, got %v", scoped.Permissions)
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register("judy@example.com", "correct-horse")

	pair, err := e.svc.Login(ctx, "judy@example.com", "correct-horse", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	e.clock.Advance(8 * 24 * time.Hour)

	_, err = e.svc.Refresh(ctx, pair.RefreshToken)
	wantRejection(t, err, ErrUnauthenticated, MsgInvalidRefresh)
}

func TestRefreshUnknownToken(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Refresh(context.Background(), "deadbeef")
	wantRejection(t, err, ErrUnauthenticated, MsgRefreshNotFound)
}

func TestLogoutSingleToken(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("kate@example.com", "correct-horse")

	pair, err := e.svc.Login(ctx, "kate@example.com", "correct-horse", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := e.svc.Logout(ctx, user.ID, pair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	_, err = e.svc.Refresh(ctx, pair.RefreshToken)
	wantRejection(t, err, ErrUnauthenticated, MsgInvalidRefresh)
}

func TestLogoutAllSessions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("leo@example.com", "correct-horse")

	first, err := e.svc.Login(ctx, "leo@example.com", "correct-horse", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	second, err := e.svc.Login(ctx, "leo@example.com", "correct-horse", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := e.svc.Logout(ctx, user.ID, ""); err != nil {
		t.Fatalf("Logout all: %v", err)
	}
	if _, err := e.svc.Refresh(ctx, first.RefreshToken); err == nil {
		t.Fatal("first session should be revoked")
	}
	if _, err := e.svc.Refresh(ctx, second.RefreshToken); err == nil {
		t.Fatal("second session should be revoked")
	}
}

func TestLogoutForeignTokenGenericFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	attacker := e.register("mallory@example.com", "correct-horse")
	e.register("victim@example.com", "correct-horse")

	pair, err := e.svc.Login(ctx, "victim@example.com", "correct-horse", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	err = e.svc.Logout(ctx, attacker.ID, pair.RefreshToken)
	wantRejection(t, err, ErrInvalidOperation, "not valid for this session")

	// The victim's session survived.
	if _, err := e.svc.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("victim session must be intact: %v", err)
	}
}

func TestForgotAndResetPasswordFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register("nina@example.com", "old-password")

	pair, err := e.svc.Login(ctx, "nina@example.com", "old-password", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := e.svc.ForgotPassword(ctx, "nina@example.com"); err != nil {
		t.Fatalf("ForgotPassword: %v", err)
	}
	stored, err := e.store.Users().FindByEmail(ctx, "nina@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if stored.ResetToken == "" {
		t.Fatal("expected a stored reset token")
	}

	if err := e.svc.ResetPassword(ctx, "nina@example.com", stored.ResetToken, "new-password"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	// Old password dead, new password works, all sessions revoked,
	// token single-use.
	if _, err := e.svc.Login(ctx, "nina@example.com", "old-password", ""); err == nil {
		t.Fatal("old password must be rejected")
	}
	if _, err := e.svc.Login(ctx, "nina@example.com", "new-password", ""); err != nil {
		t.Fatalf("new password must work: %v", err)
	}
	if _, err := e.svc.Refresh(ctx, pair.RefreshToken); err == nil {
		t.Fatal("pre-reset session must be revoked")
	}
	err = e.svc.ResetPassword(ctx, "nina@example.com", stored.ResetToken, "another-password")
	wantRejection(t, err, ErrUnauthenticated, MsgResetInvalid)
}

func TestForgotPasswordUnknownEmailIsSilent(t *testing.T) {
	e := newEnv(t)
	if err := e.svc.ForgotPassword(context.Background(), "ghost@example.com"); err != nil {
		t.Fatalf("unknown email must not be distinguishable: %v", err)
	}
}

func TestResetPasswordExpiredToken(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register("oscar@example.com", "old-password")

	if err := e.svc.ForgotPassword(ctx, "oscar@example.com"); err != nil {
		t.Fatalf("ForgotPassword: %v", err)
	}
	stored, err := e.store.Users().FindByEmail(ctx, "oscar@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	e.clock.Advance(2 * time.Hour)

	err = e.svc.ResetPassword(ctx, "oscar@example.com", stored.ResetToken, "new-password")
	wantRejection(t, err, ErrUnauthenticated, MsgResetInvalid)
}

func TestForgotPasswordReplacesOutstandingToken(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register("peggy@example.com", "old-password")

	if err := e.svc.ForgotPassword(ctx, "peggy@example.com"); err != nil {
		t.Fatalf("ForgotPassword: %v", err)
	}
	first, _ := e.store.Users().FindByEmail(ctx, "peggy@example.com")
	if err := e.svc.ForgotPassword(ctx, "peggy@example.com"); err != nil {
		t.Fatalf("ForgotPassword: %v", err)
	}
	second, _ := e.store.Users().FindByEmail(ctx, "peggy@example.com")
	if first.ResetToken == second.ResetToken {
		t.Fatal("a second request must mint a fresh token")
	}

	err := e.svc.ResetPassword(ctx, "peggy@example.com", first.ResetToken, "new-password")
	wantRejection(t, err, ErrUnauthenticated, MsgResetInvalid)
	if err := e.svc.ResetPassword(ctx, "peggy@example.com", second.ResetToken, "new-password"); err != nil {
		t.Fatalf("latest token must work: %v", err)
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("quinn@example.com", "old-password")

	pair, err := e.svc.Login(ctx, "quinn@example.com", "old-password", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := e.svc.ChangePassword(ctx, user.ID, "old-password", "new-password"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := e.svc.Refresh(ctx, pair.RefreshToken); err == nil {
		t.Fatal("sessions must be revoked after a password change")
	}
	if _, err := e.svc.Login(ctx, "quinn@example.com", "new-password", ""); err != nil {
		t.Fatalf("new password must work: %v", err)
	}

	err = e.svc.ChangePassword(ctx, user.ID, "wrong", "whatever-password")
	wantRejection(t, err, ErrUnauthenticated, "current password is incorrect")
}

func TestRegisterValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.register("rita@example.com", "correct-horse")

	if _, err := e.svc.Register(ctx, "rita@example.com", "correct-horse"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate email must conflict, got %v", err)
	}
	if _, err := e.svc.Register(ctx, "not-an-email", "correct-horse"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad email must be rejected, got %v", err)
	}
	if _, err := e.svc.Register(ctx, "short@example.com", "short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("short password must be rejected, got %v", err)
	}
}

func TestDeactivationRevokesSessions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.register("sam@example.com", "correct-horse")

	pair, err := e.svc.Login(ctx, "sam@example.com", "correct-horse", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := e.svc.SetUserActive(ctx, user.ID, false); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	if _, err := e.svc.Refresh(ctx, pair.RefreshToken); err == nil {
		t.Fatal("deactivation must revoke refresh tokens")
	}
}

func TestEnsureDefaultAdminIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if err := e.svc.EnsureDefaultAdmin(ctx, "root@example.com", "admin-password"); err != nil {
		t.Fatalf("EnsureDefaultAdmin: %v", err)
	}
	before, err := e.store.Users().FindByEmail(ctx, "root@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}

	// Second run with a different password must not touch the account.
	if err := e.svc.EnsureDefaultAdmin(ctx, "root@example.com", "other-password"); err != nil {
		t.Fatalf("second EnsureDefaultAdmin: %v", err)
	}
	after, err := e.store.Users().FindByEmail(ctx, "root@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if before.PasswordHash != after.PasswordHash {
		t.Fatal("re-seeding must never overwrite the password")
	}
	roles, err := e.store.SystemRoles().RolesForUser(ctx, after.ID)
	if err != nil {
		t.Fatalf("RolesForUser: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != SuperAdminRole {
		t.Fatalf("expected exactly the %s role, got %v", SuperAdminRole, roles)
	}

	// Seeding over a regular account's email is a conflict.
	e.register("taken@example.com", "correct-horse")
	if err := e.svc.EnsureDefaultAdmin(ctx, "taken@example.com", "admin-password"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestEventsDispatchAfterCommit(t *testing.T) {
	events := NewEvents()
	var mu sync.Mutex
	var seen []string
	events.Subscribe(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Name)
		mu.Unlock()
	})

	e := newEnv(t, WithEvents(events))
	ctx := context.Background()
	e.register("uma@example.com", "correct-horse")
	if _, err := e.svc.Login(ctx, "uma@example.com", "correct-horse", ""); err != nil {
		t.Fatalf("Login: %v", err)
	}
	// A failing flow must emit nothing.
	if _, err := e.svc.Login(ctx, "uma@example.com", "wrong-password", ""); err == nil {
		t.Fatal("expected login failure")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"auth.registered", "auth.login"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}
