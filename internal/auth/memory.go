package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a complete in-process implementation of the persistence
// port. It backs the core tests and the -memory demo mode of cmd/api.
// Transactions are serialized on one mutex and run against a deep copy of the
// state, so a failed or cancelled unit of work leaves nothing behind.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := m.state.clone()
	if err := fn(&memTx{state: clone}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = clone
	return nil
}

func (m *MemoryStore) access() memAccess { return memAccess{m: m} }

func (m *MemoryStore) Users() UserStore                       { return memUsers{m.access()} }
func (m *MemoryStore) Applications() ApplicationStore         { return memApps{m.access()} }
func (m *MemoryStore) ApplicationRoles() ApplicationRoleStore { return memAppRoles{m.access()} }
func (m *MemoryStore) SystemRoles() SystemRoleStore           { return memSysRoles{m.access()} }
func (m *MemoryStore) Permissions() PermissionStore           { return memPerms{m.access()} }
func (m *MemoryStore) Memberships() MembershipStore           { return memMemberships{m.access()} }
func (m *MemoryStore) RefreshTokens() RefreshTokenStore       { return memTokens{m.access()} }

// memTx is the Store handed to InTx callbacks. Nested InTx joins the
// enclosing transaction.
type memTx struct {
	state *memState
}

func (t *memTx) InTx(ctx context.Context, fn func(tx Store) error) error { return fn(t) }

func (t *memTx) access() memAccess { return memAccess{st: t.state} }

func (t *memTx) Users() UserStore                       { return memUsers{t.access()} }
func (t *memTx) Applications() ApplicationStore         { return memApps{t.access()} }
func (t *memTx) ApplicationRoles() ApplicationRoleStore { return memAppRoles{t.access()} }
func (t *memTx) SystemRoles() SystemRoleStore           { return memSysRoles{t.access()} }
func (t *memTx) Permissions() PermissionStore           { return memPerms{t.access()} }
func (t *memTx) Memberships() MembershipStore           { return memMemberships{t.access()} }
func (t *memTx) RefreshTokens() RefreshTokenStore       { return memTokens{t.access()} }

// memAccess routes an operation either through the root store's mutex or
// straight at a transaction's private clone.
type memAccess struct {
	m  *MemoryStore
	st *memState
}

func (a memAccess) run(fn func(st *memState) error) error {
	if a.m != nil {
		a.m.mu.Lock()
		defer a.m.mu.Unlock()
		return fn(a.m.state)
	}
	return fn(a.st)
}

type memState struct {
	users       map[string]User
	apps        map[string]Application
	appRoles    map[string]ApplicationRole
	sysRoles    map[string]SystemRole
	sysAssign   map[string]map[string]struct{} // user id -> role id set
	perms       map[string]Permission
	rolePerms   map[string]map[string]struct{} // role id -> permission id set
	memberships map[string]Membership          // composite key
	tokens      map[string]RefreshToken
}

func newMemState() *memState {
	return &memState{
		users:       map[string]User{},
		apps:        map[string]Application{},
		appRoles:    map[string]ApplicationRole{},
		sysRoles:    map[string]SystemRole{},
		sysAssign:   map[string]map[string]struct{}{},
		perms:       map[string]Permission{},
		rolePerms:   map[string]map[string]struct{}{},
		memberships: map[string]Membership{},
		tokens:      map[string]RefreshToken{},
	}
}

func (s *memState) clone() *memState {
	out := &memState{
		users:       make(map[string]User, len(s.users)),
		apps:        make(map[string]Application, len(s.apps)),
		appRoles:    make(map[string]ApplicationRole, len(s.appRoles)),
		sysRoles:    make(map[string]SystemRole, len(s.sysRoles)),
		sysAssign:   make(map[string]map[string]struct{}, len(s.sysAssign)),
		perms:       make(map[string]Permission, len(s.perms)),
		rolePerms:   make(map[string]map[string]struct{}, len(s.rolePerms)),
		memberships: make(map[string]Membership, len(s.memberships)),
		tokens:      make(map[string]RefreshToken, len(s.tokens)),
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.apps {
		out.apps[k] = v
	}
	for k, v := range s.appRoles {
		out.appRoles[k] = v
	}
	for k, v := range s.sysRoles {
		out.sysRoles[k] = v
	}
	for k, v := range s.sysAssign {
		set := make(map[string]struct{}, len(v))
		for id := range v {
			set[id] = struct{}{}
		}
		out.sysAssign[k] = set
	}
	for k, v := range s.perms {
		out.perms[k] = v
	}
	for k, v := range s.rolePerms {
		set := make(map[string]struct{}, len(v))
		for id := range v {
			set[id] = struct{}{}
		}
		out.rolePerms[k] = set
	}
	for k, v := range s.memberships {
		out.memberships[k] = v
	}
	for k, v := range s.tokens {
		out.tokens[k] = v
	}
	return out
}

func membershipKey(userID, applicationID string) string {
	return userID + "\x00" + applicationID
}

// Users ---------------------------------------------------------------------

type memUsers struct{ a memAccess }

func (u memUsers) Create(ctx context.Context, user *User) error {
	return u.a.run(func(st *memState) error {
		if _, ok := st.users[user.ID]; ok {
			return ErrConflict
		}
		for _, existing := range st.users {
			if existing.Email == user.Email {
				return ErrConflict
			}
		}
		st.users[user.ID] = *user
		return nil
	})
}

func (u memUsers) Find(ctx context.Context, id string) (*User, error) {
	var out *User
	err := u.a.run(func(st *memState) error {
		user, ok := st.users[id]
		if !ok {
			return ErrNotFound
		}
		out = &user
		return nil
	})
	return out, err
}

func (u memUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	var out *User
	err := u.a.run(func(st *memState) error {
		for _, user := range st.users {
			if user.Email == email {
				user := user
				out = &user
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (u memUsers) Update(ctx context.Context, user *User) error {
	return u.a.run(func(st *memState) error {
		if _, ok := st.users[user.ID]; !ok {
			return ErrNotFound
		}
		st.users[user.ID] = *user
		return nil
	})
}

// Applications --------------------------------------------------------------

type memApps struct{ a memAccess }

func (s memApps) Create(ctx context.Context, app *Application) error {
	return s.a.run(func(st *memState) error {
		if _, ok := st.apps[app.ID]; ok {
			return ErrConflict
		}
		for _, existing := range st.apps {
			if existing.Code == app.Code {
				return ErrConflict
			}
		}
		st.apps[app.ID] = *app
		return nil
	})
}

func (s memApps) Find(ctx context.Context, id string) (*Application, error) {
	var out *Application
	err := s.a.run(func(st *memState) error {
		app, ok := st.apps[id]
		if !ok {
			return ErrNotFound
		}
		out = &app
		return nil
	})
	return out, err
}

func (s memApps) FindByCode(ctx context.Context, code string) (*Application, error) {
	var out *Application
	err := s.a.run(func(st *memState) error {
		for _, app := range st.apps {
			if app.Code == code {
				app := app
				out = &app
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s memApps) Update(ctx context.Context, app *Application) error {
	return s.a.run(func(st *memState) error {
		if _, ok := st.apps[app.ID]; !ok {
			return ErrNotFound
		}
		st.apps[app.ID] = *app
		return nil
	})
}

func (s memApps) List(ctx context.Context) ([]*Application, error) {
	var out []*Application
	err := s.a.run(func(st *memState) error {
		for _, app := range st.apps {
			app := app
			out = append(out, &app)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, err
}

// Application roles ---------------------------------------------------------

type memAppRoles struct{ a memAccess }

func (s memAppRoles) Create(ctx context.Context, role *ApplicationRole) error {
	return s.a.run(func(st *memState) error {
		if _, ok := st.appRoles[role.ID]; ok {
			return ErrConflict
		}
		for _, existing := range st.appRoles {
			if existing.ApplicationID == role.ApplicationID && strings.EqualFold(existing.Name, role.Name) {
				return ErrConflict
			}
			if role.Default && existing.ApplicationID == role.ApplicationID && existing.Default {
				return ErrConflict
			}
		}
		st.appRoles[role.ID] = *role
		return nil
	})
}

func (s memAppRoles) Find(ctx context.Context, id string) (*ApplicationRole, error) {
	var out *ApplicationRole
	err := s.a.run(func(st *memState) error {
		role, ok := st.appRoles[id]
		if !ok {
			return ErrNotFound
		}
		out = &role
		return nil
	})
	return out, err
}

func (s memAppRoles) FindByName(ctx context.Context, applicationID, name string) (*ApplicationRole, error) {
	var out *ApplicationRole
	err := s.a.run(func(st *memState) error {
		for _, role := range st.appRoles {
			if role.ApplicationID == applicationID && strings.EqualFold(role.Name, name) {
				role := role
				out = &role
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s memAppRoles) FindDefault(ctx context.Context, applicationID string) (*ApplicationRole, error) {
	var out *ApplicationRole
	err := s.a.run(func(st *memState) error {
		for _, role := range st.appRoles {
			if role.ApplicationID == applicationID && role.Default {
				role := role
				out = &role
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s memAppRoles) ListForApplication(ctx context.Context, applicationID string) ([]*ApplicationRole, error) {
	var out []*ApplicationRole
	err := s.a.run(func(st *memState) error {
		for _, role := range st.appRoles {
			if role.ApplicationID == applicationID {
				role := role
				out = append(out, &role)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func (s memAppRoles) Update(ctx context.Context, role *ApplicationRole) error {
	return s.a.run(func(st *memState) error {
		if _, ok := st.appRoles[role.ID]; !ok {
			return ErrNotFound
		}
		if role.Default {
			for _, existing := range st.appRoles {
				if existing.ApplicationID == role.ApplicationID && existing.Default && existing.ID != role.ID {
					return ErrConflict
				}
			}
		}
		st.appRoles[role.ID] = *role
		return nil
	})
}

func (s memAppRoles) ClearDefault(ctx context.Context, applicationID string) error {
	return s.a.run(func(st *memState) error {
		for id, role := range st.appRoles {
			if role.ApplicationID == applicationID && role.Default {
				role.Default = false
				st.appRoles[id] = role
			}
		}
		return nil
	})
}

func (s memAppRoles) Delete(ctx context.Context, id string) error {
	return s.a.run(func(st *memState) error {
		if _, ok := st.appRoles[id]; !ok {
			return ErrNotFound
		}
		for _, m := range st.memberships {
			if m.RoleID == id {
				return ErrConflict
			}
		}
		delete(st.appRoles, id)
		delete(st.rolePerms, id)
		return nil
	})
}

// System roles --------------------------------------------------------------

type memSysRoles struct{ a memAccess }

func (s memSysRoles) Create(ctx context.Context, role *SystemRole) error {
	return s.a.run(func(st *memState) error {
		if _, ok := st.sysRoles[role.ID]; ok {
			return ErrConflict
		}
		for _, existing := range st.sysRoles {
			if strings.EqualFold(existing.Name, role.Name) {
				return ErrConflict
			}
		}
		st.sysRoles[role.ID] = *role
		return nil
	})
}

func (s memSysRoles) Find(ctx context.Context, id string) (*SystemRole, error) {
	var out *SystemRole
	err := s.a.run(func(st *memState) error {
		role, ok := st.sysRoles[id]
		if !ok {
			return ErrNotFound
		}
		out = &role
		return nil
	})
	return out, err
}

func (s memSysRoles) FindByName(ctx context.Context, name string) (*SystemRole, error) {
	var out *SystemRole
	err := s.a.run(func(st *memState) error {
		for _, role := range st.sysRoles {
			if strings.EqualFold(role.Name, name) {
				role := role
				out = &role
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s memSysRoles) List(ctx context.Context) ([]*SystemRole, error) {
	var out []*SystemRole
	err := s.a.run(func(st *memState) error {
		for _, role := range st.sysRoles {
			role := role
			out = append(out, &role)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func (s memSysRoles) Update(ctx context.Context, role *SystemRole) error {
	return s.a.run(func(st *memState) error {
		if _, ok := st.sysRoles[role.ID]; !ok {
			return ErrNotFound
		}
		st.sysRoles[role.ID] = *role
		return nil
	})
}

func (s memSysRoles) Delete(ctx context.Context, id string) error {
	return s.a.run(func(st *memState) error {
		if _, ok := st.sysRoles[id]; !ok {
			return ErrNotFound
		}
		delete(st.sysRoles, id)
		delete(st.rolePerms, id)
		for _, set := range st.sysAssign {
			delete(set, id)
		}
		return nil
	})
}

func (s memSysRoles) Assign(ctx context.Context, userID, roleID string) error {
	return s.a.run(func(st *memState) error {
		set, ok := st.sysAssign[userID]
		if !ok {
			set = map[string]struct{}{}
			st.sysAssign[userID] = set
		}
		set[roleID] = struct{}{}
		return nil
	})
}

func (s memSysRoles) Unassign(ctx context.Context, userID, roleID string) error {
	return s.a.run(func(st *memState) error {
		set, ok := st.sysAssign[userID]
		if !ok {
			return ErrNotFound
		}
		if _, ok := set[roleID]; !ok {
			return ErrNotFound
		}
		delete(set, roleID)
		return nil
	})
}

func (s memSysRoles) RolesForUser(ctx context.Context, userID string) ([]*SystemRole, error) {
	var out []*SystemRole
	err := s.a.run(func(st *memState) error {
		for roleID := range st.sysAssign[userID] {
			if role, ok := st.sysRoles[roleID]; ok {
				role := role
				out = append(out, &role)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func (s memSysRoles) AssignmentCount(ctx context.Context, roleID string) (int, error) {
	var n int
	err := s.a.run(func(st *memState) error {
		for _, set := range st.sysAssign {
			if _, ok := set[roleID]; ok {
				n++
			}
		}
		return nil
	})
	return n, err
}

// Permissions ---------------------------------------------------------------

type memPerms struct{ a memAccess }

func (s memPerms) Ensure(ctx context.Context, perms []Permission) error {
	return s.a.run(func(st *memState) error {
		for _, p := range perms {
			exists := false
			for _, existing := range st.perms {
				if existing.Key == p.Key {
					exists = true
					break
				}
			}
			if !exists {
				st.perms[p.ID] = p
			}
		}
		return nil
	})
}

func (s memPerms) Find(ctx context.Context, id string) (*Permission, error) {
	var out *Permission
	err := s.a.run(func(st *memState) error {
		p, ok := st.perms[id]
		if !ok {
			return ErrNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (s memPerms) List(ctx context.Context) ([]Permission, error) {
	var out []Permission
	err := s.a.run(func(st *memState) error {
		for _, p := range st.perms {
			out = append(out, p)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, err
}

func (s memPerms) AddToRole(ctx context.Context, roleID, permissionID string) error {
	return s.a.run(func(st *memState) error {
		set, ok := st.rolePerms[roleID]
		if !ok {
			set = map[string]struct{}{}
			st.rolePerms[roleID] = set
		}
		if _, ok := set[permissionID]; ok {
			return ErrConflict
		}
		set[permissionID] = struct{}{}
		return nil
	})
}

func (s memPerms) RemoveFromRole(ctx context.Context, roleID, permissionID string) error {
	return s.a.run(func(st *memState) error {
		set, ok := st.rolePerms[roleID]
		if !ok {
			return ErrNotFound
		}
		if _, ok := set[permissionID]; !ok {
			return ErrNotFound
		}
		delete(set, permissionID)
		return nil
	})
}

func (s memPerms) KeysForRole(ctx context.Context, roleID string) ([]string, error) {
	var out []string
	err := s.a.run(func(st *memState) error {
		for permID := range st.rolePerms[roleID] {
			if p, ok := st.perms[permID]; ok {
				out = append(out, p.Key)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// Memberships ---------------------------------------------------------------

type memMemberships struct{ a memAccess }

func (s memMemberships) Create(ctx context.Context, m *Membership) error {
	return s.a.run(func(st *memState) error {
		key := membershipKey(m.UserID, m.ApplicationID)
		if _, ok := st.memberships[key]; ok {
			return ErrConflict
		}
		st.memberships[key] = *m
		return nil
	})
}

func (s memMemberships) Find(ctx context.Context, userID, applicationID string) (*Membership, error) {
	var out *Membership
	err := s.a.run(func(st *memState) error {
		m, ok := st.memberships[membershipKey(userID, applicationID)]
		if !ok {
			return ErrNotFound
		}
		out = &m
		return nil
	})
	return out, err
}

func (s memMemberships) Update(ctx context.Context, m *Membership) error {
	return s.a.run(func(st *memState) error {
		key := membershipKey(m.UserID, m.ApplicationID)
		if _, ok := st.memberships[key]; !ok {
			return ErrNotFound
		}
		st.memberships[key] = *m
		return nil
	})
}

func (s memMemberships) Delete(ctx context.Context, userID, applicationID string) error {
	return s.a.run(func(st *memState) error {
		key := membershipKey(userID, applicationID)
		if _, ok := st.memberships[key]; !ok {
			return ErrNotFound
		}
		delete(st.memberships, key)
		return nil
	})
}

func (s memMemberships) view(st *memState, m Membership) MembershipView {
	v := MembershipView{Membership: m}
	if user, ok := st.users[m.UserID]; ok {
		v.UserEmail = user.Email
	}
	if role, ok := st.appRoles[m.RoleID]; ok {
		v.RoleName = role.Name
	}
	if app, ok := st.apps[m.ApplicationID]; ok {
		v.AppCode = app.Code
	}
	return v
}

func (s memMemberships) ListForUser(ctx context.Context, userID string) ([]MembershipView, error) {
	out := []MembershipView{}
	err := s.a.run(func(st *memState) error {
		for _, m := range st.memberships {
			if m.UserID == userID {
				out = append(out, s.view(st, m))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AppCode < out[j].AppCode })
	return out, err
}

func (s memMemberships) ListForApplication(ctx context.Context, applicationID string, page Page) ([]MembershipView, int, error) {
	var all []MembershipView
	err := s.a.run(func(st *memState) error {
		needle := strings.ToLower(page.Search)
		for _, m := range st.memberships {
			if m.ApplicationID != applicationID {
				continue
			}
			v := s.view(st, m)
			if needle != "" &&
				!strings.Contains(strings.ToLower(v.UserEmail), needle) &&
				!strings.Contains(strings.ToLower(v.RoleName), needle) {
				continue
			}
			all = append(all, v)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UserEmail < all[j].UserEmail })
	total := len(all)
	start := page.Offset()
	if start >= total {
		return []MembershipView{}, total, nil
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// Refresh tokens ------------------------------------------------------------

type memTokens struct{ a memAccess }

func (s memTokens) Create(ctx context.Context, tok *RefreshToken) error {
	return s.a.run(func(st *memState) error {
		if _, ok := st.tokens[tok.ID]; ok {
			return ErrConflict
		}
		st.tokens[tok.ID] = *tok
		return nil
	})
}

func (s memTokens) FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var out *RefreshToken
	err := s.a.run(func(st *memState) error {
		for _, tok := range st.tokens {
			if tok.TokenHash == tokenHash {
				tok := tok
				out = &tok
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s memTokens) MarkRotated(ctx context.Context, id, replacedBy string) error {
	return s.a.run(func(st *memState) error {
		tok, ok := st.tokens[id]
		if !ok {
			return ErrNotFound
		}
		if tok.Revoked {
			return ErrConflict
		}
		tok.Revoked = true
		tok.ReplacedBy = replacedBy
		tok.Reason = "rotated"
		st.tokens[id] = tok
		return nil
	})
}

func (s memTokens) Revoke(ctx context.Context, id, reason string) error {
	return s.a.run(func(st *memState) error {
		tok, ok := st.tokens[id]
		if !ok {
			return ErrNotFound
		}
		if tok.Revoked {
			return ErrConflict
		}
		tok.Revoked = true
		tok.Reason = reason
		st.tokens[id] = tok
		return nil
	})
}

func (s memTokens) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	return s.a.run(func(st *memState) error {
		for id, tok := range st.tokens {
			if tok.UserID == userID && !tok.Revoked {
				tok.Revoked = true
				tok.Reason = reason
				st.tokens[id] = tok
			}
		}
		return nil
	})
}
