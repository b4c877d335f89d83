package auth

import "context"

// Store is the persistence port required by the core. Implementations must
// provide transactional unit-of-work semantics through InTx: every write made
// through the Store handed to fn commits or rolls back together.
type Store interface {
	Users() UserStore
	Applications() ApplicationStore
	ApplicationRoles() ApplicationRoleStore
	SystemRoles() SystemRoleStore
	Permissions() PermissionStore
	Memberships() MembershipStore
	RefreshTokens() RefreshTokenStore

	// InTx runs fn against a Store bound to a single transaction. If fn
	// returns an error or ctx is cancelled, nothing fn wrote is visible.
	InTx(ctx context.Context, fn func(tx Store) error) error
}

// UserStore manages principal accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
}

// ApplicationStore manages tenant records.
type ApplicationStore interface {
	Create(ctx context.Context, app *Application) error
	Find(ctx context.Context, id string) (*Application, error)
	FindByCode(ctx context.Context, code string) (*Application, error)
	Update(ctx context.Context, app *Application) error
	List(ctx context.Context) ([]*Application, error)
}

// ApplicationRoleStore manages per-application role catalogs.
type ApplicationRoleStore interface {
	Create(ctx context.Context, role *ApplicationRole) error
	Find(ctx context.Context, id string) (*ApplicationRole, error)
	FindByName(ctx context.Context, applicationID, name string) (*ApplicationRole, error)
	FindDefault(ctx context.Context, applicationID string) (*ApplicationRole, error)
	ListForApplication(ctx context.Context, applicationID string) ([]*ApplicationRole, error)
	Update(ctx context.Context, role *ApplicationRole) error
	// ClearDefault unsets the default flag on whichever role currently
	// carries it for the application. No-op when none does.
	ClearDefault(ctx context.Context, applicationID string) error
	Delete(ctx context.Context, id string) error
}

// SystemRoleStore manages the admin-scoped role catalog and its assignments.
type SystemRoleStore interface {
	Create(ctx context.Context, role *SystemRole) error
	Find(ctx context.Context, id string) (*SystemRole, error)
	FindByName(ctx context.Context, name string) (*SystemRole, error)
	List(ctx context.Context) ([]*SystemRole, error)
	Update(ctx context.Context, role *SystemRole) error
	Delete(ctx context.Context, id string) error
	Assign(ctx context.Context, userID, roleID string) error
	Unassign(ctx context.Context, userID, roleID string) error
	RolesForUser(ctx context.Context, userID string) ([]*SystemRole, error)
	AssignmentCount(ctx context.Context, roleID string) (int, error)
}

// PermissionStore manages the permission catalog and role-permission links.
// Role ids are globally unique, so one link table serves both catalogs.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	Find(ctx context.Context, id string) (*Permission, error)
	List(ctx context.Context) ([]Permission, error)
	AddToRole(ctx context.Context, roleID, permissionID string) error
	RemoveFromRole(ctx context.Context, roleID, permissionID string) error
	KeysForRole(ctx context.Context, roleID string) ([]string, error)
}

// MembershipView is a membership joined with the fields the paginated
// queries search over.
type MembershipView struct {
	Membership
	UserEmail string `json:"user_email"`
	RoleName  string `json:"role_name"`
	AppCode   string `json:"application_code"`
}

// MembershipStore manages user-application bindings.
type MembershipStore interface {
	Create(ctx context.Context, m *Membership) error
	Find(ctx context.Context, userID, applicationID string) (*Membership, error)
	Update(ctx context.Context, m *Membership) error
	Delete(ctx context.Context, userID, applicationID string) error
	ListForUser(ctx context.Context, userID string) ([]MembershipView, error)
	ListForApplication(ctx context.Context, applicationID string, page Page) ([]MembershipView, int, error)
}

// RefreshTokenStore manages the refresh-token ledger. Raw tokens are globally
// unique, so lookup by hash needs no owner. MarkRotated and Revoke only touch
// unrevoked rows: under concurrent rotation of the same token, exactly one
// caller succeeds and the rest observe ErrConflict.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	MarkRotated(ctx context.Context, id, replacedBy string) error
	Revoke(ctx context.Context, id, reason string) error
	RevokeAllForUser(ctx context.Context, userID, reason string) error
}
