package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"signet.org/internal/ids"
)

// Catalog manages the two role catalogs: per-application roles (with the
// single-default invariant) and the admin-scoped system roles.
type Catalog struct {
	store  Store
	events *Events
	now    func() time.Time
}

// NewCatalog constructs the role catalog. events may be nil.
func NewCatalog(store Store, events *Events) *Catalog {
	return &Catalog{store: store, events: events, now: time.Now}
}

// CreateRole adds a role to an application's catalog. Role names are unique
// per application, case-insensitively. When isDefault is set, the previous
// default (if any) is cleared in the same transaction.
func (c *Catalog) CreateRole(ctx context.Context, applicationID, name, description string, isDefault bool) (*ApplicationRole, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, Reject(ErrInvalidInput, "role name is required")
	}
	now := c.now().UTC()
	role := &ApplicationRole{
		ID:            ids.New(),
		ApplicationID: applicationID,
		Name:          name,
		Description:   strings.TrimSpace(description),
		Active:        true,
		Default:       isDefault,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := c.store.InTx(ctx, func(tx Store) error {
		if _, err := tx.Applications().Find(ctx, applicationID); err != nil {
			return err
		}
		if existing, err := tx.ApplicationRoles().FindByName(ctx, applicationID, name); err == nil && existing != nil {
			return Rejectf(ErrConflict, "role %s already exists in this application", name)
		}
		if isDefault {
			if err := tx.ApplicationRoles().ClearDefault(ctx, applicationID); err != nil {
				return err
			}
		}
		return tx.ApplicationRoles().Create(ctx, role)
	})
	if err != nil {
		return nil, err
	}
	c.events.emit("role.created", now, map[string]string{"role_id": role.ID, "application_id": applicationID, "name": name})
	return role, nil
}

// SetAsDefault makes the role its application's default, atomically clearing
// the previous default. Both writes commit or roll back together.
func (c *Catalog) SetAsDefault(ctx context.Context, roleID string) error {
	now := c.now().UTC()
	var appID string
	err := c.store.InTx(ctx, func(tx Store) error {
		role, err := tx.ApplicationRoles().Find(ctx, roleID)
		if err != nil {
			return err
		}
		if !role.Active {
			return Reject(ErrInvalidOperation, "an inactive role cannot be the default")
		}
		if role.Default {
			return nil
		}
		if err := tx.ApplicationRoles().ClearDefault(ctx, role.ApplicationID); err != nil {
			return err
		}
		role.Default = true
		role.UpdatedAt = now
		appID = role.ApplicationID
		return tx.ApplicationRoles().Update(ctx, role)
	})
	if err != nil {
		return err
	}
	if appID != "" {
		c.events.emit("role.set_default", now, map[string]string{"role_id": roleID, "application_id": appID})
	}
	return nil
}

// SetRoleActive toggles a role. The current default role cannot be
// deactivated; promote another role first. Deactivation blocks new
// assignments and logins under the role but does not revoke issued tokens.
func (c *Catalog) SetRoleActive(ctx context.Context, roleID string, active bool) error {
	now := c.now().UTC()
	return c.store.InTx(ctx, func(tx Store) error {
		role, err := tx.ApplicationRoles().Find(ctx, roleID)
		if err != nil {
			return err
		}
		if !active && role.Default {
			return Reject(ErrInvalidOperation, "cannot deactivate the default role")
		}
		if role.Active == active {
			return nil
		}
		role.Active = active
		role.UpdatedAt = now
		return tx.ApplicationRoles().Update(ctx, role)
	})
}

// DeleteRole removes a role from its application's catalog. The current
// default cannot be deleted, and a role still referenced by memberships is
// reported as a conflict by the store.
func (c *Catalog) DeleteRole(ctx context.Context, roleID string) error {
	return c.store.InTx(ctx, func(tx Store) error {
		role, err := tx.ApplicationRoles().Find(ctx, roleID)
		if err != nil {
			return err
		}
		if role.Default {
			return Reject(ErrInvalidOperation, "cannot delete the default role")
		}
		return tx.ApplicationRoles().Delete(ctx, roleID)
	})
}

// FindRole returns an application role by id.
func (c *Catalog) FindRole(ctx context.Context, roleID string) (*ApplicationRole, error) {
	return c.store.ApplicationRoles().Find(ctx, roleID)
}

// ListRoles returns an application's role catalog.
func (c *Catalog) ListRoles(ctx context.Context, applicationID string) ([]*ApplicationRole, error) {
	if _, err := c.store.Applications().Find(ctx, applicationID); err != nil {
		return nil, err
	}
	return c.store.ApplicationRoles().ListForApplication(ctx, applicationID)
}

// AddPermission links a permission to a role (application or system; role ids
// are globally unique). Adding an already-present permission is a conflict so
// caller bugs surface instead of silently no-opping.
func (c *Catalog) AddPermission(ctx context.Context, roleID, permissionID string) error {
	return c.store.InTx(ctx, func(tx Store) error {
		if err := resolveRole(ctx, tx, roleID); err != nil {
			return err
		}
		if _, err := tx.Permissions().Find(ctx, permissionID); err != nil {
			return err
		}
		return tx.Permissions().AddToRole(ctx, roleID, permissionID)
	})
}

// resolveRole checks a role id against both catalogs. The link table carries
// no FK on role_id, so the catalog has to reject ghost roles itself.
func resolveRole(ctx context.Context, tx Store, roleID string) error {
	_, err := tx.ApplicationRoles().Find(ctx, roleID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err = tx.SystemRoles().Find(ctx, roleID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return Reject(ErrNotFound, "role not found")
}

// RemovePermission unlinks a permission from a role. Removing an absent
// permission fails with NotFound.
func (c *Catalog) RemovePermission(ctx context.Context, roleID, permissionID string) error {
	return c.store.Permissions().RemoveFromRole(ctx, roleID, permissionID)
}

// DeclarePermissions upserts catalog entries by key. Declaring an existing key
// again is a no-op, so services can re-declare their permission set on deploy.
func (c *Catalog) DeclarePermissions(ctx context.Context, perms []Permission) error {
	if len(perms) == 0 {
		return Reject(ErrInvalidInput, "at least one permission is required")
	}
	now := c.now().UTC()
	for i := range perms {
		perms[i].Key = strings.TrimSpace(perms[i].Key)
		if perms[i].Key == "" {
			return Reject(ErrInvalidInput, "permission key is required")
		}
		if perms[i].ID == "" {
			perms[i].ID = ids.New()
		}
		if perms[i].CreatedAt.IsZero() {
			perms[i].CreatedAt = now
		}
	}
	return c.store.Permissions().Ensure(ctx, perms)
}

// ListPermissions returns the whole permission catalog ordered by key.
func (c *Catalog) ListPermissions(ctx context.Context) ([]Permission, error) {
	return c.store.Permissions().List(ctx)
}

// CreateSystemRole adds an admin-scoped role. Names are unique
// case-insensitively; there is no default-role concept here.
func (c *Catalog) CreateSystemRole(ctx context.Context, name, description string) (*SystemRole, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, Reject(ErrInvalidInput, "role name is required")
	}
	now := c.now().UTC()
	role := &SystemRole{
		ID:          ids.New(),
		Name:        name,
		Description: strings.TrimSpace(description),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := c.store.InTx(ctx, func(tx Store) error {
		if existing, err := tx.SystemRoles().FindByName(ctx, name); err == nil && existing != nil {
			return Rejectf(ErrConflict, "system role %s already exists", name)
		}
		return tx.SystemRoles().Create(ctx, role)
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// SetSystemRoleActive toggles a system role. Deactivation is the soft-delete
// path used when the role still has assignments.
func (c *Catalog) SetSystemRoleActive(ctx context.Context, roleID string, active bool) error {
	now := c.now().UTC()
	return c.store.InTx(ctx, func(tx Store) error {
		role, err := tx.SystemRoles().Find(ctx, roleID)
		if err != nil {
			return err
		}
		if role.Active == active {
			return nil
		}
		role.Active = active
		role.UpdatedAt = now
		return tx.SystemRoles().Update(ctx, role)
	})
}

// DeleteSystemRole hard-deletes a system role with no assignments. With
// assignments present the delete fails with a conflict; deactivate instead.
func (c *Catalog) DeleteSystemRole(ctx context.Context, roleID string) error {
	return c.store.InTx(ctx, func(tx Store) error {
		if _, err := tx.SystemRoles().Find(ctx, roleID); err != nil {
			return err
		}
		n, err := tx.SystemRoles().AssignmentCount(ctx, roleID)
		if err != nil {
			return err
		}
		if n > 0 {
			return Reject(ErrConflict, "system role still has user assignments; deactivate it instead")
		}
		return tx.SystemRoles().Delete(ctx, roleID)
	})
}

// AssignSystemRole grants an admin-scoped role. Only SystemAdmin principals
// may hold system roles.
func (c *Catalog) AssignSystemRole(ctx context.Context, userID, roleID string) error {
	now := c.now().UTC()
	err := c.store.InTx(ctx, func(tx Store) error {
		user, err := tx.Users().Find(ctx, userID)
		if err != nil {
			return err
		}
		if user.Kind != KindSystemAdmin {
			return Reject(ErrInvalidOperation, "system roles can only be assigned to system administrators")
		}
		role, err := tx.SystemRoles().Find(ctx, roleID)
		if err != nil {
			return err
		}
		if !role.Active {
			return Reject(ErrInvalidOperation, "cannot assign an inactive role")
		}
		return tx.SystemRoles().Assign(ctx, userID, roleID)
	})
	if err != nil {
		return err
	}
	c.events.emit("system_role.assigned", now, map[string]string{"user_id": userID, "role_id": roleID})
	return nil
}

// UnassignSystemRole revokes an admin-scoped role grant.
func (c *Catalog) UnassignSystemRole(ctx context.Context, userID, roleID string) error {
	return c.store.SystemRoles().Unassign(ctx, userID, roleID)
}

// ListSystemRoles returns the admin-scoped catalog.
func (c *Catalog) ListSystemRoles(ctx context.Context) ([]*SystemRole, error) {
	return c.store.SystemRoles().List(ctx)
}
