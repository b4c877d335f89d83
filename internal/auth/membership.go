package auth

import (
	"context"
	"errors"
	"time"
)

// Memberships is the ledger of user-application bindings.
type Memberships struct {
	store  Store
	events *Events
	now    func() time.Time
}

// NewMemberships constructs the membership ledger. events may be nil.
func NewMemberships(store Store, events *Events) *Memberships {
	return &Memberships{store: store, events: events, now: time.Now}
}

// Assign binds a user to an application under the given role, or under the
// application's default role when roleID is empty. The application resolves
// by id first, then by code. Exactly one membership may exist per
// (user, application) pair.
func (m *Memberships) Assign(ctx context.Context, userID, applicationRef, roleID string) (*Membership, error) {
	now := m.now().UTC()
	var membership *Membership
	err := m.store.InTx(ctx, func(tx Store) error {
		if _, err := tx.Users().Find(ctx, userID); err != nil {
			return err
		}
		app, err := tx.Applications().Find(ctx, applicationRef)
		if errors.Is(err, ErrNotFound) {
			app, err = tx.Applications().FindByCode(ctx, NormalizeAppCode(applicationRef))
		}
		if errors.Is(err, ErrNotFound) {
			return Reject(ErrNotFound, "application not found")
		}
		if err != nil {
			return err
		}
		if existing, err := tx.Memberships().Find(ctx, userID, app.ID); err == nil && existing != nil {
			return Reject(ErrConflict, "user is already assigned to this application")
		}

		var role *ApplicationRole
		if roleID == "" {
			role, err = tx.ApplicationRoles().FindDefault(ctx, app.ID)
			if err != nil {
				return Reject(ErrInvalidOperation, "application has no default role; specify one explicitly")
			}
		} else {
			role, err = tx.ApplicationRoles().Find(ctx, roleID)
			if err != nil {
				return err
			}
		}
		if role.ApplicationID != app.ID {
			return Reject(ErrInvalidOperation, "role belongs to a different application")
		}
		if !role.Active {
			return Reject(ErrInvalidOperation, "cannot assign an inactive role")
		}

		membership = &Membership{
			UserID:        userID,
			ApplicationID: app.ID,
			RoleID:        role.ID,
			Active:        true,
			AssignedAt:    now,
		}
		return tx.Memberships().Create(ctx, membership)
	})
	if err != nil {
		return nil, err
	}
	m.events.emit("membership.assigned", now, map[string]string{
		"user_id":        userID,
		"application_id": membership.ApplicationID,
		"role_id":        membership.RoleID,
	})
	return membership, nil
}

// ChangeRole swaps the membership's role in place. The new role must belong
// to the membership's application and must be active.
func (m *Memberships) ChangeRole(ctx context.Context, userID, applicationID, newRoleID string) error {
	now := m.now().UTC()
	err := m.store.InTx(ctx, func(tx Store) error {
		membership, err := tx.Memberships().Find(ctx, userID, applicationID)
		if err != nil {
			return err
		}
		role, err := tx.ApplicationRoles().Find(ctx, newRoleID)
		if err != nil {
			return err
		}
		if role.ApplicationID != membership.ApplicationID {
			return Reject(ErrInvalidOperation, "role belongs to a different application")
		}
		if !role.Active {
			return Reject(ErrInvalidOperation, "cannot assign an inactive role")
		}
		membership.RoleID = role.ID
		return tx.Memberships().Update(ctx, membership)
	})
	if err != nil {
		return err
	}
	m.events.emit("membership.role_changed", now, map[string]string{
		"user_id":        userID,
		"application_id": applicationID,
		"role_id":        newRoleID,
	})
	return nil
}

// SetActive toggles a membership without removing it. Already-issued tokens
// are unaffected; new logins under an inactive membership are rejected.
func (m *Memberships) SetActive(ctx context.Context, userID, applicationID string, active bool) error {
	return m.store.InTx(ctx, func(tx Store) error {
		membership, err := tx.Memberships().Find(ctx, userID, applicationID)
		if err != nil {
			return err
		}
		if membership.Active == active {
			return nil
		}
		membership.Active = active
		return tx.Memberships().Update(ctx, membership)
	})
}

// Remove hard-deletes the membership row.
func (m *Memberships) Remove(ctx context.Context, userID, applicationID string) error {
	now := m.now().UTC()
	err := m.store.InTx(ctx, func(tx Store) error {
		if _, err := tx.Memberships().Find(ctx, userID, applicationID); err != nil {
			return err
		}
		return tx.Memberships().Delete(ctx, userID, applicationID)
	})
	if err != nil {
		return err
	}
	m.events.emit("membership.removed", now, map[string]string{
		"user_id":        userID,
		"application_id": applicationID,
	})
	return nil
}

// ListForUser returns all of a user's memberships with role and application
// details resolved.
func (m *Memberships) ListForUser(ctx context.Context, userID string) ([]MembershipView, error) {
	if _, err := m.store.Users().Find(ctx, userID); err != nil {
		return nil, err
	}
	return m.store.Memberships().ListForUser(ctx, userID)
}

// ListForApplication returns one page of an application's memberships. The
// optional search filters case-insensitively over user email and role name.
func (m *Memberships) ListForApplication(ctx context.Context, applicationID string, page Page) ([]MembershipView, int, error) {
	if err := page.Validate(); err != nil {
		return nil, 0, err
	}
	if _, err := m.store.Applications().Find(ctx, applicationID); err != nil {
		return nil, 0, err
	}
	return m.store.Memberships().ListForApplication(ctx, applicationID, page)
}
