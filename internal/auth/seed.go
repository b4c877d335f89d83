package auth

import (
	"context"
	"errors"

	"signet.org/internal/ids"
)

// SuperAdminRole is the bootstrap system role granted to the seeded admin.
const SuperAdminRole = "SuperAdmin"

// EnsureDefaultAdmin is the idempotent bootstrap invoked once at process
// start: it guarantees a SystemAdmin account with the given credentials
// exists and holds the SuperAdmin system role. Re-running it is a no-op for
// an already-seeded store; it never overwrites an existing account's
// password.
func (s *Service) EnsureDefaultAdmin(ctx context.Context, email, password string) error {
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return Reject(ErrInvalidInput, "a valid admin email is required")
	}
	if err := checkPassword(password); err != nil {
		return err
	}

	now := s.now().UTC()
	return s.store.InTx(ctx, func(tx Store) error {
		role, err := tx.SystemRoles().FindByName(ctx, SuperAdminRole)
		if errors.Is(err, ErrNotFound) {
			role = &SystemRole{
				ID:          ids.New(),
				Name:        SuperAdminRole,
				Description: "Full control over the authentication service",
				Active:      true,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.SystemRoles().Create(ctx, role); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		user, err := tx.Users().FindByEmail(ctx, email)
		if errors.Is(err, ErrNotFound) {
			hash, err := HashSecret(password)
			if err != nil {
				return err
			}
			user = &User{
				ID:             ids.New(),
				Email:          email,
				PasswordHash:   hash,
				Kind:           KindSystemAdmin,
				Active:         true,
				EmailConfirmed: true,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.Users().Create(ctx, user); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		if user.Kind != KindSystemAdmin {
			return Reject(ErrConflict, "seed email belongs to a non-admin account")
		}

		roles, err := tx.SystemRoles().RolesForUser(ctx, user.ID)
		if err != nil {
			return err
		}
		for _, r := range roles {
			if r.ID == role.ID {
				return nil
			}
		}
		return tx.SystemRoles().Assign(ctx, user.ID, role.ID)
	})
}
