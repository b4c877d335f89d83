package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"signet.org/internal/ids"
)

// Reference policy lifetimes. All three are configuration through options but
// fall back to these when unset.
const (
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultResetTTL   = time.Hour

	minPasswordLen = 8
)

// Service is the authentication orchestrator: the login, refresh, logout and
// password-reset state machines. Every flow runs its checks in a fixed order
// inside one store transaction; domain events are dispatched only after the
// transaction commits.
type Service struct {
	store  Store
	events *Events
	issuer *Issuer
	now    func() time.Time

	secret     []byte
	issuerName string
	accessTTL  time.Duration
	refreshTTL time.Duration
	resetTTL   time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithResetTTL configures the password-reset token window.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.resetTTL = ttl
		}
		return nil
	}
}

// WithIssuerName overrides the token issuer claim.
func WithIssuerName(name string) ServiceOption {
	return func(s *Service) error {
		s.issuerName = strings.TrimSpace(name)
		return nil
	}
}

// WithEvents attaches an observer list for post-commit event dispatch.
func WithEvents(events *Events) ServiceOption {
	return func(s *Service) error {
		s.events = events
		return nil
	}
}

// NewService constructs the orchestrator.
func NewService(store Store, signingSecret []byte, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	s := &Service{
		store:      store,
		now:        time.Now,
		secret:     signingSecret,
		issuerName: "signet",
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		resetTTL:   defaultResetTTL,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	issuer, err := NewIssuer(s.secret, s.issuerName, s.accessTTL, s.refreshTTL, s.now)
	if err != nil {
		return nil, err
	}
	s.issuer = issuer
	return s, nil
}

// Issuer exposes the token issuer, primarily so the HTTP layer can verify
// bearer tokens.
func (s *Service) Issuer() *Issuer { return s.issuer }

// Login authenticates credentials and issues a token pair. applicationRef may
// be an application id or code; empty means no application context, which for
// a Regular principal yields the deliberately low-privilege unscoped token.
//
// The gate order is fixed and security-relevant: unknown email and wrong
// password produce the identical generic message, while the inactive-account
// message is distinct because a correct password already implies existence.
func (s *Service) Login(ctx context.Context, email, password, applicationRef string) (TokenPair, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, Reject(ErrUnauthenticated, MsgInvalidCredentials)
	}

	now := s.now().UTC()
	var (
		pair TokenPair
		log  eventLog
	)
	err := s.store.InTx(ctx, func(tx Store) error {
		user, err := tx.Users().FindByEmail(ctx, email)
		if err != nil {
			return Reject(ErrUnauthenticated, MsgInvalidCredentials)
		}
		if !VerifySecret(password, user.PasswordHash) {
			return Reject(ErrUnauthenticated, MsgInvalidCredentials)
		}
		if !user.Active {
			return Reject(ErrUnauthenticated, MsgAccountInactive)
		}

		var (
			access        string
			accessExpires time.Time
			appID         string
		)
		switch {
		case user.Kind == KindSystemAdmin:
			// Admin tokens never carry application claims, even when the
			// caller supplied a context.
			roles, err := activeSystemRoles(ctx, tx, user.ID)
			if err != nil {
				return err
			}
			access, accessExpires, err = s.issuer.IssueForAdmin(user, roles)
			if err != nil {
				return err
			}

		case applicationRef != "":
			app, membership, role, perms, err := s.resolveScope(ctx, tx, user.ID, applicationRef)
			if err != nil {
				return err
			}
			access, accessExpires, err = s.issuer.IssueScoped(user, app, role, perms)
			if err != nil {
				return err
			}
			membership.LastAccessedAt = now
			if err := tx.Memberships().Update(ctx, membership); err != nil {
				return err
			}
			appID = app.ID

		default:
			access, accessExpires, err = s.issuer.IssueUnscoped(user)
			if err != nil {
				return err
			}
		}

		raw, rec, err := s.issuer.MintRefresh(user.ID, appID)
		if err != nil {
			return err
		}
		if err := tx.RefreshTokens().Create(ctx, rec); err != nil {
			return err
		}
		user.LastLoginAt = now
		user.UpdatedAt = now
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}

		pair = TokenPair{
			AccessToken:      access,
			RefreshToken:     raw,
			AccessExpiresAt:  accessExpires,
			RefreshExpiresAt: rec.ExpiresAt,
		}
		fields := map[string]string{"user_id": user.ID, "kind": string(user.Kind)}
		if appID != "" {
			fields["application_id"] = appID
		}
		log.add("auth.login", now, fields)
		return nil
	})
	if err != nil {
		return TokenPair{}, err
	}
	s.events.dispatch(log.events)
	return pair, nil
}

// resolveScope walks the application-context gates in order: application
// exists and is active, membership exists and is active, role is active.
func (s *Service) resolveScope(ctx context.Context, tx Store, userID, applicationRef string) (*Application, *Membership, *ApplicationRole, []string, error) {
	app, err := tx.Applications().Find(ctx, applicationRef)
	if errors.Is(err, ErrNotFound) {
		app, err = tx.Applications().FindByCode(ctx, NormalizeAppCode(applicationRef))
	}
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil, nil, Reject(ErrNotFound, "application not found")
	}
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if !app.Active {
		return nil, nil, nil, nil, Reject(ErrInvalidOperation, "application is inactive")
	}
	membership, err := tx.Memberships().Find(ctx, userID, app.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil, nil, Reject(ErrInvalidOperation, "user has no access to this application")
	}
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if !membership.Active {
		return nil, nil, nil, nil, Reject(ErrInvalidOperation, MsgMembershipInactive)
	}
	role, err := tx.ApplicationRoles().Find(ctx, membership.RoleID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if !role.Active {
		return nil, nil, nil, nil, Reject(ErrInvalidOperation, MsgRoleInactive)
	}
	perms, err := tx.Permissions().KeysForRole(ctx, role.ID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return app, membership, role, perms, nil
}

// Refresh exchanges a refresh token for a fresh pair, rotating the old token.
// Claims are re-derived from current role and permission state, which is how
// role changes eventually reach token holders. A token can win this exchange
// exactly once; replays get the same generic rejection as expired tokens.
func (s *Service) Refresh(ctx context.Context, rawToken string) (TokenPair, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return TokenPair{}, Reject(ErrUnauthenticated, MsgRefreshNotFound)
	}

	now := s.now().UTC()
	var (
		pair TokenPair
		log  eventLog
	)
	err := s.store.InTx(ctx, func(tx Store) error {
		rec, err := tx.RefreshTokens().FindByHash(ctx, HashToken(rawToken))
		if err != nil {
			return Reject(ErrUnauthenticated, MsgRefreshNotFound)
		}
		if !rec.Usable(now) {
			return Reject(ErrUnauthenticated, MsgInvalidRefresh)
		}
		user, err := tx.Users().Find(ctx, rec.UserID)
		if err != nil {
			return Reject(ErrUnauthenticated, MsgInvalidRefresh)
		}
		if !user.Active {
			return Reject(ErrUnauthenticated, MsgAccountInactive)
		}

		var (
			access        string
			accessExpires time.Time
		)
		switch {
		case user.Kind == KindSystemAdmin:
			roles, err := activeSystemRoles(ctx, tx, user.ID)
			if err != nil {
				return err
			}
			access, accessExpires, err = s.issuer.IssueForAdmin(user, roles)
			if err != nil {
				return err
			}
		case rec.ApplicationID != "":
			app, _, role, perms, err := s.resolveScope(ctx, tx, user.ID, rec.ApplicationID)
			if err != nil {
				return err
			}
			access, accessExpires, err = s.issuer.IssueScoped(user, app, role, perms)
			if err != nil {
				return err
			}
		default:
			access, accessExpires, err = s.issuer.IssueUnscoped(user)
			if err != nil {
				return err
			}
		}

		raw, next, err := s.issuer.MintRefresh(user.ID, rec.ApplicationID)
		if err != nil {
			return err
		}
		// Rotation: the consumed token is revoked and linked to its
		// replacement. MarkRotated only touches unrevoked rows, so a
		// concurrent rotation of the same token loses here.
		if err := tx.RefreshTokens().MarkRotated(ctx, rec.ID, next.ID); err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				return Reject(ErrUnauthenticated, MsgInvalidRefresh)
			}
			return err
		}
		if err := tx.RefreshTokens().Create(ctx, next); err != nil {
			return err
		}

		pair = TokenPair{
			AccessToken:      access,
			RefreshToken:     raw,
			AccessExpiresAt:  accessExpires,
			RefreshExpiresAt: next.ExpiresAt,
		}
		log.add("auth.refresh", now, map[string]string{"user_id": user.ID})
		return nil
	})
	if err != nil {
		return TokenPair{}, err
	}
	s.events.dispatch(log.events)
	return pair, nil
}

// Logout revokes the supplied refresh token, or every token the caller owns
// when rawToken is empty. The caller's identity comes from the validated
// access token, never from the request body. A token that does not belong to
// the caller gets the same generic failure as one that does not exist.
func (s *Service) Logout(ctx context.Context, userID, rawToken string) error {
	now := s.now().UTC()
	var log eventLog
	err := s.store.InTx(ctx, func(tx Store) error {
		if _, err := tx.Users().Find(ctx, userID); err != nil {
			return Reject(ErrUnauthenticated, "unknown session")
		}
		if rawToken == "" {
			if err := tx.RefreshTokens().RevokeAllForUser(ctx, userID, "logout"); err != nil {
				return err
			}
			log.add("auth.logout_all", now, map[string]string{"user_id": userID})
			return nil
		}
		rec, err := tx.RefreshTokens().FindByHash(ctx, HashToken(rawToken))
		if err != nil || rec.UserID != userID {
			return Reject(ErrInvalidOperation, "refresh token is not valid for this session")
		}
		if err := tx.RefreshTokens().Revoke(ctx, rec.ID, "logout"); err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				return Reject(ErrInvalidOperation, "refresh token is not valid for this session")
			}
			return err
		}
		log.add("auth.logout", now, map[string]string{"user_id": userID})
		return nil
	})
	if err != nil {
		return err
	}
	s.events.dispatch(log.events)
	return nil
}

// ForgotPassword starts a reset. It reports success whether or not the email
// exists; when it does, a fresh single-use token overwrites any outstanding
// one, so at most one reset token is live per user.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return Reject(ErrInvalidInput, "a valid email is required")
	}

	now := s.now().UTC()
	var log eventLog
	err := s.store.InTx(ctx, func(tx Store) error {
		user, err := tx.Users().FindByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil // enumeration defense: same outcome as success
			}
			return err
		}
		token, err := newResetToken()
		if err != nil {
			return err
		}
		user.ResetToken = token
		user.ResetExpiresAt = now.Add(s.resetTTL)
		user.UpdatedAt = now
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		log.add("auth.reset_requested", now, map[string]string{"user_id": user.ID})
		return nil
	})
	if err != nil {
		return err
	}
	s.events.dispatch(log.events)
	return nil
}

// ResetPassword completes a reset: the token must match and be unexpired. On
// success the password is rehashed, the reset token cleared, and every
// outstanding refresh token revoked, forcibly ending all sessions.
func (s *Service) ResetPassword(ctx context.Context, email, token, newPassword string) error {
	email = NormalizeEmail(email)
	if email == "" || token == "" {
		return Reject(ErrUnauthenticated, MsgResetInvalid)
	}
	if err := checkPassword(newPassword); err != nil {
		return err
	}

	now := s.now().UTC()
	var log eventLog
	err := s.store.InTx(ctx, func(tx Store) error {
		user, err := tx.Users().FindByEmail(ctx, email)
		if err != nil {
			return Reject(ErrUnauthenticated, MsgResetInvalid)
		}
		if user.ResetToken == "" || now.After(user.ResetExpiresAt) {
			return Reject(ErrUnauthenticated, MsgResetInvalid)
		}
		if subtle.ConstantTimeCompare([]byte(user.ResetToken), []byte(token)) != 1 {
			return Reject(ErrUnauthenticated, MsgResetInvalid)
		}
		hash, err := HashSecret(newPassword)
		if err != nil {
			return err
		}
		user.PasswordHash = hash
		user.ResetToken = ""
		user.ResetExpiresAt = time.Time{}
		user.UpdatedAt = now
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		if err := tx.RefreshTokens().RevokeAllForUser(ctx, user.ID, "password reset"); err != nil {
			return err
		}
		log.add("auth.password_reset", now, map[string]string{"user_id": user.ID})
		return nil
	})
	if err != nil {
		return err
	}
	s.events.dispatch(log.events)
	return nil
}

// ChangePassword rehashes the password after verifying the current one, then
// revokes every refresh token the user holds.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := checkPassword(next); err != nil {
		return err
	}
	now := s.now().UTC()
	var log eventLog
	err := s.store.InTx(ctx, func(tx Store) error {
		user, err := tx.Users().Find(ctx, userID)
		if err != nil {
			return err
		}
		if !VerifySecret(current, user.PasswordHash) {
			return Reject(ErrUnauthenticated, "current password is incorrect")
		}
		hash, err := HashSecret(next)
		if err != nil {
			return err
		}
		user.PasswordHash = hash
		user.UpdatedAt = now
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		if err := tx.RefreshTokens().RevokeAllForUser(ctx, user.ID, "password change"); err != nil {
			return err
		}
		log.add("auth.password_changed", now, map[string]string{"user_id": user.ID})
		return nil
	})
	if err != nil {
		return err
	}
	s.events.dispatch(log.events)
	return nil
}

// Register creates a Regular principal. The email-confirmed flag starts
// false; delivery of the confirmation is outside the core.
func (s *Service) Register(ctx context.Context, email, password string) (*User, error) {
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return nil, Reject(ErrInvalidInput, "a valid email is required")
	}
	if err := checkPassword(password); err != nil {
		return nil, err
	}
	hash, err := HashSecret(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Kind:         KindRegular,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.InTx(ctx, func(tx Store) error {
		if existing, err := tx.Users().FindByEmail(ctx, email); err == nil && existing != nil {
			return Reject(ErrConflict, "email is already registered")
		}
		return tx.Users().Create(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	s.events.emit("auth.registered", now, map[string]string{"user_id": user.ID})
	return user, nil
}

// ConfirmEmail flips the email-confirmed flag.
func (s *Service) ConfirmEmail(ctx context.Context, userID string) error {
	now := s.now().UTC()
	return s.store.InTx(ctx, func(tx Store) error {
		user, err := tx.Users().Find(ctx, userID)
		if err != nil {
			return err
		}
		if user.EmailConfirmed {
			return nil
		}
		user.EmailConfirmed = true
		user.UpdatedAt = now
		return tx.Users().Update(ctx, user)
	})
}

// SetUserActive deactivates (or reactivates) an account. Accounts are never
// deleted. Deactivation also revokes all refresh tokens.
func (s *Service) SetUserActive(ctx context.Context, userID string, active bool) error {
	now := s.now().UTC()
	return s.store.InTx(ctx, func(tx Store) error {
		user, err := tx.Users().Find(ctx, userID)
		if err != nil {
			return err
		}
		if user.Active == active {
			return nil
		}
		user.Active = active
		user.UpdatedAt = now
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		if !active {
			return tx.RefreshTokens().RevokeAllForUser(ctx, userID, "account deactivated")
		}
		return nil
	})
}

// Authenticate verifies a bearer access token and returns its claim variant.
func (s *Service) Authenticate(token string) (ClaimSet, error) {
	return s.issuer.Parse(token)
}

func activeSystemRoles(ctx context.Context, tx Store, userID string) ([]*SystemRole, error) {
	all, err := tx.SystemRoles().RolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	roles := all[:0]
	for _, r := range all {
		if r.Active {
			roles = append(roles, r)
		}
	}
	return roles, nil
}

func checkPassword(password string) error {
	if len(password) < minPasswordLen {
		return Rejectf(ErrInvalidInput, "password must be at least %d characters", minPasswordLen)
	}
	return nil
}

func newResetToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
