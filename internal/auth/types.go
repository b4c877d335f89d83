package auth

import (
	"regexp"
	"strings"
	"time"
)

// PrincipalKind distinguishes system-level administrators from tenant-scoped users.
type PrincipalKind string

const (
	KindRegular     PrincipalKind = "Regular"
	KindSystemAdmin PrincipalKind = "SystemAdmin"
)

// User represents a principal account. A SystemAdmin resolves against system
// roles only; a Regular user resolves against application memberships only.
type User struct {
	ID             string        `json:"id"`
	Email          string        `json:"email"`
	PasswordHash   string        `json:"-"`
	Kind           PrincipalKind `json:"kind"`
	Active         bool          `json:"active"`
	EmailConfirmed bool          `json:"email_confirmed"`
	ResetToken     string        `json:"-"`
	ResetExpiresAt time.Time     `json:"-"`
	LastLoginAt    time.Time     `json:"last_login_at,omitzero"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Application is a registered tenant with its own role catalog and API key.
// The API key is stored hashed; the plaintext is returned exactly once.
type Application struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ApplicationRole belongs to exactly one application. At most one role per
// application carries the default flag at any time.
type ApplicationRole struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Active        bool      `json:"active"`
	Default       bool      `json:"default"`
	Permissions   []string  `json:"permissions,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SystemRole is an admin-scoped role. It has no default-role concept.
type SystemRole struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a fine-grained capability attached to roles.
type Permission struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Membership binds a user to exactly one role within exactly one application.
// At most one membership exists per (user, application) pair, and the
// referenced role must belong to the same application.
type Membership struct {
	UserID         string    `json:"user_id"`
	ApplicationID  string    `json:"application_id"`
	RoleID         string    `json:"role_id"`
	Active         bool      `json:"active"`
	AssignedAt     time.Time `json:"assigned_at"`
	LastAccessedAt time.Time `json:"last_accessed_at,omitzero"`
}

// RefreshToken is a persisted opaque credential. The raw token is never
// stored, only its SHA-256 hash. On rotation the consumed token is revoked
// and linked to its replacement.
type RefreshToken struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	// ApplicationID remembers the login's application context so a refresh
	// can re-derive the scope from current role state.
	ApplicationID string    `json:"application_id,omitempty"`
	TokenHash     string    `json:"-"`
	ExpiresAt     time.Time `json:"expires_at"`
	Revoked       bool      `json:"revoked"`
	ReplacedBy    string    `json:"replaced_by,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Usable reports whether the token can still be exchanged at the given instant.
func (t *RefreshToken) Usable(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// TokenPair is what a successful login or refresh hands back to the caller.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Page bounds a paginated query. Number starts at 1; out-of-range sizes are
// rejected, not silently clamped.
type Page struct {
	Number int
	Size   int
	Search string
}

const (
	minPageSize = 1
	maxPageSize = 100
)

// Validate checks pagination bounds.
func (p Page) Validate() error {
	if p.Number < 1 {
		return Reject(ErrInvalidInput, "page number must be >= 1")
	}
	if p.Size < minPageSize || p.Size > maxPageSize {
		return Reject(ErrInvalidInput, "page size must be between 1 and 100")
	}
	return nil
}

// Offset converts the page to a row offset.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

var (
	emailPattern   = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	appCodePattern = regexp.MustCompile(`^[A-Z0-9_-]{3,50}$`)
)

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether the (already normalized) address is well formed.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// NormalizeAppCode uppercases and trims an application code.
func NormalizeAppCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidAppCode reports whether the normalized code matches the allowed pattern:
// 3-50 characters, uppercase alphanumeric plus hyphen and underscore.
func ValidAppCode(code string) bool {
	return appCodePattern.MatchString(code)
}
