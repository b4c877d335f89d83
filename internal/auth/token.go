package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"signet.org/internal/ids"
)

// user_type claim values.
const (
	UserTypeAdmin   = "AuthAdmin"
	UserTypeRegular = "RegularUser"
)

// ErrInvalidToken indicates an access token failed signature or claim checks.
var ErrInvalidToken = errors.New("invalid token")

// ClaimSet is the tagged union of access-token claim shapes. Admin tokens
// structurally cannot carry application claims; the issuer only ever builds
// AdminClaims for SystemAdmin principals.
type ClaimSet interface {
	jwt.Claims
	UserType() string
	claimSet()
}

// AdminClaims is issued for SystemAdmin principals: subject plus system role
// names, never any application context.
type AdminClaims struct {
	jwt.RegisteredClaims
	Type        string   `json:"user_type"`
	SystemRoles []string `json:"system_roles"`
}

func (AdminClaims) claimSet()          {}
func (c AdminClaims) UserType() string { return c.Type }

// ScopedClaims is issued for a Regular principal that logged in with an
// application context: a snapshot of the role and permissions at issuance.
type ScopedClaims struct {
	jwt.RegisteredClaims
	Type            string   `json:"user_type"`
	ApplicationID   string   `json:"application_id"`
	ApplicationCode string   `json:"application_code"`
	Role            string   `json:"application_role"`
	Permissions     []string `json:"permissions"`
}

func (ScopedClaims) claimSet()          {}
func (c ScopedClaims) UserType() string { return c.Type }

// UnscopedClaims is the deliberately low-privilege token for a Regular
// principal without application context.
type UnscopedClaims struct {
	jwt.RegisteredClaims
	Type string `json:"user_type"`
}

func (UnscopedClaims) claimSet()          {}
func (c UnscopedClaims) UserType() string { return c.Type }

// Issuer signs access tokens and mints opaque refresh tokens. It is a pure
// function of its inputs: membership/role activity checks belong to the
// orchestrator, not here.
type Issuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer constructs an Issuer. Zero TTLs fall back to the policy defaults
// (1 hour access, 7 days refresh).
func NewIssuer(secret []byte, issuerName string, accessTTL, refreshTTL time.Duration, now func() time.Time) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		secret:     secret,
		issuer:     issuerName,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        now,
	}, nil
}

func (i *Issuer) registered(subject string, now time.Time) (jwt.RegisteredClaims, time.Time) {
	exp := now.Add(i.accessTTL)
	rc := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	return rc, exp
}

// IssueForAdmin signs a token for a SystemAdmin principal. Application
// context is not accepted here at all.
func (i *Issuer) IssueForAdmin(user *User, roles []*SystemRole) (string, time.Time, error) {
	now := i.now().UTC()
	rc, exp := i.registered(user.ID, now)
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	token, err := i.sign(AdminClaims{RegisteredClaims: rc, Type: UserTypeAdmin, SystemRoles: names})
	return token, exp, err
}

// IssueScoped signs a token carrying the application context snapshot. The
// caller has already verified the membership and role are active.
func (i *Issuer) IssueScoped(user *User, app *Application, role *ApplicationRole, permissions []string) (string, time.Time, error) {
	now := i.now().UTC()
	rc, exp := i.registered(user.ID, now)
	if permissions == nil {
		permissions = []string{}
	}
	token, err := i.sign(ScopedClaims{
		RegisteredClaims: rc,
		Type:             UserTypeRegular,
		ApplicationID:    app.ID,
		ApplicationCode:  app.Code,
		Role:             role.Name,
		Permissions:      permissions,
	})
	return token, exp, err
}

// IssueUnscoped signs the low-privilege token used when no application
// context was supplied.
func (i *Issuer) IssueUnscoped(user *User) (string, time.Time, error) {
	now := i.now().UTC()
	rc, exp := i.registered(user.ID, now)
	token, err := i.sign(UnscopedClaims{RegisteredClaims: rc, Type: UserTypeRegular})
	return token, exp, err
}

func (i *Issuer) sign(claims ClaimSet) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// MintRefresh draws 256 bits from the crypto source and returns the raw token
// together with the record to persist. Only the hash is stored. applicationID
// may be empty for admin and unscoped sessions.
func (i *Issuer) MintRefresh(userID, applicationID string) (string, *RefreshToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate refresh token: %w", err)
	}
	raw := hex.EncodeToString(buf)
	now := i.now().UTC()
	rec := &RefreshToken{
		ID:            ids.New(),
		UserID:        userID,
		ApplicationID: applicationID,
		TokenHash:     HashToken(raw),
		ExpiresAt:     now.Add(i.refreshTTL),
		CreatedAt:     now,
	}
	return raw, rec, nil
}

// HashToken computes the storage hash of a raw opaque token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// rawClaims captures every field any variant may carry; Parse converts it to
// the variant named by user_type.
type rawClaims struct {
	jwt.RegisteredClaims
	Type            string   `json:"user_type"`
	SystemRoles     []string `json:"system_roles"`
	ApplicationID   string   `json:"application_id"`
	ApplicationCode string   `json:"application_code"`
	Role            string   `json:"application_role"`
	Permissions     []string `json:"permissions"`
}

// Parse verifies the signature, expiry and issuer of an access token and
// returns the claim variant it carries.
func (i *Issuer) Parse(token string) (ClaimSet, error) {
	parsed, err := jwt.ParseWithClaims(token, &rawClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.now().UTC() }))
	if err != nil {
		return nil, ErrInvalidToken
	}
	raw, ok := parsed.Claims.(*rawClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if i.issuer != "" && raw.Issuer != i.issuer {
		return nil, ErrInvalidToken
	}
	if raw.Subject == "" {
		return nil, ErrInvalidToken
	}
	switch raw.Type {
	case UserTypeAdmin:
		return AdminClaims{RegisteredClaims: raw.RegisteredClaims, Type: raw.Type, SystemRoles: raw.SystemRoles}, nil
	case UserTypeRegular:
		if raw.ApplicationID == "" {
			return UnscopedClaims{RegisteredClaims: raw.RegisteredClaims, Type: raw.Type}, nil
		}
		return ScopedClaims{
			RegisteredClaims: raw.RegisteredClaims,
			Type:             raw.Type,
			ApplicationID:    raw.ApplicationID,
			ApplicationCode:  raw.ApplicationCode,
			Role:             raw.Role,
			Permissions:      raw.Permissions,
		}, nil
	default:
		return nil, ErrInvalidToken
	}
}
