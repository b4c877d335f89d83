package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"signet.org/internal/ids"
)

// apiKeyBytes is the entropy drawn for a tenant API key (256 bits).
const apiKeyBytes = 32

// Registry manages tenant records and their API keys.
type Registry struct {
	store  Store
	events *Events
	now    func() time.Time
}

// NewRegistry constructs the application registry. events may be nil.
func NewRegistry(store Store, events *Events) *Registry {
	return &Registry{store: store, events: events, now: time.Now}
}

// CreateApplication registers a tenant and returns it together with the
// plaintext API key. The plaintext is not recoverable afterwards.
func (r *Registry) CreateApplication(ctx context.Context, name, code string) (*Application, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", Reject(ErrInvalidInput, "application name is required")
	}
	code = NormalizeAppCode(code)
	if !ValidAppCode(code) {
		return nil, "", Reject(ErrInvalidInput, "application code must be 3-50 characters: letters, digits, hyphen, underscore")
	}

	plaintext, hash, err := newAPIKey()
	if err != nil {
		return nil, "", err
	}
	now := r.now().UTC()
	app := &Application{
		ID:         ids.New(),
		Code:       code,
		Name:       name,
		APIKeyHash: hash,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = r.store.InTx(ctx, func(tx Store) error {
		if existing, err := tx.Applications().FindByCode(ctx, code); err == nil && existing != nil {
			return Rejectf(ErrConflict, "application code %s is already taken", code)
		}
		return tx.Applications().Create(ctx, app)
	})
	if err != nil {
		return nil, "", err
	}
	r.events.emit("application.created", now, map[string]string{"application_id": app.ID, "code": app.Code})
	return app, plaintext, nil
}

// RotateAPIKey replaces the tenant's API key. The previous key is invalid the
// moment this returns; there is no grace period.
func (r *Registry) RotateAPIKey(ctx context.Context, applicationID string) (string, error) {
	plaintext, hash, err := newAPIKey()
	if err != nil {
		return "", err
	}
	now := r.now().UTC()
	err = r.store.InTx(ctx, func(tx Store) error {
		app, err := tx.Applications().Find(ctx, applicationID)
		if err != nil {
			return err
		}
		app.APIKeyHash = hash
		app.UpdatedAt = now
		return tx.Applications().Update(ctx, app)
	})
	if err != nil {
		return "", err
	}
	r.events.emit("application.api_key_rotated", now, map[string]string{"application_id": applicationID})
	return plaintext, nil
}

// ValidateAPIKey rehashes the candidate and compares against the stored hash.
func (r *Registry) ValidateAPIKey(app *Application, candidate string) bool {
	if app == nil || !app.Active {
		return false
	}
	return VerifySecret(strings.TrimPrefix(candidate, "sk_"), app.APIKeyHash)
}

// SetActive activates or deactivates a tenant. Deactivation blocks all logins
// scoped to it; already-issued tokens are unaffected until expiry.
func (r *Registry) SetActive(ctx context.Context, applicationID string, active bool) error {
	now := r.now().UTC()
	err := r.store.InTx(ctx, func(tx Store) error {
		app, err := tx.Applications().Find(ctx, applicationID)
		if err != nil {
			return err
		}
		if app.Active == active {
			return nil
		}
		app.Active = active
		app.UpdatedAt = now
		return tx.Applications().Update(ctx, app)
	})
	if err != nil {
		return err
	}
	name := "application.deactivated"
	if active {
		name = "application.activated"
	}
	r.events.emit(name, now, map[string]string{"application_id": applicationID})
	return nil
}

// Find returns a tenant by id.
func (r *Registry) Find(ctx context.Context, applicationID string) (*Application, error) {
	return r.store.Applications().Find(ctx, applicationID)
}

// FindByCode returns a tenant by its normalized code.
func (r *Registry) FindByCode(ctx context.Context, code string) (*Application, error) {
	return r.store.Applications().FindByCode(ctx, NormalizeAppCode(code))
}

// List returns all registered tenants.
func (r *Registry) List(ctx context.Context) ([]*Application, error) {
	return r.store.Applications().List(ctx)
}

// newAPIKey draws a fresh key and returns (plaintext, storedHash).
func newAPIKey() (string, string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	hash, err := HashSecret(secret)
	if err != nil {
		return "", "", err
	}
	return "sk_" + secret, hash, nil
}
