package pg

import (
	"context"
	"database/sql"
	"errors"

	"signet.org/internal/auth"
)

type users struct{ q querier }

const userColumns = `id, email, password_hash, kind, active, email_confirmed, reset_token, reset_expires_at, last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var (
		u          auth.User
		resetToken sql.NullString
		resetExp   sql.NullTime
		lastLogin  sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Kind, &u.Active, &u.EmailConfirmed,
		&resetToken, &resetExp, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.ResetToken = stringOrEmpty(resetToken)
	u.ResetExpiresAt = timeOrZero(resetExp)
	u.LastLoginAt = timeOrZero(lastLogin)
	return &u, nil
}

func (s users) Create(ctx context.Context, u *auth.User) error {
	_, err := s.q.ExecContext(ctx, `
		insert into users (id, email, password_hash, kind, active, email_confirmed, reset_token, reset_expires_at, last_login_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, u.ID, u.Email, u.PasswordHash, u.Kind, u.Active, u.EmailConfirmed,
		nullIfEmpty(u.ResetToken), nullIfZero(u.ResetExpiresAt), nullIfZero(u.LastLoginAt), u.CreatedAt, u.UpdatedAt)
	return mapPgError(err)
}

func (s users) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `
		select `+userColumns+` from users where id = $1
	`, id))
}

func (s users) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `
		select `+userColumns+` from users where lower(email) = lower($1)
	`, email))
}

func (s users) Update(ctx context.Context, u *auth.User) error {
	res, err := s.q.ExecContext(ctx, `
		update users
		set email = $2, password_hash = $3, kind = $4, active = $5, email_confirmed = $6,
		    reset_token = $7, reset_expires_at = $8, last_login_at = $9, updated_at = $10
		where id = $1
	`, u.ID, u.Email, u.PasswordHash, u.Kind, u.Active, u.EmailConfirmed,
		nullIfEmpty(u.ResetToken), nullIfZero(u.ResetExpiresAt), nullIfZero(u.LastLoginAt), u.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
