package pg

import (
	"context"
	"database/sql"
	"errors"

	"signet.org/internal/auth"
)

type refreshTokens struct{ q querier }

func (s refreshTokens) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.q.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, application_id, token_hash, expires_at, revoked, replaced_by, reason, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tok.ID, tok.UserID, nullIfEmpty(tok.ApplicationID), tok.TokenHash, tok.ExpiresAt,
		tok.Revoked, nullIfEmpty(tok.ReplacedBy), nullIfEmpty(tok.Reason), tok.CreatedAt)
	return mapPgError(err)
}

func (s refreshTokens) FindByHash(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	var (
		tok        auth.RefreshToken
		appID      sql.NullString
		replacedBy sql.NullString
		reason     sql.NullString
	)
	err := s.q.QueryRowContext(ctx, `
		select id, user_id, application_id, token_hash, expires_at, revoked, replaced_by, reason, created_at
		from refresh_tokens
		where token_hash = $1
	`, tokenHash).Scan(&tok.ID, &tok.UserID, &appID, &tok.TokenHash, &tok.ExpiresAt,
		&tok.Revoked, &replacedBy, &reason, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tok.ApplicationID = stringOrEmpty(appID)
	tok.ReplacedBy = stringOrEmpty(replacedBy)
	tok.Reason = stringOrEmpty(reason)
	return &tok, nil
}

// MarkRotated consumes the token: the guard on revoked means exactly one of
// any concurrent rotations of the same token succeeds.
func (s refreshTokens) MarkRotated(ctx context.Context, id, replacedBy string) error {
	return s.consume(ctx, id, `
		update refresh_tokens
		set revoked = true, replaced_by = $2, reason = 'rotated'
		where id = $1 and not revoked
	`, replacedBy)
}

func (s refreshTokens) Revoke(ctx context.Context, id, reason string) error {
	return s.consume(ctx, id, `
		update refresh_tokens
		set revoked = true, reason = $2
		where id = $1 and not revoked
	`, reason)
}

func (s refreshTokens) consume(ctx context.Context, id, query string, arg any) error {
	res, err := s.q.ExecContext(ctx, query, id, arg)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.q.QueryRowContext(ctx, `
		select exists(select 1 from refresh_tokens where id = $1)
	`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}
	return auth.ErrConflict
}

func (s refreshTokens) RevokeAllForUser(ctx context.Context, userID, reason string) error {
	_, err := s.q.ExecContext(ctx, `
		update refresh_tokens
		set revoked = true, reason = $2
		where user_id = $1 and not revoked
	`, userID, reason)
	return err
}
