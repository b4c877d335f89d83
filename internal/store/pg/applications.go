package pg

import (
	"context"
	"database/sql"
	"errors"

	"signet.org/internal/auth"
)

type applications struct{ q querier }

const appColumns = `id, code, name, api_key_hash, active, created_at, updated_at`

func scanApplication(row interface{ Scan(...any) error }) (*auth.Application, error) {
	var app auth.Application
	err := row.Scan(&app.ID, &app.Code, &app.Name, &app.APIKeyHash, &app.Active, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s applications) Create(ctx context.Context, app *auth.Application) error {
	_, err := s.q.ExecContext(ctx, `
		insert into applications (id, code, name, api_key_hash, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, app.ID, app.Code, app.Name, app.APIKeyHash, app.Active, app.CreatedAt, app.UpdatedAt)
	return mapPgError(err)
}

func (s applications) Find(ctx context.Context, id string) (*auth.Application, error) {
	return scanApplication(s.q.QueryRowContext(ctx, `
		select `+appColumns+` from applications where id = $1
	`, id))
}

func (s applications) FindByCode(ctx context.Context, code string) (*auth.Application, error) {
	return scanApplication(s.q.QueryRowContext(ctx, `
		select `+appColumns+` from applications where code = $1
	`, code))
}

func (s applications) Update(ctx context.Context, app *auth.Application) error {
	res, err := s.q.ExecContext(ctx, `
		update applications
		set code = $2, name = $3, api_key_hash = $4, active = $5, updated_at = $6
		where id = $1
	`, app.ID, app.Code, app.Name, app.APIKeyHash, app.Active, app.UpdatedAt)
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

func (s applications) List(ctx context.Context) ([]*auth.Application, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+appColumns+` from applications order by code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*auth.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, app)
	}
	return result, rows.Err()
}
