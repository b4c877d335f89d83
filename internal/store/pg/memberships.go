package pg

import (
	"context"
	"database/sql"
	"errors"

	"signet.org/internal/auth"
)

type memberships struct{ q querier }

func scanMembership(row interface{ Scan(...any) error }) (*auth.Membership, error) {
	var (
		m        auth.Membership
		accessed sql.NullTime
	)
	err := row.Scan(&m.UserID, &m.ApplicationID, &m.RoleID, &m.Active, &m.AssignedAt, &accessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.LastAccessedAt = timeOrZero(accessed)
	return &m, nil
}

func (s memberships) Create(ctx context.Context, m *auth.Membership) error {
	_, err := s.q.ExecContext(ctx, `
		insert into memberships (user_id, application_id, role_id, active, assigned_at, last_accessed_at)
		values ($1, $2, $3, $4, $5, $6)
	`, m.UserID, m.ApplicationID, m.RoleID, m.Active, m.AssignedAt, nullIfZero(m.LastAccessedAt))
	return mapPgError(err)
}

func (s memberships) Find(ctx context.Context, userID, applicationID string) (*auth.Membership, error) {
	return scanMembership(s.q.QueryRowContext(ctx, `
		select user_id, application_id, role_id, active, assigned_at, last_accessed_at
		from memberships
		where user_id = $1 and application_id = $2
	`, userID, applicationID))
}

func (s memberships) Update(ctx context.Context, m *auth.Membership) error {
	res, err := s.q.ExecContext(ctx, `
		update memberships
		set role_id = $3, active = $4, last_accessed_at = $5
		where user_id = $1 and application_id = $2
	`, m.UserID, m.ApplicationID, m.RoleID, m.Active, nullIfZero(m.LastAccessedAt))
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

func (s memberships) Delete(ctx context.Context, userID, applicationID string) error {
	res, err := s.q.ExecContext(ctx, `
		delete from memberships where user_id = $1 and application_id = $2
	`, userID, applicationID)
	if err != nil {
		return err
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

const membershipViewColumns = `
	m.user_id, m.application_id, m.role_id, m.active, m.assigned_at, m.last_accessed_at,
	u.email, r.name, a.code`

func scanMembershipView(rows *sql.Rows) (auth.MembershipView, error) {
	var (
		v        auth.MembershipView
		accessed sql.NullTime
	)
	err := rows.Scan(&v.UserID, &v.ApplicationID, &v.RoleID, &v.Active, &v.AssignedAt, &accessed,
		&v.UserEmail, &v.RoleName, &v.AppCode)
	if err != nil {
		return auth.MembershipView{}, err
	}
	v.LastAccessedAt = timeOrZero(accessed)
	return v, nil
}

func (s memberships) ListForUser(ctx context.Context, userID string) ([]auth.MembershipView, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+membershipViewColumns+`
		from memberships m
		join users u on u.id = m.user_id
		join application_roles r on r.id = m.role_id
		join applications a on a.id = m.application_id
		where m.user_id = $1
		order by a.code
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.MembershipView{}
	for rows.Next() {
		v, err := scanMembershipView(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s memberships) ListForApplication(ctx context.Context, applicationID string, page auth.Page) ([]auth.MembershipView, int, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+membershipViewColumns+`, count(*) over() as total
		from memberships m
		join users u on u.id = m.user_id
		join application_roles r on r.id = m.role_id
		join applications a on a.id = m.application_id
		where m.application_id = $1
		  and ($2 = '' or u.email ilike '%' || $2 || '%' or r.name ilike '%' || $2 || '%')
		order by u.email
		limit $3 offset $4
	`, applicationID, page.Search, page.Size, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	result := []auth.MembershipView{}
	total := 0
	for rows.Next() {
		var (
			v        auth.MembershipView
			accessed sql.NullTime
		)
		if err := rows.Scan(&v.UserID, &v.ApplicationID, &v.RoleID, &v.Active, &v.AssignedAt, &accessed,
			&v.UserEmail, &v.RoleName, &v.AppCode, &total); err != nil {
			return nil, 0, err
		}
		v.LastAccessedAt = timeOrZero(accessed)
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if total == 0 && page.Offset() > 0 {
		// Page past the end: the window function returned no rows, so fetch
		// the real total for the caller.
		err = s.q.QueryRowContext(ctx, `
			select count(*)
			from memberships m
			join users u on u.id = m.user_id
			join application_roles r on r.id = m.role_id
			where m.application_id = $1
			  and ($2 = '' or u.email ilike '%' || $2 || '%' or r.name ilike '%' || $2 || '%')
		`, applicationID, page.Search).Scan(&total)
		if err != nil {
			return nil, 0, err
		}
	}
	return result, total, nil
}
