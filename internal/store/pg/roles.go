package pg

import (
	"context"
	"database/sql"
	"errors"

	"signet.org/internal/auth"
)

// Application roles ---------------------------------------------------------

type appRoles struct{ q querier }

const appRoleColumns = `id, application_id, name, description, active, is_default, created_at, updated_at`

func scanAppRole(row interface{ Scan(...any) error }) (*auth.ApplicationRole, error) {
	var (
		role auth.ApplicationRole
		desc sql.NullString
	)
	err := row.Scan(&role.ID, &role.ApplicationID, &role.Name, &desc, &role.Active, &role.Default, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	role.Description = stringOrEmpty(desc)
	return &role, nil
}

func (s appRoles) Create(ctx context.Context, role *auth.ApplicationRole) error {
	_, err := s.q.ExecContext(ctx, `
		insert into application_roles (id, application_id, name, description, active, is_default, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, role.ID, role.ApplicationID, role.Name, nullIfEmpty(role.Description), role.Active, role.Default, role.CreatedAt, role.UpdatedAt)
	return mapPgError(err)
}

func (s appRoles) Find(ctx context.Context, id string) (*auth.ApplicationRole, error) {
	return scanAppRole(s.q.QueryRowContext(ctx, `
		select `+appRoleColumns+` from application_roles where id = $1
	`, id))
}

func (s appRoles) FindByName(ctx context.Context, applicationID, name string) (*auth.ApplicationRole, error) {
	return scanAppRole(s.q.QueryRowContext(ctx, `
		select `+appRoleColumns+` from application_roles
		where application_id = $1 and lower(name) = lower($2)
	`, applicationID, name))
}

func (s appRoles) FindDefault(ctx context.Context, applicationID string) (*auth.ApplicationRole, error) {
	return scanAppRole(s.q.QueryRowContext(ctx, `
		select `+appRoleColumns+` from application_roles
		where application_id = $1 and is_default
	`, applicationID))
}

func (s appRoles) ListForApplication(ctx context.Context, applicationID string) ([]*auth.ApplicationRole, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+appRoleColumns+` from application_roles
		where application_id = $1
		order by name
	`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*auth.ApplicationRole
	for rows.Next() {
		role, err := scanAppRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, role)
	}
	return result, rows.Err()
}

func (s appRoles) Update(ctx context.Context, role *auth.ApplicationRole) error {
	res, err := s.q.ExecContext(ctx, `
		update application_roles
		set name = $2, description = $3, active = $4, is_default = $5, updated_at = $6
		where id = $1
	`, role.ID, role.Name, nullIfEmpty(role.Description), role.Active, role.Default, role.UpdatedAt)
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

func (s appRoles) ClearDefault(ctx context.Context, applicationID string) error {
	_, err := s.q.ExecContext(ctx, `
		update application_roles set is_default = false
		where application_id = $1 and is_default
	`, applicationID)
	return err
}

func (s appRoles) Delete(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		delete from application_roles where id = $1
	`, id)
	if err != nil {
		// Memberships still referencing the role surface as an FK violation.
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

// System roles --------------------------------------------------------------

type sysRoles struct{ q querier }

const sysRoleColumns = `id, name, description, active, created_at, updated_at`

func scanSysRole(row interface{ Scan(...any) error }) (*auth.SystemRole, error) {
	var (
		role auth.SystemRole
		desc sql.NullString
	)
	err := row.Scan(&role.ID, &role.Name, &desc, &role.Active, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	role.Description = stringOrEmpty(desc)
	return &role, nil
}

func (s sysRoles) Create(ctx context.Context, role *auth.SystemRole) error {
	_, err := s.q.ExecContext(ctx, `
		insert into system_roles (id, name, description, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)
	`, role.ID, role.Name, nullIfEmpty(role.Description), role.Active, role.CreatedAt, role.UpdatedAt)
	return mapPgError(err)
}

func (s sysRoles) Find(ctx context.Context, id string) (*auth.SystemRole, error) {
	return scanSysRole(s.q.QueryRowContext(ctx, `
		select `+sysRoleColumns+` from system_roles where id = $1
	`, id))
}

func (s sysRoles) FindByName(ctx context.Context, name string) (*auth.SystemRole, error) {
	return scanSysRole(s.q.QueryRowContext(ctx, `
		select `+sysRoleColumns+` from system_roles where lower(name) = lower($1)
	`, name))
}

func (s sysRoles) List(ctx context.Context) ([]*auth.SystemRole, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+sysRoleColumns+` from system_roles order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*auth.SystemRole
	for rows.Next() {
		role, err := scanSysRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, role)
	}
	return result, rows.Err()
}

func (s sysRoles) Update(ctx context.Context, role *auth.SystemRole) error {
	res, err := s.q.ExecContext(ctx, `
		update system_roles
		set name = $2, description = $3, active = $4, updated_at = $5
		where id = $1
	`, role.ID, role.Name, nullIfEmpty(role.Description), role.Active, role.UpdatedAt)
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

func (s sysRoles) Delete(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		delete from system_roles where id = $1
	`, id)
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

func (s sysRoles) Assign(ctx context.Context, userID, roleID string) error {
	_, err := s.q.ExecContext(ctx, `
		insert into user_system_roles (user_id, role_id, assigned_at)
		values ($1, $2, now())
		on conflict (user_id, role_id) do nothing
	`, userID, roleID)
	return mapPgError(err)
}

func (s sysRoles) Unassign(ctx context.Context, userID, roleID string) error {
	res, err := s.q.ExecContext(ctx, `
		delete from user_system_roles where user_id = $1 and role_id = $2
	`, userID, roleID)
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

func (s sysRoles) RolesForUser(ctx context.Context, userID string) ([]*auth.SystemRole, error) {
	rows, err := s.q.QueryContext(ctx, `
		select r.id, r.name, r.description, r.active, r.created_at, r.updated_at
		from system_roles r
		join user_system_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*auth.SystemRole
	for rows.Next() {
		role, err := scanSysRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, role)
	}
	return result, rows.Err()
}

func (s sysRoles) AssignmentCount(ctx context.Context, roleID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		select count(*) from user_system_roles where role_id = $1
	`, roleID).Scan(&n)
	return n, err
}

// Permissions ---------------------------------------------------------------

type permissions struct{ q querier }

func (s permissions) Ensure(ctx context.Context, perms []auth.Permission) error {
	for _, p := range perms {
		if _, err := s.q.ExecContext(ctx, `
			insert into permissions (id, key, description, created_at)
			values ($1, $2, $3, now())
			on conflict (key) do nothing
		`, p.ID, p.Key, nullIfEmpty(p.Description)); err != nil {
			return mapPgError(err)
		}
	}
	return nil
}

func (s permissions) Find(ctx context.Context, id string) (*auth.Permission, error) {
	var (
		p    auth.Permission
		desc sql.NullString
	)
	err := s.q.QueryRowContext(ctx, `
		select id, key, description, created_at from permissions where id = $1
	`, id).Scan(&p.ID, &p.Key, &desc, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Description = stringOrEmpty(desc)
	return &p, nil
}

func (s permissions) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.q.QueryContext(ctx, `
		select id, key, description, created_at from permissions order by key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Permission
	for rows.Next() {
		var (
			p    auth.Permission
			desc sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Key, &desc, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Description = stringOrEmpty(desc)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s permissions) AddToRole(ctx context.Context, roleID, permissionID string) error {
	_, err := s.q.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		values ($1, $2)
	`, roleID, permissionID)
	return mapPgError(err)
}

func (s permissions) RemoveFromRole(ctx context.Context, roleID, permissionID string) error {
	res, err := s.q.ExecContext(ctx, `
		delete from role_permissions where role_id = $1 and permission_id = $2
	`, roleID, permissionID)
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

func (s permissions) KeysForRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		select p.key
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.key
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
