// Package pg implements the persistence port on PostgreSQL through the pgx
// stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"signet.org/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// querier is the subset of *sql.DB and *sql.Tx the sub-stores need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the PostgreSQL-backed implementation of auth.Store. A Store bound
// to a transaction has a nil db; its InTx joins the enclosing transaction.
type Store struct {
	db *sql.DB
	q  querier
}

var _ auth.Store = (*Store)(nil)

// Open connects to PostgreSQL with pool settings suited for the API workload.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, q: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store is transaction-bound")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) InTx(ctx context.Context, fn func(tx auth.Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&Store{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Users() auth.UserStore                       { return users{s.q} }
func (s *Store) Applications() auth.ApplicationStore         { return applications{s.q} }
func (s *Store) ApplicationRoles() auth.ApplicationRoleStore { return appRoles{s.q} }
func (s *Store) SystemRoles() auth.SystemRoleStore           { return sysRoles{s.q} }
func (s *Store) Permissions() auth.PermissionStore           { return permissions{s.q} }
func (s *Store) Memberships() auth.MembershipStore           { return memberships{s.q} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore       { return refreshTokens{s.q} }

// mapPgError translates constraint violations into the core's error kinds.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation, pgErrForeignKeyViolation:
			return auth.ErrConflict
		}
	}
	return err
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullIfZero(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func timeOrZero(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

func stringOrEmpty(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}
