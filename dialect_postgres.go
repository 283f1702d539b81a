package sqlmigrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// SQLSTATE codes, see https://www.postgresql.org/docs/current/errcodes-appendix.html.
const (
	pgUniqueViolation   = "23505"
	pgDuplicateDatabase = "42P04"
	pgDuplicateSchema   = "42P06"
	pgDuplicateTable    = "42P07"
	pgDuplicateColumn   = "42701"
	pgDuplicateObject   = "42710"
	pgDuplicateFunction = "42723"
	pgDuplicateAlias    = "42712"
	pgDuplicatePrepared = "42P05"
	pgDuplicateCursor   = "42P03"
)

// PostgresDialect targets PostgreSQL through the pgx stdlib driver.
type PostgresDialect struct{}

func (PostgresDialect) Name() string           { return "postgres" }
func (PostgresDialect) DriverName() string     { return "pgx" }
func (PostgresDialect) BindType() int          { return sqlx.DOLLAR }
func (PostgresDialect) TransactionalDDL() bool { return true }

func (PostgresDialect) CreateHistoryTableSQL(table string) string {
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
		identifier VARCHAR(255) PRIMARY KEY,
		checksum VARCHAR(64) NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`,
		table,
	)
}

func (PostgresDialect) HistoryTableExistsSQL(table string) (string, []any) {
	return `SELECT CASE WHEN to_regclass($1) IS NULL THEN 0 ELSE 1 END`, []any{table}
}

func (PostgresDialect) NewLocker(key string) Locker {
	return &PostgresLocker{Key: "sqlmigrate:" + key}
}

func (PostgresDialect) IsDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgDuplicateDatabase, pgDuplicateSchema, pgDuplicateTable,
		pgDuplicateColumn, pgDuplicateObject, pgDuplicateFunction,
		pgDuplicateAlias, pgDuplicatePrepared, pgDuplicateCursor:
		return true
	}
	return false
}

func (PostgresDialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// PostgresLocker uses a session-level advisory lock.
type PostgresLocker struct {
	Key string
}

// Lock calls pg_try_advisory_lock and fails fast when the lock is taken.
func (l *PostgresLocker) Lock(ctx context.Context, s Session) error {
	var locked bool
	err := s.QueryRowContext(
		ctx, `SELECT pg_try_advisory_lock($1)`, lockID(l.Key),
	).Scan(&locked)
	if err != nil {
		return fmt.Errorf("pg_try_advisory_lock(%q): %w", l.Key, err)
	}
	if !locked {
		return &ConcurrentRunError{Lock: l.Key}
	}
	return nil
}

// Unlock releases the advisory lock.
func (l *PostgresLocker) Unlock(ctx context.Context, s Session) error {
	_, err := s.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockID(l.Key))
	if err != nil {
		return fmt.Errorf("pg_advisory_unlock(%q): %w", l.Key, err)
	}
	return nil
}
