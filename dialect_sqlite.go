package sqlmigrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteDialect targets SQLite through the pure Go modernc.org/sqlite
// driver. SQLite has no advisory locks; the run lock is a single row in a
// companion "<history table>_lock" table.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string           { return "sqlite" }
func (SQLiteDialect) DriverName() string     { return "sqlite" }
func (SQLiteDialect) BindType() int          { return sqlx.QUESTION }
func (SQLiteDialect) TransactionalDDL() bool { return true }

func (SQLiteDialect) CreateHistoryTableSQL(table string) string {
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
		identifier TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP)`,
		table,
	)
}

// HistoryTableExistsSQL looks in the catalog of the attached database named
// by the qualifier, or of main.
func (SQLiteDialect) HistoryTableExistsSQL(table string) (string, []any) {
	schema, name := splitTableName(table)
	catalog := "sqlite_master"
	if schema != "" {
		catalog = schema + ".sqlite_master"
	}
	return fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE type = 'table' AND name = ?`, catalog,
	), []any{name}
}

func (SQLiteDialect) NewLocker(key string) Locker {
	return NewSQLiteLocker(key + "_lock")
}

func (SQLiteDialect) IsDuplicateObject(err error) bool {
	return containsAny(err, "already exists", "duplicate column name")
}

func (SQLiteDialect) IsUniqueViolation(err error) bool {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return containsAny(err, "unique constraint failed")
}

// DefaultSQLiteBusyTimeout is set on a run's session when the connection
// has no busy timeout of its own. It stays on the pooled connection.
const DefaultSQLiteBusyTimeout = 5 * time.Second

// isSQLiteBusy reports errors raised because another connection holds a
// conflicting file or table lock.
func isSQLiteBusy(err error) bool {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return containsAny(err, "database is locked", "database table is locked")
}

// SQLiteLocker stores the lock holder in a one-row table. A crashed runner
// leaves its row behind; ForceUnlock clears it.
type SQLiteLocker struct {
	Table string
	owner string
}

// NewSQLiteLocker returns a locker using the given lock table.
func NewSQLiteLocker(table string) *SQLiteLocker {
	return &SQLiteLocker{Table: table}
}

// waitWhenBusy makes the session wait for competing writers instead of
// failing at once, unless the DSN already configured a busy timeout.
func (l *SQLiteLocker) waitWhenBusy(ctx context.Context, s Session) error {
	var ms int64
	if err := s.QueryRowContext(ctx, `PRAGMA busy_timeout`).Scan(&ms); err != nil {
		return fmt.Errorf("read busy timeout: %w", err)
	}
	if ms > 0 {
		return nil
	}
	if _, err := s.ExecContext(ctx, fmt.Sprintf(
		`PRAGMA busy_timeout = %d`, DefaultSQLiteBusyTimeout.Milliseconds(),
	)); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func (l *SQLiteLocker) ensure(ctx context.Context, s Session) error {
	_, err := s.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		owner TEXT NOT NULL,
		acquired_at DATETIME NOT NULL)`,
		l.Table,
	))
	if err != nil {
		if isSQLiteBusy(err) {
			return &ConcurrentRunError{Lock: l.Table, Err: err}
		}
		return fmt.Errorf("create lock table %s: %w", l.Table, err)
	}
	return nil
}

// Lock inserts the lock row. A unique violation means another runner
// holds it, and so does a database that stays locked past the busy timeout.
func (l *SQLiteLocker) Lock(ctx context.Context, s Session) error {
	if err := l.waitWhenBusy(ctx, s); err != nil {
		return err
	}
	if err := l.ensure(ctx, s); err != nil {
		return err
	}
	owner := uuid.NewString()
	_, err := s.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, owner, acquired_at) VALUES (1, ?, ?)`, l.Table,
	), owner, time.Now().UTC())
	if err != nil {
		if (SQLiteDialect{}).IsUniqueViolation(err) {
			return &ConcurrentRunError{Lock: l.Table}
		}
		if isSQLiteBusy(err) {
			return &ConcurrentRunError{Lock: l.Table, Err: err}
		}
		return fmt.Errorf("insert lock row into %s: %w", l.Table, err)
	}
	l.owner = owner
	return nil
}

// Unlock deletes the row this locker inserted.
func (l *SQLiteLocker) Unlock(ctx context.Context, s Session) error {
	if l.owner == "" {
		return nil
	}
	_, err := s.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id = 1 AND owner = ?`, l.Table,
	), l.owner)
	if err != nil {
		return fmt.Errorf("delete lock row from %s: %w", l.Table, err)
	}
	l.owner = ""
	return nil
}

// ForceUnlock deletes the lock row whoever owns it.
func (l *SQLiteLocker) ForceUnlock(ctx context.Context, s Session) error {
	if err := l.ensure(ctx, s); err != nil {
		return err
	}
	_, err := s.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = 1`, l.Table))
	if err != nil {
		return fmt.Errorf("delete lock row from %s: %w", l.Table, err)
	}
	return nil
}
