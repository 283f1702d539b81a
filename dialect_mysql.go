package sqlmigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/VividCortex/mysqlerr"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// maxMySQLLockName is the longest name GET_LOCK accepts.
const maxMySQLLockName = 64

// MySQLDialect targets MySQL and MariaDB through go-sql-driver/mysql. DDL
// causes an implicit commit in MySQL, so scripts run statement by statement
// and are recorded after the last one succeeds. The DSN must set
// parseTime=true for applied_at to scan into time.Time.
type MySQLDialect struct{}

func (MySQLDialect) Name() string           { return "mysql" }
func (MySQLDialect) DriverName() string     { return "mysql" }
func (MySQLDialect) BindType() int          { return sqlx.QUESTION }
func (MySQLDialect) TransactionalDDL() bool { return false }

func (MySQLDialect) CreateHistoryTableSQL(table string) string {
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
		identifier VARCHAR(255) NOT NULL PRIMARY KEY,
		checksum CHAR(64) NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP)`,
		table,
	)
}

func (MySQLDialect) HistoryTableExistsSQL(table string) (string, []any) {
	schema, name := splitTableName(table)
	if schema == "" {
		return `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_name = ?`, []any{name}
	}
	return `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = ? AND table_name = ?`, []any{schema, name}
}

func (MySQLDialect) NewLocker(key string) Locker {
	key = "sqlmigrate:" + key
	if len(key) > maxMySQLLockName {
		key = fmt.Sprintf("sqlmigrate:%016x", lockID(key))
	}
	return &MySQLLocker{Key: key}
}

func (MySQLDialect) IsDuplicateObject(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case mysqlerr.ER_TABLE_EXISTS_ERROR, mysqlerr.ER_DUP_FIELDNAME,
		mysqlerr.ER_DUP_KEYNAME, mysqlerr.ER_DB_CREATE_EXISTS:
		return true
	}
	return false
}

func (MySQLDialect) IsUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlerr.ER_DUP_ENTRY
}

// MySQLLocker uses GET_LOCK, which is bound to the session that took it.
type MySQLLocker struct {
	Key string
}

// Lock calls GET_LOCK with a zero timeout.
func (l *MySQLLocker) Lock(ctx context.Context, s Session) error {
	var got sql.NullInt64
	if err := s.QueryRowContext(
		ctx, `SELECT GET_LOCK(?, 0)`, l.Key,
	).Scan(&got); err != nil {
		return fmt.Errorf("GET_LOCK(%q): %w", l.Key, err)
	}
	if !got.Valid {
		return fmt.Errorf("GET_LOCK(%q): lock could not be requested", l.Key)
	}
	if got.Int64 != 1 {
		return &ConcurrentRunError{Lock: l.Key}
	}
	return nil
}

// Unlock calls RELEASE_LOCK.
func (l *MySQLLocker) Unlock(ctx context.Context, s Session) error {
	var released sql.NullInt64
	if err := s.QueryRowContext(
		ctx, `SELECT RELEASE_LOCK(?)`, l.Key,
	).Scan(&released); err != nil {
		return fmt.Errorf("RELEASE_LOCK(%q): %w", l.Key, err)
	}
	return nil
}
