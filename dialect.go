package sqlmigrate

import (
	"fmt"
	"strings"
)

// Dialect binds the runner to one database engine.
type Dialect interface {
	// Name is the dialect's canonical name, e.g. "postgres".
	Name() string
	// DriverName is the database/sql driver the dialect expects.
	DriverName() string
	// BindType is the sqlx placeholder style.
	BindType() int
	// TransactionalDDL reports whether DDL statements can be rolled back.
	TransactionalDDL() bool
	// CreateHistoryTableSQL returns the DDL of the history table.
	CreateHistoryTableSQL(table string) string
	// HistoryTableExistsSQL returns a query and its arguments whose single
	// column is non-zero when the table exists. The table name may be
	// qualified with a schema.
	HistoryTableExistsSQL(table string) (string, []any)
	// NewLocker returns the run lock guarding the given history table.
	NewLocker(key string) Locker
	// IsDuplicateObject reports errors caused by creating an object that
	// already exists.
	IsDuplicateObject(err error) bool
	// IsUniqueViolation reports unique or primary key violations.
	IsUniqueViolation(err error) bool
}

// DialectByName returns the dialect for a driver or engine name.
//
// Parameters:
//   - name: One of postgres, postgresql, pgx, mysql, sqlite, sqlite3.
//
// Returns:
//   - Dialect: The matching dialect.
//   - error: An error if the name is unknown.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pgx":
		return PostgresDialect{}, nil
	case "mysql":
		return MySQLDialect{}, nil
	case "sqlite", "sqlite3":
		return SQLiteDialect{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
}

// containsAny reports whether the lower-cased error text contains any of
// the fragments.
func containsAny(err error, fragments ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
