package sqlmigrate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// DefaultHistoryTable is the name of the migration ledger.
const DefaultHistoryTable = "schema_migrations"

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidateTableName rejects history table names that cannot be used
// unquoted in SQL.
func ValidateTableName(name string) error {
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("invalid history table name %q", name)
	}
	return nil
}

// splitTableName splits a validated "schema.table" name. Schema is empty
// for an unqualified name.
func splitTableName(name string) (schema, table string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// HistoryManager defines methods to manage migration history. The runner is
// the only writer of the history table.
type HistoryManager interface {
	// EnsureHistoryTable creates the history table if it does not exist.
	EnsureHistoryTable(ctx context.Context, exec Executor, tableName string) error
	// HistoryTableExists reports whether the history table exists.
	HistoryTableExists(
		ctx context.Context, q sqlx.QueryerContext, tableName string,
	) (bool, error)
	// RecordMigration inserts a record for the applied migration.
	RecordMigration(
		ctx context.Context, exec Executor, tableName string, rec Record,
	) error
	// AppliedMigrations returns every record of the history table.
	AppliedMigrations(
		ctx context.Context, q sqlx.QueryerContext, tableName string,
	) ([]Record, error)
}

// SQLHistoryManager implements HistoryManager on top of a Dialect.
type SQLHistoryManager struct {
	Dialect Dialect
}

// NewHistoryManager returns a new SQLHistoryManager.
//
// Parameters:
//   - dialect: The dialect of the target database.
//
// Returns:
//   - *SQLHistoryManager: A new SQLHistoryManager instance.
func NewHistoryManager(dialect Dialect) *SQLHistoryManager {
	return &SQLHistoryManager{Dialect: dialect}
}

// EnsureHistoryTable creates the history table.
//
// Parameters:
//   - ctx: Context to use.
//   - exec: The executor to use.
//   - tableName: The name of the history table.
//
// Returns:
//   - error: An error if the table creation fails.
func (h SQLHistoryManager) EnsureHistoryTable(
	ctx context.Context, exec Executor, tableName string,
) error {
	if err := ValidateTableName(tableName); err != nil {
		return err
	}
	if _, err := exec.ExecContext(
		ctx, h.Dialect.CreateHistoryTableSQL(tableName),
	); err != nil {
		return fmt.Errorf("create history table %s: %w", tableName, err)
	}
	return nil
}

// HistoryTableExists checks the catalog for the history table.
func (h SQLHistoryManager) HistoryTableExists(
	ctx context.Context, q sqlx.QueryerContext, tableName string,
) (bool, error) {
	if err := ValidateTableName(tableName); err != nil {
		return false, err
	}
	query, args := h.Dialect.HistoryTableExistsSQL(tableName)
	var n int
	if err := sqlx.GetContext(ctx, q, &n, query, args...); err != nil {
		return false, fmt.Errorf("look up history table %s: %w", tableName, err)
	}
	return n > 0, nil
}

// RecordMigration inserts an applied migration record.
//
// Parameters:
//   - ctx: Context to use.
//   - exec: The executor to use, the script's transaction when there is one.
//   - tableName: The name of the history table.
//   - rec: The record to insert.
//
// Returns:
//   - error: An error if the record insertion fails.
func (h SQLHistoryManager) RecordMigration(
	ctx context.Context, exec Executor, tableName string, rec Record,
) error {
	query := sqlx.Rebind(h.Dialect.BindType(), fmt.Sprintf(
		`INSERT INTO %s (identifier, checksum, applied_at) VALUES (?, ?, ?)`,
		tableName,
	))
	appliedAt := rec.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now()
	}
	_, err := exec.ExecContext(
		ctx, query, rec.Identifier, rec.Checksum, appliedAt.UTC(),
	)
	return err
}

// AppliedMigrations retrieves applied migrations.
//
// Parameters:
//   - ctx: Context to use.
//   - q: The connection to query.
//   - tableName: The name of the history table.
//
// Returns:
//   - []Record: The applied migrations in application order.
//   - error: An error if the query fails.
func (h SQLHistoryManager) AppliedMigrations(
	ctx context.Context, q sqlx.QueryerContext, tableName string,
) ([]Record, error) {
	var records []Record
	err := sqlx.SelectContext(ctx, q, &records, fmt.Sprintf(
		`SELECT identifier, checksum, applied_at FROM %s ORDER BY applied_at, identifier`,
		tableName,
	))
	if err != nil {
		return nil, fmt.Errorf("read history table %s: %w", tableName, err)
	}
	return records, nil
}
