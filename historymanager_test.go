package sqlmigrate

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTableName(t *testing.T) {
	for _, ok := range []string{"schema_migrations", "public.schema_migrations", "_t1"} {
		assert.NoError(t, ValidateTableName(ok), ok)
	}
	for _, bad := range []string{"", "1table", "t; DROP TABLE users", "a.b.c", `"quoted"`} {
		assert.Error(t, ValidateTableName(bad), bad)
	}
}

func TestSQLHistoryManager_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	xdb := sqlx.NewDb(db, "pgx")
	h := NewHistoryManager(PostgresDialect{})
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_migrations`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, h.EnsureHistoryTable(ctx, xdb, DefaultHistoryTable))

	mock.ExpectQuery(regexp.QuoteMeta(`to_regclass($1)`)).
		WithArgs(DefaultHistoryTable).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))
	exists, err := h.HistoryTableExists(ctx, xdb, DefaultHistoryTable)
	require.NoError(t, err)
	assert.True(t, exists)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO schema_migrations (identifier, checksum, applied_at) VALUES ($1, $2, $3)`,
	)).WithArgs("001", "abc", at).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, h.RecordMigration(ctx, xdb, DefaultHistoryTable, Record{
		Identifier: "001", Checksum: "abc", AppliedAt: at,
	}))

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT identifier, checksum, applied_at FROM schema_migrations ORDER BY applied_at, identifier`,
	)).WillReturnRows(sqlmock.NewRows([]string{"identifier", "checksum", "applied_at"}).
		AddRow("001", "abc", at).
		AddRow("002", "def", at.Add(time.Second)))
	records, err := h.AppliedMigrations(ctx, xdb, DefaultHistoryTable)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, Record{Identifier: "001", Checksum: "abc", AppliedAt: at}, records[0])
	assert.Equal(t, "002", records[1].Identifier)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLHistoryManager_MySQLPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	xdb := sqlx.NewDb(db, "mysql")
	h := NewHistoryManager(MySQLDialect{})
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(`information_schema.tables`)).
		WithArgs("ledger").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	exists, err := h.HistoryTableExists(ctx, xdb, "ledger")
	require.NoError(t, err)
	assert.False(t, exists)

	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO ledger (identifier, checksum, applied_at) VALUES (?, ?, ?)`,
	)).WithArgs("001", "abc", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, h.RecordMigration(ctx, xdb, "ledger", Record{Identifier: "001", Checksum: "abc"}))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLHistoryManager_QualifiedTableLookup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE table_schema = ? AND table_name = ?`)).
		WithArgs("app", "ledger").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	exists, err := NewHistoryManager(MySQLDialect{}).
		HistoryTableExists(ctx, sqlx.NewDb(db, "mysql"), "app.ledger")
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())

	query, args := SQLiteDialect{}.HistoryTableExistsSQL("aux.ledger")
	assert.Contains(t, query, "FROM aux.sqlite_master")
	assert.Equal(t, []any{"ledger"}, args)

	query, args = PostgresDialect{}.HistoryTableExistsSQL("app.ledger")
	assert.Contains(t, query, "to_regclass($1)")
	assert.Equal(t, []any{"app.ledger"}, args)
}

func TestSQLHistoryManager_RejectsBadTableName(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	err = NewHistoryManager(SQLiteDialect{}).EnsureHistoryTable(context.Background(), db, "x; DROP TABLE y")
	assert.Error(t, err)
}
