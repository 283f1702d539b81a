// Package migrations bundles the PostgreSQL schema changes of the
// marketplace backend: trial dates on subscriptions, the daily_stats and
// favorites tables, and the trial backfill. Every script is guarded so
// that applying it twice is a no-op.
package migrations

import (
	"embed"

	"github.com/aatuh/sqlmigrate"
)

// FS holds the bundled migration files.
//
//go:embed *.sql
var FS embed.FS

// Source returns a source serving the bundled migrations.
func Source() *sqlmigrate.FSSource {
	src := sqlmigrate.NewFSSource(FS, ".")
	src.Label = "migrations"
	return src
}
