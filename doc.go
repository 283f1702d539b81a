// Package sqlmigrate provides an idempotent, ledger-tracked SQL migration
// runner with pluggable sources (dir, fs.FS, file, vars), SQL and hook steps,
// a schema_migrations history table (PostgreSQL/MySQL/SQLite), per-migration
// transactions and a run lock so concurrent runners cannot double-apply.
//
// SQL scripts may carry directive comments, one per line, written as
// "-- migrate:<name>" with no space after the colon:
//
//	-- migrate:no-transaction     run outside a transaction
//	-- migrate:idempotent         safe to re-apply, skips classification
//	-- migrate:one-shot           never re-applied
//	-- migrate:statement-begin    start a body passed through as one statement
//	-- migrate:statement-end      end that body
//
// An unknown single-word name is an error. A comment with free text after
// the colon, such as "-- migrate: run after deploy", is not a directive.
package sqlmigrate
