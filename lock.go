package sqlmigrate

import (
	"context"
	"database/sql"
	"hash/fnv"
)

// Session is the single connection a run holds from start to end. Advisory
// locks are scoped to it.
type Session interface {
	Executor
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Locker guards a run against concurrent runners.
type Locker interface {
	// Lock takes the lock without waiting. It returns a
	// *ConcurrentRunError when another runner holds it.
	Lock(ctx context.Context, s Session) error
	// Unlock releases a lock taken by Lock on the same session.
	Unlock(ctx context.Context, s Session) error
}

// lockID hashes a lock key to the int64 expected by pg_advisory_lock.
func lockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // truncation is intended
}
