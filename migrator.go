package sqlmigrate

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
)

// Migrator discovers scripts from one or more sources and applies the
// pending ones to a database, recording each in the history table.
type Migrator struct {
	Sources        []Source
	DB             *sqlx.DB
	Dialect        Dialect
	HistoryTable   string
	HistoryManager HistoryManager
	// Transactional wraps every script in its own transaction when the
	// dialect supports transactional DDL. Defaults to true.
	Transactional bool
	// LockTimeout is how long to wait for a concurrent runner. Zero fails
	// immediately with a *ConcurrentRunError.
	LockTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *Metrics
}

// NewMigrator returns a new Migrator instance.
//
// Parameters:
//   - db: A connection to the target database. The caller owns it.
//   - dialect: The dialect of the target database.
//
// Returns:
//   - A pointer to a Migrator using DefaultHistoryTable.
func NewMigrator(db *sql.DB, dialect Dialect) *Migrator {
	return &Migrator{
		DB:             sqlx.NewDb(db, dialect.DriverName()),
		Dialect:        dialect,
		HistoryTable:   DefaultHistoryTable,
		HistoryManager: NewHistoryManager(dialect),
		Transactional:  true,
		Logger:         slog.Default(),
	}
}

// WithSources returns a new Migrator with the given sources.
func (m *Migrator) WithSources(sources ...Source) *Migrator {
	new := *m
	new.Sources = sources
	return &new
}

// WithHistoryTable returns a new Migrator with the given history table name.
func (m *Migrator) WithHistoryTable(historyTable string) *Migrator {
	new := *m
	new.HistoryTable = historyTable
	return &new
}

// WithHistoryManager returns a new Migrator with the given HistoryManager.
func (m *Migrator) WithHistoryManager(historyManager HistoryManager) *Migrator {
	new := *m
	new.HistoryManager = historyManager
	return &new
}

// WithTransactional returns a new Migrator with the transactional flag set.
func (m *Migrator) WithTransactional(transactional bool) *Migrator {
	new := *m
	new.Transactional = transactional
	return &new
}

// WithLockTimeout returns a new Migrator that waits up to timeout for the
// run lock.
func (m *Migrator) WithLockTimeout(timeout time.Duration) *Migrator {
	new := *m
	new.LockTimeout = timeout
	return &new
}

// WithLogger returns a new Migrator logging to logger.
func (m *Migrator) WithLogger(logger *slog.Logger) *Migrator {
	new := *m
	new.Logger = logger
	return &new
}

// WithMetrics returns a new Migrator reporting to metrics.
func (m *Migrator) WithMetrics(metrics *Metrics) *Migrator {
	new := *m
	new.Metrics = metrics
	return &new
}

// Report describes the outcome of a run.
type Report struct {
	// Pending holds the scripts that were pending when the run started,
	// cut at the target version.
	Pending []Script
	// Applied holds the scripts applied by this run, in order.
	Applied []Script
	DryRun  bool
	Elapsed time.Duration
}

// UpToDate reports whether there was nothing to apply.
func (r *Report) UpToDate() bool {
	return len(r.Pending) == 0
}

// LoadAllScripts discovers the scripts of every source.
//
// Returns:
//   - A slice of scripts in ascending version order.
//   - An error if any script is invalid.
func (m *Migrator) LoadAllScripts() ([]Script, error) {
	scripts, err := Discover(m.Sources...)
	if err != nil {
		return nil, err
	}
	m.logger().Info("discovered migrations", "count", len(scripts))
	return scripts, nil
}

// MigrateUp applies pending migrations up to and including a target
// version. If target is empty, all pending migrations are applied. The run
// stops at the first failure; earlier migrations stay committed.
//
// Parameters:
//   - ctx: Context to use for database operations.
//   - target: The last version to apply (empty means all).
//
// Returns:
//   - *Report: What was pending and what got applied, also on failure.
//   - error: A *DiscoveryError, *OrderingError, *ApplyError or
//     *ConcurrentRunError, or a plain error for connection problems.
func (m *Migrator) MigrateUp(ctx context.Context, target string) (*Report, error) {
	return m.run(ctx, target, false)
}

// DryRun plans like MigrateUp but executes and records nothing. It neither
// takes the run lock nor creates the history table.
func (m *Migrator) DryRun(ctx context.Context, target string) (*Report, error) {
	return m.run(ctx, target, true)
}

func (m *Migrator) run(ctx context.Context, target string, dryRun bool) (*Report, error) {
	start := time.Now()
	logger := m.logger()
	report := &Report{DryRun: dryRun}
	defer func() { report.Elapsed = time.Since(start) }()

	if err := ValidateTableName(m.HistoryTable); err != nil {
		return report, err
	}
	var targetVersion int64
	if target != "" {
		v, err := ParseIdentifier(target)
		if err != nil {
			return report, fmt.Errorf("invalid target: %w", err)
		}
		targetVersion = v
	}

	// Discovery problems are reported before the database is touched.
	scripts, err := m.LoadAllScripts()
	if err != nil {
		return report, err
	}

	conn, err := m.DB.Connx(ctx)
	if err != nil {
		return report, fmt.Errorf("open session: %w", err)
	}
	defer conn.Close()

	var records []Record
	if dryRun {
		records, err = m.readHistory(ctx, conn)
		if err != nil {
			return report, err
		}
	} else {
		release, err := m.acquireLock(ctx, conn)
		if err != nil {
			return report, err
		}
		defer release()

		if err := m.ensureHistoryTable(ctx, conn); err != nil {
			return report, err
		}
		records, err = m.HistoryManager.AppliedMigrations(ctx, conn, m.HistoryTable)
		if err != nil {
			return report, err
		}
	}
	logger.Info("previously applied migrations", "count", len(records))

	applied, err := appliedSet(records)
	if err != nil {
		return report, err
	}
	pending, err := Plan(applied, scripts)
	if err != nil {
		return report, err
	}
	m.warnDrift(scripts, applied)
	if _, newest := newestRecord(applied); newest > 0 {
		for _, s := range pending {
			if s.Version < newest {
				logger.Warn("re-applying idempotent migration missing from history",
					"identifier", s.ID)
			}
		}
	}

	if targetVersion > 0 {
		for i, s := range pending {
			if s.Version > targetVersion {
				logger.Info("reached target version", "target", target, "stopping_at", s.ID)
				pending = pending[:i]
				break
			}
		}
	}
	report.Pending = pending
	m.Metrics.observePending(len(pending))

	if len(pending) == 0 {
		logger.Info("schema up to date")
		if !dryRun {
			m.Metrics.observeSuccess()
		}
		return report, nil
	}
	if dryRun {
		for _, s := range pending {
			logger.Info("would apply migration",
				"identifier", s.ID, "name", s.Name, "class", s.Class.String())
		}
		return report, nil
	}

	for _, s := range pending {
		if err := m.apply(ctx, conn, s); err != nil {
			return report, err
		}
		report.Applied = append(report.Applied, s)
	}
	m.Metrics.observeSuccess()
	logger.Info("migrate up complete", "applied", len(report.Applied))
	return report, nil
}

// Apply applies a single discovered script under the run lock. It is a
// no-op when the script is already recorded. Plan ordering is not checked;
// use MigrateUp for that.
//
// Parameters:
//   - ctx: Context to use for database operations.
//   - script: The script to apply, as returned by Discover.
//
// Returns:
//   - error: An *ApplyError if the script fails, nil otherwise.
func (m *Migrator) Apply(ctx context.Context, script Script) error {
	if err := ValidateTableName(m.HistoryTable); err != nil {
		return err
	}
	conn, err := m.DB.Connx(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer conn.Close()

	release, err := m.acquireLock(ctx, conn)
	if err != nil {
		return err
	}
	defer release()

	if err := m.ensureHistoryTable(ctx, conn); err != nil {
		return err
	}
	records, err := m.HistoryManager.AppliedMigrations(ctx, conn, m.HistoryTable)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Identifier == script.ID {
			m.logger().Info("migration already applied", "identifier", script.ID)
			return nil
		}
	}
	return m.apply(ctx, conn, script)
}

// StatusState is the state of a migration in a status listing.
type StatusState string

const (
	StateApplied StatusState = "applied"
	StatePending StatusState = "pending"
	// StateModified marks an applied script whose content changed since.
	StateModified StatusState = "modified"
	// StateMissing marks a history record with no script on disk.
	StateMissing StatusState = "missing"
)

// StatusEntry is one line of a status listing.
type StatusEntry struct {
	Identifier string      `json:"identifier" yaml:"identifier"`
	Version    int64       `json:"version" yaml:"version"`
	Name       string      `json:"name,omitempty" yaml:"name,omitempty"`
	// Class is nil for missing entries, whose script is gone.
	Class      *Class      `json:"class,omitempty" yaml:"class,omitempty"`
	State      StatusState `json:"state" yaml:"state"`
	Checksum   string      `json:"checksum" yaml:"checksum"`
	AppliedAt  *time.Time  `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
}

// Status lists every known migration, applied or pending, plus history
// records whose scripts are gone. It never writes to the database.
func (m *Migrator) Status(ctx context.Context) ([]StatusEntry, error) {
	if err := ValidateTableName(m.HistoryTable); err != nil {
		return nil, err
	}
	scripts, err := m.LoadAllScripts()
	if err != nil {
		return nil, err
	}
	conn, err := m.DB.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer conn.Close()

	records, err := m.readHistory(ctx, conn)
	if err != nil {
		return nil, err
	}
	applied, err := appliedSet(records)
	if err != nil {
		return nil, err
	}

	entries := make([]StatusEntry, 0, len(scripts)+len(records))
	known := make(map[int64]bool, len(scripts))
	for _, s := range scripts {
		known[s.Version] = true
		class := s.Class
		entry := StatusEntry{
			Identifier: s.ID,
			Version:    s.Version,
			Name:       s.Name,
			Class:      &class,
			State:      StatePending,
			Checksum:   s.Checksum,
		}
		if rec, ok := applied[s.Version]; ok {
			at := rec.AppliedAt
			entry.AppliedAt = &at
			entry.State = StateApplied
			if rec.Checksum != s.Checksum {
				entry.State = StateModified
			}
		}
		entries = append(entries, entry)
	}
	for v, rec := range applied {
		if known[v] {
			continue
		}
		at := rec.AppliedAt
		entries = append(entries, StatusEntry{
			Identifier: rec.Identifier,
			Version:    v,
			State:      StateMissing,
			Checksum:   rec.Checksum,
			AppliedAt:  &at,
		})
	}
	sortEntries(entries)
	return entries, nil
}

// ForceUnlock clears a lock left behind by a crashed runner. Only the
// SQLite lock can outlive its session.
func (m *Migrator) ForceUnlock(ctx context.Context) error {
	locker, ok := m.Dialect.NewLocker(m.HistoryTable).(*SQLiteLocker)
	if !ok {
		return fmt.Errorf("%s locks are released with the session", m.Dialect.Name())
	}
	conn, err := m.DB.Connx(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer conn.Close()
	return locker.ForceUnlock(ctx, conn)
}

func (m *Migrator) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// acquireLock takes the run lock on the session, waiting up to LockTimeout
// with exponential backoff while another runner holds it.
func (m *Migrator) acquireLock(ctx context.Context, conn *sqlx.Conn) (func(), error) {
	logger := m.logger()
	locker := m.Dialect.NewLocker(m.HistoryTable)

	var err error
	if m.LockTimeout <= 0 {
		err = locker.Lock(ctx, conn)
	} else {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 100 * time.Millisecond
		bo.MaxInterval = 2 * time.Second
		bo.MaxElapsedTime = m.LockTimeout
		err = backoff.RetryNotify(
			func() error {
				err := locker.Lock(ctx, conn)
				var concurrent *ConcurrentRunError
				if err != nil && !errors.As(err, &concurrent) {
					return backoff.Permanent(err)
				}
				return err
			},
			backoff.WithContext(bo, ctx),
			func(err error, wait time.Duration) {
				logger.Info("waiting for migration lock", "error", err, "retry_in", wait)
			},
		)
	}
	if err != nil {
		logger.Error("could not acquire migration lock", "error", err)
		return nil, err
	}
	logger.Debug("migration lock acquired", "table", m.HistoryTable)

	return func() {
		// The run context may already be cancelled.
		if err := locker.Unlock(context.Background(), conn); err != nil {
			logger.Warn("release migration lock", "error", err)
		}
	}, nil
}

// ensureHistoryTable ensures the history table exists.
func (m *Migrator) ensureHistoryTable(ctx context.Context, exec Executor) error {
	if err := m.HistoryManager.EnsureHistoryTable(
		ctx, exec, m.HistoryTable,
	); err != nil {
		m.logger().Error("ensure history table", "table", m.HistoryTable, "error", err)
		return err
	}
	return nil
}

// readHistory returns the history without creating the table.
func (m *Migrator) readHistory(ctx context.Context, conn *sqlx.Conn) ([]Record, error) {
	exists, err := m.HistoryManager.HistoryTableExists(ctx, conn, m.HistoryTable)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return m.HistoryManager.AppliedMigrations(ctx, conn, m.HistoryTable)
}

// warnDrift logs applied scripts whose content no longer matches the
// recorded checksum.
func (m *Migrator) warnDrift(scripts []Script, applied map[int64]Record) {
	for _, s := range scripts {
		rec, ok := applied[s.Version]
		if ok && rec.Checksum != s.Checksum {
			m.logger().Warn("applied migration was modified",
				"identifier", s.ID,
				"recorded_checksum", rec.Checksum,
				"current_checksum", s.Checksum)
		}
	}
}

// apply executes a script and records it. Inside a transaction the record
// commits with the script; otherwise it is written after the last step.
func (m *Migrator) apply(ctx context.Context, conn *sqlx.Conn, script Script) (err error) {
	logger := m.logger().With("identifier", script.ID, "name", script.Name)
	start := time.Now()
	defer func() { m.Metrics.observeApply(err, time.Since(start)) }()

	logger.Info("beginning migration", "class", script.Class.String(), "steps", len(script.Steps))
	if script.Class == ClassOneShot {
		logger.Warn("migration is not idempotent and cannot be safely re-applied")
	}

	rec := Record{
		Identifier: script.ID,
		Checksum:   script.Checksum,
		AppliedAt:  time.Now().UTC(),
	}

	if !m.useTransaction(script) {
		if idx, err := executeSteps(ctx, conn, script, logger); err != nil {
			return m.applyError(script, idx, idx > 1, err)
		}
		if err := m.HistoryManager.RecordMigration(ctx, conn, m.HistoryTable, rec); err != nil {
			return m.recordError(script, err)
		}
		logger.Info("migration applied", "elapsed", time.Since(start))
		return nil
	}

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return m.applyError(script, 0, false, fmt.Errorf("begin transaction: %w", err))
	}
	if idx, err := executeSteps(ctx, tx, script, logger); err != nil {
		return m.rollback(tx, m.applyError(script, idx, false, err))
	}
	if err := m.HistoryManager.RecordMigration(ctx, tx, m.HistoryTable, rec); err != nil {
		return m.rollback(tx, m.recordError(script, err))
	}
	if err := tx.Commit(); err != nil {
		return m.applyError(script, 0, false, fmt.Errorf("commit: %w", err))
	}
	logger.Info("migration applied", "elapsed", time.Since(start))
	return nil
}

func (m *Migrator) useTransaction(script Script) bool {
	return m.Transactional && m.Dialect.TransactionalDDL() && !script.NoTransaction
}

// rollback rolls back tx after err and returns err. A failed rollback is
// logged and err is returned unchanged.
func (m *Migrator) rollback(tx *sqlx.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		m.logger().Error("error rolling back transaction", "error", rbErr, "cause", err)
	}
	return err
}

func (m *Migrator) applyError(script Script, idx int, partial bool, err error) error {
	applyErr := &ApplyError{
		Identifier:      script.ID,
		Name:            script.Name,
		Statement:       idx,
		DuplicateObject: m.Dialect.IsDuplicateObject(err),
		Partial:         partial,
		Class:           script.Class,
		Err:             err,
	}
	m.logger().Error("migration failed", "identifier", script.ID, "error", applyErr)
	return applyErr
}

// recordError turns a failed history insert into a *ConcurrentRunError when
// another runner recorded the same identifier first.
func (m *Migrator) recordError(script Script, err error) error {
	if m.Dialect.IsUniqueViolation(err) {
		return &ConcurrentRunError{Identifier: script.ID, Err: err}
	}
	return m.applyError(script, 0, false, fmt.Errorf("record migration: %w", err))
}

// executeSteps runs the script's steps in order. It returns the 1-based
// index of the failing step.
func executeSteps(
	ctx context.Context, exec Executor, script Script, logger *slog.Logger,
) (int, error) {
	for idx, step := range script.Steps {
		logger.Debug("executing step", "step", idx+1)
		if err := step.Execute(ctx, exec); err != nil {
			return idx + 1, err
		}
	}
	return 0, nil
}

func sortEntries(entries []StatusEntry) {
	slices.SortFunc(entries, func(a, b StatusEntry) int {
		return cmp.Compare(a.Version, b.Version)
	})
}
