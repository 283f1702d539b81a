package sqlmigrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Executor is an interface that *sql.DB, *sql.Conn, *sql.Tx and their sqlx
// counterparts implement.
type Executor interface {
	ExecContext(
		ctx context.Context, query string, args ...any,
	) (sql.Result, error)
}

// Step is one unit of work inside a migration script.
type Step interface {
	Execute(ctx context.Context, exec Executor) error
}

// Class tells whether a script can safely be applied again.
type Class int

const (
	// ClassOneShot scripts fail or corrupt data when applied twice.
	ClassOneShot Class = iota
	// ClassIdempotent scripts guard every statement so that re-applying
	// them is a no-op.
	ClassIdempotent
)

func (c Class) String() string {
	if c == ClassIdempotent {
		return "idempotent"
	}
	return "one-shot"
}

// MarshalText renders the class the way it is written in directives.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Script is a discovered migration: an identifier taken from the filename
// (or given explicitly), its ordered steps and the metadata needed to apply
// and track it. Scripts are never mutated once discovered.
type Script struct {
	// ID is the identifier as written, e.g. "001".
	ID string
	// Version is the numeric value of ID, filled in by Discover.
	Version int64
	Name    string
	// Source describes where the script came from, usually a file path.
	Source   string
	Steps    []Step
	Checksum string
	Class    Class
	// NoTransaction runs the steps on the session instead of inside a
	// transaction, e.g. for CREATE INDEX CONCURRENTLY.
	NoTransaction bool

	classSet bool
}

// NewScript returns a new script with the given identifier and name.
//
// Parameters:
//   - id: The identifier of the script, a positive integer token.
//   - name: The descriptive name of the script.
//
// Returns:
//   - *Script: A new script.
func NewScript(id string, name string) *Script {
	return &Script{
		ID:   id,
		Name: name,
	}
}

// WithSteps returns a new Script with the given steps.
//
// Parameters:
//   - steps: The steps to execute when the script is applied.
//
// Returns:
//   - *Script: A new script.
func (s *Script) WithSteps(steps []Step) *Script {
	new := *s
	new.Steps = steps
	return &new
}

// WithClass returns a new Script with an explicit idempotency class. Without
// it the class is inferred from the script's SQL.
//
// Parameters:
//   - class: The idempotency class.
//
// Returns:
//   - *Script: A new script.
func (s *Script) WithClass(class Class) *Script {
	new := *s
	new.Class = class
	new.classSet = true
	return &new
}

// WithNoTransaction returns a new Script that runs outside of a transaction.
//
// Returns:
//   - *Script: A new script.
func (s *Script) WithNoTransaction() *Script {
	new := *s
	new.NoTransaction = true
	return &new
}

// String returns "<id>_<name>".
func (s Script) String() string {
	if s.Name == "" {
		return s.ID
	}
	return s.ID + "_" + s.Name
}

// Record is a row of the migration history table. Records are immutable
// once written.
type Record struct {
	Identifier string    `db:"identifier" json:"identifier" yaml:"identifier"`
	Checksum   string    `db:"checksum" json:"checksum" yaml:"checksum"`
	AppliedAt  time.Time `db:"applied_at" json:"applied_at" yaml:"applied_at"`
}

// SQLStep executes a single SQL statement.
type SQLStep struct {
	SQL string
}

// NewSQLStep returns a new SQLStep.
//
// Parameters:
//   - sql: The SQL statement to execute.
//
// Returns:
//   - *SQLStep: A new SQLStep.
func NewSQLStep(sql string) *SQLStep {
	return &SQLStep{
		SQL: sql,
	}
}

// Execute runs the statement.
func (s SQLStep) Execute(ctx context.Context, exec Executor) error {
	_, err := exec.ExecContext(ctx, s.SQL)
	return err
}

func (s SQLStep) String() string { return s.SQL }

// HookFn is a Go function run as a migration step.
type HookFn func(ctx context.Context, exec Executor) error

// HookStep executes a custom Go function in the script's transaction.
type HookStep struct {
	Name string
	Fn   HookFn
}

// NewHookStep returns a new HookStep.
//
// Parameters:
//   - name: A stable name for the hook; it takes part in the checksum.
//   - fn: The function to run.
//
// Returns:
//   - *HookStep: A new HookStep.
func NewHookStep(name string, fn HookFn) *HookStep {
	return &HookStep{Name: name, Fn: fn}
}

// Execute runs the hook.
func (h HookStep) Execute(ctx context.Context, exec Executor) error {
	if h.Fn == nil {
		return fmt.Errorf("hook %q not defined", h.Name)
	}
	return h.Fn(ctx, exec)
}

func (h HookStep) String() string { return "hook:" + h.Name }

// Checksum returns the hex encoded SHA-256 of content.
func Checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// checksumSteps derives a checksum for scripts that were not built from a
// single file.
func checksumSteps(steps []Step) string {
	parts := make([]string, 0, len(steps))
	for _, step := range steps {
		parts = append(parts, fmt.Sprint(step))
	}
	return Checksum(strings.Join(parts, ";\n"))
}

// classifySteps infers the class of a script from its SQL steps. Hooks
// cannot be inspected and make the script one-shot.
func classifySteps(steps []Step) Class {
	if len(steps) == 0 {
		return ClassOneShot
	}
	for _, step := range steps {
		var stmt string
		switch s := step.(type) {
		case SQLStep:
			stmt = s.SQL
		case *SQLStep:
			stmt = s.SQL
		default:
			return ClassOneShot
		}
		if classifyStatement(stmt) != ClassIdempotent {
			return ClassOneShot
		}
	}
	return ClassIdempotent
}
