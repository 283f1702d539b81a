package sqlmigrate

import (
	"fmt"
	"strings"
)

// DiscoveryError reports a migration file that cannot take part in a run:
// an unparsable filename, a duplicate identifier or an unreadable file.
// Discovery errors are fatal and always reported before anything executes.
type DiscoveryError struct {
	Source     string
	File       string
	Identifier string
	Reason     string
	Err        error
}

func (e *DiscoveryError) Error() string {
	var b strings.Builder
	b.WriteString("discovery")
	if e.Source != "" {
		fmt.Fprintf(&b, " (%s)", e.Source)
	}
	if e.File != "" {
		fmt.Fprintf(&b, ": %s", e.File)
	}
	if e.Identifier != "" {
		fmt.Fprintf(&b, " [%s]", e.Identifier)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// OrderingError reports a migration history that diverges from the
// available scripts: an applied identifier is newer than a one-shot script
// still pending.
type OrderingError struct {
	Applied string
	Pending string
	Reason  string
}

func (e *OrderingError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("ordering: %s", e.Reason)
	}
	return fmt.Sprintf(
		"ordering: migration %s is pending but newer migration %s is already applied",
		e.Pending, e.Applied,
	)
}

// ApplyError reports a script that failed to apply. Migrations applied
// earlier in the same run stay committed.
type ApplyError struct {
	Identifier string
	Name       string
	// Statement is the 1-based index of the failing step, 0 when the failure
	// happened outside of a step (begin, record, commit).
	Statement int
	// DuplicateObject is set when the database rejected the script because an
	// object it creates already exists.
	DuplicateObject bool
	// Partial is set when the script ran outside of a transaction and some
	// of its statements may already have taken effect.
	Partial bool
	Class   Class
	Err     error
}

func (e *ApplyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "apply %s", e.Identifier)
	if e.Name != "" {
		fmt.Fprintf(&b, " (%s)", e.Name)
	}
	if e.Statement > 0 {
		fmt.Fprintf(&b, " statement %d", e.Statement)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	if e.DuplicateObject {
		if e.Class == ClassOneShot {
			b.WriteString(" (object already exists and the script is one-shot;" +
				" guard it with IF NOT EXISTS or a no-op condition before re-running)")
		} else {
			b.WriteString(" (object already exists; check the script's existence guards)")
		}
	}
	if e.Partial {
		b.WriteString(" (script ran without a transaction, earlier statements may have been applied)")
	}
	return b.String()
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ConcurrentRunError reports that another runner holds the migration lock or
// has recorded the same identifier first. Callers may retry the run.
type ConcurrentRunError struct {
	Lock       string
	Identifier string
	Err        error
}

func (e *ConcurrentRunError) Error() string {
	msg := "concurrent run"
	if e.Lock != "" {
		msg += fmt.Sprintf(": lock %q is held by another runner", e.Lock)
	}
	if e.Identifier != "" {
		msg += fmt.Sprintf(": migration %s was recorded by another runner", e.Identifier)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *ConcurrentRunError) Unwrap() error { return e.Err }

// Temporary reports that the run can be retried once the other runner ends.
func (e *ConcurrentRunError) Temporary() bool { return true }
