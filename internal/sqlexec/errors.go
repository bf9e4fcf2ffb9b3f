package sqlexec

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdentifier is returned when a schema, table or column name
	// fails the allow-list check and cannot be interpolated into SQL.
	ErrInvalidIdentifier = errors.New("invalid SQL identifier")

	// ErrStatementTimeout is returned when a statement outlives the
	// executor's per-statement timeout.
	ErrStatementTimeout = errors.New("statement timeout")

	// ErrNestedTransaction is returned when a transaction scope is entered on
	// a session that already has one open.
	ErrNestedTransaction = errors.New("transaction already open on session")

	// ErrNoTransaction is returned by Commit/Rollback without an open transaction.
	ErrNoTransaction = errors.New("no open transaction on session")
)

// ExecError describes a failed statement or script.
type ExecError struct {
	Name string
	SQL  string
	Err  error
}

func (e *ExecError) Error() string {
	name := e.Name
	if name == "" {
		name = "statement"
	}
	return fmt.Sprintf("SQL execution failed for %s: %v", name, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err was caused by a statement timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrStatementTimeout)
}
