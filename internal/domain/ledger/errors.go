package ledger

import "errors"

// Closed error taxonomy of the ledger. Callers match with errors.Is.
var (
	// ErrDuplicateOperation is returned by a store when the operation ID, or the
	// reversal target of an undo event, is already present
	ErrDuplicateOperation = errors.New("duplicate operation")
	// ErrSaveFailed wraps any persistence failure; retryable
	ErrSaveFailed = errors.New("save failed")
	// ErrInvalidInput rejects malformed commands and non-undoable events
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned when an undo target does not exist
	ErrNotFound = errors.New("not found")
)

// IsRetryable reports whether a caller may retry the failed command
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSaveFailed)
}
