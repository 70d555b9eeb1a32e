package service

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrConflict matches every ConflictError.
	ErrConflict = errors.New("statement conflict")
	// ErrStatementNotFound indicates a statement could not be found or is voided.
	ErrStatementNotFound = errors.New("statement not found")
)

// ValidationError reports a statement or query that is structurally invalid.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError reports a resubmitted statement id whose content differs from
// the accepted statement.
type ConflictError struct {
	StatementID string
	Reason      string
}

func (e *ConflictError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("statement %s already exists with different content", e.StatementID)
	}
	return fmt.Sprintf("statement %s already exists with different content: %s", e.StatementID, e.Reason)
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
