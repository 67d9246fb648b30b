package models

import (
	"errors"
	"fmt"
)

// ValidationError reports a violated data invariant.
type ValidationError struct {
	message string
}

// NewValidationError creates a new validation error.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{message: fmt.Sprintf(format, args...)}
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	return e.message
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError reports a referenced entity that does not exist. Read paths
// prefer returning (zero, false, nil); this type is for write paths that must
// surface the miss.
type NotFoundError struct {
	Entity string
	ID     string
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// Error returns the error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// IsNotFound checks if an error is a not-found error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
