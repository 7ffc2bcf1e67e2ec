package model

import (
	"errors"
	"fmt"
)

// Common model errors
var (
	// ErrNotFound is returned when a resource instance does not exist
	ErrNotFound = errors.New("resource not found")

	// ErrConflict is returned when an instance id is already taken
	ErrConflict = errors.New("resource already exists")

	// ErrValidationFailed is returned when a document cannot be stored as the model's type
	ErrValidationFailed = errors.New("validation failed")

	// ErrBinding is returned when a model cannot be bound to its collection
	ErrBinding = errors.New("model binding failed")
)

// ValidationError lists the problems found in one document
type ValidationError struct {
	Errors []FieldError
}

// Error implements the error interface
func (ve *ValidationError) Error() string {
	if len(ve.Errors) == 0 {
		return "validation failed"
	}
	if len(ve.Errors) == 1 {
		return fmt.Sprintf("validation failed: %s: %s", ve.Errors[0].Field, ve.Errors[0].Message)
	}
	return fmt.Sprintf("validation failed: %d errors", len(ve.Errors))
}

// Unwrap lets errors.Is match ErrValidationFailed
func (ve *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// FieldError is a problem with one element of a document
type FieldError struct {
	Field   string
	Message string
}

// IsNotFound returns true if the error is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error is ErrConflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidationFailed returns true if the error is a validation error
func IsValidationFailed(err error) bool {
	return errors.Is(err, ErrValidationFailed)
}
