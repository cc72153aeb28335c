package domain

import "fmt"

// ValidationError reports malformed input to a store operation. It is a caller
// bug and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientStoreError wraps an I/O failure against a durable store. Callers may
// retry it with backoff.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// GenerationError wraps a failure or timeout of the text-generation capability.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation: %s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ParseError reports a structured response that does not match the expected
// shape.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "parse: " + e.Reason
	}
	return fmt.Sprintf("parse: %s: %v", e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
