// Package memerr defines the error taxonomy shared by the memory engine.
//
// Operations return either a typed result or one of these errors; the
// transport layer maps them to status codes without string matching.
package memerr

import (
	"errors"
	"fmt"
)

// ValidationError signals malformed input (bad edit patch, unknown op,
// non-positive TTL). Rejected before any write; never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// Validationf builds a ValidationError for field with a formatted message.
func Validationf(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError signals a missing or invisible entity (unknown chunk,
// revoked/expired capsule, capsule outside the requester's audience).
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NotFound builds a NotFoundError for the given entity kind and id.
func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError signals a state conflict the caller must resolve, such as a
// dependency edge that would close a cycle.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Msg }

// Conflictf builds a ConflictError with a formatted message.
func Conflictf(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// ErrCycleDetected is returned when inserting a depends_on edge would make
// the dependency graph cyclic.
var ErrCycleDetected = &ConflictError{Msg: "depends_on edge would create a cycle"}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
