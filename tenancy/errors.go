/*
errors.go - Centralized error types for the tenancy engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every error returned by the allocation and billing packages unwraps to
  exactly one kind sentinel, so callers (HTTP layer, scheduler) can branch
  on the kind without knowing the specific failure.

ERROR KINDS:
  ErrNotFound   - referenced bed/room/tenant/payment absent
  ErrConflict   - bed occupied, tenant already allocated, duplicate room
                  number, double pay, transition out of a terminal status
  ErrValidation - malformed identifiers or input
  ErrTransient  - storage unavailable; the operation may succeed on retry

USAGE:
  if errors.Is(err, tenancy.ErrBedOccupied) { ... }   // specific
  if tenancy.IsConflict(err) { ... }                  // by kind

SEE ALSO:
  - store/sqlite/sqlite.go: maps driver errors onto these kinds
  - api/handlers.go: maps kinds onto HTTP status codes
*/
package tenancy

import (
	"errors"
	"fmt"
)

// =============================================================================
// KIND SENTINELS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation failed")
	ErrTransient  = errors.New("transient storage failure")
)

// =============================================================================
// SPECIFIC SENTINELS - Each unwraps to its kind
// =============================================================================

var (
	ErrBedOccupied         = kindError(ErrConflict, "bed already occupied")
	ErrTenantAllocated     = kindError(ErrConflict, "tenant already has an allocated bed")
	ErrOccupantMismatch    = kindError(ErrConflict, "tenant does not occupy that bed")
	ErrDuplicateRoomNumber = kindError(ErrConflict, "room number already exists")
	ErrRoomOccupied        = kindError(ErrConflict, "room has occupied beds")
	ErrAlreadyPaid         = kindError(ErrConflict, "payment already paid")
	ErrTerminalStatus      = kindError(ErrConflict, "payment status is terminal")
	ErrDuplicatePeriod     = kindError(ErrConflict, "payment period already exists")
)

type sentinel struct {
	kind error
	msg  string
}

func kindError(kind error, msg string) error {
	return &sentinel{kind: kind, msg: msg}
}

func (e *sentinel) Error() string { return e.msg }
func (e *sentinel) Unwrap() error { return e.kind }

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // "room", "bed", "tenant", "payment"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError for any of the ID types.
func NotFound[ID ~string](kind string, id ID) error {
	return &NotFoundError{Kind: kind, ID: string(id)}
}

// ValidationError describes rejected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientError wraps a driver error that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error is a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to the caller's input or
// the current state, as opposed to infrastructure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound)
}
