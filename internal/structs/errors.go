// Package structs defines the orchestrator's core data model: tenants,
// nodes, jobs, allocations, checkpoints, failures, recovery plans, and
// audit events. The registry (internal/state) is the only component
// permitted to mutate these types after they are admitted; every other
// component receives snapshots.
package structs

import "fmt"

// ErrorKind classifies a core-internal error per the taxonomy in the
// specification's error handling design: validation errors, invariant
// violations, and not-found/duplicate conditions are distinguished so
// callers can decide whether to retry, isolate a tenant, or abort.
type ErrorKind string

const (
	ErrKindValidation         ErrorKind = "validation"
	ErrKindInvariantViolation ErrorKind = "invariant_violation"
	ErrKindNotFound           ErrorKind = "not_found"
	ErrKindDuplicateID        ErrorKind = "duplicate_id"
	ErrKindIllegalTransition  ErrorKind = "illegal_transition"
)

// Error is the structured error type returned by registry and
// scheduling operations. It is never used for domain failures (node
// crashes, job crashes, etc) — those are FailureEvents, recorded
// asynchronously by the failure detector, never raised synchronously.
type Error struct {
	Kind      ErrorKind
	Message   string
	Retriable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: ErrKindValidation, Message: fmt.Sprintf(format, args...)}
}

func NewInvariantViolation(format string, args ...any) *Error {
	return &Error{Kind: ErrKindInvariantViolation, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(kind, id string) *Error {
	return &Error{Kind: ErrKindNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

func NewDuplicateIDError(kind, id string) *Error {
	return &Error{Kind: ErrKindDuplicateID, Message: fmt.Sprintf("%s %q already exists", kind, id)}
}

func NewIllegalTransitionError(kind string, from, to string) *Error {
	return &Error{Kind: ErrKindIllegalTransition, Message: fmt.Sprintf("illegal %s transition: %s -> %s", kind, from, to)}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
