package persistence

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("persistence: not found")
	// ErrConflict is returned when an optimistic transaction exhausted its retries.
	ErrConflict = errors.New("persistence: write conflict")
	// ErrUnavailable is returned when the backing store cannot serve the request.
	ErrUnavailable = errors.New("persistence: store unavailable")
	// ErrDuplicate is returned when a record with the same identity already exists.
	ErrDuplicate = errors.New("persistence: duplicate record")
	// ErrConstraintViolation is returned when a write breaks a record invariant.
	ErrConstraintViolation = errors.New("persistence: constraint violation")
	// ErrIllegalTransition is returned when a status change is not permitted.
	ErrIllegalTransition = errors.New("persistence: illegal status transition")
)
