// Package store holds the sentinel errors shared by the repository backends.
package store

import "errors"

var (
	// ErrNotFound is returned when no row exists for (tenant_id, id).
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional update finds the row in an
	// unexpected state.
	ErrConflict = errors.New("conditional update conflict")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate")
)
