package storage

import "errors"

// Storage errors for the append-only archives.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record with
	// a key that already exists. Archives are append-only and never update.
	ErrDuplicateKey = errors.New("duplicate key: append-only archive does not allow updates")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
