package domain

import "errors"

// Domain errors shared across the aggregation core and its callers.
var (
	// ErrValidation is returned when an ingest payload is malformed.
	// The update is rejected as a whole, never partially applied.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownSymbol is returned in strict mode when a symbol has never
	// been ingested. Distinct from "no fresh data right now", which is
	// reported as an absent result.
	ErrUnknownSymbol = errors.New("unknown symbol")
)
