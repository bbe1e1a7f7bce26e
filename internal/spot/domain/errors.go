package domain

import "errors"

// Stores and mirrors return these, optionally wrapped, so the reconciler can
// decide between no-op, retry and propagation.
var (
	ErrNotFound           = errors.New("not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidTransition  = errors.New("invalid spot state transition")
	ErrConflict           = errors.New("spot not reservable")
)
