package unit

import "errors"

var (
	// ErrCanceled rejects an action in the unit's current state.
	ErrCanceled = errors.New("operation canceled")

	// ErrStartLimitHit is returned when the start rate limit refused a start.
	// It matches ErrCanceled as well.
	ErrStartLimitHit error = &limitError{}

	ErrNotLoaded = errors.New("unit not loaded")
	ErrNotFound  = errors.New("unit not found")
	ErrBadState  = errors.New("unit in bad state")
	ErrNoSubUnit = errors.New("no implementation for unit type")
)

type limitError struct{}

func (*limitError) Error() string { return "start limit hit" }

func (*limitError) Is(target error) bool { return target == ErrCanceled }
