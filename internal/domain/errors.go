package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrCapacityExceeded is returned when a hard capacity bound refuses a request.
	ErrCapacityExceeded = errors.New("capacity exceeded")
)
