package jobs

import "errors"

var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound covers both missing jobs and jobs owned by someone else.
	ErrNotFound = errors.New("job not found")
	ErrStore    = errors.New("job store unavailable")
)
