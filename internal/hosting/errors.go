package hosting

import "errors"

var (
	// ErrNotFound is returned when a PR or branch does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAuthFailed is returned when the configured token is rejected.
	ErrAuthFailed = errors.New("authentication failed")
)
