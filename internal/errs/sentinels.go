// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/repo/engine layers.
var (
	// ErrNotFound indicates the requested entity or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (server version ahead of client).
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyExists indicates a create collided with an existing entity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrIntegrity indicates a payload checksum mismatch. Never retried.
	ErrIntegrity = errors.New("payload integrity check failed")

	// ErrUnavailable indicates the server store could not be reached. Retryable.
	ErrUnavailable = errors.New("server store unavailable")
)
