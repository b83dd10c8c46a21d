package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist or is
	// soft-deleted.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when an optimistic-concurrency update finds a
	// stale version. The caller should re-read and retry.
	ErrConflict = errors.New("storage: version conflict")

	// ErrLeaseHeld is returned when a thread's run-lease is already held by
	// a live owner. Callers fail fast rather than queueing.
	ErrLeaseHeld = errors.New("storage: thread lease held")
)
