package queuectl

import "errors"

var (
	// Store errors.
	ErrStoreClosed = errors.New("queuectl: store closed")

	// Not found / conflict errors.
	ErrNotFound    = errors.New("queuectl: job not found")
	ErrDuplicateID = errors.New("queuectl: job already exists")

	// State errors.
	ErrNotDead          = errors.New("queuectl: job is not in the dead-letter queue")
	ErrInvalidState     = errors.New("queuectl: invalid state transition")
	ErrInvalidKey       = errors.New("queuectl: unknown config key")
	ErrNoWorkersTracked = errors.New("queuectl: no worker processes tracked")

	// ErrLockTimeout is returned by ClaimNext when claim contention could not
	// be resolved within the backend's bounded retry budget. Workers treat it
	// like an empty queue and poll again.
	ErrLockTimeout = errors.New("queuectl: claim lock timed out")
)
