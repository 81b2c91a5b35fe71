package scheduler

import "errors"

// Sentinel errors shared across registry and checkpoint implementations.
var (
	// ErrNotFound indicates an unknown task id.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition indicates a status change the state machine
	// disallows.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRegistryCorrupt indicates the persisted registry is unreadable.
	// Scheduling must not proceed with partial state.
	ErrRegistryCorrupt = errors.New("registry state corrupt")
	// ErrNoCheckpoint indicates no checkpoint has been persisted yet.
	ErrNoCheckpoint = errors.New("no checkpoint")
)
