package scheduler

import (
	"context"
	"time"
)

// Registry is the single source of truth for task existence and status.
// Implementations must apply Transition and RecordDependency atomically;
// the dispatcher is the only writer during a scheduling session.
type Registry interface {
	// Load seeds the registry from catalog specs, deduplicating by natural
	// key. Existing scheduling state wins over re-seeded rows. Returns the
	// number of newly created tasks.
	Load(ctx context.Context, specs []TaskSpec) (int, error)
	// ListReady returns pending tasks whose NextRunAt is zero or has
	// elapsed, ordered by priority ascending, longest-waiting first, with a
	// stable insertion-order tie-break.
	ListReady(ctx context.Context, now time.Time) ([]Task, error)
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context) ([]Task, error)
	ListByStatus(ctx context.Context, status TaskStatus) ([]Task, error)
	// Transition mutates status atomically together with the given fields.
	// It fails with ErrNotFound for unknown ids and ErrInvalidTransition
	// when the state machine disallows the move.
	Transition(ctx context.Context, id string, status TaskStatus, fields TransitionFields) (Task, error)
	// RecordDependency creates a child task linked to a completed parent.
	// It is idempotent per (parent, output ref).
	RecordDependency(ctx context.Context, parentID string, spec TaskSpec) (Task, error)
	Counts(ctx context.Context) (StatusCounts, error)
}

// CheckpointStore persists the current Checkpoint document, overwriting it
// each cycle.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	// Load returns the last saved checkpoint or ErrNoCheckpoint.
	Load(ctx context.Context) (Checkpoint, error)
}

// Executor performs the actual page fetch/extraction for one task. The call
// is opaque to the scheduler and may block for minutes to hours.
// Implementations must return promptly once ctx is canceled; shutdown
// grants a bounded grace period and then abandons the call.
type Executor interface {
	Execute(ctx context.Context, task Task) (Result, error)
}

// Notifier is invoked after a task reaches completed. Implementations must
// not block the dispatcher; failures are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, site, operation, outputRef string) error
}

// AdmissionController gates new task admissions on host resource headroom.
type AdmissionController interface {
	CanAdmit(ctx context.Context) bool
}

// Clock returns the current time (seam for deterministic tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces execution-handle identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
