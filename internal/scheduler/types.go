// Package scheduler defines core types shared across the orchestration subsystems.
package scheduler

import (
	"time"
)

// TaskStatus represents the lifecycle state of a scrape task.
type TaskStatus string

// Task status values persisted in the registry.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusPaused    TaskStatus = "paused"
)

// TaskPhase distinguishes listing sweeps from the detail pass seeded by them.
type TaskPhase string

// Task phases. A detail task is created from a completed listing task whose
// output includes a collected URL list.
const (
	PhaseListing TaskPhase = "listing"
	PhaseDetail  TaskPhase = "detail"
)

// ErrorKind classifies executor outcomes for retry accounting.
type ErrorKind string

// Executor error kinds recorded on runs and failed tasks.
const (
	ErrorKindNone             ErrorKind = ""
	ErrorKindNetwork          ErrorKind = "network"
	ErrorKindBlocked          ErrorKind = "blocked"
	ErrorKindParsing          ErrorKind = "parsing"
	ErrorKindPanic            ErrorKind = "panic"
	ErrorKindExhaustedRetries ErrorKind = "exhausted_retries"
)

// TaskSpec is the input used to seed or derive a Task. The natural key is
// (site, city, operation, product, phase); seeding the same key twice is a
// no-op for scheduling state.
type TaskSpec struct {
	Site      string    `json:"site"`
	State     string    `json:"state"`
	City      string    `json:"city"`
	Operation string    `json:"operation"`
	Product   string    `json:"product"`
	Phase     TaskPhase `json:"phase"`
	URL       string    `json:"url"`
	Priority  int       `json:"priority"`
}

// Task is one unit of scrape work for a (site, city, operation, product)
// combination. The ID is a deterministic slug of the natural key and is
// stable for the task's lifetime.
type Task struct {
	ID               string     `json:"id"`
	Site             string     `json:"site"`
	State            string     `json:"state"`
	City             string     `json:"city"`
	Operation        string     `json:"operation"`
	Product          string     `json:"product"`
	Phase            TaskPhase  `json:"phase"`
	URL              string     `json:"url"`
	Status           TaskStatus `json:"status"`
	Priority         int        `json:"priority"`
	Seq              int64      `json:"seq"`
	CreatedAt        time.Time  `json:"created_at"`
	LastRunAt        time.Time  `json:"last_run_at,omitzero"`
	NextRunAt        time.Time  `json:"next_run_at,omitzero"`
	RetryCount       int        `json:"retry_count"`
	DependencyOf     string     `json:"dependency_of,omitempty"`
	OutputRef        string     `json:"output_ref,omitempty"`
	TotalRuns        int        `json:"total_runs"`
	SuccessfulRuns   int        `json:"successful_runs"`
	FailedRuns       int        `json:"failed_runs"`
	RecordsExtracted int        `json:"records_extracted"`
	LastRun          *Run       `json:"last_run,omitempty"`
}

// Run summarizes one execution attempt of a task.
type Run struct {
	Handle              string    `json:"handle"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
	Success             bool      `json:"success"`
	PropertiesExtracted int       `json:"properties_extracted"`
	ErrorKind           ErrorKind `json:"error_kind,omitempty"`
}

// Result is reported by a worker after the executor call returns. Workers
// never decide final task status; the dispatcher derives it during reap.
type Result struct {
	TaskID              string
	Handle              string
	Site                string
	Success             bool
	PropertiesExtracted int
	Duration            time.Duration
	ErrorKind           ErrorKind
	OutputRef           string
	StartedAt           time.Time
	FinishedAt          time.Time
}

// Assignment hands a task plus its execution handle to the worker pool.
type Assignment struct {
	Task   Task
	Handle string
}

// TransitionFields carries the optional mutations applied atomically with a
// status transition. Nil pointers leave the corresponding field untouched.
type TransitionFields struct {
	LastRunAt  *time.Time
	NextRunAt  *time.Time
	RetryCount *int
	OutputRef  *string
	Run        *Run
	ErrorKind  ErrorKind
}

// StatusCounts is the per-status task histogram used for reporting and
// checkpoint digests.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Paused    int `json:"paused"`
}

// Total returns the number of tasks across all statuses.
func (c StatusCounts) Total() int {
	return c.Pending + c.Running + c.Completed + c.Failed + c.Paused
}

// RunningTask is the checkpointed identity of an in-flight execution.
type RunningTask struct {
	TaskID string `json:"task_id"`
	Handle string `json:"handle"`
	Site   string `json:"site"`
}

// CheckpointVersion is the current checkpoint record schema version.
const CheckpointVersion = 1

// Checkpoint is a point-in-time snapshot of in-flight state. It is used only
// to detect unclean shutdown, never replayed as a log.
type Checkpoint struct {
	Version        int               `json:"version"`
	Timestamp      time.Time         `json:"timestamp"`
	Running        []RunningTask     `json:"running"`
	Lanes          map[string]string `json:"lanes"`
	Counts         StatusCounts      `json:"counts"`
	RegistryDigest string            `json:"registry_digest"`
}

// validTransitions encodes the task state machine. No transition may skip
// running; failed is terminal.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning},
	// running -> pending covers both the retry path and crash reconciliation.
	TaskStatusRunning:   {TaskStatusCompleted, TaskStatusFailed, TaskStatusPaused, TaskStatusPending},
	TaskStatusPaused:    {TaskStatusPending},
	TaskStatusCompleted: {TaskStatusPending},
	TaskStatusFailed:    {},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to TaskStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
