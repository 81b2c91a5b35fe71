// Package memory provides an in-memory registry for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/esdata/propertyscraper/internal/scheduler"
)

// Registry is a mutex-guarded in-memory scheduler.Registry. The dispatcher
// is the only writer during a scheduling session; the mutex covers status
// reads from the API and tests.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]scheduler.Task
	seq   int64
	clock scheduler.Clock
}

// New constructs an empty Registry.
func New(clock scheduler.Clock) *Registry {
	return &Registry{
		tasks: make(map[string]scheduler.Task),
		clock: clock,
	}
}

// Load seeds tasks from catalog specs, deduplicating by natural key.
// Existing rows keep their scheduling state.
func (r *Registry) Load(_ context.Context, specs []scheduler.TaskSpec) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	created := 0
	for _, spec := range specs {
		id := scheduler.TaskID(spec)
		if _, exists := r.tasks[id]; exists {
			continue
		}
		r.tasks[id] = r.newTask(id, spec, "")
		created++
	}
	return created, nil
}

func (r *Registry) newTask(id string, spec scheduler.TaskSpec, parentID string) scheduler.Task {
	r.seq++
	priority := spec.Priority
	if priority == 0 {
		priority = scheduler.ProfileFor(spec.Site).Priority
	}
	phase := spec.Phase
	if phase == "" {
		phase = scheduler.PhaseListing
	}
	return scheduler.Task{
		ID:           id,
		Site:         spec.Site,
		State:        spec.State,
		City:         spec.City,
		Operation:    spec.Operation,
		Product:      spec.Product,
		Phase:        phase,
		URL:          spec.URL,
		Status:       scheduler.TaskStatusPending,
		Priority:     priority,
		Seq:          r.seq,
		CreatedAt:    r.clock.Now(),
		DependencyOf: parentID,
	}
}

// ListReady returns admissible pending tasks ordered by priority, then
// longest-waiting, then insertion order.
func (r *Registry) ListReady(_ context.Context, now time.Time) ([]scheduler.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ready []scheduler.Task
	for _, t := range r.tasks {
		if t.Status != scheduler.TaskStatusPending {
			continue
		}
		if !t.NextRunAt.IsZero() && t.NextRunAt.After(now) {
			continue
		}
		ready = append(ready, t)
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		ra, rb := readySince(a), readySince(b)
		if !ra.Equal(rb) {
			return ra.Before(rb)
		}
		return a.Seq < b.Seq
	})
	return ready, nil
}

// readySince is the moment a task became eligible; never-run tasks have been
// waiting since creation.
func readySince(t scheduler.Task) time.Time {
	if t.NextRunAt.IsZero() {
		return t.CreatedAt
	}
	return t.NextRunAt
}

// Get fetches a task by id.
func (r *Registry) Get(_ context.Context, id string) (scheduler.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return scheduler.Task{}, fmt.Errorf("get %q: %w", id, scheduler.ErrNotFound)
	}
	return t, nil
}

// List returns all tasks in insertion order.
func (r *Registry) List(_ context.Context) ([]scheduler.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]scheduler.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ListByStatus returns tasks in the given status, in insertion order.
func (r *Registry) ListByStatus(ctx context.Context, status scheduler.TaskStatus) ([]scheduler.Task, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []scheduler.Task
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// Transition applies a status change plus optional field mutations atomically.
func (r *Registry) Transition(
	_ context.Context,
	id string,
	status scheduler.TaskStatus,
	fields scheduler.TransitionFields,
) (scheduler.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return scheduler.Task{}, fmt.Errorf("transition %q: %w", id, scheduler.ErrNotFound)
	}
	if !scheduler.CanTransition(t.Status, status) {
		return scheduler.Task{}, fmt.Errorf(
			"transition %q from %s to %s: %w", id, t.Status, status, scheduler.ErrInvalidTransition)
	}

	t.Status = status
	if status == scheduler.TaskStatusCompleted {
		// Success ends the consecutive-failure streak; only failures
		// between successes count against the retry budget.
		t.RetryCount = 0
	}
	if fields.LastRunAt != nil {
		t.LastRunAt = *fields.LastRunAt
	}
	if fields.NextRunAt != nil {
		t.NextRunAt = *fields.NextRunAt
	}
	if fields.RetryCount != nil {
		t.RetryCount = *fields.RetryCount
	}
	if fields.OutputRef != nil {
		t.OutputRef = *fields.OutputRef
	}
	if fields.Run != nil {
		run := *fields.Run
		t.LastRun = &run
		t.TotalRuns++
		if run.Success {
			t.SuccessfulRuns++
			t.RecordsExtracted += run.PropertiesExtracted
		} else {
			t.FailedRuns++
		}
	}
	if fields.ErrorKind != scheduler.ErrorKindNone {
		if t.LastRun != nil {
			run := *t.LastRun
			run.ErrorKind = fields.ErrorKind
			t.LastRun = &run
		} else {
			t.LastRun = &scheduler.Run{Success: false, ErrorKind: fields.ErrorKind}
		}
	}
	if status == scheduler.TaskStatusCompleted && fields.NextRunAt == nil {
		t.NextRunAt = r.clock.Now().Add(scheduler.ProfileFor(t.Site).RescrapeEvery)
	}

	r.tasks[id] = t
	return t, nil
}

// RecordDependency creates a detail task linked to its parent. Calling it
// again for the same natural key returns the existing child.
func (r *Registry) RecordDependency(
	_ context.Context,
	parentID string,
	spec scheduler.TaskSpec,
) (scheduler.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.tasks[parentID]
	if !ok {
		return scheduler.Task{}, fmt.Errorf("record dependency for %q: %w", parentID, scheduler.ErrNotFound)
	}
	if spec.Phase == "" {
		spec.Phase = scheduler.PhaseDetail
	}
	id := scheduler.TaskID(spec)
	if existing, exists := r.tasks[id]; exists {
		if existing.Status == scheduler.TaskStatusCompleted && existing.URL != spec.URL {
			// A fresh URL list from a re-scraped parent re-arms the child.
			existing.URL = spec.URL
			existing.Status = scheduler.TaskStatusPending
			existing.NextRunAt = time.Time{}
			r.tasks[id] = existing
		}
		return r.tasks[id], nil
	}
	child := r.newTask(id, spec, parent.ID)
	// Detail tasks inherit the parent's lane priority so the site drains
	// listing then detail before releasing the lane.
	child.Priority = parent.Priority
	r.tasks[id] = child
	return child, nil
}

// Counts returns the status histogram.
func (r *Registry) Counts(_ context.Context) (scheduler.StatusCounts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var c scheduler.StatusCounts
	for _, t := range r.tasks {
		switch t.Status {
		case scheduler.TaskStatusPending:
			c.Pending++
		case scheduler.TaskStatusRunning:
			c.Running++
		case scheduler.TaskStatusCompleted:
			c.Completed++
		case scheduler.TaskStatusFailed:
			c.Failed++
		case scheduler.TaskStatusPaused:
			c.Paused++
		}
	}
	return c, nil
}
