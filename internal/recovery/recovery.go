// Package recovery reconciles registry state left behind by a previous
// orchestrator process before scheduling resumes.
package recovery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/esdata/propertyscraper/internal/metrics"
	"github.com/esdata/propertyscraper/internal/scheduler"
)

// Report describes what the previous process left behind.
type Report struct {
	// Interrupted is true when the last checkpoint recorded in-flight work.
	Interrupted bool
	// StaleRunning lists tasks recorded running with no live execution.
	StaleRunning []scheduler.RunningTask
	// Requeued is how many tasks were returned to pending.
	Requeued int
	// Resumed is how many paused tasks were returned to pending.
	Resumed int
	// Exhausted is how many stale tasks had no retry budget left and were
	// marked failed instead.
	Exhausted int
}

// Manager restores a consistent registry at startup. No execution handle
// from a previous process can be live once this process starts, so every
// running row and every checkpointed lane is stale by construction.
type Manager struct {
	registry    scheduler.Registry
	checkpoints scheduler.CheckpointStore
	maxRetries  int
	logger      *zap.Logger
}

// New creates a Manager.
func New(registry scheduler.Registry, checkpoints scheduler.CheckpointStore, maxRetries int, logger *zap.Logger) *Manager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Manager{
		registry:    registry,
		checkpoints: checkpoints,
		maxRetries:  maxRetries,
		logger:      logger,
	}
}

// Reconcile detects an interrupted previous run and repairs the registry:
// stale running tasks are requeued with their retry count incremented,
// paused tasks return to pending, and tasks whose retry budget is spent
// are marked failed. It must run before the first scheduling cycle.
func (m *Manager) Reconcile(ctx context.Context) (Report, error) {
	var report Report

	cp, err := m.checkpoints.Load(ctx)
	switch {
	case errors.Is(err, scheduler.ErrNoCheckpoint):
		m.logger.Info("no checkpoint found, starting clean")
	case err != nil:
		return report, fmt.Errorf("load checkpoint: %w", err)
	default:
		report.Interrupted = len(cp.Running) > 0
		report.StaleRunning = cp.Running
		if report.Interrupted {
			m.logger.Warn("previous run was interrupted",
				zap.Time("checkpoint_at", cp.Timestamp),
				zap.Int("stale_running", len(cp.Running)),
			)
		}
	}

	// The registry is authoritative for which rows need repair; the
	// checkpoint only tells us the interruption story.
	running, err := m.registry.ListByStatus(ctx, scheduler.TaskStatusRunning)
	if err != nil {
		return report, fmt.Errorf("list running tasks: %w", err)
	}
	for _, t := range running {
		if err := m.requeueStale(ctx, t, &report); err != nil {
			return report, err
		}
	}

	paused, err := m.registry.ListByStatus(ctx, scheduler.TaskStatusPaused)
	if err != nil {
		return report, fmt.Errorf("list paused tasks: %w", err)
	}
	for _, t := range paused {
		if _, err := m.registry.Transition(ctx, t.ID, scheduler.TaskStatusPending, scheduler.TransitionFields{}); err != nil {
			return report, fmt.Errorf("resume paused task %s: %w", t.ID, err)
		}
		metrics.RecordTransition(string(scheduler.TaskStatusPending))
		report.Resumed++
		m.logger.Info("paused task resumed", zap.String("task_id", t.ID), zap.String("site", t.Site))
	}

	m.logger.Info("recovery reconciliation complete",
		zap.Bool("interrupted", report.Interrupted),
		zap.Int("requeued", report.Requeued),
		zap.Int("resumed", report.Resumed),
		zap.Int("exhausted", report.Exhausted),
	)
	return report, nil
}

func (m *Manager) requeueStale(ctx context.Context, t scheduler.Task, report *Report) error {
	retries := t.RetryCount + 1
	if retries >= m.maxRetries {
		fields := scheduler.TransitionFields{
			RetryCount: &retries,
			ErrorKind:  scheduler.ErrorKindExhaustedRetries,
		}
		if _, err := m.registry.Transition(ctx, t.ID, scheduler.TaskStatusFailed, fields); err != nil {
			return fmt.Errorf("fail stale task %s: %w", t.ID, err)
		}
		metrics.RecordTransition(string(scheduler.TaskStatusFailed))
		report.Exhausted++
		m.logger.Warn("stale task exhausted its retry budget",
			zap.String("task_id", t.ID),
			zap.String("site", t.Site),
			zap.Int("retry_count", retries),
		)
		return nil
	}

	fields := scheduler.TransitionFields{RetryCount: &retries}
	if _, err := m.registry.Transition(ctx, t.ID, scheduler.TaskStatusPending, fields); err != nil {
		return fmt.Errorf("requeue stale task %s: %w", t.ID, err)
	}
	metrics.RecordTransition(string(scheduler.TaskStatusPending))
	report.Requeued++
	m.logger.Info("stale running task requeued",
		zap.String("task_id", t.ID),
		zap.String("site", t.Site),
		zap.Int("retry_count", retries),
	)
	return nil
}
