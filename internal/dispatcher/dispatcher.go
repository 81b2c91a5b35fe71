// Package dispatcher implements the scheduling control loop: admission,
// lane assignment, reaping, and checkpointing.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/esdata/propertyscraper/internal/metrics"
	"github.com/esdata/propertyscraper/internal/scheduler"
)

// Pool is the worker-pool surface the dispatcher drives.
type Pool interface {
	Start(ctx context.Context)
	Submit(ctx context.Context, a scheduler.Assignment) error
	Results() <-chan scheduler.Result
	Stop()
}

// Config controls dispatcher behavior.
type Config struct {
	// MaxConcurrentSites bounds global concurrency; one lane per site.
	MaxConcurrentSites int
	// CycleInterval is the periodic re-check cadence. Completion signals
	// wake the loop earlier, so this is a ceiling, not a fixed latency.
	CycleInterval time.Duration
	// MaxRetries is the executor-failure budget before a task fails with
	// exhausted_retries.
	MaxRetries int
	// ShutdownGrace bounds how long active workers may finish after a
	// shutdown signal before their tasks are parked paused.
	ShutdownGrace time.Duration
	// RunOnce makes the loop exit once no lanes are occupied and nothing
	// is ready, instead of idling for re-scrape windows.
	RunOnce bool
}

// ErrNonResumable reports that shutdown left tasks that could not be parked
// in a resumable state.
var ErrNonResumable = errors.New("tasks left non-resumable at shutdown")

// Dispatcher owns all task status decisions. Workers execute and report;
// every transition funnels through the reap step here, which is the
// single-writer discipline that keeps lane occupancy and registry state
// consistent.
type Dispatcher struct {
	registry    scheduler.Registry
	pool        Pool
	admission   scheduler.AdmissionController
	checkpoints scheduler.CheckpointStore
	notifier    scheduler.Notifier
	clock       scheduler.Clock
	idGen       scheduler.IDGenerator
	cfg         Config
	logger      *zap.Logger

	mu       sync.Mutex
	lanes    map[string]string // site -> running task id
	handles  map[string]string // task id -> execution handle
	affinity map[string]uint64 // site -> lane tenancy recency
	laneSeq  uint64
}

// New creates a Dispatcher.
func New(
	registry scheduler.Registry,
	pool Pool,
	admission scheduler.AdmissionController,
	checkpoints scheduler.CheckpointStore,
	notifier scheduler.Notifier,
	clock scheduler.Clock,
	idGen scheduler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.MaxConcurrentSites <= 0 {
		cfg.MaxConcurrentSites = 4
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Dispatcher{
		registry:    registry,
		pool:        pool,
		admission:   admission,
		checkpoints: checkpoints,
		notifier:    notifier,
		clock:       clock,
		idGen:       idGen,
		cfg:         cfg,
		logger:      logger,
		lanes:       make(map[string]string),
		handles:     make(map[string]string),
		affinity:    make(map[string]uint64),
	}
}

// Run executes the control loop until the context is canceled or, in
// run-once mode, until all work drains. It returns ErrNonResumable when a
// shutdown could not park every in-flight task.
func (d *Dispatcher) Run(ctx context.Context) error {
	// Transitions and the final checkpoint must survive signal
	// cancellation, otherwise interrupted tasks could not be parked.
	opCtx := context.WithoutCancel(ctx)

	workerCtx, cancelWorkers := context.WithCancel(opCtx)
	defer cancelWorkers()
	d.pool.Start(workerCtx)

	ticker := time.NewTicker(d.cfg.CycleInterval)
	defer ticker.Stop()

	d.cycle(ctx, opCtx)

	for {
		if d.cfg.RunOnce && d.drained(opCtx) {
			d.logger.Info("all scheduled work drained")
			d.persistCheckpoint(opCtx)
			cancelWorkers()
			d.pool.Stop()
			return nil
		}

		select {
		case <-ctx.Done():
			return d.shutdown(opCtx, cancelWorkers)
		case res := <-d.pool.Results():
			d.reap(opCtx, res)
			d.cycle(ctx, opCtx)
		case <-ticker.C:
			d.cycle(ctx, opCtx)
		}
	}
}

// cycle performs one scheduling pass: drain queued results, re-arm elapsed
// periodic tasks, admit onto free lanes, and checkpoint.
func (d *Dispatcher) cycle(ctx, opCtx context.Context) {
	d.drainResults(opCtx)
	d.rearmElapsed(opCtx)
	d.admit(ctx, opCtx)
	d.persistCheckpoint(opCtx)
	d.reportStatus(opCtx)
}

// drainResults consumes any completions already queued without blocking.
func (d *Dispatcher) drainResults(opCtx context.Context) {
	for {
		select {
		case res := <-d.pool.Results():
			d.reap(opCtx, res)
		default:
			return
		}
	}
}

// rearmElapsed returns completed tasks to pending once their re-scrape
// window has passed.
func (d *Dispatcher) rearmElapsed(opCtx context.Context) {
	completed, err := d.registry.ListByStatus(opCtx, scheduler.TaskStatusCompleted)
	if err != nil {
		d.logger.Error("list completed tasks failed", zap.Error(err))
		return
	}
	now := d.clock.Now()
	for _, t := range completed {
		if t.NextRunAt.IsZero() || t.NextRunAt.After(now) {
			continue
		}
		if _, err := d.registry.Transition(opCtx, t.ID, scheduler.TaskStatusPending, scheduler.TransitionFields{}); err != nil {
			d.logger.Error("re-arm task failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		metrics.RecordTransition(string(scheduler.TaskStatusPending))
		d.logger.Info("task re-armed for periodic scrape",
			zap.String("task_id", t.ID),
			zap.String("site", t.Site),
		)
	}
}

// admit fills free lanes with ready tasks while the host has headroom.
func (d *Dispatcher) admit(ctx, opCtx context.Context) {
	for d.occupied() < d.cfg.MaxConcurrentSites {
		if ctx.Err() != nil {
			return
		}
		candidate, ok, err := d.nextCandidate(opCtx)
		if err != nil {
			d.logger.Error("list ready tasks failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		if !d.admission.CanAdmit(ctx) {
			// Deferral, not an error; the next cycle re-checks, so there
			// is no busy-spin here.
			metrics.RecordAdmissionRejection()
			return
		}
		if err := d.assign(ctx, opCtx, candidate); err != nil {
			d.logger.Error("assign task failed",
				zap.String("task_id", candidate.ID),
				zap.Error(err),
			)
			return
		}
	}
}

// nextCandidate picks the highest-priority ready task whose site holds no
// lane. ListReady's ordering (priority, longest-waiting, insertion) makes
// the choice deterministic. When several sites share the best priority,
// the site that most recently held a lane keeps it until its ready tasks
// drain, so a site's work finishes before the lane moves on.
func (d *Dispatcher) nextCandidate(opCtx context.Context) (scheduler.Task, bool, error) {
	ready, err := d.registry.ListReady(opCtx, d.clock.Now())
	if err != nil {
		return scheduler.Task{}, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var best scheduler.Task
	found := false
	for _, t := range ready {
		if _, busy := d.lanes[t.Site]; busy {
			continue
		}
		if !found {
			best, found = t, true
			continue
		}
		if t.Priority != best.Priority {
			// ListReady sorts by priority ascending, so nothing after
			// this can tie the best candidate.
			break
		}
		if d.affinity[t.Site] > d.affinity[best.Site] {
			best = t
		}
	}
	return best, found, nil
}

// assign transitions the task to running and claims its lane before the
// worker ever sees it, so the same task can never be admitted twice.
func (d *Dispatcher) assign(ctx, opCtx context.Context, task scheduler.Task) error {
	handle, err := d.idGen.NewID()
	if err != nil {
		return fmt.Errorf("new execution handle: %w", err)
	}
	now := d.clock.Now()
	running, err := d.registry.Transition(opCtx, task.ID, scheduler.TaskStatusRunning, scheduler.TransitionFields{
		LastRunAt: &now,
	})
	if err != nil {
		return fmt.Errorf("transition to running: %w", err)
	}
	metrics.RecordTransition(string(scheduler.TaskStatusRunning))

	d.mu.Lock()
	d.lanes[task.Site] = task.ID
	d.handles[task.ID] = handle
	d.mu.Unlock()
	metrics.SetOccupiedLanes(d.occupied())

	if err := d.pool.Submit(ctx, scheduler.Assignment{Task: running, Handle: handle}); err != nil {
		d.releaseLane(task.Site, task.ID)
		if _, rbErr := d.registry.Transition(opCtx, task.ID, scheduler.TaskStatusPending, scheduler.TransitionFields{}); rbErr != nil {
			d.logger.Error("rollback to pending failed", zap.String("task_id", task.ID), zap.Error(rbErr))
		}
		return fmt.Errorf("submit to pool: %w", err)
	}

	d.logger.Info("task admitted",
		zap.String("task_id", task.ID),
		zap.String("site", task.Site),
		zap.String("operation", task.Operation),
		zap.String("product", task.Product),
		zap.String("handle", handle),
		zap.Int("occupied_lanes", d.occupied()),
	)
	return nil
}

// reap applies the outcome of one finished execution. This is the only
// place final statuses are decided.
func (d *Dispatcher) reap(opCtx context.Context, res scheduler.Result) {
	task, err := d.registry.Get(opCtx, res.TaskID)
	if err != nil {
		d.logger.Error("reap unknown task", zap.String("task_id", res.TaskID), zap.Error(err))
		d.releaseLane(res.Site, res.TaskID)
		return
	}

	run := &scheduler.Run{
		Handle:              res.Handle,
		StartedAt:           res.StartedAt,
		FinishedAt:          res.FinishedAt,
		Success:             res.Success,
		PropertiesExtracted: res.PropertiesExtracted,
		ErrorKind:           res.ErrorKind,
	}

	if res.Success {
		d.reapSuccess(opCtx, task, res, run)
	} else {
		d.reapFailure(opCtx, task, res, run)
	}

	d.releaseLane(res.Site, res.TaskID)
	metrics.SetOccupiedLanes(d.occupied())
}

func (d *Dispatcher) reapSuccess(opCtx context.Context, task scheduler.Task, res scheduler.Result, run *scheduler.Run) {
	fields := scheduler.TransitionFields{Run: run}
	if res.OutputRef != "" {
		fields.OutputRef = &res.OutputRef
	}
	completed, err := d.registry.Transition(opCtx, task.ID, scheduler.TaskStatusCompleted, fields)
	if err != nil {
		d.logger.Error("transition to completed failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	metrics.RecordTransition(string(scheduler.TaskStatusCompleted))
	d.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.String("site", task.Site),
		zap.Int("properties_extracted", res.PropertiesExtracted),
		zap.Time("next_run_at", completed.NextRunAt),
	)

	d.maybeEnqueueDetail(opCtx, completed, res)
	d.notifyBackup(opCtx, completed)
}

func (d *Dispatcher) reapFailure(opCtx context.Context, task scheduler.Task, res scheduler.Result, run *scheduler.Run) {
	retries := task.RetryCount + 1
	fields := scheduler.TransitionFields{Run: run, RetryCount: &retries}

	if retries >= d.cfg.MaxRetries {
		fields.ErrorKind = scheduler.ErrorKindExhaustedRetries
		if fields.Run != nil {
			fields.Run.ErrorKind = scheduler.ErrorKindExhaustedRetries
		}
		if _, err := d.registry.Transition(opCtx, task.ID, scheduler.TaskStatusFailed, fields); err != nil {
			d.logger.Error("transition to failed failed", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		metrics.RecordTransition(string(scheduler.TaskStatusFailed))
		d.logger.Warn("task failed permanently",
			zap.String("task_id", task.ID),
			zap.String("site", task.Site),
			zap.Int("retry_count", retries),
			zap.String("error_kind", string(scheduler.ErrorKindExhaustedRetries)),
		)
		return
	}

	if _, err := d.registry.Transition(opCtx, task.ID, scheduler.TaskStatusPending, fields); err != nil {
		d.logger.Error("requeue after failure failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	metrics.RecordTransition(string(scheduler.TaskStatusPending))
	d.logger.Warn("task requeued after executor failure",
		zap.String("task_id", task.ID),
		zap.String("site", task.Site),
		zap.Int("retry_count", retries),
		zap.String("error_kind", string(res.ErrorKind)),
	)
}

// maybeEnqueueDetail seeds the detail pass when a listing scrape emitted a
// URL list. A child-enqueue failure never fails the parent.
func (d *Dispatcher) maybeEnqueueDetail(opCtx context.Context, task scheduler.Task, res scheduler.Result) {
	if res.OutputRef == "" || task.Phase != scheduler.PhaseListing {
		return
	}
	if !scheduler.ProfileFor(task.Site).HasDetailPhase {
		return
	}
	child, err := d.registry.RecordDependency(opCtx, task.ID, scheduler.TaskSpec{
		Site:      task.Site,
		State:     task.State,
		City:      task.City,
		Operation: task.Operation,
		Product:   task.Product,
		Phase:     scheduler.PhaseDetail,
		URL:       res.OutputRef,
	})
	if err != nil {
		metrics.RecordDependencyEnqueue("error")
		d.logger.Error("dependent task enqueue failed",
			zap.String("parent_id", task.ID),
			zap.Error(err),
		)
		return
	}
	metrics.RecordDependencyEnqueue("ok")
	d.logger.Info("dependent detail task enqueued",
		zap.String("parent_id", task.ID),
		zap.String("child_id", child.ID),
		zap.String("urls_ref", res.OutputRef),
	)
}

// notifyBackup fires the backup notifier without blocking the loop.
func (d *Dispatcher) notifyBackup(opCtx context.Context, task scheduler.Task) {
	if d.notifier == nil {
		return
	}
	go func() {
		notifyCtx, cancel := context.WithTimeout(opCtx, time.Minute)
		defer cancel()
		if err := d.notifier.Notify(notifyCtx, task.Site, task.Operation, task.OutputRef); err != nil {
			d.logger.Warn("backup notification failed",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
		}
	}()
}

// shutdown stops admissions, grants active workers a bounded grace period,
// and parks whatever is still running as paused.
func (d *Dispatcher) shutdown(opCtx context.Context, cancelWorkers context.CancelFunc) error {
	d.logger.Info("shutdown initiated",
		zap.Int("occupied_lanes", d.occupied()),
		zap.Duration("grace", d.cfg.ShutdownGrace),
	)

	deadline := time.NewTimer(d.cfg.ShutdownGrace)
	defer deadline.Stop()
	for d.occupied() > 0 {
		select {
		case res := <-d.pool.Results():
			d.reap(opCtx, res)
		case <-deadline.C:
			goto park
		}
	}

park:
	cancelWorkers()
	d.pool.Stop()

	nonResumable := 0
	d.mu.Lock()
	remaining := make(map[string]string, len(d.lanes))
	for site, id := range d.lanes {
		remaining[site] = id
	}
	d.mu.Unlock()

	for site, id := range remaining {
		if _, err := d.registry.Transition(opCtx, id, scheduler.TaskStatusPaused, scheduler.TransitionFields{}); err != nil {
			nonResumable++
			d.logger.Error("pause running task failed",
				zap.String("task_id", id),
				zap.String("site", site),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordTransition(string(scheduler.TaskStatusPaused))
		d.logger.Info("task paused for resume", zap.String("task_id", id), zap.String("site", site))
		d.releaseLane(site, id)
	}

	d.persistCheckpoint(opCtx)
	d.logger.Info("shutdown complete", zap.Int("non_resumable", nonResumable))

	if nonResumable > 0 {
		return fmt.Errorf("%w: %d task(s)", ErrNonResumable, nonResumable)
	}
	return nil
}

// drained reports whether no lanes are occupied and nothing is ready.
func (d *Dispatcher) drained(opCtx context.Context) bool {
	if d.occupied() > 0 {
		return false
	}
	ready, err := d.registry.ListReady(opCtx, d.clock.Now())
	if err != nil {
		d.logger.Error("list ready tasks failed", zap.Error(err))
		return false
	}
	return len(ready) == 0
}

// persistCheckpoint snapshots lane occupancy and the registry digest. A
// persist failure is logged and counted but never stops scheduling.
func (d *Dispatcher) persistCheckpoint(opCtx context.Context) {
	tasks, err := d.registry.List(opCtx)
	if err != nil {
		metrics.RecordCheckpointError()
		d.logger.Error("snapshot registry failed", zap.Error(err))
		return
	}
	counts, err := d.registry.Counts(opCtx)
	if err != nil {
		metrics.RecordCheckpointError()
		d.logger.Error("count tasks failed", zap.Error(err))
		return
	}

	d.mu.Lock()
	cp := scheduler.Checkpoint{
		Version:        scheduler.CheckpointVersion,
		Timestamp:      d.clock.Now(),
		Lanes:          make(map[string]string, len(d.lanes)),
		Counts:         counts,
		RegistryDigest: scheduler.Digest(tasks),
	}
	for site, id := range d.lanes {
		cp.Lanes[site] = id
		cp.Running = append(cp.Running, scheduler.RunningTask{
			TaskID: id,
			Handle: d.handles[id],
			Site:   site,
		})
	}
	d.mu.Unlock()

	if err := d.checkpoints.Save(opCtx, cp); err != nil {
		metrics.RecordCheckpointError()
		d.logger.Error("persist checkpoint failed", zap.Error(err))
	}
}

func (d *Dispatcher) reportStatus(opCtx context.Context) {
	counts, err := d.registry.Counts(opCtx)
	if err != nil {
		return
	}
	d.logger.Info("scheduler status",
		zap.Int("pending", counts.Pending),
		zap.Int("running", counts.Running),
		zap.Int("completed", counts.Completed),
		zap.Int("failed", counts.Failed),
		zap.Int("paused", counts.Paused),
		zap.Int("occupied_lanes", d.occupied()),
		zap.Int("max_concurrent_sites", d.cfg.MaxConcurrentSites),
	)
}

func (d *Dispatcher) occupied() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

func (d *Dispatcher) releaseLane(site, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lanes[site] == taskID {
		delete(d.lanes, site)
		d.laneSeq++
		d.affinity[site] = d.laneSeq
	}
	delete(d.handles, taskID)
}

// Lanes returns a copy of current lane occupancy for status reporting.
func (d *Dispatcher) Lanes() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.lanes))
	for site, id := range d.lanes {
		out[site] = id
	}
	return out
}
