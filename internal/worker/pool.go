// Package worker executes assigned tasks through the scrape executor.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/esdata/propertyscraper/internal/metrics"
	"github.com/esdata/propertyscraper/internal/scheduler"
)

// Pool runs a fixed number of workers. Each assignment occupies one worker
// for the full duration of the opaque executor call; outcomes travel back on
// the results channel and are never written to shared state here.
type Pool struct {
	executor     scheduler.Executor
	clock        scheduler.Clock
	assignments  chan scheduler.Assignment
	results      chan scheduler.Result
	size         int
	drainTimeout time.Duration
	logger       *zap.Logger

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a Pool with size parallel workers.
func New(executor scheduler.Executor, clock scheduler.Clock, size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		executor:     executor,
		clock:        clock,
		assignments:  make(chan scheduler.Assignment, size),
		results:      make(chan scheduler.Result, size),
		size:         size,
		drainTimeout: 30 * time.Second,
		logger:       logger,
	}
}

// Start launches the worker goroutines. It is idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go func(idx int) {
				defer p.wg.Done()
				p.run(ctx, p.logger.With(zap.Int("worker", idx)))
			}(i)
		}
	})
}

// Submit hands an assignment to the pool, or fails when the context ends.
// The dispatcher only submits while it holds a free lane, so capacity is
// never exceeded.
func (p *Pool) Submit(ctx context.Context, a scheduler.Assignment) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("submit canceled: %w", ctx.Err())
	case p.assignments <- a:
		return nil
	}
}

// Results exposes the completion channel consumed by the dispatcher's reap
// step.
func (p *Pool) Results() <-chan scheduler.Result {
	return p.results
}

// Stop closes the assignment channel and waits for in-flight executions to
// wind down. The wait is bounded: an executor that ignores cancellation is
// abandoned after drainTimeout so shutdown can still park tasks and write
// the final checkpoint.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.assignments)
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.drainTimeout):
		p.logger.Warn("abandoning workers still busy after drain timeout",
			zap.Duration("drain_timeout", p.drainTimeout),
		)
	}
}

func (p *Pool) run(ctx context.Context, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-p.assignments:
			if !ok {
				return
			}
			res := p.execute(ctx, a, logger)
			metrics.RecordExecution(res.Site, res.Duration, res.PropertiesExtracted)
			select {
			case p.results <- res:
			case <-ctx.Done():
				// Reaping stopped; the final checkpoint still records
				// this task as running, so recovery requeues it.
				return
			}
		}
	}
}

func (p *Pool) execute(ctx context.Context, a scheduler.Assignment, logger *zap.Logger) (res scheduler.Result) {
	started := p.clock.Now()
	logger.Info("executor started",
		zap.String("task_id", a.Task.ID),
		zap.String("site", a.Task.Site),
		zap.String("operation", a.Task.Operation),
		zap.String("handle", a.Handle),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("executor panicked",
				zap.String("task_id", a.Task.ID),
				zap.Any("panic", r),
			)
			res = scheduler.Result{
				Success:   false,
				ErrorKind: scheduler.ErrorKindPanic,
			}
		}
		res.TaskID = a.Task.ID
		res.Handle = a.Handle
		res.Site = a.Task.Site
		res.StartedAt = started
		res.FinishedAt = p.clock.Now()
		if res.Duration == 0 {
			res.Duration = res.FinishedAt.Sub(res.StartedAt)
		}
	}()

	result, err := p.executor.Execute(ctx, a.Task)
	if err != nil {
		logger.Error("executor failed",
			zap.String("task_id", a.Task.ID),
			zap.Error(err),
		)
		kind := result.ErrorKind
		if kind == scheduler.ErrorKindNone {
			kind = scheduler.ErrorKindNetwork
		}
		return scheduler.Result{Success: false, ErrorKind: kind}
	}

	logger.Info("executor finished",
		zap.String("task_id", a.Task.ID),
		zap.Bool("success", result.Success),
		zap.Int("properties_extracted", result.PropertiesExtracted),
		zap.Duration("duration", result.Duration),
	)
	return result
}
