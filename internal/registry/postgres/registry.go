// Package postgres provides the pgx-backed task registry.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/esdata/propertyscraper/internal/scheduler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for the task registry.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Registry stores tasks as one row per task; transitions are single guarded
// UPDATEs, so there is no whole-file rewrite on status changes.
type Registry struct {
	pool  pgxIface
	table string
	clock scheduler.Clock
}

// New creates a Postgres-backed Registry using the provided config.
func New(ctx context.Context, cfg Config, clock scheduler.Clock) (*Registry, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "scrape_tasks"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Registry{pool: pool, table: table, clock: clock}, nil
}

// NewWithPool constructs a Registry from an existing pool (primarily for
// testing with pgxmock).
func NewWithPool(pool pgxIface, table string, clock scheduler.Clock) (*Registry, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "scrape_tasks"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Registry{pool: pool, table: table, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (r *Registry) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// EnsureSchema creates the registry table when it does not exist.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id                TEXT PRIMARY KEY,
	site              TEXT NOT NULL,
	state             TEXT NOT NULL DEFAULT '',
	city              TEXT NOT NULL DEFAULT '',
	operation         TEXT NOT NULL DEFAULT '',
	product           TEXT NOT NULL DEFAULT '',
	phase             TEXT NOT NULL DEFAULT 'listing',
	url               TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	priority          INT NOT NULL DEFAULT 10,
	seq               BIGINT GENERATED ALWAYS AS IDENTITY,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_run_at       TIMESTAMPTZ,
	next_run_at       TIMESTAMPTZ,
	retry_count       INT NOT NULL DEFAULT 0,
	dependency_of     TEXT NOT NULL DEFAULT '',
	output_ref        TEXT NOT NULL DEFAULT '',
	total_runs        INT NOT NULL DEFAULT 0,
	successful_runs   INT NOT NULL DEFAULT 0,
	failed_runs       INT NOT NULL DEFAULT 0,
	records_extracted INT NOT NULL DEFAULT 0,
	last_run          JSONB
)`, r.table)
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const taskColumns = `id, site, state, city, operation, product, phase, url, status, priority, seq,
created_at, last_run_at, next_run_at, retry_count, dependency_of, output_ref,
total_runs, successful_runs, failed_runs, records_extracted, last_run`

func (r *Registry) scanTask(row pgx.Row) (scheduler.Task, error) {
	var (
		t                    scheduler.Task
		lastRunAt, nextRunAt *time.Time
		lastRunJSON          []byte
	)
	err := row.Scan(
		&t.ID, &t.Site, &t.State, &t.City, &t.Operation, &t.Product, &t.Phase,
		&t.URL, &t.Status, &t.Priority, &t.Seq, &t.CreatedAt,
		&lastRunAt, &nextRunAt, &t.RetryCount, &t.DependencyOf, &t.OutputRef,
		&t.TotalRuns, &t.SuccessfulRuns, &t.FailedRuns, &t.RecordsExtracted,
		&lastRunJSON,
	)
	if err != nil {
		return scheduler.Task{}, err
	}
	if lastRunAt != nil {
		t.LastRunAt = *lastRunAt
	}
	if nextRunAt != nil {
		t.NextRunAt = *nextRunAt
	}
	if len(lastRunJSON) > 0 {
		var run scheduler.Run
		if err := json.Unmarshal(lastRunJSON, &run); err != nil {
			return scheduler.Task{}, fmt.Errorf("%w: decode last_run for %s: %v", scheduler.ErrRegistryCorrupt, t.ID, err)
		}
		t.LastRun = &run
	}
	return t, nil
}

// Load inserts catalog specs, skipping rows whose natural-key id exists.
func (r *Registry) Load(ctx context.Context, specs []scheduler.TaskSpec) (int, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (id, site, state, city, operation, product, phase, url, status, priority, created_at, dependency_of)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10, '')
ON CONFLICT (id) DO NOTHING`, r.table)

	created := 0
	now := r.clock.Now()
	for _, spec := range specs {
		phase := spec.Phase
		if phase == "" {
			phase = scheduler.PhaseListing
		}
		priority := spec.Priority
		if priority == 0 {
			priority = scheduler.ProfileFor(spec.Site).Priority
		}
		tag, err := r.pool.Exec(ctx, query,
			scheduler.TaskID(spec), spec.Site, spec.State, spec.City,
			spec.Operation, spec.Product, phase, spec.URL, priority, now,
		)
		if err != nil {
			return created, fmt.Errorf("insert task: %w", err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

// Get fetches a task by id.
func (r *Registry) Get(ctx context.Context, id string) (scheduler.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, taskColumns, r.table)
	t, err := r.scanTask(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return scheduler.Task{}, fmt.Errorf("get %q: %w", id, scheduler.ErrNotFound)
	}
	if err != nil {
		return scheduler.Task{}, fmt.Errorf("get %q: %w", id, err)
	}
	return t, nil
}

func (r *Registry) queryTasks(ctx context.Context, query string, args ...any) ([]scheduler.Task, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []scheduler.Task
	for rows.Next() {
		t, err := r.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan task: %v", scheduler.ErrRegistryCorrupt, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// List returns all tasks in insertion order.
func (r *Registry) List(ctx context.Context) ([]scheduler.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY seq`, taskColumns, r.table)
	return r.queryTasks(ctx, query)
}

// ListByStatus returns tasks in the given status, in insertion order.
func (r *Registry) ListByStatus(ctx context.Context, status scheduler.TaskStatus) ([]scheduler.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = $1 ORDER BY seq`, taskColumns, r.table)
	return r.queryTasks(ctx, query, status)
}

// ListReady returns admissible pending tasks in scheduling order.
func (r *Registry) ListReady(ctx context.Context, now time.Time) ([]scheduler.Task, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE status = 'pending' AND (next_run_at IS NULL OR next_run_at <= $1)
ORDER BY priority, COALESCE(next_run_at, created_at), seq`, taskColumns, r.table)
	return r.queryTasks(ctx, query, now)
}

// Transition applies a guarded single-row UPDATE: the WHERE clause pins the
// status observed during validation, so a concurrent writer cannot slip a
// conflicting transition in between.
func (r *Registry) Transition(
	ctx context.Context,
	id string,
	status scheduler.TaskStatus,
	fields scheduler.TransitionFields,
) (scheduler.Task, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return scheduler.Task{}, err
	}
	if !scheduler.CanTransition(current.Status, status) {
		return scheduler.Task{}, fmt.Errorf(
			"transition %q from %s to %s: %w", id, current.Status, status, scheduler.ErrInvalidTransition)
	}

	next := current
	next.Status = status
	if status == scheduler.TaskStatusCompleted {
		// Success ends the consecutive-failure streak; only failures
		// between successes count against the retry budget.
		next.RetryCount = 0
	}
	if fields.LastRunAt != nil {
		next.LastRunAt = *fields.LastRunAt
	}
	if fields.NextRunAt != nil {
		next.NextRunAt = *fields.NextRunAt
	}
	if fields.RetryCount != nil {
		next.RetryCount = *fields.RetryCount
	}
	if fields.OutputRef != nil {
		next.OutputRef = *fields.OutputRef
	}
	if fields.Run != nil {
		run := *fields.Run
		next.LastRun = &run
		next.TotalRuns++
		if run.Success {
			next.SuccessfulRuns++
			next.RecordsExtracted += run.PropertiesExtracted
		} else {
			next.FailedRuns++
		}
	}
	if fields.ErrorKind != scheduler.ErrorKindNone {
		if next.LastRun != nil {
			run := *next.LastRun
			run.ErrorKind = fields.ErrorKind
			next.LastRun = &run
		} else {
			next.LastRun = &scheduler.Run{Success: false, ErrorKind: fields.ErrorKind}
		}
	}
	if status == scheduler.TaskStatusCompleted && fields.NextRunAt == nil {
		next.NextRunAt = r.clock.Now().Add(scheduler.ProfileFor(next.Site).RescrapeEvery)
	}

	var lastRunJSON []byte
	if next.LastRun != nil {
		lastRunJSON, err = json.Marshal(next.LastRun)
		if err != nil {
			return scheduler.Task{}, fmt.Errorf("marshal last run: %w", err)
		}
	}

	query := fmt.Sprintf(`
UPDATE %s SET
	status = $3, last_run_at = $4, next_run_at = $5, retry_count = $6,
	output_ref = $7, total_runs = $8, successful_runs = $9, failed_runs = $10,
	records_extracted = $11, last_run = $12
WHERE id = $1 AND status = $2`, r.table)

	tag, err := r.pool.Exec(ctx, query,
		id, current.Status, next.Status,
		nullableTime(next.LastRunAt), nullableTime(next.NextRunAt),
		next.RetryCount, next.OutputRef,
		next.TotalRuns, next.SuccessfulRuns, next.FailedRuns,
		next.RecordsExtracted, lastRunJSON,
	)
	if err != nil {
		return scheduler.Task{}, fmt.Errorf("update task %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return scheduler.Task{}, fmt.Errorf(
			"transition %q raced a concurrent update: %w", id, scheduler.ErrInvalidTransition)
	}
	return next, nil
}

// RecordDependency inserts a detail child linked to its parent; repeated
// calls for the same natural key return the existing child.
func (r *Registry) RecordDependency(
	ctx context.Context,
	parentID string,
	spec scheduler.TaskSpec,
) (scheduler.Task, error) {
	parent, err := r.Get(ctx, parentID)
	if err != nil {
		return scheduler.Task{}, err
	}
	if spec.Phase == "" {
		spec.Phase = scheduler.PhaseDetail
	}
	id := scheduler.TaskID(spec)
	if existing, err := r.Get(ctx, id); err == nil {
		if existing.Status == scheduler.TaskStatusCompleted && existing.URL != spec.URL {
			// A fresh URL list from a re-scraped parent re-arms the child.
			rearm := fmt.Sprintf(`
UPDATE %s SET url = $2, status = 'pending', next_run_at = NULL
WHERE id = $1 AND status = 'completed'`, r.table)
			if _, err := r.pool.Exec(ctx, rearm, id, spec.URL); err != nil {
				return scheduler.Task{}, fmt.Errorf("re-arm dependent task: %w", err)
			}
			return r.Get(ctx, id)
		}
		return existing, nil
	} else if !errors.Is(err, scheduler.ErrNotFound) {
		return scheduler.Task{}, err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, site, state, city, operation, product, phase, url, status, priority, created_at, dependency_of)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10, $11)
ON CONFLICT (id) DO NOTHING`, r.table)
	if _, err := r.pool.Exec(ctx, query,
		id, spec.Site, spec.State, spec.City, spec.Operation, spec.Product,
		spec.Phase, spec.URL, parent.Priority, r.clock.Now(), parent.ID,
	); err != nil {
		return scheduler.Task{}, fmt.Errorf("insert dependent task: %w", err)
	}
	return r.Get(ctx, id)
}

// Counts returns the status histogram.
func (r *Registry) Counts(ctx context.Context) (scheduler.StatusCounts, error) {
	query := fmt.Sprintf(`SELECT status, count(*) FROM %s GROUP BY status`, r.table)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return scheduler.StatusCounts{}, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	var c scheduler.StatusCounts
	for rows.Next() {
		var (
			status scheduler.TaskStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return scheduler.StatusCounts{}, fmt.Errorf("scan count: %w", err)
		}
		switch status {
		case scheduler.TaskStatusPending:
			c.Pending = n
		case scheduler.TaskStatusRunning:
			c.Running = n
		case scheduler.TaskStatusCompleted:
			c.Completed = n
		case scheduler.TaskStatusFailed:
			c.Failed = n
		case scheduler.TaskStatusPaused:
			c.Paused = n
		}
	}
	if err := rows.Err(); err != nil {
		return scheduler.StatusCounts{}, fmt.Errorf("iterate counts: %w", err)
	}
	return c, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
