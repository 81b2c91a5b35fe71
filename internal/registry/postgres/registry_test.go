package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/esdata/propertyscraper/internal/scheduler"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

var taskCols = []string{
	"id", "site", "state", "city", "operation", "product", "phase", "url",
	"status", "priority", "seq", "created_at", "last_run_at", "next_run_at",
	"retry_count", "dependency_of", "output_ref", "total_runs",
	"successful_runs", "failed_runs", "records_extracted", "last_run",
}

func pendingRow(id, site string, created time.Time) []any {
	return []any{
		id, site, "Jalisco", "Guadalajara", "Venta", "Casa",
		string(scheduler.PhaseListing), "https://" + site + ".example/",
		string(scheduler.TaskStatusPending), 1, int64(1), created,
		(*time.Time)(nil), (*time.Time)(nil), 0, "", "", 0, 0, 0, 0, []byte(nil),
	}
}

func TestNewWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "bad.table; drop", newTestClock())
	require.Error(t, err)

	reg, err := NewWithPool(mock, "", newTestClock())
	require.NoError(t, err)
	require.Equal(t, "scrape_tasks", reg.table)
}

func TestLoadCountsOnlyNewRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clock := newTestClock()
	reg, err := NewWithPool(mock, "scrape_tasks", clock)
	require.NoError(t, err)

	specs := []scheduler.TaskSpec{
		{Site: "inmuebles24", State: "Jalisco", City: "Guadalajara", Operation: "Venta", Product: "Casa", URL: "https://a"},
		{Site: "trovit", State: "Jalisco", City: "Zapopan", Operation: "Venta", Product: "Casa", URL: "https://b"},
	}

	mock.ExpectExec("INSERT INTO scrape_tasks").
		WithArgs(
			scheduler.TaskID(specs[0]), "inmuebles24", "Jalisco", "Guadalajara",
			"Venta", "Casa", scheduler.PhaseListing, "https://a", 1, clock.Now(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// Second row already exists; ON CONFLICT swallows it.
	mock.ExpectExec("INSERT INTO scrape_tasks").
		WithArgs(
			scheduler.TaskID(specs[1]), "trovit", "Jalisco", "Zapopan",
			"Venta", "Casa", scheduler.PhaseListing, "https://b", 6, clock.Now(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := reg.Load(context.Background(), specs)
	require.NoError(t, err)
	require.Equal(t, 1, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	reg, err := NewWithPool(mock, "scrape_tasks", newTestClock())
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .+ FROM scrape_tasks WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(taskCols))

	_, err = reg.Get(context.Background(), "missing")
	require.ErrorIs(t, err, scheduler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCorruptLastRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clock := newTestClock()
	reg, err := NewWithPool(mock, "scrape_tasks", clock)
	require.NoError(t, err)

	row := pendingRow("t1", "trovit", clock.Now())
	row[len(row)-1] = []byte("{not json")
	mock.ExpectQuery("SELECT .+ FROM scrape_tasks WHERE id").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(taskCols).AddRow(row...))

	_, err = reg.Get(context.Background(), "t1")
	require.ErrorIs(t, err, scheduler.ErrRegistryCorrupt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListReadyQueriesPending(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clock := newTestClock()
	reg, err := NewWithPool(mock, "scrape_tasks", clock)
	require.NoError(t, err)

	rows := pgxmock.NewRows(taskCols).
		AddRow(pendingRow("t1", "inmuebles24", clock.Now())...).
		AddRow(pendingRow("t2", "trovit", clock.Now())...)
	mock.ExpectQuery(`WHERE status = 'pending' AND \(next_run_at IS NULL OR next_run_at <=`).
		WithArgs(clock.Now()).
		WillReturnRows(rows)

	ready, err := reg.ListReady(context.Background(), clock.Now())
	require.NoError(t, err)
	require.Len(t, ready, 2)
	require.Equal(t, "t1", ready[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionGuardedUpdate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clock := newTestClock()
	reg, err := NewWithPool(mock, "scrape_tasks", clock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .+ FROM scrape_tasks WHERE id").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(taskCols).AddRow(pendingRow("t1", "trovit", clock.Now())...))

	now := clock.Now()
	mock.ExpectExec("UPDATE scrape_tasks SET").
		WithArgs(
			"t1", scheduler.TaskStatusPending, scheduler.TaskStatusRunning,
			now, nil, 0, "", 0, 0, 0, 0, []byte(nil),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	task, err := reg.Transition(context.Background(), "t1", scheduler.TaskStatusRunning, scheduler.TransitionFields{
		LastRunAt: &now,
	})
	require.NoError(t, err)
	require.Equal(t, scheduler.TaskStatusRunning, task.Status)
	require.Equal(t, now, task.LastRunAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionCompletedResetsRetryCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clock := newTestClock()
	reg, err := NewWithPool(mock, "scrape_tasks", clock)
	require.NoError(t, err)

	// Row mid-run with three failures already on the counter.
	row := pendingRow("t1", "trovit", clock.Now())
	row[8] = string(scheduler.TaskStatusRunning)
	row[14] = 3
	mock.ExpectQuery("SELECT .+ FROM scrape_tasks WHERE id").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(taskCols).AddRow(row...))

	run := &scheduler.Run{Success: true, PropertiesExtracted: 25}
	runJSON, err := json.Marshal(run)
	require.NoError(t, err)

	// Completion writes retry_count = 0: a success ends the streak.
	mock.ExpectExec("UPDATE scrape_tasks SET").
		WithArgs(
			"t1", scheduler.TaskStatusRunning, scheduler.TaskStatusCompleted,
			nil, clock.Now().Add(14*24*time.Hour), 0, "", 1, 1, 0, 25, runJSON,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	task, err := reg.Transition(context.Background(), "t1", scheduler.TaskStatusCompleted, scheduler.TransitionFields{
		Run: run,
	})
	require.NoError(t, err)
	require.Zero(t, task.RetryCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRejectsInvalid(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clock := newTestClock()
	reg, err := NewWithPool(mock, "scrape_tasks", clock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .+ FROM scrape_tasks WHERE id").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(taskCols).AddRow(pendingRow("t1", "trovit", clock.Now())...))

	_, err = reg.Transition(context.Background(), "t1", scheduler.TaskStatusCompleted, scheduler.TransitionFields{})
	require.ErrorIs(t, err, scheduler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionDetectsRace(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	clock := newTestClock()
	reg, err := NewWithPool(mock, "scrape_tasks", clock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .+ FROM scrape_tasks WHERE id").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(taskCols).AddRow(pendingRow("t1", "trovit", clock.Now())...))
	// Another writer moved the row between validation and update.
	mock.ExpectExec("UPDATE scrape_tasks SET").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err = reg.Transition(context.Background(), "t1", scheduler.TaskStatusRunning, scheduler.TransitionFields{})
	require.ErrorIs(t, err, scheduler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountsHistogram(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	reg, err := NewWithPool(mock, "scrape_tasks", newTestClock())
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{"status", "count"}).
		AddRow(string(scheduler.TaskStatusPending), 3).
		AddRow(string(scheduler.TaskStatusCompleted), 2).
		AddRow(string(scheduler.TaskStatusFailed), 1)
	mock.ExpectQuery("SELECT status, count").WillReturnRows(rows)

	counts, err := reg.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, counts.Pending)
	require.Equal(t, 2, counts.Completed)
	require.Equal(t, 1, counts.Failed)
	require.Equal(t, 6, counts.Total())
	require.NoError(t, mock.ExpectationsWereMet())
}
