package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to TaskStatus }{
		{TaskStatusPending, TaskStatusRunning},
		{TaskStatusRunning, TaskStatusCompleted},
		{TaskStatusRunning, TaskStatusFailed},
		{TaskStatusRunning, TaskStatusPaused},
		{TaskStatusRunning, TaskStatusPending},
		{TaskStatusPaused, TaskStatusPending},
		{TaskStatusCompleted, TaskStatusPending},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to TaskStatus }{
		{TaskStatusPending, TaskStatusCompleted},
		{TaskStatusPending, TaskStatusPaused},
		{TaskStatusCompleted, TaskStatusRunning},
		{TaskStatusFailed, TaskStatusPending},
		{TaskStatusFailed, TaskStatusRunning},
		{TaskStatusPaused, TaskStatusRunning},
		{TaskStatusCompleted, TaskStatusFailed},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestTaskIDNormalization(t *testing.T) {
	t.Parallel()

	spec := TaskSpec{
		Site:      "Casas y terrenos",
		State:     "Jalisco",
		City:      "Guadalajara",
		Operation: "Venta",
		Product:   "Casa",
	}
	id := TaskID(spec)
	assert.Equal(t, "casas_y_terrenos_jalisco_guadalajara_venta_casa", id)

	// Same key, different spacing and case, must collapse to the same id.
	spec2 := spec
	spec2.Site = "casas Y Terrenos"
	spec2.City = "GUADALAJARA"
	assert.Equal(t, id, TaskID(spec2))

	detail := spec
	detail.Phase = PhaseDetail
	assert.Equal(t, id+"_detail", TaskID(detail))
}

func TestTaskIDAccentFolding(t *testing.T) {
	t.Parallel()

	spec := TaskSpec{
		Site:      "inmuebles24",
		State:     "Nuevo León",
		City:      "Monterrey",
		Operation: "Renta",
		Product:   "Departamento",
	}
	assert.Equal(t, "inmuebles24_nuevo_leon_monterrey_renta_departamento", TaskID(spec))
}

func TestProfileFor(t *testing.T) {
	t.Parallel()

	p := ProfileFor("Inmuebles24")
	assert.Equal(t, 1, p.Priority)
	assert.Equal(t, 15*24*time.Hour, p.RescrapeEvery)
	assert.True(t, p.HasDetailPhase)

	p = ProfileFor("trovit")
	assert.Equal(t, 6, p.Priority)
	assert.False(t, p.HasDetailPhase)

	// Unknown sites get the default profile, never a zero value.
	p = ProfileFor("something-new")
	assert.Equal(t, 10, p.Priority)
	assert.Equal(t, 30*24*time.Hour, p.RescrapeEvery)
}

func TestDigestStableAcrossOrder(t *testing.T) {
	t.Parallel()

	a := Task{ID: "a", Status: TaskStatusPending}
	b := Task{ID: "b", Status: TaskStatusCompleted, RetryCount: 2}

	d1 := Digest([]Task{a, b})
	d2 := Digest([]Task{b, a})
	require.Equal(t, d1, d2)

	b.Status = TaskStatusFailed
	require.NotEqual(t, d1, Digest([]Task{a, b}))
}
